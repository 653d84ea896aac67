package completion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridge_fifoPushThenAwait(t *testing.T) {
	for _, tc := range []struct {
		pushes int
		awaits int
	}{
		{1, 1},
		{5, 5},
		{10, 3},
		{64, 64},
	} {
		b := New[int]()
		for i := 0; i < tc.pushes; i++ {
			require.True(t, b.Push(i))
		}
		for i := 0; i < tc.awaits; i++ {
			v, err := b.Await(context.Background())
			require.NoError(t, err)
			assert.Equal(t, i, v)
		}
		assert.Equal(t, tc.pushes-tc.awaits, b.Len())
	}
}

func TestBridge_awaitBeforePush(t *testing.T) {
	b := New[string]()

	result := make(chan string, 1)
	go func() {
		v, err := b.Await(context.Background())
		if err != nil {
			result <- "error: " + err.Error()
			return
		}
		result <- v
	}()

	waitForWaiter(t, b)

	select {
	case v := <-result:
		t.Fatalf("resumed before push: %q", v)
	case <-time.After(20 * time.Millisecond):
	}

	require.True(t, b.Push("hello"))

	select {
	case v := <-result:
		assert.Equal(t, "hello", v)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for resume")
	}

	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Waiting())
}

func TestBridge_concurrentAwait(t *testing.T) {
	b := New[int]()

	first := make(chan int, 1)
	go func() {
		v, _ := b.Await(context.Background())
		first <- v
	}()
	waitForWaiter(t, b)

	_, err := b.Await(context.Background())
	require.ErrorIs(t, err, ErrConcurrentAwait)

	b.Push(7)
	select {
	case v := <-first:
		assert.Equal(t, 7, v)
	case <-time.After(5 * time.Second):
		t.Fatal("first waiter was not resumed")
	}
}

func TestBridge_cancelledAwaitLeavesValueQueued(t *testing.T) {
	b := New[int]()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Await(ctx)
		done <- err
	}()
	waitForWaiter(t, b)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("await did not observe cancellation")
	}

	assert.False(t, b.Waiting())
	b.Push(42)
	assert.Equal(t, 1, b.Len())

	v, ok := b.TryNext()
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestBridge_awaitPendingIgnoresDoneContext(t *testing.T) {
	b := New[int]()
	b.Push(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v, err := b.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestBridge_close(t *testing.T) {
	b := New[int]()
	b.Push(1)
	b.Push(2)

	require.NoError(t, b.Err())
	sentinel := errors.New("torn down")
	b.Close(sentinel)
	b.Close(nil)
	assert.ErrorIs(t, b.Err(), sentinel)

	assert.False(t, b.Push(3))

	v, err := b.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = b.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = b.Await(context.Background())
	assert.ErrorIs(t, err, sentinel)
}

func TestBridge_closeReleasesWaiter(t *testing.T) {
	b := New[*int]()

	done := make(chan error, 1)
	go func() {
		_, err := b.Await(context.Background())
		done <- err
	}()
	waitForWaiter(t, b)

	b.Close(nil)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released by close")
	}
}

func TestBridge_nilInterfaceValue(t *testing.T) {
	b := New[error]()
	b.Push(nil)
	v, err := b.Await(context.Background())
	require.NoError(t, err)
	assert.Nil(t, v)
}

func waitForWaiter[T any](t *testing.T, b *Bridge[T]) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !b.Waiting() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for waiter registration")
		}
		time.Sleep(time.Millisecond)
	}
}
