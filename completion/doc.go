// Package completion provides the handoff primitives that turn a reactor
// callback firing into a blocked goroutine resuming.
//
// # Bridge
//
// A [Bridge] is a single-producer, single-consumer FIFO of completions. The
// producer is a reactor callback, which calls [Bridge.Push] and never blocks.
// The consumer is the goroutine that issued the operation, which calls
// [Bridge.Await]. If a value is already pending, Await returns it without
// blocking; otherwise the caller is registered as the sole waiter, and the
// next Push hands the value straight to it.
//
// Only one waiter is supported at a time. A second concurrent Await fails
// with [ErrConcurrentAwait], rather than silently racing the first for the
// next value.
//
// # Latch
//
// A [Latch] is a one-shot acknowledgement, used for close: it carries no
// payload, only the fact that the reactor released the resource.
//
//	var latch completion.Latch
//	if latch.Arm() {
//	    handle.Close(func() { latch.Release() })
//	}
//	err := latch.Await(ctx)
package completion
