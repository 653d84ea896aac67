// Package sockloop bridges a callback driven I/O reactor (see package
// reactor) to sequential, blocking style code.
//
// Each socket operation issues a single reactor request, then blocks the
// calling goroutine until the reactor's callback delivers the outcome. The
// callbacks only ever run on the goroutine pumping the [Service], so the
// pattern is one pumping goroutine, plus any number of goroutines using
// sockets:
//
//	svc, _ := sockloop.NewService()
//	go func() {
//		stream, _ := svc.NewStream()
//		defer stream.Close(ctx)
//		if err := stream.Connect(ctx, "127.0.0.1", 1234); err != nil {
//			return
//		}
//		_ = stream.Send(ctx, []byte("Hello world!\n"))
//		_ = stream.RecvStart()
//		for {
//			r, err := stream.Recv(ctx)
//			if err != nil || r.Broken() {
//				return
//			}
//			os.Stdout.Write(r.Bytes())
//			r.Release()
//		}
//	}()
//	_ = svc.Serve(ctx)
//
// Reactor statuses are passed through uninterpreted, as [StatusError] for
// connect and send, and as the read count of each [Received], for receives.
// Nothing is retried internally.
package sockloop
