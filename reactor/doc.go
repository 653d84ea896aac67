// Package reactor implements a single goroutine, callback driven I/O
// reactor, for TCP and UDP sockets, in the style of libuv.
//
// A [Loop] owns a level triggered poller (epoll on linux, kqueue on darwin),
// a registry of open handles, and a queue of pending callbacks. Operations,
// such as [TCP.Connect], [TCP.Write], [TCP.ReadStart], [UDP.RecvStart] and
// [UDP.Send], may be issued from any goroutine, and each completes by
// invoking its callback, with an integer status, on a later iteration of the
// loop. The goroutine pumping the loop, via [Loop.RunOnce], [Loop.Run] or
// [Loop.Serve], is the only goroutine callbacks ever run on.
//
// Statuses follow libuv: 0 is success, a positive value is a byte count,
// and a negative value is either [EOF] or a negated errno, see [StatusErr].
//
// Reads use an [AllocFunc], called immediately before each read, and the
// buffer it returns is handed, in full, to the read callback.
package reactor
