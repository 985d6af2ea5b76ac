// Package was implements the worker side of the Web Application Socket
// (WAS) protocol: a synchronous, one-request-at-a-time RPC between a web
// server (the peer) and a long-lived worker process, carried over three
// inherited Unix file descriptors — a framed, bidirectional control
// channel plus two unidirectional raw body pipes.
//
// A Session is bound to that triple of descriptors for its whole lifetime.
// Session.Accept blocks until the peer has described a complete request,
// after which the application reads the request body (if any), sets a
// response status/headers, writes a response body, and calls Session.End
// (or lets the next Accept do it implicitly). None of this is safe for
// concurrent use: exactly one request is ever in flight per Session, by
// design.
package was
