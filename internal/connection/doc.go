// Package connection implements the server side of a subject or supervisor
// WebSocket.
//
// Each Conn runs:
//   - A read loop on the caller's goroutine, handing frames to a Handler in
//     arrival order
//   - A write pump draining a bounded outbound queue, so a slow peer loses
//     messages instead of stalling broadcasts
//   - Server pings on a fixed interval with a pong deadline
//
// Conn satisfies registry.Sink.
package connection
