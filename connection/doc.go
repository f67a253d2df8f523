// Package connection provides the byte-stream transport the runner talks to a
// device through.
//
// Two variants satisfy the same Connection capability:
//
//   - SerialConn: a serial (USB) port, opened with a port name and baud rate.
//   - NetConn: a TCP socket, opened with a host and port.
//
// The variant is chosen once, from a Target, by Open. There is no runtime
// switching between transports.
//
// # Framing
//
// ReceiveUntil reads one byte at a time into the caller's buffer and stops at
// the delimiter (inclusive), when the buffer is full, or when the stream yields
// no byte within the read timeout. Reading byte by byte guarantees that no
// byte of the following frame is consumed, so the connection keeps no
// read-ahead buffer between calls.
package connection
