// Package stream implements the connection protocol: the per-stream
// subscription endpoint state machine, the startup-time stream registry,
// and the per-connection demultiplexer that routes inbound messages and
// forwards bus deliveries to the socket.
package stream
