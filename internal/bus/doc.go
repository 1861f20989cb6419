// Package bus implements the process-wide group broadcast bus using the actor pattern.
//
// A single goroutine owns the group membership maps and consumes a command channel
// (no mutexes). Delivery to a subscriber is a non-blocking enqueue into its frame
// buffer; a full buffer drops the frame rather than stalling other subscribers.
package bus
