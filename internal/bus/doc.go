// Package bus implements the broadcast core: a single producer submits
// records, the bus fans them out to any number of attached sessions through
// bounded per-session queues, and a configurable policy decides what happens
// when a queue is full (drop-oldest, backpressure, or disconnect).
//
// The bus also owns the global sequence counter, the monotonic clock origin,
// the optional history ring buffer replayed to late subscribers, and the
// require-observer gate that stalls the producer while nobody is connected.
package bus
