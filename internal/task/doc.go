// Package task implements the background task execution engine: a bounded
// priority queue with a dispatch loop, a manager owning the task lifecycle
// state machine with retry, timeout, and cooperative cancellation, and a
// read-only monitor deriving health and progress. What a task actually does
// is supplied by callers as an Executable; the engine only guarantees
// ordering, bounded concurrency, durability, and observability around it.
package task
