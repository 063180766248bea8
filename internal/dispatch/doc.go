// Package dispatch drains a queue source into the worker pool.
//
// A Dispatcher loops on a blocking pop with a bounded timeout. Each result is
// forwarded to the pool: popped bytes become a task (spilled to a temp file
// when oversized) and an empty pop becomes a no-op tick. Stop requests are
// seen between pops only; a pop in flight is never interrupted, so shutdown
// latency is bounded by the pop timeout.
//
// Delivery rules:
//   - Tasks are forwarded in pop order, one at a time per dispatcher
//   - Dispatch blocks while every worker is busy (backpressure)
//   - A task that cannot be handed over because of shutdown is requeued at
//     the head of the queue and its spill file removed
//   - Queue errors are logged and retried after a capped exponential backoff
package dispatch
