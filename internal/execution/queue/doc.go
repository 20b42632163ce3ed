// Package queue implements the concurrency-bounded execution queue.
//
// States:
//   - queued -> running -> completed | failed | cancelled
//   - queued -> cancelled
//
// At most Config.MaxConcurrent executions run at once; the rest wait in
// strict submission order and are promoted as soon as a slot frees. Every
// request is admitted once it validates. Queue depth is reported back
// through QueuePosition, and past Config.SoftQueueDepth the admission also
// carries a ResourceExhaustedError warning.
//
// Emits:
//   - Every status change produces exactly one domain.Transition, delivered
//     to the TransitionSink in the order it happened.
//   - A handle reaches exactly one terminal status. Terminal handles are
//     kept for Config.Retention and then evicted.
package queue
