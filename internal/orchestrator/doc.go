// Package orchestrator binds the execution queue to the adapters, the
// event bus and the context service.
//
// Emits:
//   - every queue transition is published on the "executions" bus channel
//     and recorded as an Execution* context event.
//   - ingested CIRun events are also published on the "ci" channel.
//
// Context ingestion is asynchronous and retried, since it is idempotent.
// Executions themselves are never retried.
package orchestrator
