// Package engine manages the lifecycle of executions. It persists each job,
// dispatches it to the orchestration service on its own goroutine, walks it
// through the status state machine, applies timeout and retry policy, and
// publishes lifecycle events.
package engine
