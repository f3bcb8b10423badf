// Package orchestration is the stateless façade between the lifecycle
// manager and the backend adapters. It resolves adapters through the
// registry, races executions against their timeout, turns adapter faults into
// failed results and translates backend errors into canonical codes.
package orchestration
