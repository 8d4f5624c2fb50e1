// Package health holds the probes behind the ops listener's liveness and
// readiness endpoints.
//
// Probes compose with [All]. [Latch] keeps readiness failing until the
// launch sequence has picked an update, and [ShutdownGate] fails it again
// while the agent drains.
package health
