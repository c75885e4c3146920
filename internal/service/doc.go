package service

// Package service orchestrates the worker processes of dropwatch.
//
// Overview
// The Service owns a single control loop (Run). Every piece of mutable
// orchestration state lives on that goroutine: the current monitoring run,
// the pending claim and authentication requests and the scheduler with its
// job records. Public methods post a closure to the loop and wait for the
// reply. Worker events reach the loop through one forwarder goroutine per
// worker handle, so the lines of a worker are handled in emission order.
//
// Data flow:
//
//   caller            Service.Run (loop)         worker.Supervisor     forwarder{h}
//     |                     |                          |                    |
//     | MonitorUsername --->| Start(monitor) --------->| spawn              |
//     |<---- ack -----------|------------------------------------------------>| range h.Events()
//     |                     |<----------------- post(event) -------------------|
//     |                     | push / notify / claim                            |
//     |                     | HandleMonitoringResult (job bound runs)          |
//
// Claim and authenticate calls block the caller, not the loop: the loop
// registers a pending request keyed by the worker handle and resolves it
// when the final result line or the exit arrives.
//
// Invariants:
//   - At most one live worker per kind, a newer request supersedes.
//   - A job bound monitoring run reconciles its job exactly once.
//   - Scheduler timers are delivered through the loop.
//   - Shutdown (deferred order): scheduler timers -> workers -> forwarders.
