// Package fleetconn supervises a fleet of child worker processes that each
// own a physical sensor device and stream data to a controller.
//
// The package implements the connection coordinator: the subsystem that
// owns the lifecycle of every (module, device) pairing from "process spawn
// requested" through "device streaming" to "graceful shutdown acknowledged."
// It guarantees reliable command delivery, bounded recovery from transient
// faults, consistent observable state, and clean release of OS resources on
// teardown.
//
// The coordinator delegates to three collaborating subpackages:
//
//   - retry: exponential-backoff-with-jitter attempt execution
//   - cmdtracker: correlation-ID command/ACK matching
//   - heartbeat: per-instance liveness monitoring
//
// A fourth subpackage, shutdown, performs multi-phase child process
// termination. The coordinator does not call it; the host drives it,
// for example from its ChildController's Stop.
//
// Device protocols, GUI layers, file-format producers, and plugin loading
// are out of scope; the coordinator is handed instance identifiers and
// callbacks by the host and never interprets payload semantics.
package fleetconn
