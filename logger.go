package fleetconn

import "github.com/oriax-io/fleetconn/fleetlog"

// Logger, NoOpLogger, and StdLogger are re-exported from fleetlog so
// callers can keep writing fleetconn.Logger at the host boundary. The
// canonical definitions live in fleetlog, a leaf package with no
// dependency on fleetconn, so cmdtracker/heartbeat/shutdown can depend
// on the same types without importing back up through the root package.
type Logger = fleetlog.Logger

// NoOpLogger discards everything. It is the default when no logger is
// injected, matching the "logging is injected" design note.
type NoOpLogger = fleetlog.NoOpLogger

// StdLogger is a small structured logger on top of the standard
// library's log package, for use when the host hasn't wired in its own
// logging stack.
type StdLogger = fleetlog.StdLogger

// NewStdLogger creates a logger that writes structured lines to the
// standard logger.
func NewStdLogger() *StdLogger {
	return fleetlog.NewStdLogger()
}
