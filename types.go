package fleetconn

import (
	"fmt"
	"time"
)

// InstanceID identifies one (module, device) pairing managed as a unit.
// It is immutable for the lifetime of an instance record.
type InstanceID struct {
	ModuleID string
	DeviceID string
}

// Key returns the composed display key, e.g. "module:device".
func (id InstanceID) Key() string {
	return fmt.Sprintf("%s:%s", id.ModuleID, id.DeviceID)
}

func (id InstanceID) String() string {
	return id.Key()
}

// ConnectionState is the tagged state of one instance's connection
// lifecycle. Running means "child process alive and healthy but no device
// attached"; Connected adds "device assigned and streaming."
type ConnectionState string

const (
	StateDisconnected  ConnectionState = "disconnected"
	StateStarting      ConnectionState = "starting"
	StateRunning       ConnectionState = "running"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateDisconnecting ConnectionState = "disconnecting"
	StateStopping      ConnectionState = "stopping"
	StateFailed        ConnectionState = "failed"
)

// IsTransitional reports whether the state represents "work in progress,
// UI should indicate activity" per the glossary.
func (s ConnectionState) IsTransitional() bool {
	switch s {
	case StateStarting, StateConnecting, StateDisconnecting, StateStopping:
		return true
	default:
		return false
	}
}

// ConnectionEvent is the tagged set of inputs that drive the coordinator's
// state machine.
type ConnectionEvent string

const (
	EventStartRequested      ConnectionEvent = "start_requested"
	EventProcessStarted      ConnectionEvent = "process_started"
	EventProcessReady        ConnectionEvent = "process_ready"
	EventConnectRequested    ConnectionEvent = "connect_requested"
	EventDeviceReady         ConnectionEvent = "device_ready"
	EventDeviceError         ConnectionEvent = "device_error"
	EventDisconnectRequested ConnectionEvent = "disconnect_requested"
	EventDeviceDisconnected  ConnectionEvent = "device_disconnected"
	EventStopRequested       ConnectionEvent = "stop_requested"
	EventProcessStopped      ConnectionEvent = "process_stopped"
	EventProcessCrashed      ConnectionEvent = "process_crashed"
	EventHeartbeatTimeout    ConnectionEvent = "heartbeat_timeout"
	EventRetryExhausted      ConnectionEvent = "retry_exhausted"
)

// ConnectionInfo is the per-instance record owned exclusively by the
// Coordinator.
type ConnectionInfo struct {
	InstanceID     InstanceID
	ModuleID       string
	DeviceID       string
	State          ConnectionState
	StateEnteredAt time.Time
	ErrorMessage   string
	RetryCount     int
	LastHeartbeat  time.Time
}

// Snapshot returns a value copy safe to hand to callers outside the
// coordinator's mutex.
func (c *ConnectionInfo) Snapshot() ConnectionInfo {
	return *c
}

// UIState is the derived, UI-visible view of one instance, published via
// the UI callback.
type UIState struct {
	DeviceID   string
	Connected  bool
	Connecting bool
}
