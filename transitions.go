package fleetconn

// transitionKey is the lookup key into the fixed transition table of
// spec.md §4.5.
type transitionKey struct {
	from  ConnectionState
	event ConnectionEvent
}

// transitionTable enumerates every (state, event) pair the Coordinator
// accepts. A pair absent from this map is a no-op rejection, logged at
// WARN, never silently applied (invariant 3).
var transitionTable = map[transitionKey]ConnectionState{
	{StateDisconnected, EventStartRequested}: StateStarting,

	{StateStarting, EventProcessStarted}: StateStarting,
	{StateStarting, EventProcessReady}:   StateRunning,
	{StateStarting, EventProcessCrashed}: StateFailed,

	{StateRunning, EventConnectRequested}: StateConnecting,

	{StateConnecting, EventDeviceReady}:    StateConnected,
	{StateConnecting, EventDeviceError}:    StateRunning,
	{StateConnecting, EventRetryExhausted}: StateFailed,

	{StateConnected, EventDisconnectRequested}: StateDisconnecting,
	{StateConnected, EventHeartbeatTimeout}:    StateFailed,

	{StateDisconnecting, EventDeviceDisconnected}: StateRunning,

	{StateRunning, EventStopRequested}:    StateStopping,
	{StateConnecting, EventStopRequested}: StateStopping,
	{StateConnected, EventStopRequested}:  StateStopping,

	{StateStopping, EventProcessStopped}: StateDisconnected,
	{StateStopping, EventProcessCrashed}: StateDisconnected,

	{StateRunning, EventProcessCrashed}:       StateFailed,
	{StateConnecting, EventProcessCrashed}:    StateFailed,
	{StateConnected, EventProcessCrashed}:     StateFailed,
	{StateDisconnecting, EventProcessCrashed}: StateFailed,

	{StateFailed, EventStartRequested}: StateStarting,
	{StateFailed, EventStopRequested}:  StateDisconnected,
}

// nextState looks up the allowed destination for (from, event). ok is
// false when the pair is not in the table.
func nextState(from ConnectionState, event ConnectionEvent) (ConnectionState, bool) {
	to, ok := transitionTable[transitionKey{from: from, event: event}]
	return to, ok
}
