// Package fleetconn implements the connection coordinator: the
// subsystem owning the lifecycle of every (module, device) pairing from
// process-spawn-requested through device-streaming to shutdown. The
// Coordinator is the single stateful component; retry, command
// correlation, and heartbeat monitoring each live in their own
// collaborator package and are wired in here. Shutdown escalation also
// lives in its own package (shutdown), but the Coordinator does not call
// it: the host drives it, for example from its ChildController's Stop.
package fleetconn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriax-io/fleetconn/cmdtracker"
	"github.com/oriax-io/fleetconn/heartbeat"
	"github.com/oriax-io/fleetconn/retry"
)

// Coordinator owns one ConnectionInfo per instance and is the sole
// writer of its state field, all under a single mutex (invariant 2).
type Coordinator struct {
	logger    Logger
	telemetry Telemetry
	config    *Config

	tracker   *cmdtracker.Tracker
	heartbeat *heartbeat.Monitor
	observers *observerRegistry

	mu           sync.Mutex
	instances    map[string]*ConnectionInfo
	controllers  map[string]ChildController
	readyWaiters map[string]chan struct{}
}

// New wires a Coordinator from its collaborators. logger and telemetry
// may be nil; cfg defaults to DefaultConfig() when nil.
func New(cfg *Config, logger Logger, telemetry Telemetry) *Coordinator {
	if logger == nil {
		logger = NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = NoOpTelemetry{}
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	c := &Coordinator{
		logger:       logger.With("coordinator"),
		telemetry:    telemetry,
		config:       cfg,
		tracker:      cmdtracker.New(logger, time.Second),
		observers:    newObserverRegistry(logger.With("observers")),
		instances:    make(map[string]*ConnectionInfo),
		controllers:  make(map[string]ChildController),
		readyWaiters: make(map[string]chan struct{}),
	}
	c.heartbeat = heartbeat.New(heartbeat.Config{
		ExpectedInterval:   cfg.Heartbeat.ExpectedInterval,
		WarningThreshold:   cfg.Heartbeat.WarningThreshold,
		UnhealthyThreshold: cfg.Heartbeat.UnhealthyThreshold,
		CallbackTimeout:    cfg.Heartbeat.CallbackTimeout,
		OnUnhealthy:        c.onHeartbeatUnhealthy,
	}, logger)
	c.tracker.Start()
	c.heartbeat.Start(context.Background())
	return c
}

// OnStateChange registers an observer invoked after every accepted
// transition, outside the coordinator's mutex.
func (c *Coordinator) OnStateChange(fn StateChangeObserver) { c.observers.OnStateChange(fn) }

// OnUIChange registers an observer invoked with the derived UI view.
func (c *Coordinator) OnUIChange(fn UIObserver) { c.observers.OnUIChange(fn) }

// Stop tears down the tracker and heartbeat monitor. Intended for
// process-wide shutdown, not per-instance teardown (see StopInstance).
func (c *Coordinator) Stop() {
	c.tracker.Stop()
	c.heartbeat.Stop()
}

// Snapshot returns a value copy of instanceID's current record. It
// backs GetState/GetError/IsConnected/IsTransitional, host-facing query
// operations of spec.md §6; GetUIState scans the instance map itself.
func (c *Coordinator) Snapshot(instanceID string) (ConnectionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.instances[instanceID]
	if !ok {
		return ConnectionInfo{}, false
	}
	return info.Snapshot(), true
}

// GetState reports instanceID's current ConnectionState. ok is false
// for an unknown instance.
func (c *Coordinator) GetState(instanceID string) (ConnectionState, bool) {
	info, ok := c.Snapshot(instanceID)
	if !ok {
		return "", false
	}
	return info.State, true
}

// GetError reports the error message recorded on instanceID's current
// state, if any. ok is false for an unknown instance; a known instance
// with no recorded error returns ("", true).
func (c *Coordinator) GetError(instanceID string) (string, bool) {
	info, ok := c.Snapshot(instanceID)
	if !ok {
		return "", false
	}
	return info.ErrorMessage, true
}

// IsConnected reports whether instanceID is currently Connected.
func (c *Coordinator) IsConnected(instanceID string) bool {
	info, ok := c.Snapshot(instanceID)
	return ok && info.State == StateConnected
}

// IsTransitional reports whether instanceID is mid-transition (Starting,
// Connecting, Disconnecting, or Stopping), per ConnectionState's own
// IsTransitional classification.
func (c *Coordinator) IsTransitional(instanceID string) bool {
	info, ok := c.Snapshot(instanceID)
	return ok && info.State.IsTransitional()
}

// GetUIState returns the derived UI view for deviceID: whether it is
// connected, and whether it is mid-transition. ok is false if no
// instance currently owns deviceID.
func (c *Coordinator) GetUIState(deviceID string) (view UIState, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, info := range c.instances {
		if info.DeviceID != deviceID {
			continue
		}
		return UIState{
			DeviceID:   deviceID,
			Connected:  info.State == StateConnected,
			Connecting: info.State.IsTransitional(),
		}, true
	}
	return UIState{}, false
}

// transition applies (event) to instanceID's current state under the
// single mutex, returns whether it was accepted, and dispatches
// notifications after releasing the lock.
func (c *Coordinator) transition(instanceID InstanceID, event ConnectionEvent, mutate func(info *ConnectionInfo)) bool {
	key := instanceID.Key()

	c.mu.Lock()
	info, ok := c.instances[key]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("transition rejected: unknown instance", map[string]interface{}{
			"instance_id": key, "event": string(event),
		})
		return false
	}

	to, allowed := nextState(info.State, event)
	if !allowed {
		c.mu.Unlock()
		c.logger.Warn("transition rejected: no rule for (state, event)", map[string]interface{}{
			"instance_id": key, "state": string(info.State), "event": string(event),
		})
		return false
	}

	old := info.State
	info.State = to
	info.StateEnteredAt = time.Now()
	if to == StateConnected || to == StateRunning {
		info.ErrorMessage = ""
		info.RetryCount = 0
	}
	if mutate != nil {
		mutate(info)
	}
	errMsg := info.ErrorMessage
	c.mu.Unlock()

	c.telemetry.RecordMetric("transitions_total", 1, map[string]string{
		"from": string(old), "to": string(to), "event": string(event),
	})
	c.observers.dispatch(StateChange{InstanceID: instanceID, OldState: old, NewState: to, Error: errMsg})
	return true
}

// StartInstance creates the ConnectionInfo on first use (or reuses the
// existing record left behind by a prior stop, restarting it from
// Disconnected or Failed), transitions to Starting, and invokes
// controller.Start. On success it registers the instance with the
// Heartbeat Monitor and transitions to Running; on failure it records
// the error and transitions to Failed. Returns the outcome.
//
// readyTimeout implements the optional ready-handshake (spec.md §9): a
// zero value fires ProcessReady immediately once Start returns
// (baseline behavior); a positive value instead waits up to
// readyTimeout for the host to call OnProcessReady, treating a timeout
// as a crash.
func (c *Coordinator) StartInstance(ctx context.Context, instanceID InstanceID, controller ChildController, readyTimeout time.Duration) bool {
	key := instanceID.Key()

	c.mu.Lock()
	if _, exists := c.instances[key]; !exists {
		c.instances[key] = &ConnectionInfo{
			InstanceID:     instanceID,
			ModuleID:       instanceID.ModuleID,
			DeviceID:       instanceID.DeviceID,
			State:          StateDisconnected,
			StateEnteredAt: time.Now(),
		}
	}
	c.controllers[key] = controller
	c.mu.Unlock()

	if !c.transition(instanceID, EventStartRequested, nil) {
		return false
	}

	if err := controller.Start(ctx, instanceID); err != nil {
		wrapped := newError("start_instance", instanceID, fmt.Errorf("%w: %v", ErrLifecycleError, err))
		c.transition(instanceID, EventProcessCrashed, func(info *ConnectionInfo) {
			info.ErrorMessage = wrapped.Error()
		})
		c.logger.Error("start_instance failed", map[string]interface{}{"instance_id": key, "error": wrapped.Error()})
		return false
	}

	c.heartbeat.Register(key)

	if readyTimeout <= 0 {
		return c.transition(instanceID, EventProcessReady, nil)
	}
	return c.awaitReady(instanceID, readyTimeout)
}

// awaitReady implements the ready-handshake supplement: it marks the
// process started (a Starting→Starting self-loop) and blocks until
// OnProcessReady delivers the inbound "ready" status or readyTimeout
// elapses.
func (c *Coordinator) awaitReady(instanceID InstanceID, readyTimeout time.Duration) bool {
	key := instanceID.Key()
	c.transition(instanceID, EventProcessStarted, nil)

	waitCh := make(chan struct{})
	c.mu.Lock()
	c.readyWaiters[key] = waitCh
	c.mu.Unlock()

	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()

	select {
	case <-waitCh:
		return c.transition(instanceID, EventProcessReady, nil)
	case <-timer.C:
		c.mu.Lock()
		delete(c.readyWaiters, key)
		c.mu.Unlock()
		c.transition(instanceID, EventProcessCrashed, func(info *ConnectionInfo) {
			info.ErrorMessage = "ready handshake timed out"
		})
		return false
	}
}

// OnProcessReady delivers the inbound "ready" status used by the
// optional ready-handshake. A call with no outstanding waiter (already
// timed out, or the baseline immediate-ready path was used) is a no-op.
func (c *Coordinator) OnProcessReady(instanceID InstanceID) {
	key := instanceID.Key()
	c.mu.Lock()
	waitCh, ok := c.readyWaiters[key]
	if ok {
		delete(c.readyWaiters, key)
	}
	c.mu.Unlock()
	if ok {
		close(waitCh)
	}
}

// ConnectDevice requires Running (or Failed, which is rejected by the
// transition table and so returns false); a call while already
// Connecting is a no-op returning false. It runs the assign closure
// through the Retry Engine under policy (up to policy.MaxAttempts
// attempts), dispatching the assign_device command through the Command
// Tracker on each attempt.
func (c *Coordinator) ConnectDevice(ctx context.Context, instanceID InstanceID, controller ChildController, policy retry.Policy, commandTimeout time.Duration) bool {
	key := instanceID.Key()

	c.mu.Lock()
	info, ok := c.instances[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if info.State == StateConnecting {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if !c.transition(instanceID, EventConnectRequested, nil) {
		return false
	}

	start := time.Now()
	result := retry.Run(ctx, policy, nil, func(ctx context.Context) (bool, error) {
		commandID := cmdtracker.NewCommandID()
		payload, err := controller.BuildCommand(commandID)
		if err != nil {
			return false, err
		}
		send := func(ctx context.Context, payload []byte) error {
			return controller.Send(ctx, instanceID, payload)
		}
		res := c.tracker.SendAndWait(ctx, send, "assign_device", payload, commandID, instanceID.DeviceID, commandTimeout)
		if res.Success() {
			return true, nil
		}
		return false, fmt.Errorf("assign_device %s: %s", res.Kind, res.Error)
	})

	c.mu.Lock()
	if info, ok := c.instances[key]; ok {
		info.RetryCount = len(result.Attempts)
	}
	c.mu.Unlock()

	c.telemetry.RecordMetric("connect_device.duration_ms", durationMS(time.Since(start)), map[string]string{
		"instance_id": key, "outcome": result.Outcome.String(),
	})

	switch result.Outcome {
	case retry.OutcomeSuccess:
		return c.transition(instanceID, EventDeviceReady, nil)
	default:
		errMsg := ""
		if result.LastError != nil {
			errMsg = result.LastError.Error()
		}
		return c.transition(instanceID, EventRetryExhausted, func(info *ConnectionInfo) {
			info.ErrorMessage = errMsg
		})
	}
}

// DisconnectDevice requires Connected; otherwise it is a no-op
// returning false. It always returns to Running once the disconnect
// payload has been attempted, regardless of send outcome, because the
// instance side has already committed to release the device.
func (c *Coordinator) DisconnectDevice(ctx context.Context, instanceID InstanceID, controller ChildController, payload []byte, timeout time.Duration) bool {
	key := instanceID.Key()
	c.mu.Lock()
	info, ok := c.instances[key]
	if !ok || info.State != StateConnected {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if !c.transition(instanceID, EventDisconnectRequested, nil) {
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := controller.Send(sendCtx, instanceID, payload); err != nil {
		c.logger.Warn("disconnect_device send failed, proceeding anyway", map[string]interface{}{
			"instance_id": key, "error": err.Error(),
		})
	}

	return c.transition(instanceID, EventDeviceDisconnected, nil)
}

// StopInstance unregisters instanceID from the Heartbeat Monitor,
// transitions to Stopping, invokes controller.Stop, and transitions to
// Disconnected. Errors from Stop are logged but never prevent reaching
// the terminal Disconnected state: idempotence outranks propagation
// here.
func (c *Coordinator) StopInstance(ctx context.Context, instanceID InstanceID, controller ChildController) bool {
	key := instanceID.Key()
	c.heartbeat.Unregister(key)

	if !c.transition(instanceID, EventStopRequested, nil) {
		return false
	}

	if err := controller.Stop(ctx, instanceID); err != nil {
		c.logger.Error("stop_instance: stop_fn failed", map[string]interface{}{
			"instance_id": key, "error": err.Error(),
		})
	}

	ok := c.transition(instanceID, EventProcessStopped, nil)

	c.mu.Lock()
	delete(c.controllers, key)
	c.mu.Unlock()

	return ok
}

// OnDeviceReady delegates to the Command Tracker. If no pending assign
// matched and the instance is Connecting, it schedules a spontaneous
// DeviceReady transition (rare but allowed by spec.md §4.5).
func (c *Coordinator) OnDeviceReady(instanceID InstanceID, deviceID string, data interface{}) {
	if c.tracker.OnDeviceReady(deviceID, data) {
		return
	}

	key := instanceID.Key()
	c.mu.Lock()
	info, ok := c.instances[key]
	spontaneous := ok && info.State == StateConnecting
	c.mu.Unlock()

	if spontaneous {
		c.transition(instanceID, EventDeviceReady, nil)
	}
}

// OnDeviceError delegates to the Command Tracker. It never synthesizes
// a transition on its own: Connecting → Running follows only the Retry
// Engine's verdict.
func (c *Coordinator) OnDeviceError(deviceID string, errMsg string) {
	c.tracker.OnDeviceError(deviceID, errMsg)
}

// OnHeartbeat feeds the Heartbeat Monitor and updates last_heartbeat_at.
func (c *Coordinator) OnHeartbeat(instanceID InstanceID, data interface{}) {
	key := instanceID.Key()
	c.heartbeat.OnHeartbeat(key)

	c.mu.Lock()
	if info, ok := c.instances[key]; ok {
		info.LastHeartbeat = time.Now()
	}
	c.mu.Unlock()
}

// OnProcessExit unregisters instanceID from the Heartbeat Monitor and
// fires ProcessCrashed or ProcessStopped depending on whether the exit
// was expected.
func (c *Coordinator) OnProcessExit(instanceID InstanceID, crashed bool) {
	key := instanceID.Key()
	c.heartbeat.Unregister(key)

	event := EventProcessStopped
	if crashed {
		event = EventProcessCrashed
	}
	c.transition(instanceID, event, nil)
}

func (c *Coordinator) onHeartbeatUnhealthy(ctx context.Context, instanceID string, info heartbeat.Info) {
	c.mu.Lock()
	connInfo, ok := c.instances[instanceID]
	id := InstanceID{}
	if ok {
		id = connInfo.InstanceID
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.transition(id, EventHeartbeatTimeout, func(info *ConnectionInfo) {
		info.ErrorMessage = "heartbeat timeout"
	})
}
