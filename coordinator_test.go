package fleetconn_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriax-io/fleetconn"
	"github.com/oriax-io/fleetconn/retry"
)

type recordingController struct {
	startFn        func(ctx context.Context, id fleetconn.InstanceID) error
	stopFn         func(ctx context.Context, id fleetconn.InstanceID) error
	buildCommandFn func(commandID string) ([]byte, error)
	sendFn         func(ctx context.Context, id fleetconn.InstanceID, payload []byte) error
}

func (c recordingController) Start(ctx context.Context, id fleetconn.InstanceID) error {
	if c.startFn == nil {
		return nil
	}
	return c.startFn(ctx, id)
}
func (c recordingController) Stop(ctx context.Context, id fleetconn.InstanceID) error {
	if c.stopFn == nil {
		return nil
	}
	return c.stopFn(ctx, id)
}
func (c recordingController) BuildCommand(commandID string) ([]byte, error) {
	if c.buildCommandFn == nil {
		return []byte(commandID), nil
	}
	return c.buildCommandFn(commandID)
}
func (c recordingController) Send(ctx context.Context, id fleetconn.InstanceID, payload []byte) error {
	if c.sendFn == nil {
		return nil
	}
	return c.sendFn(ctx, id, payload)
}

func newCoordinator(t *testing.T) *fleetconn.Coordinator {
	t.Helper()
	cfg := fleetconn.DefaultConfig()
	coord := fleetconn.New(cfg, nil, nil)
	t.Cleanup(coord.Stop)
	return coord
}

type transitionRecorder struct {
	mu      sync.Mutex
	changes []fleetconn.StateChange
}

func (r *transitionRecorder) record(change fleetconn.StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
}

func (r *transitionRecorder) states() []fleetconn.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]fleetconn.ConnectionState, len(r.changes))
	for i, c := range r.changes {
		states[i] = c.NewState
	}
	return states
}

func TestHappyPath_ReachesConnected(t *testing.T) {
	coord := newCoordinator(t)
	rec := &transitionRecorder{}
	coord.OnStateChange(rec.record)

	id := fleetconn.InstanceID{ModuleID: "M", DeviceID: "D1"}

	var deviceReady sync.WaitGroup
	deviceReady.Add(1)
	controller := recordingController{
		sendFn: func(ctx context.Context, id fleetconn.InstanceID, payload []byte) error {
			go func() {
				time.Sleep(5 * time.Millisecond)
				coord.OnDeviceReady(id, id.DeviceID, map[string]interface{}{})
				deviceReady.Done()
			}()
			return nil
		},
	}

	ok := coord.StartInstance(context.Background(), id, controller, 0)
	require.True(t, ok)

	ok = coord.ConnectDevice(context.Background(), id, controller, retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, time.Second)
	require.True(t, ok)
	deviceReady.Wait()

	info, found := coord.Snapshot(id.Key())
	require.True(t, found)
	assert.Equal(t, fleetconn.StateConnected, info.State)

	assert.Equal(t, []fleetconn.ConnectionState{
		fleetconn.StateStarting, fleetconn.StateRunning, fleetconn.StateConnecting, fleetconn.StateConnected,
	}, rec.states())
}

func TestRetryThenSuccess_ReachesConnectedWithRetryCountReset(t *testing.T) {
	coord := newCoordinator(t)
	id := fleetconn.InstanceID{ModuleID: "M", DeviceID: "D2"}

	var attempts int
	var mu sync.Mutex
	controller := recordingController{
		sendFn: func(ctx context.Context, id fleetconn.InstanceID, payload []byte) error {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 3 {
				go func() {
					time.Sleep(2 * time.Millisecond)
					coord.OnDeviceReady(id, id.DeviceID, nil)
				}()
			}
			return nil
		},
	}

	require.True(t, coord.StartInstance(context.Background(), id, controller, 0))

	policy := retry.Policy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond, Factor: 2, MaxDelay: time.Second}
	ok := coord.ConnectDevice(context.Background(), id, controller, policy, 15*time.Millisecond)
	require.True(t, ok)

	info, found := coord.Snapshot(id.Key())
	require.True(t, found)
	assert.Equal(t, fleetconn.StateConnected, info.State)
	assert.Equal(t, 0, info.RetryCount)
}

func TestRetryExhausted_MovesToFailedWithLastError(t *testing.T) {
	coord := newCoordinator(t)
	id := fleetconn.InstanceID{ModuleID: "M", DeviceID: "D3"}

	controller := recordingController{
		sendFn: func(ctx context.Context, id fleetconn.InstanceID, payload []byte) error { return nil },
	}

	require.True(t, coord.StartInstance(context.Background(), id, controller, 0))

	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Factor: 1}
	ok := coord.ConnectDevice(context.Background(), id, controller, policy, 5*time.Millisecond)
	require.False(t, ok)

	info, found := coord.Snapshot(id.Key())
	require.True(t, found)
	assert.Equal(t, fleetconn.StateFailed, info.State)
	assert.NotEmpty(t, info.ErrorMessage)
}

func TestStartInstance_FailureMovesToFailed(t *testing.T) {
	coord := newCoordinator(t)
	id := fleetconn.InstanceID{ModuleID: "M", DeviceID: "D4"}

	controller := recordingController{
		startFn: func(ctx context.Context, id fleetconn.InstanceID) error { return errors.New("spawn failed") },
	}

	ok := coord.StartInstance(context.Background(), id, controller, 0)
	assert.False(t, ok)

	info, found := coord.Snapshot(id.Key())
	require.True(t, found)
	assert.Equal(t, fleetconn.StateFailed, info.State)
	assert.Contains(t, info.ErrorMessage, "spawn failed")
}

func TestStopInstance_RoundTripRestoresDisconnected(t *testing.T) {
	coord := newCoordinator(t)
	id := fleetconn.InstanceID{ModuleID: "M", DeviceID: "D5"}
	controller := recordingController{}

	require.True(t, coord.StartInstance(context.Background(), id, controller, 0))
	ok := coord.StopInstance(context.Background(), id, controller)
	require.True(t, ok)

	info, found := coord.Snapshot(id.Key())
	require.True(t, found)
	assert.Contains(t, []fleetconn.ConnectionState{fleetconn.StateDisconnected, fleetconn.StateFailed}, info.State)
}

func TestStopInstance_StopFnErrorStillReachesDisconnected(t *testing.T) {
	coord := newCoordinator(t)
	id := fleetconn.InstanceID{ModuleID: "M", DeviceID: "D6"}
	controller := recordingController{
		stopFn: func(ctx context.Context, id fleetconn.InstanceID) error { return errors.New("stop_fn exploded") },
	}

	require.True(t, coord.StartInstance(context.Background(), id, controller, 0))
	ok := coord.StopInstance(context.Background(), id, controller)
	require.True(t, ok)

	info, found := coord.Snapshot(id.Key())
	require.True(t, found)
	assert.Equal(t, fleetconn.StateDisconnected, info.State)
}

func TestDisconnectDevice_RoundTripRestoresRunning(t *testing.T) {
	coord := newCoordinator(t)
	id := fleetconn.InstanceID{ModuleID: "M", DeviceID: "D7"}

	controller := recordingController{
		sendFn: func(ctx context.Context, id fleetconn.InstanceID, payload []byte) error {
			go coord.OnDeviceReady(id, id.DeviceID, nil)
			return nil
		},
	}

	require.True(t, coord.StartInstance(context.Background(), id, controller, 0))
	require.True(t, coord.ConnectDevice(context.Background(), id, controller, retry.Policy{MaxAttempts: 1}, time.Second))

	require.Eventually(t, func() bool {
		info, _ := coord.Snapshot(id.Key())
		return info.State == fleetconn.StateConnected
	}, time.Second, time.Millisecond)

	ok := coord.DisconnectDevice(context.Background(), id, controller, []byte("unassign"), 50*time.Millisecond)
	require.True(t, ok)

	info, found := coord.Snapshot(id.Key())
	require.True(t, found)
	assert.Equal(t, fleetconn.StateRunning, info.State)
}

func TestConnectDevice_NoOpWhenAlreadyConnecting(t *testing.T) {
	coord := newCoordinator(t)
	id := fleetconn.InstanceID{ModuleID: "M", DeviceID: "D8"}

	block := make(chan struct{})
	controller := recordingController{
		sendFn: func(ctx context.Context, id fleetconn.InstanceID, payload []byte) error {
			<-block
			return nil
		},
	}

	require.True(t, coord.StartInstance(context.Background(), id, controller, 0))

	go coord.ConnectDevice(context.Background(), id, controller, retry.Policy{MaxAttempts: 1}, time.Second)
	require.Eventually(t, func() bool {
		info, _ := coord.Snapshot(id.Key())
		return info.State == fleetconn.StateConnecting
	}, time.Second, time.Millisecond)

	ok := coord.ConnectDevice(context.Background(), id, controller, retry.Policy{MaxAttempts: 1}, time.Second)
	assert.False(t, ok)
	close(block)
}

func TestOnProcessExit_CrashedMovesToFailed(t *testing.T) {
	coord := newCoordinator(t)
	id := fleetconn.InstanceID{ModuleID: "M", DeviceID: "D9"}
	controller := recordingController{}

	require.True(t, coord.StartInstance(context.Background(), id, controller, 0))
	coord.OnProcessExit(id, true)

	info, found := coord.Snapshot(id.Key())
	require.True(t, found)
	assert.Equal(t, fleetconn.StateFailed, info.State)
}

func TestStartInstance_ReadyHandshakeTimesOutToFailed(t *testing.T) {
	coord := newCoordinator(t)
	id := fleetconn.InstanceID{ModuleID: "M", DeviceID: "D10"}
	controller := recordingController{}

	ok := coord.StartInstance(context.Background(), id, controller, 10*time.Millisecond)
	assert.False(t, ok)

	info, found := coord.Snapshot(id.Key())
	require.True(t, found)
	assert.Equal(t, fleetconn.StateFailed, info.State)
}

func TestStartInstance_ReadyHandshakeSucceedsOnCallback(t *testing.T) {
	coord := newCoordinator(t)
	id := fleetconn.InstanceID{ModuleID: "M", DeviceID: "D11"}
	controller := recordingController{}

	go func() {
		time.Sleep(5 * time.Millisecond)
		coord.OnProcessReady(id)
	}()

	ok := coord.StartInstance(context.Background(), id, controller, time.Second)
	assert.True(t, ok)

	info, found := coord.Snapshot(id.Key())
	require.True(t, found)
	assert.Equal(t, fleetconn.StateRunning, info.State)
}

func TestFailedThenRestart_ReentersStarting(t *testing.T) {
	coord := newCoordinator(t)
	id := fleetconn.InstanceID{ModuleID: "M", DeviceID: "D12"}

	failing := recordingController{
		startFn: func(ctx context.Context, id fleetconn.InstanceID) error { return errors.New("boom") },
	}
	require.False(t, coord.StartInstance(context.Background(), id, failing, 0))

	working := recordingController{}
	ok := coord.StartInstance(context.Background(), id, working, 0)
	require.True(t, ok)

	info, found := coord.Snapshot(id.Key())
	require.True(t, found)
	assert.Equal(t, fleetconn.StateRunning, info.State)
}

func TestTransitionRejected_UnknownInstanceIsNoOp(t *testing.T) {
	coord := newCoordinator(t)
	rec := &transitionRecorder{}
	coord.OnStateChange(rec.record)

	id := fleetconn.InstanceID{ModuleID: "M", DeviceID: "D13"}
	// No start_instance call: the instance does not exist yet, so any
	// transition attempt must be rejected.
	ok := coord.DisconnectDevice(context.Background(), id, recordingController{}, nil, time.Second)
	assert.False(t, ok)
	assert.Empty(t, rec.changes)
}
