package fleetconn

import "sync"

// StateChange is published to every registered state-change observer
// after the coordinator's mutex is released.
type StateChange struct {
	InstanceID InstanceID
	OldState   ConnectionState
	NewState   ConnectionState
	Error      string
}

// StateChangeObserver receives every accepted transition.
type StateChangeObserver func(change StateChange)

// UIObserver receives the derived per-device UI view on every
// transition affecting connectivity.
type UIObserver func(view UIState)

// observerRegistry holds the Coordinator's notification subscribers.
// Dispatch always happens outside the coordinator's state mutex so
// observers may safely re-enter the public API.
type observerRegistry struct {
	logger Logger

	mu            sync.Mutex
	stateWatchers []StateChangeObserver
	uiWatchers    []UIObserver
}

func newObserverRegistry(logger Logger) *observerRegistry {
	return &observerRegistry{logger: logger}
}

func (r *observerRegistry) OnStateChange(fn StateChangeObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateWatchers = append(r.stateWatchers, fn)
}

func (r *observerRegistry) OnUIChange(fn UIObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uiWatchers = append(r.uiWatchers, fn)
}

func (r *observerRegistry) snapshotWatchers() ([]StateChangeObserver, []UIObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := make([]StateChangeObserver, len(r.stateWatchers))
	copy(state, r.stateWatchers)
	ui := make([]UIObserver, len(r.uiWatchers))
	copy(ui, r.uiWatchers)
	return state, ui
}

// dispatch fans change out to every watcher, swallowing and logging any
// panic so one misbehaving observer can never take down the coordinator
// or starve the rest of the fan-out.
func (r *observerRegistry) dispatch(change StateChange) {
	stateWatchers, uiWatchers := r.snapshotWatchers()

	for _, fn := range stateWatchers {
		r.safeCall(func() { fn(change) })
	}

	view := UIState{
		DeviceID:   change.InstanceID.DeviceID,
		Connected:  change.NewState == StateConnected,
		Connecting: change.NewState.IsTransitional(),
	}
	for _, fn := range uiWatchers {
		r.safeCall(func() { fn(view) })
	}
}

func (r *observerRegistry) safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("observer callback panicked", map[string]interface{}{"panic": rec})
		}
	}()
	fn()
}
