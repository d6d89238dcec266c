// Package heartbeat tracks per-instance liveness based on periodic pings
// and raises unhealthy/recovered transitions. It is the Heartbeat Monitor
// of the connection coordinator, grounded on the teacher's periodic
// keep-alive ticker in core/discovery.go's StartHeartbeat and the health
// enum of core/interfaces.go.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/oriax-io/fleetconn/fleetlog"
)

// Status is the tagged liveness state of one registered instance.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusWarning   Status = "warning"
	StatusUnhealthy Status = "unhealthy"
)

// Info is the per-registered-instance liveness record.
type Info struct {
	InstanceID    string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	ReceivedCount int64
	MissedCount   int64
	Status        Status
}

func (i Info) snapshot() Info { return i }

// OnUnhealthy and OnRecovered receive a context whose deadline is
// CallbackTimeout. The monitor calls them synchronously and waits for
// them to return; a callback that ignores ctx is not cut off at the
// deadline. A panic in either callback is recovered and logged.
type OnUnhealthy func(ctx context.Context, instanceID string, info Info)
type OnRecovered func(ctx context.Context, instanceID string, info Info)

// Config configures threshold behavior, see spec.md §4.3.
type Config struct {
	ExpectedInterval   time.Duration
	WarningThreshold   int // missed intervals before Warning
	UnhealthyThreshold int // missed intervals before Unhealthy
	CallbackTimeout    time.Duration
	OnUnhealthy        OnUnhealthy
	OnRecovered        OnRecovered
}

// Monitor evaluates liveness for every registered instance on a single
// periodic sweep, waking every ExpectedInterval/2.
type Monitor struct {
	cfg    Config
	logger fleetlog.Logger
	now    func() time.Time

	mu        sync.Mutex
	instances map[string]*Info

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Monitor. logger may be nil.
func New(cfg Config, logger fleetlog.Logger) *Monitor {
	if logger == nil {
		logger = fleetlog.NoOpLogger{}
	}
	if cfg.ExpectedInterval <= 0 {
		cfg.ExpectedInterval = 2 * time.Second
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = 2
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = 2 * time.Second
	}
	return &Monitor{
		cfg:       cfg,
		logger:    logger.With("heartbeat"),
		now:       time.Now,
		instances: make(map[string]*Info),
	}
}

// Register adds instanceID with defaults, Unknown status, and
// registered-at set to now. Idempotent: re-registering an already
// registered instance is a no-op.
func (m *Monitor) Register(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[instanceID]; ok {
		return
	}
	m.instances[instanceID] = &Info{
		InstanceID:   instanceID,
		RegisteredAt: m.now(),
		Status:       StatusUnknown,
	}
}

// Unregister removes instanceID. Idempotent.
func (m *Monitor) Unregister(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, instanceID)
}

// OnHeartbeat records a received ping. Heartbeats for an unregistered
// instance auto-register it with defaults, per spec.md §4.3.
func (m *Monitor) OnHeartbeat(instanceID string) {
	m.mu.Lock()
	info, ok := m.instances[instanceID]
	if !ok {
		info = &Info{InstanceID: instanceID, RegisteredAt: m.now(), Status: StatusUnknown}
		m.instances[instanceID] = info
	}
	now := m.now()
	info.LastHeartbeat = now
	info.ReceivedCount++
	wasUnhealthy := info.Status == StatusUnhealthy
	info.Status = StatusHealthy
	info.MissedCount = 0
	snapshot := info.snapshot()
	m.mu.Unlock()

	if wasUnhealthy && m.cfg.OnRecovered != nil {
		m.invokeRecovered(instanceID, snapshot)
	}
}

// Get returns a snapshot of instanceID's liveness record.
func (m *Monitor) Get(instanceID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.instances[instanceID]
	if !ok {
		return Info{}, false
	}
	return info.snapshot(), true
}

// Start launches the periodic sweep task.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, stopCh)
}

// Stop halts the periodic sweep.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stopCh := m.stopCh
	m.stopCh = nil
	m.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, stopCh chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ExpectedInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

type transition struct {
	instanceID string
	info       Info
	unhealthy  bool
}

func (m *Monitor) sweep() {
	now := m.now()
	var transitions []transition

	m.mu.Lock()
	for id, info := range m.instances {
		reference := info.RegisteredAt
		if !info.LastHeartbeat.IsZero() {
			reference = info.LastHeartbeat
		}
		elapsed := now.Sub(reference)
		if elapsed <= 0 {
			continue
		}
		missed := int(elapsed / m.cfg.ExpectedInterval)
		info.MissedCount = int64(missed)

		var next Status
		switch {
		case info.LastHeartbeat.IsZero() && missed == 0:
			next = StatusUnknown
		case missed >= m.cfg.UnhealthyThreshold:
			next = StatusUnhealthy
		case missed >= m.cfg.WarningThreshold:
			next = StatusWarning
		default:
			next = StatusHealthy
		}

		if next == StatusUnhealthy && info.Status != StatusUnhealthy {
			transitions = append(transitions, transition{instanceID: id, info: info.snapshot(), unhealthy: true})
		}
		info.Status = next
	}
	m.mu.Unlock()

	for _, tr := range transitions {
		tr := tr
		tr.info.Status = StatusUnhealthy
		if m.cfg.OnUnhealthy != nil {
			m.invokeUnhealthy(tr.instanceID, tr.info)
		}
	}
}

func (m *Monitor) invokeUnhealthy(instanceID string, info Info) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CallbackTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("on_unhealthy callback panicked", map[string]interface{}{
				"instance_id": instanceID, "panic": r,
			})
		}
	}()
	m.cfg.OnUnhealthy(ctx, instanceID, info)
}

func (m *Monitor) invokeRecovered(instanceID string, info Info) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CallbackTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("on_recovered callback panicked", map[string]interface{}{
				"instance_id": instanceID, "panic": r,
			})
		}
	}()
	m.cfg.OnRecovered(ctx, instanceID, info)
}
