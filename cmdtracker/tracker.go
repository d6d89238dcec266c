// Package cmdtracker implements send-and-wait command/acknowledgment
// correlation over a message pipe whose framing the tracker never
// interprets. It is the Command Tracker of the connection coordinator,
// grounded on the teacher's one-shot completion pattern in core/async_task.go
// and its uuid-based ID minting in core/tool.go.
package cmdtracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriax-io/fleetconn/fleetlog"
)

// ErrStopped is the resolution error given to every pending command
// when the command tracker shuts down.
var ErrStopped = errors.New("tracker stopped")

// ResultKind tags a CommandResult.
type ResultKind int

const (
	ResultAcknowledged ResultKind = iota
	ResultFailed
	ResultTimedOut
)

func (k ResultKind) String() string {
	switch k {
	case ResultAcknowledged:
		return "acknowledged"
	case ResultFailed:
		return "failed"
	case ResultTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Result is the outcome of SendAndWait.
type Result struct {
	Kind       ResultKind
	Data       interface{}
	Error      string
	DurationMS int64
}

func (r Result) Success() bool { return r.Kind == ResultAcknowledged }

// pendingCommand is held by the tracker while a command is in flight. It is
// present in the map iff done has not yet been resolved (invariant 4).
type pendingCommand struct {
	commandID   string
	commandType string
	deviceID    string
	sentAt      time.Time
	timeout     time.Duration
	done        chan Result
	resolved    sync.Once
}

func (p *pendingCommand) resolve(r Result) {
	p.resolved.Do(func() {
		r.DurationMS = time.Since(p.sentAt).Milliseconds()
		p.done <- r
		close(p.done)
	})
}

// SendFunc writes one framed message to the child. The tracker does not
// know the pipe's format.
type SendFunc func(ctx context.Context, payload []byte) error

// Tracker correlates outbound commands with inbound acknowledgments by
// opaque command IDs, times them out, and cancels them all on Stop.
type Tracker struct {
	logger fleetlog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCommand

	janitorInterval time.Duration
	stopCh          chan struct{}
	stopped         bool
	wg              sync.WaitGroup
}

// New creates a Tracker. janitorInterval defaults to 1s (the spec's ~1 Hz
// sweep) when zero.
func New(logger fleetlog.Logger, janitorInterval time.Duration) *Tracker {
	if logger == nil {
		logger = fleetlog.NoOpLogger{}
	}
	if janitorInterval <= 0 {
		janitorInterval = time.Second
	}
	return &Tracker{
		logger:          logger.With("cmdtracker"),
		pending:         make(map[string]*pendingCommand),
		janitorInterval: janitorInterval,
	}
}

// NewCommandID returns an opaque ID guaranteed unique within the tracker's
// lifetime (8+ hex chars of a UUID, per spec.md §4.2).
func NewCommandID() string {
	return uuid.New().String()
}

// Start launches the background janitor that forcibly resolves pending
// commands whose deadline has passed, guarding against lost wakeups.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.stopCh != nil {
		t.mu.Unlock()
		return
	}
	t.stopCh = make(chan struct{})
	stopCh := t.stopCh
	t.mu.Unlock()

	t.wg.Add(1)
	go t.janitor(stopCh)
}

// Stop cancels the janitor and resolves every outstanding command with
// Failed{"tracker stopped"}, per invariant 5.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	stopCh := t.stopCh
	t.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	t.wg.Wait()

	t.mu.Lock()
	remaining := make([]*pendingCommand, 0, len(t.pending))
	for id, p := range t.pending {
		remaining = append(remaining, p)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	for _, p := range remaining {
		p.resolve(Result{Kind: ResultFailed, Error: ErrStopped.Error()})
	}
}

// PendingCount reports the number of in-flight commands. Used by tests
// asserting invariant 1 ("after stop() returns, the pending map is empty").
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// SendAndWait registers commandID, invokes send, and waits up to timeout
// for a matching acknowledgment delivered via OnResponse/OnDeviceReady/
// OnDeviceError.
func (t *Tracker) SendAndWait(ctx context.Context, send SendFunc, commandType string, payload []byte, commandID, deviceID string, timeout time.Duration) Result {
	p := &pendingCommand{
		commandID:   commandID,
		commandType: commandType,
		deviceID:    deviceID,
		sentAt:      time.Now(),
		timeout:     timeout,
		done:        make(chan Result, 1),
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return Result{Kind: ResultFailed, Error: ErrStopped.Error()}
	}
	t.pending[commandID] = p
	t.mu.Unlock()

	if err := send(ctx, payload); err != nil {
		t.remove(commandID)
		p.resolve(Result{Kind: ResultFailed, Error: err.Error()})
		return <-p.done
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.done:
		t.remove(commandID)
		return r
	case <-timer.C:
		t.remove(commandID)
		// A late ACK racing this timeout must be a no-op (invariant 4):
		// resolve() is idempotent via sync.Once, and removing the entry
		// first means on_response will find nothing to match against.
		p.resolve(Result{Kind: ResultTimedOut})
		return <-p.done
	case <-ctx.Done():
		t.remove(commandID)
		p.resolve(Result{Kind: ResultFailed, Error: ctx.Err().Error()})
		return <-p.done
	}
}

// OnResponse resolves the pending command matching commandID, if any. Late
// or unmatched responses are no-ops.
func (t *Tracker) OnResponse(commandID string, success bool, data interface{}, errMsg string) {
	p := t.remove(commandID)
	if p == nil {
		return
	}
	if success {
		p.resolve(Result{Kind: ResultAcknowledged, Data: data})
	} else {
		p.resolve(Result{Kind: ResultFailed, Error: errMsg})
	}
}

// OnDeviceReady scans pending commands for one whose CommandType is
// "assign_device" matching deviceID, and resolves it successfully. This is
// how a device-level status message maps back to the originating assign
// command (spec.md §4.2's "device-keyed shortcut").
func (t *Tracker) OnDeviceReady(deviceID string, data interface{}) bool {
	return t.resolveByDevice(deviceID, Result{Kind: ResultAcknowledged, Data: data})
}

// OnDeviceError is the failure counterpart of OnDeviceReady.
func (t *Tracker) OnDeviceError(deviceID string, errMsg string) bool {
	return t.resolveByDevice(deviceID, Result{Kind: ResultFailed, Error: errMsg})
}

func (t *Tracker) resolveByDevice(deviceID string, result Result) bool {
	t.mu.Lock()
	var match *pendingCommand
	for id, p := range t.pending {
		if p.commandType == "assign_device" && p.deviceID == deviceID {
			match = p
			delete(t.pending, id)
			break
		}
	}
	t.mu.Unlock()

	if match == nil {
		return false
	}
	match.resolve(result)
	return true
}

func (t *Tracker) remove(commandID string) *pendingCommand {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[commandID]
	if !ok {
		return nil
	}
	delete(t.pending, commandID)
	return p
}

func (t *Tracker) janitor(stopCh chan struct{}) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Tracker) sweep() {
	now := time.Now()
	t.mu.Lock()
	var expired []*pendingCommand
	for id, p := range t.pending {
		if p.sentAt.Add(p.timeout).Before(now) {
			expired = append(expired, p)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, p := range expired {
		t.logger.Warn("janitor forced timeout on stale pending command", map[string]interface{}{
			"command_id":   p.commandID,
			"command_type": p.commandType,
		})
		p.resolve(Result{Kind: ResultTimedOut})
	}
}
