// Package shutdown drives a multi-phase, ACK-aware termination of a
// single child worker process: unassign its devices, ask it to quit,
// escalate to SIGTERM then SIGKILL if it lingers, and drain its pipes.
// It is the Shutdown Orchestrator of the connection coordinator,
// grounded on the SIGTERM/SIGKILL escalation and pipe-draining pattern
// of the host-process supervisor found alongside the teacher repo.
package shutdown

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/oriax-io/fleetconn/fleetlog"
)

// Phase is the ordered reporting enum of spec.md §4.4.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseUnassigning
	PhaseWaitingAck
	PhaseQuitting
	PhaseTerminating
	PhaseKilling
	PhaseDraining
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseUnassigning:
		return "unassigning"
	case PhaseWaitingAck:
		return "waiting_ack"
	case PhaseQuitting:
		return "quitting"
	case PhaseTerminating:
		return "terminating"
	case PhaseKilling:
		return "killing"
	case PhaseDraining:
		return "draining"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Result is returned by every call to Run.
type Result struct {
	Success      bool
	Acknowledged bool
	Forced       bool
	DurationMS   int64
	PhaseReached Phase
	Error        string
}

// ChildProcess is a host-owned handle to the child's OS process and
// pipes, borrowed by the orchestrator for the duration of one Run call.
// Production code satisfies this with a thin wrapper around os/exec.Cmd;
// the orchestrator never calls exec.Command itself.
type ChildProcess interface {
	// Wait blocks until the process exits and returns its exit error, if
	// any. Safe to call only once per process per spec's process-handle
	// ownership contract.
	Wait() error
	// Terminate sends the platform's graceful-stop signal (SIGTERM).
	Terminate() error
	// Kill sends the platform's unconditional-stop signal (SIGKILL).
	Kill() error
	// Stdout and Stderr are nil-able output pipes to drain.
	Stdout() io.Reader
	Stderr() io.Reader
}

// SendFunc writes one framed command to the child.
type SendFunc func(ctx context.Context, payload []byte) error

// Timeouts configures every phase's patience, per spec.md §4.4.
type Timeouts struct {
	Unassign  time.Duration
	Quit      time.Duration
	Terminate time.Duration
	Drain     time.Duration
}

// Orchestrator runs shutdown sequences. It is stateless across Run
// calls except for the ACK correlation map, which exists only for the
// lifetime of a single Run invocation.
type Orchestrator struct {
	logger fleetlog.Logger

	mu      sync.Mutex
	waiters map[string]chan struct{ data interface{} }
}

// New creates an Orchestrator. logger may be nil.
func New(logger fleetlog.Logger) *Orchestrator {
	if logger == nil {
		logger = fleetlog.NoOpLogger{}
	}
	return &Orchestrator{
		logger:  logger.With("shutdown"),
		waiters: make(map[string]chan struct{ data interface{} }),
	}
}

// OnDeviceUnassigned delivers the device_unassigned ACK for commandID. A
// call for an ID with no active waiter (already timed out, or from an
// unrelated Run) is a no-op.
func (o *Orchestrator) OnDeviceUnassigned(commandID string, data interface{}) {
	o.mu.Lock()
	ch, ok := o.waiters[commandID]
	if ok {
		delete(o.waiters, commandID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	ch <- struct{ data interface{} }{data}
	close(ch)
}

// Run drives the full phase ladder for one child process and always
// reaches PhaseComplete in the returned result, per invariant 8.
func (o *Orchestrator) Run(ctx context.Context, commandID string, proc ChildProcess, send SendFunc, unassignPayload, quitPayload []byte, timeouts Timeouts) Result {
	start := time.Now()
	result := Result{PhaseReached: PhaseIdle}

	waitCh := make(chan error, 1)
	go func() { waitCh <- proc.Wait() }()

	result.PhaseReached = PhaseUnassigning
	ackCh := o.registerWaiter(commandID)
	if err := send(ctx, unassignPayload); err != nil {
		o.logger.Warn("unassign send failed", map[string]interface{}{"error": err.Error()})
	}

	result.PhaseReached = PhaseWaitingAck
	result.Acknowledged = o.waitForAck(commandID, ackCh, timeouts.Unassign)

	result.PhaseReached = PhaseQuitting
	if send(ctx, quitPayload) != nil {
		o.logger.Warn("quit send failed", map[string]interface{}{"command_id": commandID})
	}
	if o.waitExit(waitCh, timeouts.Quit) {
		result.PhaseReached = PhaseComplete
		result.Success = true
		result.DurationMS = time.Since(start).Milliseconds()
		o.drain(proc, timeouts.Drain, &result)
		return result
	}

	result.PhaseReached = PhaseTerminating
	result.Forced = true
	if err := proc.Terminate(); err != nil {
		o.recordError(&result, "terminate failed: "+err.Error())
	}
	if o.waitExit(waitCh, timeouts.Terminate) {
		result.PhaseReached = PhaseComplete
		result.Success = true
		result.DurationMS = time.Since(start).Milliseconds()
		o.drain(proc, timeouts.Drain, &result)
		return result
	}

	result.PhaseReached = PhaseKilling
	if err := proc.Kill(); err != nil {
		o.recordError(&result, "kill failed: "+err.Error())
	}
	<-waitCh // unbounded: the kernel will reap a killed process eventually

	result.PhaseReached = PhaseDraining
	o.drain(proc, timeouts.Drain, &result)

	result.PhaseReached = PhaseComplete
	result.Success = true
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

// recordError appends msg to result.Error and logs it, without halting
// escalation: a failed Terminate/Kill call is recorded, never fatal.
func (o *Orchestrator) recordError(result *Result, msg string) {
	if result.Error == "" {
		result.Error = msg
	} else {
		result.Error += "; " + msg
	}
	o.logger.Warn("shutdown phase error", map[string]interface{}{
		"phase": result.PhaseReached.String(), "error": msg,
	})
}

func (o *Orchestrator) registerWaiter(commandID string) chan struct{ data interface{} } {
	ch := make(chan struct{ data interface{} }, 1)
	o.mu.Lock()
	o.waiters[commandID] = ch
	o.mu.Unlock()
	return ch
}

func (o *Orchestrator) waitForAck(commandID string, ch chan struct{ data interface{} }, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		o.mu.Lock()
		delete(o.waiters, commandID)
		o.mu.Unlock()
		return false
	}
}

func (o *Orchestrator) waitExit(waitCh chan error, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-waitCh:
		return true
	case <-timer.C:
		return false
	}
}

// drain reads each pipe in bounded chunks until EOF or the deadline, so
// orphaned bytes never jam a reader task once the process is gone.
func (o *Orchestrator) drain(proc ChildProcess, timeout time.Duration, result *Result) {
	deadline := time.Now().Add(timeout)
	var wg sync.WaitGroup
	for _, pipe := range []io.Reader{proc.Stdout(), proc.Stderr()} {
		if pipe == nil {
			continue
		}
		wg.Add(1)
		go func(r io.Reader) {
			defer wg.Done()
			drainPipe(r, deadline)
		}(pipe)
	}
	wg.Wait()
}

func drainPipe(r io.Reader, deadline time.Time) {
	buf := make([]byte, 4096)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if time.Now().After(deadline) {
				return
			}
			n, err := r.Read(buf)
			if n == 0 && err != nil {
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
	}
}
