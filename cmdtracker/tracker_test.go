package cmdtracker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriax-io/fleetconn/cmdtracker"
)

func TestSendAndWait_AcknowledgedByCommandID(t *testing.T) {
	tr := cmdtracker.New(nil, time.Hour)
	tr.Start()
	defer tr.Stop()

	id := cmdtracker.NewCommandID()
	send := func(ctx context.Context, payload []byte) error { return nil }

	go func() {
		time.Sleep(5 * time.Millisecond)
		tr.OnResponse(id, true, map[string]interface{}{"ok": true}, "")
	}()

	res := tr.SendAndWait(context.Background(), send, "assign_device", []byte("x"), id, "dev1", time.Second)
	require.True(t, res.Success())
	assert.Equal(t, cmdtracker.ResultAcknowledged, res.Kind)
	assert.GreaterOrEqual(t, res.DurationMS, int64(0))
	assert.Equal(t, 0, tr.PendingCount())
}

func TestSendAndWait_TimesOut(t *testing.T) {
	tr := cmdtracker.New(nil, time.Hour)
	tr.Start()
	defer tr.Stop()

	id := cmdtracker.NewCommandID()
	send := func(ctx context.Context, payload []byte) error { return nil }

	res := tr.SendAndWait(context.Background(), send, "assign_device", nil, id, "dev1", 20*time.Millisecond)
	assert.Equal(t, cmdtracker.ResultTimedOut, res.Kind)
	assert.Equal(t, 0, tr.PendingCount())
}

func TestSendAndWait_LateAckAfterTimeoutIsNoOp(t *testing.T) {
	tr := cmdtracker.New(nil, time.Hour)
	tr.Start()
	defer tr.Stop()

	id := cmdtracker.NewCommandID()
	send := func(ctx context.Context, payload []byte) error { return nil }

	res := tr.SendAndWait(context.Background(), send, "assign_device", nil, id, "dev1", 10*time.Millisecond)
	assert.Equal(t, cmdtracker.ResultTimedOut, res.Kind)

	// A late ACK for an already-resolved command must not panic or resolve
	// anything new.
	tr.OnResponse(id, true, nil, "")
	assert.Equal(t, 0, tr.PendingCount())
}

func TestSendAndWait_SendErrorResolvesFailed(t *testing.T) {
	tr := cmdtracker.New(nil, time.Hour)
	tr.Start()
	defer tr.Stop()

	id := cmdtracker.NewCommandID()
	send := func(ctx context.Context, payload []byte) error { return errors.New("pipe closed") }

	res := tr.SendAndWait(context.Background(), send, "assign_device", nil, id, "dev1", time.Second)
	assert.Equal(t, cmdtracker.ResultFailed, res.Kind)
	assert.Equal(t, "pipe closed", res.Error)
}

func TestOnDeviceReady_MatchesByDeviceID(t *testing.T) {
	tr := cmdtracker.New(nil, time.Hour)
	tr.Start()
	defer tr.Stop()

	id := cmdtracker.NewCommandID()
	send := func(ctx context.Context, payload []byte) error { return nil }

	go func() {
		time.Sleep(5 * time.Millisecond)
		matched := tr.OnDeviceReady("dev42", map[string]interface{}{"status": "ready"})
		assert.True(t, matched)
	}()

	res := tr.SendAndWait(context.Background(), send, "assign_device", nil, id, "dev42", time.Second)
	assert.True(t, res.Success())
}

func TestOnDeviceError_MatchesByDeviceID(t *testing.T) {
	tr := cmdtracker.New(nil, time.Hour)
	tr.Start()
	defer tr.Stop()

	id := cmdtracker.NewCommandID()
	send := func(ctx context.Context, payload []byte) error { return nil }

	go func() {
		time.Sleep(5 * time.Millisecond)
		tr.OnDeviceError("dev42", "device refused")
	}()

	res := tr.SendAndWait(context.Background(), send, "assign_device", nil, id, "dev42", time.Second)
	assert.Equal(t, cmdtracker.ResultFailed, res.Kind)
	assert.Equal(t, "device refused", res.Error)
}

func TestStop_ResolvesAllPendingWithFailed(t *testing.T) {
	tr := cmdtracker.New(nil, time.Hour)
	tr.Start()

	id := cmdtracker.NewCommandID()
	send := func(ctx context.Context, payload []byte) error { return nil }

	resultCh := make(chan cmdtracker.Result, 1)
	go func() {
		resultCh <- tr.SendAndWait(context.Background(), send, "assign_device", nil, id, "dev1", time.Hour)
	}()

	time.Sleep(10 * time.Millisecond)
	tr.Stop()

	res := <-resultCh
	assert.Equal(t, cmdtracker.ResultFailed, res.Kind)
	assert.Equal(t, 0, tr.PendingCount())
}

func TestSendAndWait_TimesOutWithJanitorRunning(t *testing.T) {
	tr := cmdtracker.New(nil,10*time.Millisecond)
	tr.Start()
	defer tr.Stop()

	id := cmdtracker.NewCommandID()
	send := func(ctx context.Context, payload []byte) error { return nil }

	res := tr.SendAndWait(context.Background(), send, "assign_device", nil, id, "dev1", 5*time.Millisecond)
	assert.Equal(t, cmdtracker.ResultTimedOut, res.Kind)
}

func TestNewCommandID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := cmdtracker.NewCommandID()
		require.False(t, seen[id])
		seen[id] = true
	}
}
