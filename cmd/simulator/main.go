// Command simulator exercises the connection coordinator end-to-end
// against an in-process fake device, without spawning a real child
// process. It demonstrates the wiring a host application performs:
// build a ChildController, start an instance, connect a device, observe
// state changes, then shut everything down.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/oriax-io/fleetconn"
	"github.com/oriax-io/fleetconn/cmdtracker"
	"github.com/oriax-io/fleetconn/retry"
)

// fakeDevice stands in for a real child worker process. It answers
// every command it is sent with a device_ready status after a short
// simulated latency, driving the coordinator callbacks the way a real
// message receive loop would.
type fakeDevice struct {
	coord *fleetconn.Coordinator
}

func (d *fakeDevice) Start(ctx context.Context, instanceID fleetconn.InstanceID) error {
	log.Printf("instance %s: child process spawned", instanceID)
	return nil
}

func (d *fakeDevice) Stop(ctx context.Context, instanceID fleetconn.InstanceID) error {
	log.Printf("instance %s: child process asked to stop", instanceID)
	return nil
}

func (d *fakeDevice) BuildCommand(commandID string) ([]byte, error) {
	return []byte(fmt.Sprintf("assign_device:%s", commandID)), nil
}

func (d *fakeDevice) Send(ctx context.Context, instanceID fleetconn.InstanceID, payload []byte) error {
	log.Printf("instance %s: sent %q", instanceID, payload)
	go func() {
		time.Sleep(15 * time.Millisecond)
		commandID := cmdtracker.NewCommandID()
		d.coord.OnDeviceReady(instanceID, instanceID.DeviceID, map[string]interface{}{"command_id": commandID})
	}()
	return nil
}

func main() {
	cfg := fleetconn.DefaultConfig()
	logger := fleetconn.NewStdLogger()
	coord := fleetconn.New(cfg, logger, nil)
	defer coord.Stop()

	coord.OnStateChange(func(change fleetconn.StateChange) {
		log.Printf("transition: %s %s -> %s", change.InstanceID, change.OldState, change.NewState)
	})
	coord.OnUIChange(func(view fleetconn.UIState) {
		log.Printf("ui: device=%s connected=%v connecting=%v", view.DeviceID, view.Connected, view.Connecting)
	})

	instanceID := fleetconn.InstanceID{ModuleID: "module-1", DeviceID: "sensor-1"}
	controller := &fakeDevice{coord: coord}

	ctx := context.Background()

	if !coord.StartInstance(ctx, instanceID, controller, 0) {
		log.Fatal("start_instance failed")
	}

	if !coord.ConnectDevice(ctx, instanceID, controller, retry.DefaultPolicy(), cfg.Timeouts.Command) {
		log.Fatal("connect_device failed")
	}

	info, _ := coord.Snapshot(instanceID.Key())
	log.Printf("final state: %s", info.State)

	coord.StopInstance(ctx, instanceID, controller)
}
