package fleetconn

import "context"

// StartFunc spawns and readies the child process for instanceID. It
// returns an error on failure; the coordinator never calls exec.Command
// itself, per spec.md §6 ("process handles are owned by the host").
type StartFunc func(ctx context.Context, instanceID InstanceID) error

// StopFunc asks the host to stop the child process for instanceID,
// however it sees fit (direct kill, or driving a shutdown.Orchestrator).
// Its error is logged but never blocks the Disconnected transition.
type StopFunc func(ctx context.Context, instanceID InstanceID) error

// BuildCommandFunc serializes an assign_device command carrying
// commandID into a wire payload.
type BuildCommandFunc func(commandID string) ([]byte, error)

// SendFunc writes one framed payload to the child owning instanceID.
type SendFunc func(ctx context.Context, instanceID InstanceID, payload []byte) error

// ChildController bundles the four host-supplied closures the
// coordinator needs to drive one instance's lifecycle, replacing the
// dynamic-dispatch/inheritance approach spec.md §9 explicitly rejects
// in favor of an interface of closures.
type ChildController interface {
	Start(ctx context.Context, instanceID InstanceID) error
	Stop(ctx context.Context, instanceID InstanceID) error
	BuildCommand(commandID string) ([]byte, error)
	Send(ctx context.Context, instanceID InstanceID, payload []byte) error
}

// FuncController adapts four standalone closures to the ChildController
// interface, for callers who would rather not define a named type.
type FuncController struct {
	StartFn        StartFunc
	StopFn         StopFunc
	BuildCommandFn BuildCommandFunc
	SendFn         SendFunc
}

func (f FuncController) Start(ctx context.Context, instanceID InstanceID) error {
	return f.StartFn(ctx, instanceID)
}

func (f FuncController) Stop(ctx context.Context, instanceID InstanceID) error {
	return f.StopFn(ctx, instanceID)
}

func (f FuncController) BuildCommand(commandID string) ([]byte, error) {
	return f.BuildCommandFn(commandID)
}

func (f FuncController) Send(ctx context.Context, instanceID InstanceID, payload []byte) error {
	return f.SendFn(ctx, instanceID, payload)
}
