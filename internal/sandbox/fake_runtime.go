package sandbox

import "context"

// FakeRuntime is a GuestRuntime test double that does not require a
// compiled wasm image. It drives a caller-supplied ExecuteAgentFunc,
// which may itself call the bound HostFunctions to exercise the
// mediator's allow-list and fault handling exactly as a real guest
// would through the wazero boundary.
type FakeRuntime struct {
	// ExecuteAgentFunc implements the guest's ExecuteAgent entry point.
	// It is given the HostFunctions so it can simulate a guest invoking
	// InitializeMCPConnection / GetMCPTools / ExecuteMCPTool.
	ExecuteAgentFunc func(ctx context.Context, hostFns HostFunctions, prompt, mcpURL string) (string, error)

	// InstantiateErr, when set, makes Instantiate fail (simulating a
	// guest image that fails to load/verify).
	InstantiateErr error

	closed bool
}

func (f *FakeRuntime) Instantiate(ctx context.Context, image []byte, hostFns HostFunctions) (GuestModule, error) {
	if f.InstantiateErr != nil {
		return nil, f.InstantiateErr
	}
	return &fakeGuestModule{runtime: f, hostFns: hostFns}, nil
}

type fakeGuestModule struct {
	runtime *FakeRuntime
	hostFns HostFunctions
}

func (g *fakeGuestModule) ExecuteAgent(ctx context.Context, prompt, mcpURL string) (string, error) {
	if g.runtime.ExecuteAgentFunc == nil {
		return "", nil
	}
	return g.runtime.ExecuteAgentFunc(ctx, g.hostFns, prompt, mcpURL)
}

func (g *fakeGuestModule) Close(ctx context.Context) error {
	g.runtime.closed = true
	return nil
}
