// Package sandbox executes the untrusted guest agent binary against a
// single job, mediating its network access through HostCallMediator. The
// guest image is opaque: only its ABI (ExecuteAgent, and the three host
// callbacks it may invoke) is known to this package.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oriys/agentd/internal/logging"
)

// State is a SandboxInstance's lifecycle stage. Transitions are
// monotonic: a sandbox never returns to a prior state, and any fault is
// terminal.
type State int

const (
	StateUninitialized State = iota
	StateRegistered
	StateReady
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRegistered:
		return "registered"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ErrGuestFault marks an uncaught guest fault: either the runtime failed
// to instantiate/evolve the guest module, or ExecuteAgent itself
// returned an error (including a PolicyDenied raised from inside a host
// callback). The sandbox is terminal after any ErrGuestFault.
var ErrGuestFault = errors.New("sandbox: guest fault")

// GuestRuntime instantiates a guest image and returns an invocable
// GuestModule. Production code uses the wazero-backed implementation;
// tests substitute a fake that does not require a real compiled image.
type GuestRuntime interface {
	Instantiate(ctx context.Context, image []byte, hostFns HostFunctions) (GuestModule, error)
}

// GuestModule is one instantiated guest, ready to invoke its entry
// point. Close releases any resources the runtime holds for it.
type GuestModule interface {
	ExecuteAgent(ctx context.Context, prompt, mcpURL string) (string, error)
	Close(ctx context.Context) error
}

// HostFunctions are the exactly-three host callbacks a guest may invoke,
// each closed over the mediator's immutable allow-list state.
type HostFunctions struct {
	InitializeMCPConnection func(url string) error
	GetMCPTools              func(ctx context.Context) (string, error)
	ExecuteMCPTool           func(ctx context.Context, toolName, argumentsJSON string) (string, error)
}

// SandboxInstance holds one guest image and its host-callback table for
// the duration of a single job.
type SandboxInstance struct {
	mu       sync.Mutex
	state    State
	runtime  GuestRuntime
	image    []byte
	mediator *HostCallMediator
	module   GuestModule
}

// New constructs an uninitialized sandbox bound to the given guest image
// bytes (embedded verbatim in the worker binary — never read from disk
// at job time) and runtime backend.
func New(runtime GuestRuntime, image []byte) *SandboxInstance {
	return &SandboxInstance{state: StateUninitialized, runtime: runtime, image: image}
}

// State returns the sandbox's current lifecycle stage.
func (s *SandboxInstance) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Register binds the mediator and registers the three host callbacks,
// transitioning Uninitialized -> Registered. It must be called exactly
// once, before Evolve.
func (s *SandboxInstance) Register(mediator *HostCallMediator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUninitialized {
		return fmt.Errorf("sandbox: register called in state %s, want %s", s.state, StateUninitialized)
	}
	s.mediator = mediator
	s.state = StateRegistered
	return nil
}

// Evolve instantiates the guest module from the embedded image with the
// registered host callbacks bound, transitioning Registered -> Ready. A
// failure transitions Registered -> Terminated.
func (s *SandboxInstance) Evolve(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRegistered {
		return fmt.Errorf("sandbox: evolve called in state %s, want %s", s.state, StateRegistered)
	}

	hostFns := HostFunctions{
		InitializeMCPConnection: s.mediator.InitializeMCPConnection,
		GetMCPTools:              s.mediator.GetMCPTools,
		ExecuteMCPTool:           s.mediator.ExecuteMCPTool,
	}
	module, err := s.runtime.Instantiate(ctx, s.image, hostFns)
	if err != nil {
		s.state = StateTerminated
		return fmt.Errorf("%w: instantiate guest: %v", ErrGuestFault, err)
	}
	s.module = module
	s.state = StateReady
	return nil
}

// Invoke calls the guest entry ExecuteAgent(prompt, mcpURL). The sandbox
// must be Ready. On success the sandbox remains Ready; on error it
// transitions to Terminated, since a guest fault is unconditionally
// fatal to the sandbox.
func (s *SandboxInstance) Invoke(ctx context.Context, prompt, mcpURL string) (string, error) {
	s.mu.Lock()
	if s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		return "", fmt.Errorf("sandbox: invoke called in state %s, want %s", state, StateReady)
	}
	module := s.module
	s.mu.Unlock()

	out, err := module.ExecuteAgent(ctx, prompt, mcpURL)
	if err != nil {
		s.mu.Lock()
		s.state = StateTerminated
		s.mu.Unlock()
		if errors.Is(err, ErrPolicyDenied) {
			logging.Op().Warn("sandbox.policy_denied_fault", "error", err)
		}
		return "", fmt.Errorf("%w: %w", ErrGuestFault, err)
	}
	return out, nil
}

// Terminate discards the sandbox, closing the guest module if one was
// instantiated. It is safe to call from any state.
func (s *SandboxInstance) Terminate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.state = StateTerminated }()
	if s.module != nil {
		return s.module.Close(ctx)
	}
	return nil
}
