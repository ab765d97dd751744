package sandbox

import (
	"context"
	"errors"
	"testing"
)

func TestSandboxLifecycleHappyPath(t *testing.T) {
	srv := newTestMCPServer(t)
	mediator, err := NewHostCallMediator(srv.URL, nil)
	if err != nil {
		t.Fatalf("new mediator: %v", err)
	}

	runtime := &FakeRuntime{
		ExecuteAgentFunc: func(ctx context.Context, hostFns HostFunctions, prompt, mcpURL string) (string, error) {
			if err := hostFns.InitializeMCPConnection(mcpURL); err != nil {
				return "", err
			}
			tools, err := hostFns.GetMCPTools(ctx)
			if err != nil {
				return "", err
			}
			return "agent saw: " + tools, nil
		},
	}

	sb := New(runtime, []byte("fake-image"))
	if sb.State() != StateUninitialized {
		t.Fatalf("expected initial state uninitialized, got %s", sb.State())
	}

	if err := sb.Register(mediator); err != nil {
		t.Fatalf("register: %v", err)
	}
	if sb.State() != StateRegistered {
		t.Fatalf("expected state registered, got %s", sb.State())
	}

	if err := sb.Evolve(context.Background()); err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if sb.State() != StateReady {
		t.Fatalf("expected state ready, got %s", sb.State())
	}

	out, err := sb.Invoke(context.Background(), "do the thing", srv.URL)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != `agent saw: ["tool_a","tool_b"]` {
		t.Fatalf("unexpected output: %s", out)
	}
	if sb.State() != StateReady {
		t.Fatalf("expected state to remain ready after success, got %s", sb.State())
	}
}

func TestSandboxPolicyDenialFaultsAndTerminates(t *testing.T) {
	srv := newTestMCPServer(t)
	mediator, err := NewHostCallMediator(srv.URL, nil)
	if err != nil {
		t.Fatalf("new mediator: %v", err)
	}

	runtime := &FakeRuntime{
		ExecuteAgentFunc: func(ctx context.Context, hostFns HostFunctions, prompt, mcpURL string) (string, error) {
			// Guest attempts to point the mediator at a foreign endpoint.
			return "", hostFns.InitializeMCPConnection("http://mcp-b:80")
		},
	}

	sb := New(runtime, []byte("fake-image"))
	if err := sb.Register(mediator); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := sb.Evolve(context.Background()); err != nil {
		t.Fatalf("evolve: %v", err)
	}

	_, err = sb.Invoke(context.Background(), "prompt", srv.URL)
	if err == nil {
		t.Fatalf("expected guest fault from policy denial")
	}
	if !errors.Is(err, ErrGuestFault) {
		t.Fatalf("expected ErrGuestFault, got %v", err)
	}
	if !errors.Is(err, ErrPolicyDenied) {
		t.Fatalf("expected underlying ErrPolicyDenied, got %v", err)
	}
	if sb.State() != StateTerminated {
		t.Fatalf("expected sandbox terminated after fault, got %s", sb.State())
	}
}

func TestSandboxInstantiateFailureTerminates(t *testing.T) {
	srv := newTestMCPServer(t)
	mediator, err := NewHostCallMediator(srv.URL, nil)
	if err != nil {
		t.Fatalf("new mediator: %v", err)
	}

	runtime := &FakeRuntime{InstantiateErr: errors.New("bad image")}
	sb := New(runtime, []byte("corrupt"))
	if err := sb.Register(mediator); err != nil {
		t.Fatalf("register: %v", err)
	}

	err = sb.Evolve(context.Background())
	if err == nil {
		t.Fatalf("expected evolve to fail")
	}
	if !errors.Is(err, ErrGuestFault) {
		t.Fatalf("expected ErrGuestFault, got %v", err)
	}
	if sb.State() != StateTerminated {
		t.Fatalf("expected state terminated, got %s", sb.State())
	}
}

func TestSandboxTransitionsAreMonotonic(t *testing.T) {
	srv := newTestMCPServer(t)
	mediator, err := NewHostCallMediator(srv.URL, nil)
	if err != nil {
		t.Fatalf("new mediator: %v", err)
	}
	runtime := &FakeRuntime{}
	sb := New(runtime, []byte("image"))

	// Evolve before Register must fail.
	if err := sb.Evolve(context.Background()); err == nil {
		t.Fatalf("expected evolve before register to fail")
	}

	if err := sb.Register(mediator); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Double-register must fail; state is monotonic forward only.
	if err := sb.Register(mediator); err == nil {
		t.Fatalf("expected second register to fail")
	}
}
