package orchestrator

import (
	"github.com/oriys/agentd/internal/sandbox"
	"github.com/oriys/agentd/internal/workspace"
)

// WorkspaceCloner adapts workspace.Clone to the Cloner type: *workspace.Workspace
// already satisfies Repo structurally, this just matches Go's function-type
// rules, which do not allow passing workspace.Clone directly where a
// Cloner (returning the Repo interface) is expected.
func WorkspaceCloner(url, path string) (Repo, error) {
	return workspace.Clone(url, path)
}

// NewWazeroSandboxFactory returns a SandboxFactory that builds a fresh
// sandbox.SandboxInstance from a shared wazero runtime and the embedded
// guest image for every job, per the "instantiate per job, close on
// completion" model.
func NewWazeroSandboxFactory(runtime sandbox.GuestRuntime, image []byte) SandboxFactory {
	return func() *sandbox.SandboxInstance {
		return sandbox.New(runtime, image)
	}
}
