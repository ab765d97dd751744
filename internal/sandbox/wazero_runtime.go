package sandbox

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// WazeroRuntime is the production GuestRuntime backend. A single
// wazero.Runtime is created once per worker process and shared across
// jobs — this is the long-lived execution context the design notes
// recommend in place of creating and tearing down a runtime per
// invocation. A fresh api.Module is instantiated per job from the
// shared embedded image and closed on job completion.
//
// # Guest ABI
//
// The guest module must export:
//   - "memory": linear memory shared with the host.
//   - "agentd_alloc(size uint32) uint32": allocate size bytes, return the pointer.
//   - "agentd_free(ptr, size uint32)": release a prior allocation.
//   - "ExecuteAgent(promptPtr, promptLen, urlPtr, urlLen uint32) uint64": runs
//     the agent and returns a packed (resultPtr<<32 | resultLen).
//
// and import, from the "env" namespace, exactly:
//   - "InitializeMCPConnection(urlPtr, urlLen uint32) uint32" (0 = ok, nonzero = denied)
//   - "GetMCPTools() uint64" (packed resultPtr<<32 | resultLen, allocated via agentd_alloc)
//   - "ExecuteMCPTool(namePtr, nameLen, argsPtr, argsLen uint32) uint64" (packed result)
//
// Any other import the guest declares fails module instantiation, which
// wazero surfaces as an error from Instantiate — the sandbox faults.
type WazeroRuntime struct {
	runtime wazero.Runtime
}

// NewWazeroRuntime creates the shared runtime. Callers must call Close
// when the worker process is shutting down.
func NewWazeroRuntime(ctx context.Context) *WazeroRuntime {
	return &WazeroRuntime{runtime: wazero.NewRuntime(ctx)}
}

// Close tears down the shared wazero runtime.
func (w *WazeroRuntime) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// Instantiate compiles (or reuses a cached compilation of) image and
// instantiates it with the three host callbacks bound as imports.
func (w *WazeroRuntime) Instantiate(ctx context.Context, image []byte, hostFns HostFunctions) (GuestModule, error) {
	compiled, err := w.runtime.CompileModule(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("compile guest image: %w", err)
	}

	gm := &wazeroGuestModule{hostFns: hostFns}

	// The "env" host module is bound to this job's callbacks; a previous
	// job's instance must be closed before the name can be registered again.
	if prev := w.runtime.Module("env"); prev != nil {
		if err := prev.Close(ctx); err != nil {
			return nil, fmt.Errorf("close previous host module: %w", err)
		}
	}

	_, err = w.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, urlPtr, urlLen uint32) uint32 {
			url, ok := readString(mod, urlPtr, urlLen)
			if !ok {
				return 2
			}
			if err := gm.hostFns.InitializeMCPConnection(url); err != nil {
				return 1
			}
			return 0
		}).
		Export("InitializeMCPConnection").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module) uint64 {
			out, err := gm.hostFns.GetMCPTools(ctx)
			if err != nil {
				return 0
			}
			return writeString(ctx, mod, out)
		}).
		Export("GetMCPTools").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen, argsPtr, argsLen uint32) uint64 {
			name, ok := readString(mod, namePtr, nameLen)
			if !ok {
				return 0
			}
			args, ok := readString(mod, argsPtr, argsLen)
			if !ok {
				return 0
			}
			out, err := gm.hostFns.ExecuteMCPTool(ctx, name, args)
			if err != nil {
				return 0
			}
			return writeString(ctx, mod, out)
		}).
		Export("ExecuteMCPTool").
		Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("register host module: %w", err)
	}

	mod, err := w.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return nil, fmt.Errorf("instantiate guest module: %w", err)
	}
	gm.module = mod
	return gm, nil
}

type wazeroGuestModule struct {
	module  api.Module
	hostFns HostFunctions
}

func (g *wazeroGuestModule) ExecuteAgent(ctx context.Context, prompt, mcpURL string) (string, error) {
	fn := g.module.ExportedFunction("ExecuteAgent")
	if fn == nil {
		return "", fmt.Errorf("guest does not export ExecuteAgent")
	}

	promptPtr, promptLen, err := allocString(ctx, g.module, prompt)
	if err != nil {
		return "", err
	}
	urlPtr, urlLen, err := allocString(ctx, g.module, mcpURL)
	if err != nil {
		return "", err
	}

	results, err := fn.Call(ctx, uint64(promptPtr), uint64(promptLen), uint64(urlPtr), uint64(urlLen))
	if err != nil {
		return "", fmt.Errorf("ExecuteAgent call: %w", err)
	}
	if len(results) != 1 {
		return "", fmt.Errorf("ExecuteAgent returned %d results, want 1", len(results))
	}

	resultPtr := uint32(results[0] >> 32)
	resultLen := uint32(results[0])
	out, ok := readString(g.module, resultPtr, resultLen)
	if !ok {
		return "", fmt.Errorf("ExecuteAgent returned an invalid memory region")
	}
	return out, nil
}

func (g *wazeroGuestModule) Close(ctx context.Context) error {
	return g.module.Close(ctx)
}

func readString(mod api.Module, ptr, length uint32) (string, bool) {
	if length == 0 {
		return "", true
	}
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(buf), true
}

// writeString allocates space in the guest's memory via its exported
// agentd_alloc and writes s into it, returning a packed (ptr<<32 | len).
func writeString(ctx context.Context, mod api.Module, s string) uint64 {
	ptr, _, err := allocString(ctx, mod, s)
	if err != nil {
		return 0
	}
	return uint64(ptr)<<32 | uint64(len(s))
}

func allocString(ctx context.Context, mod api.Module, s string) (uint32, uint32, error) {
	if len(s) == 0 {
		return 0, 0, nil
	}
	alloc := mod.ExportedFunction("agentd_alloc")
	if alloc == nil {
		return 0, 0, fmt.Errorf("guest does not export agentd_alloc")
	}
	results, err := alloc.Call(ctx, uint64(len(s)))
	if err != nil {
		return 0, 0, fmt.Errorf("agentd_alloc call: %w", err)
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, []byte(s)) {
		return 0, 0, fmt.Errorf("write %d bytes at guest offset %d out of range", len(s), ptr)
	}
	return ptr, uint32(len(s)), nil
}
