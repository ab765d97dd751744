package lease

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/oriys/agentd/internal/domain"
	"github.com/oriys/agentd/internal/logging"
	"github.com/oriys/agentd/internal/metrics"
)

// returner is the subset of Client that Guard depends on, so tests can
// substitute a fake without a real allocator.
type returner interface {
	Return(ctx context.Context, inst *domain.Instance) error
}

// detachedReturnTimeout bounds the best-effort return attempted from a
// detached execution context when Close observes that Release was never
// called explicitly.
const detachedReturnTimeout = 15 * time.Second

// Guard wraps a single borrowed instance and guarantees that Return is
// attempted exactly once, on every control-flow path.
//
// The normal path is an explicit call to Release before the guard goes
// out of scope. The backstop path is Close (always deferred immediately
// after NewGuard): if Release was never called — because of a panic, an
// early error return, or cancellation — Close schedules a best-effort,
// synchronous-from-its-own-goroutine return on a background context, so
// that a panic unwinding the stack does not abort an in-flight network
// call. Close never blocks the caller.
type Guard struct {
	client   returner
	instance *domain.Instance
	released atomic.Bool
}

// NewGuard wraps instance in a scoped guard bound to client.
func NewGuard(client returner, instance *domain.Instance) *Guard {
	return &Guard{client: client, instance: instance}
}

// Instance returns the borrowed instance.
func (g *Guard) Instance() *domain.Instance {
	return g.instance
}

// Release performs the explicit, synchronous return. It is safe to call
// at most meaningfully once; subsequent calls are no-ops because the
// underlying Return is itself idempotent, but Release only issues the
// network call the first time.
func (g *Guard) Release(ctx context.Context) error {
	if !g.released.CompareAndSwap(false, true) {
		return nil
	}
	err := g.client.Return(ctx, g.instance)
	metrics.RecordLeaseReturned()
	return err
}

// Close is the guaranteed-release backstop. Call it with defer
// immediately after NewGuard. If Release already ran, Close is a no-op.
// Otherwise it fires a detached best-effort return and returns
// immediately — it must never block or panic the caller's unwind.
func (g *Guard) Close() {
	if !g.released.CompareAndSwap(false, true) {
		return
	}
	logging.Op().Warn("lease.guard released on backstop path, not via explicit Release",
		"instance_id", g.instance.ID)
	metrics.RecordLeaseBackstop()
	go func(client returner, inst *domain.Instance) {
		ctx, cancel := context.WithTimeout(context.Background(), detachedReturnTimeout)
		defer cancel()
		if err := client.Return(ctx, inst); err != nil {
			logging.Op().Error("lease.guard backstop return failed", "instance_id", inst.ID, "error", err)
		}
		metrics.RecordLeaseReturned()
	}(g.client, g.instance)
}
