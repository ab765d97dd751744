package lease

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/agentd/internal/domain"
)

func newTestAllocator(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var returnCount int32
	mux := http.NewServeMux()
	mux.HandleFunc("/borrow", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.Instance{
			ID:               "inst-1",
			MCPConnectionURL: "http://mcp-a:80",
			APIURL:           "http://allocator/api/inst-1",
		})
	})
	mux.HandleFunc("/return", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&returnCount, 1)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &returnCount
}

func TestBorrowThenRelease(t *testing.T) {
	srv, returnCount := newTestAllocator(t)
	client := NewClient(srv.URL, nil)
	ctx := context.Background()

	inst, err := client.Borrow(ctx)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if inst.ID != "inst-1" {
		t.Fatalf("unexpected instance id %q", inst.ID)
	}

	guard := NewGuard(client, inst)
	defer guard.Close()

	if err := guard.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	if got := atomic.LoadInt32(returnCount); got != 1 {
		t.Fatalf("expected return_count=1, got %d", got)
	}
}

func TestGuardBackstopReturnsOnAbnormalExit(t *testing.T) {
	srv, returnCount := newTestAllocator(t)
	client := NewClient(srv.URL, nil)
	ctx := context.Background()

	inst, err := client.Borrow(ctx)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}

	func() {
		guard := NewGuard(client, inst)
		defer guard.Close()
		// Simulate an early error return: Release is never called.
	}()

	waitFor(t, func() bool { return atomic.LoadInt32(returnCount) == 1 })
}

func TestDoubleReturnIsIdempotent(t *testing.T) {
	srv, returnCount := newTestAllocator(t)
	client := NewClient(srv.URL, nil)
	ctx := context.Background()

	inst, _ := client.Borrow(ctx)
	guard := NewGuard(client, inst)

	if err := guard.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	guard.Close() // must be a no-op: Release already ran

	waitFor(t, func() bool { return atomic.LoadInt32(returnCount) == 1 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}
