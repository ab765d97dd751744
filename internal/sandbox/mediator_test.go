package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestMCPServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tools", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["tool_a","tool_b"]`))
	})
	mux.HandleFunc("/tools/tool_a", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":"ok"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestEndpointEqualityIgnoresSyntacticVariants(t *testing.T) {
	a, err := ParseEndpoint("http://mcp-a:80")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, err := ParseEndpoint("http://mcp-a")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a != b {
		t.Fatalf("expected http://mcp-a:80 == http://mcp-a, got %v != %v", a, b)
	}

	c, err := ParseEndpoint("http://mcp-a:8080")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a == c {
		t.Fatalf("expected http://mcp-a:80 != http://mcp-a:8080")
	}
}

func TestInitializeMCPConnectionAcceptsLeasedEndpoint(t *testing.T) {
	srv := newTestMCPServer(t)
	m, err := NewHostCallMediator(srv.URL, nil)
	if err != nil {
		t.Fatalf("new mediator: %v", err)
	}
	if err := m.InitializeMCPConnection(srv.URL); err != nil {
		t.Fatalf("expected leased URL to be accepted, got %v", err)
	}
}

func TestInitializeMCPConnectionRejectsForeignEndpoint(t *testing.T) {
	srv := newTestMCPServer(t)
	m, err := NewHostCallMediator(srv.URL, nil)
	if err != nil {
		t.Fatalf("new mediator: %v", err)
	}
	if err := m.InitializeMCPConnection("http://mcp-b:80"); err == nil {
		t.Fatalf("expected PolicyDenied for foreign endpoint")
	}
}

func TestInitializeMCPConnectionDeniedWithoutLease(t *testing.T) {
	m := &HostCallMediator{}
	if err := m.InitializeMCPConnection("http://anything"); err == nil {
		t.Fatalf("expected denial with no active lease")
	}
}

func TestGetMCPToolsReturnsBody(t *testing.T) {
	srv := newTestMCPServer(t)
	m, err := NewHostCallMediator(srv.URL, nil)
	if err != nil {
		t.Fatalf("new mediator: %v", err)
	}
	out, err := m.GetMCPTools(context.Background())
	if err != nil {
		t.Fatalf("get tools: %v", err)
	}
	if out != `["tool_a","tool_b"]` {
		t.Fatalf("unexpected tools body: %s", out)
	}
}

func TestExecuteMCPToolPostsAndReturnsBody(t *testing.T) {
	srv := newTestMCPServer(t)
	m, err := NewHostCallMediator(srv.URL, nil)
	if err != nil {
		t.Fatalf("new mediator: %v", err)
	}
	out, err := m.ExecuteMCPTool(context.Background(), "tool_a", `{"x":1}`)
	if err != nil {
		t.Fatalf("execute tool: %v", err)
	}
	if out != `{"result":"ok"}` {
		t.Fatalf("unexpected tool result: %s", out)
	}
}

func TestExecuteMCPToolFailsOnNon2xx(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tools/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	m, err := NewHostCallMediator(srv.URL, nil)
	if err != nil {
		t.Fatalf("new mediator: %v", err)
	}
	if _, err := m.ExecuteMCPTool(context.Background(), "missing", "{}"); err == nil {
		t.Fatalf("expected error on 404 response")
	}
}
