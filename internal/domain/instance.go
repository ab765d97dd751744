package domain

// Instance is a reference to an externally managed MCP endpoint, issued
// by the allocator's /borrow call and released via /return. Every
// successful borrow must be paired with exactly one return.
type Instance struct {
	ID                string `json:"id"`
	MCPConnectionURL  string `json:"mcp_connection_url"`
	APIURL            string `json:"api_url"`
}
