package mcptoolset

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autarch-dev/autarch/pkg/config"
)

// fakeServer implements the minimal JSON-RPC surface of a
// streamable-http MCP server.
func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("mcp-session-id", "sess-abc")

		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{"protocolVersion": protocolVersion}
		case "tools/list":
			result = map[string]any{
				"tools": []any{
					map[string]any{
						"name":        "fetch_page",
						"description": "Fetch a web page",
						"inputSchema": map[string]any{
							"type":       "object",
							"properties": map[string]any{"url": map[string]any{"type": "string"}},
							"required":   []any{"url"},
						},
					},
					map[string]any{"name": "post_comment", "description": "Post a comment"},
				},
			}
		case "tools/call":
			params := req.Params.(map[string]any)
			if r.Header.Get("mcp-session-id") != "sess-abc" {
				t.Errorf("missing session id on %s", req.Method)
			}
			name := params["name"].(string)
			if name == "boom" {
				result = map[string]any{
					"isError": true,
					"content": []any{map[string]any{"type": "text", "text": "it broke"}},
				}
			} else {
				result = map[string]any{
					"content": []any{map[string]any{"type": "text", "text": "page body"}},
				}
			}
		default:
			t.Errorf("unexpected method %s", req.Method)
		}
		json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
	}))
}

func newToolset(t *testing.T, cfg config.MCPServerConfig) *Toolset {
	t.Helper()
	cfg.SetDefaults()
	ts, err := New("web", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ts.Close() })
	return ts
}

func TestToolsLazyConnect(t *testing.T) {
	srv := fakeServer(t)
	defer srv.Close()

	ts := newToolset(t, config.MCPServerConfig{URL: srv.URL})
	tools, err := ts.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)

	def := tools[0].Definition()
	assert.Equal(t, "fetch_page", def.Name)
	assert.Equal(t, "Fetch a web page", def.Description)
	assert.Contains(t, def.Schema["properties"], "url")
	assert.True(t, tools[0].RequiresApproval())
}

func TestToolsFilter(t *testing.T) {
	srv := fakeServer(t)
	defer srv.Close()

	ts := newToolset(t, config.MCPServerConfig{URL: srv.URL, Filter: []string{"post_comment"}})
	tools, err := ts.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "post_comment", tools[0].Definition().Name)
}

func TestCallTool(t *testing.T) {
	srv := fakeServer(t)
	defer srv.Close()

	ts := newToolset(t, config.MCPServerConfig{URL: srv.URL})
	tools, err := ts.Tools(context.Background())
	require.NoError(t, err)

	res, err := tools[0].Execute(context.Background(), nil, map[string]any{"url": "https://example.com"})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "page body", res.Content)
}

func TestCallToolServerError(t *testing.T) {
	srv := fakeServer(t)
	defer srv.Close()

	ts := newToolset(t, config.MCPServerConfig{URL: srv.URL})
	_, err := ts.Tools(context.Background())
	require.NoError(t, err)

	w := &serverTool{toolset: ts, name: "boom"}
	res, err := w.Execute(context.Background(), nil, nil)
	require.NoError(t, err, "tool-level failures are results, not errors")
	assert.False(t, res.Success)
	assert.Equal(t, "it broke", res.Error)
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New("bad", config.MCPServerConfig{})
	assert.Error(t, err)
}

func TestCloseWithoutConnect(t *testing.T) {
	ts, err := New("idle", config.MCPServerConfig{URL: "http://localhost:1"})
	require.NoError(t, err)
	assert.NoError(t, ts.Close())
}
