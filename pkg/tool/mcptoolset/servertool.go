package mcptoolset

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/autarch-dev/autarch/pkg/tool"
)

// serverTool adapts one remote MCP tool to the tool interface.
type serverTool struct {
	toolset  *Toolset
	name     string
	desc     string
	schema   map[string]any
	useStdio bool
}

func (w *serverTool) Definition() tool.Definition {
	return tool.Definition{Name: w.name, Description: w.desc, Schema: w.schema}
}

// External tools run outside the worktree sandbox; they go through the
// same approval flow as shell commands.
func (w *serverTool) RequiresApproval() bool { return true }

func (w *serverTool) Execute(ctx context.Context, _ *tool.Context, args map[string]any) (tool.Result, error) {
	if w.useStdio {
		return w.callStdio(ctx, args)
	}
	return w.callHTTP(ctx, args)
}

func (w *serverTool) callStdio(ctx context.Context, args map[string]any) (tool.Result, error) {
	w.toolset.mu.Lock()
	mcpClient := w.toolset.client
	w.toolset.mu.Unlock()
	if mcpClient == nil {
		return tool.Result{}, fmt.Errorf("mcp %s: not connected", w.toolset.name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = w.name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return tool.Result{}, fmt.Errorf("mcp %s: call %s: %w", w.toolset.name, w.name, err)
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	body := strings.Join(texts, "\n")
	if resp.IsError {
		if body == "" {
			body = "unknown error"
		}
		return tool.Errorf("%s", body), nil
	}
	return tool.Result{Success: true, Content: body}, nil
}

func (w *serverTool) callHTTP(ctx context.Context, args map[string]any) (tool.Result, error) {
	resp, err := w.toolset.rpc(ctx, "tools/call", map[string]any{
		"name":      w.name,
		"arguments": args,
	})
	if err != nil {
		return tool.Result{}, fmt.Errorf("mcp %s: call %s: %w", w.toolset.name, w.name, err)
	}
	if resp.Error != nil {
		return tool.Errorf("%s", resp.Error.Message), nil
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return tool.Result{Success: true, Content: fmt.Sprintf("%v", resp.Result)}, nil
	}

	var texts []string
	if content, ok := resultMap["content"].([]any); ok {
		for _, c := range content {
			entry, ok := c.(map[string]any)
			if !ok || entry["type"] != "text" {
				continue
			}
			if text, ok := entry["text"].(string); ok {
				texts = append(texts, text)
			}
		}
	}
	body := strings.Join(texts, "\n")

	if isError, _ := resultMap["isError"].(bool); isError {
		if body == "" {
			body = "unknown error"
		}
		return tool.Errorf("%s", body), nil
	}
	return tool.Result{Success: true, Content: body}, nil
}

var _ tool.Tool = (*serverTool)(nil)
