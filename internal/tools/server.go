// Package tools exposes sandbox operations as MCP tools, so an agent can
// create a cluster, run kubectl commands in it and tear it down.
package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/kubebox/internal/client"
	"github.com/michaelbrown/kubebox/internal/driver"
)

// Backend is the subset of the API client the tools need.
type Backend interface {
	Create(ctx context.Context, image string) (*client.Sandbox, error)
	Status(ctx context.Context) (*client.Sandbox, error)
	Exec(ctx context.Context, command string) (string, error)
	Delete(ctx context.Context) error
}

// Tool names.
const (
	ToolCreate = "create_sandbox"
	ToolRun    = "run_command"
	ToolStatus = "sandbox_status"
	ToolDelete = "delete_sandbox"
)

const maxResultLen = 16000

// NewServer builds an MCP server whose tools act on backend.
func NewServer(backend Backend, version string) *server.MCPServer {
	h := &handlers{backend: backend}
	s := server.NewMCPServer("kubebox", version)

	s.AddTool(mcp.Tool{
		Name:        ToolCreate,
		Description: "Create a disposable Kubernetes cluster for this session, or return the one already bound to it. The cluster is deleted automatically when its lifetime runs out.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"image": map[string]any{
					"type":        "string",
					"description": "Node image to use (optional, must be allowed by the server)",
				},
			},
		},
	}, h.create)

	s.AddTool(mcp.Tool{
		Name:        ToolRun,
		Description: "Run a kubectl command in the session's cluster and return its output. The leading 'kubectl' is optional, e.g. 'get pods -A'.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The kubectl command line to run",
				},
			},
			Required: []string{"command"},
		},
	}, h.run)

	s.AddTool(mcp.Tool{
		Name:        ToolStatus,
		Description: "Show the session's cluster and how long until it expires.",
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}, h.status)

	s.AddTool(mcp.Tool{
		Name:        ToolDelete,
		Description: "Delete the session's cluster now.",
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}, h.delete)

	return s
}

// ServeStdio serves the tools over stdin/stdout until the input closes.
func ServeStdio(backend Backend, version string) error {
	return server.ServeStdio(NewServer(backend, version))
}

type handlers struct {
	backend Backend
}

func (h *handlers) create(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	image, _ := args["image"].(string)

	sb, err := h.backend.Create(ctx, image)
	if err != nil {
		return errorResult("creating sandbox: %v", err), nil
	}
	verb := "Created"
	if sb.Reused {
		verb = "Reusing"
	}
	return textResult(fmt.Sprintf("%s sandbox %s, expires in %ds.", verb, sb.SandboxID, sb.ExpiresIn)), nil
}

func (h *handlers) run(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errorResult("invalid arguments"), nil
	}
	command, ok := args["command"].(string)
	if !ok || strings.TrimSpace(command) == "" {
		return errorResult("'command' argument must be a non-empty string"), nil
	}

	out, err := h.backend.Exec(ctx, command)
	if err != nil {
		if client.IsNotFound(err) {
			return errorResult("no live sandbox for this session, call %s first", ToolCreate), nil
		}
		return errorResult("%v", err), nil
	}

	if len(out) > maxResultLen {
		out = driver.TruncateUTF8(out, maxResultLen) + "\n... (output truncated)"
	}
	if out == "" {
		out = "(no output)"
	}
	return textResult(out), nil
}

func (h *handlers) status(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sb, err := h.backend.Status(ctx)
	if err != nil {
		if client.IsNotFound(err) {
			return textResult("No sandbox is bound to this session."), nil
		}
		return errorResult("%v", err), nil
	}
	return textResult(fmt.Sprintf("Sandbox %s, created %s, expires in %ds.",
		sb.SandboxID, sb.CreatedAt.Format("2006-01-02 15:04:05"), sb.ExpiresIn)), nil
}

func (h *handlers) delete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := h.backend.Delete(ctx); err != nil {
		if client.IsNotFound(err) {
			return textResult("No sandbox to delete."), nil
		}
		return errorResult("deleting sandbox: %v", err), nil
	}
	return textResult("Sandbox deleted."), nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}

func errorResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "error: " + fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}
