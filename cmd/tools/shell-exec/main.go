package main

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const maxOutputLen = 4000

func main() {
	s := server.NewMCPServer("parley-shell-exec", "0.1.0")

	s.AddTool(mcp.Tool{
		Name:        "shell_exec",
		Description: "Execute a shell command and return the combined stdout and stderr output. Use this to run system commands, check files, install packages, etc.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell command to execute",
				},
				"workdir": map[string]any{
					"type":        "string",
					"description": "Working directory for the command (optional)",
				},
				"timeout_seconds": map[string]any{
					"type":        "integer",
					"description": "Kill the command after this many seconds (default 60)",
				},
			},
			Required: []string{"command"},
		},
	}, handleShellExec)

	if err := server.ServeStdio(s); err != nil {
		fmt.Printf("server error: %v\n", err)
	}
}

func handleShellExec(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	command, ok := args["command"].(string)
	if !ok {
		return errResult("error: 'command' argument must be a string"), nil
	}

	timeout := 60 * time.Second
	if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workdir, ok := args["workdir"].(string); ok && workdir != "" {
		cmd.Dir = workdir
	}

	output, err := cmd.CombinedOutput()
	result := string(output)
	if ctx.Err() == context.DeadlineExceeded {
		result += "\nerror: command timed out"
	} else if err != nil {
		result += "\nexit error: " + err.Error()
	}

	if len(result) > maxOutputLen {
		result = result[:maxOutputLen] + "\n... (output truncated)"
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: result}},
	}, nil
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
