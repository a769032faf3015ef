package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func main() {
	s := server.NewMCPServer("parley-file-ops", "0.1.0")

	s.AddTool(mcp.Tool{
		Name:        "file_read",
		Description: "Read the contents of a file.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path to the file to read",
				},
			},
			Required: []string{"path"},
		},
	}, handleFileRead)

	s.AddTool(mcp.Tool{
		Name:        "file_write",
		Description: "Write content to a file, creating it if it doesn't exist. Overwrites existing content.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path to the file to write",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Content to write to the file",
				},
			},
			Required: []string{"path", "content"},
		},
	}, handleFileWrite)

	s.AddTool(mcp.Tool{
		Name:        "file_list",
		Description: "List files in a directory, optionally filtered by a glob pattern.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Directory path to list",
				},
				"pattern": map[string]any{
					"type":        "string",
					"description": "Glob pattern to filter files (e.g. '*.go')",
				},
			},
			Required: []string{"path"},
		},
	}, handleFileList)

	if err := server.ServeStdio(s); err != nil {
		fmt.Printf("server error: %v\n", err)
	}
}

func getArgs(request mcp.CallToolRequest) map[string]any {
	args, _ := request.Params.Arguments.(map[string]any)
	return args
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}

func handleFileRead(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)
	path, _ := args["path"].(string)
	if path == "" {
		return errResult("error: 'path' is required"), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return errResult(fmt.Sprintf("error reading file: %v", err)), nil
	}

	return textResult(string(data)), nil
}

func handleFileWrite(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return errResult("error: 'path' is required"), nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errResult(fmt.Sprintf("error creating directories: %v", err)), nil
		}
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errResult(fmt.Sprintf("error writing file: %v", err)), nil
	}

	return textResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path)), nil
}

func handleFileList(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)
	path, _ := args["path"].(string)
	pattern, _ := args["pattern"].(string)
	if path == "" {
		path = "."
	}

	if pattern != "" {
		matches, err := filepath.Glob(filepath.Join(path, pattern))
		if err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}
		return textResult(strings.Join(matches, "\n")), nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return errResult(fmt.Sprintf("error listing directory: %v", err)), nil
	}

	var lines []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		lines = append(lines, name)
	}

	return textResult(strings.Join(lines, "\n")), nil
}
