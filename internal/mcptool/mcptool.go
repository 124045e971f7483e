// Package mcptool exposes the execution pipeline as an MCP tool so agent
// hosts can run C programs in the sandbox.
package mcptool

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/crucible/internal/executor"
)

// ToolName is the name agents call.
const ToolName = "c_run"

// maxText caps the text returned to the agent.
const maxText = 4000

// Runner executes one program. *executor.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, source string) executor.Result
}

// NewServer returns an MCP server with the c_run tool registered.
func NewServer(runner Runner, version string) *server.MCPServer {
	s := server.NewMCPServer("crucible-c-runner", version)

	s.AddTool(mcp.Tool{
		Name: ToolName,
		Description: "Compile and run a single-file C program in an isolated Docker sandbox " +
			"(no network, no file access outside /tmp, strict time and memory limits). " +
			"Only standard headers such as stdio.h, stdlib.h, string.h and math.h may be included.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Complete C source with a main function",
				},
			},
			Required: []string{"code"},
		},
	}, Handler(runner))

	return s
}

// Handler adapts runner to an MCP tool handler.
func Handler(runner Runner) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		if args == nil {
			return errResult("error: invalid arguments"), nil
		}

		code, _ := args["code"].(string)
		if strings.TrimSpace(code) == "" {
			return errResult("error: 'code' is required"), nil
		}

		res := runner.Execute(ctx, code).Public()
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: Format(res)}},
			IsError: !res.Success,
		}, nil
	}
}

// Format renders a result as agent-readable text.
func Format(res executor.Result) string {
	if res.Stage != executor.StageExecution {
		return fmt.Sprintf("%s failed:\n%s", res.Stage, res.Error)
	}

	var output strings.Builder
	if res.Stdout != "" {
		output.WriteString(res.Stdout)
	}
	if res.Stderr != "" {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString("STDERR:\n" + res.Stderr)
	}
	if res.Error != "" {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString("error: " + res.Error)
	} else if res.ExitCode != 0 {
		output.WriteString(fmt.Sprintf("\nexit code: %d", res.ExitCode))
	}
	if output.Len() == 0 {
		output.WriteString("(no output)")
	}

	text := output.String()
	if len(text) > maxText {
		cut := maxText
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "\n... (output truncated)"
	}
	return text
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
