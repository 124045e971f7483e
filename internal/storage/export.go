package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/crucible/internal/executor"
)

// ExportMarkdown renders an execution as a markdown report.
func ExportMarkdown(e *Execution) string {
	var b strings.Builder

	status := "failed"
	if e.Success {
		status = "succeeded"
	}

	b.WriteString(fmt.Sprintf("# Execution %s\n\n", e.ID))
	b.WriteString(fmt.Sprintf("- **Status:** %s at %s stage\n", status, e.Stage))
	if e.Client != "" {
		b.WriteString(fmt.Sprintf("- **Client:** %s\n", e.Client))
	}
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", e.CreatedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("- **Source SHA-256:** `%s`\n", e.SourceHash))
	if e.Stage == executor.StageExecution {
		b.WriteString(fmt.Sprintf("- **Exit code:** %d\n", e.ExitCode))
		b.WriteString(fmt.Sprintf("- **Duration:** %s\n", e.ExecutionTime))
	}
	if e.TimedOut {
		b.WriteString("- **Timed out:** yes\n")
	}
	if e.Truncated {
		b.WriteString("- **Output truncated:** yes\n")
	}
	b.WriteString("\n---\n\n")

	b.WriteString(fmt.Sprintf("## Source\n\n```c\n%s\n```\n\n", strings.TrimRight(e.Source, "\n")))

	if e.Error != "" {
		b.WriteString(fmt.Sprintf("## Error\n\n```\n%s\n```\n\n", e.Error))
	}
	if e.Stdout != "" {
		b.WriteString(fmt.Sprintf("## Stdout\n\n```\n%s\n```\n\n", strings.TrimRight(e.Stdout, "\n")))
	}
	if e.Stderr != "" {
		b.WriteString(fmt.Sprintf("<details>\n<summary>Stderr</summary>\n\n```\n%s\n```\n</details>\n\n", strings.TrimRight(e.Stderr, "\n")))
	}

	return b.String()
}

// ExportJSON renders an execution as formatted JSON.
func ExportJSON(e *Execution) ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}

// ExportYAML renders an execution as YAML.
func ExportYAML(e *Execution) ([]byte, error) {
	return yaml.Marshal(e)
}

// Export renders e in the named format: "md", "json" or "yaml".
func Export(e *Execution, format string) ([]byte, string, error) {
	switch format {
	case "", "md", "markdown":
		return []byte(ExportMarkdown(e)), "text/markdown; charset=utf-8", nil
	case "json":
		data, err := ExportJSON(e)
		return data, "application/json", err
	case "yaml", "yml":
		data, err := ExportYAML(e)
		return data, "application/yaml", err
	default:
		return nil, "", fmt.Errorf("unsupported export format %q (use md, json, or yaml)", format)
	}
}
