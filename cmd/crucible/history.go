package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/crucible/internal/executor"
	"github.com/michaelbrown/crucible/internal/storage"
	"github.com/michaelbrown/crucible/internal/storage/sqlite"
)

var (
	stageFilter  string
	clientFilter string
	limitFlag    int
	exportFormat string
	exportOutput string
	forceFlag    bool
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"hist", "h"},
	Short:   "Inspect recorded executions",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded executions",
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show an execution's source and output",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <execution-id>",
	Short: "Delete an execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryDelete,
}

var historyExportCmd = &cobra.Command{
	Use:   "export <execution-id>",
	Short: "Export an execution as markdown, JSON or YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryExport,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyDeleteCmd, historyExportCmd)

	historyListCmd.Flags().StringVar(&stageFilter, "stage", "", "Filter by final stage (validation, compilation, execution)")
	historyListCmd.Flags().StringVar(&clientFilter, "client", "", "Filter by client")
	historyListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max executions to show")

	historyExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md, json or yaml")
	historyExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	historyDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func openStore() (storage.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	opts := storage.ListOptions{
		Stage:  executor.Stage(stageFilter),
		Client: clientFilter,
		Limit:  limitFlag,
	}

	executions, err := store.ListExecutions(context.Background(), opts)
	if err != nil {
		return err
	}

	if len(executions) == 0 {
		fmt.Println("No executions found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-12s %-8s %-6s %-10s %-15s %s\n", "ID", "STAGE", "STATUS", "EXIT", "TIME", "CLIENT", "WHEN")
	fmt.Println(strings.Repeat("─", 80))

	for _, e := range executions {
		client := e.Client
		if len(client) > 13 {
			client = client[:13] + ".."
		}

		fmt.Printf("%-10s %-12s %-8s %-6d %-10s %-15s %s\n",
			shortID(e.ID), e.Stage, status(&e), e.ExitCode,
			e.ExecutionTime.Round(time.Millisecond), client, timeAgo(e.CreatedAt))
	}

	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	e, err := store.GetExecution(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Execution: %s\n", e.ID)
	fmt.Printf("Stage:     %s\n", e.Stage)
	fmt.Printf("Status:    %s\n", status(e))
	if e.Client != "" {
		fmt.Printf("Client:    %s\n", e.Client)
	}
	if e.Stage == executor.StageExecution {
		fmt.Printf("Exit code: %d\n", e.ExitCode)
		fmt.Printf("Time:      %s\n", e.ExecutionTime.Round(time.Millisecond))
	}
	if e.Truncated {
		fmt.Printf("Output:    truncated\n")
	}
	fmt.Printf("SHA-256:   %s\n", e.SourceHash)
	fmt.Printf("Created:   %s\n", e.CreatedAt.Format(time.RFC3339))

	if e.Error != "" {
		fmt.Printf("\n\033[31m%s\033[0m\n", e.Error)
	}

	fmt.Printf("\nSource:\n")
	fmt.Println(strings.Repeat("─", 60))
	fmt.Println(strings.TrimRight(e.Source, "\n"))

	if e.Stdout != "" {
		fmt.Printf("\nStdout:\n")
		fmt.Println(strings.Repeat("─", 60))
		fmt.Printf("  \033[90m│\033[0m %s\n", strings.ReplaceAll(strings.TrimRight(e.Stdout, "\n"), "\n", "\n  \033[90m│\033[0m "))
	}
	if e.Stderr != "" {
		fmt.Printf("\nStderr:\n")
		fmt.Println(strings.Repeat("─", 60))
		fmt.Printf("  \033[90m│\033[0m %s\n", strings.ReplaceAll(strings.TrimRight(e.Stderr, "\n"), "\n", "\n  \033[90m│\033[0m "))
	}

	return nil
}

func runHistoryDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	e, err := store.GetExecution(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		fmt.Printf("Delete execution %s (%s, %s)? [y/N] ", shortID(e.ID), e.Stage, timeAgo(e.CreatedAt))
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.DeleteExecution(ctx, e.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted execution %s\n", shortID(e.ID))
	return nil
}

func runHistoryExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	e, err := store.GetExecution(context.Background(), args[0])
	if err != nil {
		return err
	}

	data, _, err := storage.Export(e, exportFormat)
	if err != nil {
		return err
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, data, 0o644)
	}

	os.Stdout.Write(data)
	return nil
}

func status(e *storage.Execution) string {
	switch {
	case e.Success:
		return "ok"
	case e.TimedOut:
		return "timeout"
	case e.Stage == executor.StageValidation:
		return "rejected"
	default:
		return "failed"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
