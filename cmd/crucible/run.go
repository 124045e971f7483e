package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/crucible/internal/executor"
	"github.com/michaelbrown/crucible/internal/storage"
	"github.com/michaelbrown/crucible/internal/storage/sqlite"
)

var (
	jsonFlag   bool
	recordFlag bool
)

var runCmd = &cobra.Command{
	Use:   "run <file|->",
	Short: "Validate, compile and run a C program",
	Long: `Run a single C program through the sandbox pipeline.

Pass "-" to read the program from stdin. The program's stdout and stderr are
echoed, followed by a one-line summary. The exit status is 0 on success, the
program's own exit code if it exited non-zero, and 1 for any other failure.

Examples:
  crucible run hello.c
  echo 'int main(){return 3;}' | crucible run -
  crucible run --json --record prog.c`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the result as JSON")
	runCmd.Flags().BoolVar(&recordFlag, "record", false, "Save the execution to history")
	rootCmd.AddCommand(runCmd)
}

func readSource(path string) (string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading source: %w", err)
	}
	return string(data), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	source, err := readSource(args[0])
	if err != nil {
		return err
	}

	exec, err := executor.FromConfig(cfg, logger, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := exec.Execute(ctx, source)

	if recordFlag {
		store, err := sqlite.Open(cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		id := uuid.New().String()
		if err := store.RecordExecution(context.Background(), storage.NewExecution(id, "cli", source, res)); err != nil {
			return fmt.Errorf("recording execution: %w", err)
		}
		fmt.Fprintf(os.Stderr, "recorded as %s\n", id[:8])
	}

	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printResult(res)
	}

	return resultStatus(res)
}

func printResult(res executor.Result) {
	fmt.Print(res.Stdout)
	fmt.Fprint(os.Stderr, res.Stderr)

	switch {
	case res.Success:
		fmt.Fprintf(os.Stderr, "\033[32m✓ exited 0 in %s\033[0m\n", res.ExecutionTime.Round(time.Millisecond))
	case res.Stage == executor.StageExecution && res.Error == "":
		fmt.Fprintf(os.Stderr, "\033[33m✗ exited %d in %s\033[0m\n", res.ExitCode, res.ExecutionTime.Round(time.Millisecond))
	default:
		fmt.Fprintf(os.Stderr, "\033[31m✗ %s: %s\033[0m\n", res.Stage, res.Error)
	}
}

// exitError carries a process exit status out of RunE.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func resultStatus(res executor.Result) error {
	switch {
	case res.Success:
		return nil
	case res.Stage == executor.StageExecution && res.Error == "" && res.ExitCode > 0:
		return &exitError{code: res.ExitCode}
	default:
		return &exitError{code: 1}
	}
}
