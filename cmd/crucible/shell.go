package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/crucible/internal/executor"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Type C programs interactively and run them in the sandbox",
	Long: `Start an interactive shell. Lines are collected into a buffer until you
enter .run, which sends the buffer through the sandbox pipeline.

Ctrl+C cancels a running program. Type .help for commands.`,
	RunE: runShell,
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

// shellState is the program being edited.
type shellState struct {
	lines []string
}

func (s *shellState) source() string {
	return strings.Join(s.lines, "\n") + "\n"
}

func runShell(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	exec, err := executor.FromConfig(cfg, logger, nil)
	if err != nil {
		return err
	}

	fmt.Printf("Crucible - Interactive C Sandbox\n")
	fmt.Printf("Image: %s | Timeout: %s\n", cfg.Docker.Image, cfg.Limits.ExecutionTimeout)
	fmt.Printf("Type .help for commands, .quit to exit\n\n")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mc>\033[0m ",
		HistoryFile:     filepath.Join(os.TempDir(), "crucible_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C cancels the running program, not the shell.
	var mu sync.Mutex
	var runCancel context.CancelFunc
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			mu.Lock()
			if runCancel != nil {
				runCancel()
			}
			mu.Unlock()
		}
	}()

	state := &shellState{}
	for {
		if len(state.lines) > 0 {
			rl.SetPrompt("\033[36m..>\033[0m ")
		} else {
			rl.SetPrompt("\033[36mc>\033[0m ")
		}

		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt && len(state.lines) > 0 {
				state.lines = nil
				fmt.Println("(buffer cleared)")
				continue
			}
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		if strings.HasPrefix(strings.TrimSpace(line), ".") {
			if handleShellCommand(strings.TrimSpace(line), state) {
				return nil
			}
			if strings.TrimSpace(line) != ".run" {
				continue
			}
			if len(state.lines) == 0 {
				fmt.Println("Nothing to run.")
				continue
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			mu.Lock()
			runCancel = cancel
			mu.Unlock()

			res := exec.Execute(ctx, state.source())

			mu.Lock()
			runCancel = nil
			mu.Unlock()
			cancel()

			fmt.Println()
			printResult(res)
			fmt.Println()
			continue
		}

		state.lines = append(state.lines, line)
	}
}

// handleShellCommand reports whether the shell should exit.
func handleShellCommand(input string, state *shellState) bool {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case ".quit", ".exit", ".q":
		fmt.Println("Goodbye!")
		return true
	case ".run":
		// handled by the caller
	case ".clear":
		state.lines = nil
		fmt.Println("Buffer cleared.")
	case ".show":
		if len(state.lines) == 0 {
			fmt.Println("(empty)")
		}
		for i, l := range state.lines {
			fmt.Printf("\033[90m%3d│\033[0m %s\n", i+1, l)
		}
	case ".load":
		if len(fields) < 2 {
			fmt.Println("usage: .load <file>")
			break
		}
		data, err := os.ReadFile(fields[1])
		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n", err)
			break
		}
		state.lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		fmt.Printf("Loaded %d lines.\n", len(state.lines))
	case ".help":
		fmt.Println("Commands:")
		fmt.Println("  .run         - Compile and run the buffer")
		fmt.Println("  .show        - Print the buffer")
		fmt.Println("  .clear       - Empty the buffer")
		fmt.Println("  .load <file> - Replace the buffer with a file")
		fmt.Println("  .quit        - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try .help)\n", input)
	}
	return false
}
