package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/crucible/internal/doctor"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that docker, the sandbox image and the compiler are ready",
	RunE:  runDoctor,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration summary as YAML",
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(doctorCmd, configCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	report := doctor.Run(cmd.Context(), cfg, logger)
	for _, c := range report.Checks {
		mark := "\033[32m✓\033[0m"
		if !c.OK {
			mark = "\033[31m✗\033[0m"
		}
		if c.Detail != "" {
			fmt.Printf("%s %-9s %s\n", mark, c.Name, c.Detail)
		} else {
			fmt.Printf("%s %s\n", mark, c.Name)
		}
	}

	if !report.OK {
		return &exitError{code: 1}
	}
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := cfg.SummaryYAML()
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}
