// Package main provides the skillflow binary entry point.
// Skillflow is a durable, planner-driven workflow orchestrator: an LLM
// planner picks the next skill, executors run it, and every step is
// checkpointed so runs survive restarts, reviews, and remote callbacks.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

const (
	version = "0.1.0"
	appName = "skillflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Durable workflow orchestrator",
		Long: `Skillflow runs multi-step workflows described by natural-language SOPs.

An LLM planner selects the next skill at each step, five executor types
carry it out (LLM, REST callback, inline function, data query, data
pipeline), and a two-tier checkpoint store makes every run durable across
restarts, human reviews, and remote-service callbacks.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate-skills",
		Short: "Parse and validate the filesystem skills directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateSkills(configPath)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, version)
		},
	})

	return cmd
}
