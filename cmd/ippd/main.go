package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ipp-daemon/internal/core"
)

// Build info, injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global client flags.
var (
	socketPath string
	jsonOutput bool
	timeout    time.Duration
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ippd",
		Short:         "IP Protection session-state daemon",
		Version:       fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&socketPath, "socket", envOr("IPPD_SOCKET", core.DefaultSocket), "Control socket path")
	flags.BoolVar(&jsonOutput, "json", false, "Print JSON output")
	flags.DurationVar(&timeout, "timeout", 10*time.Second, "Timeout for control calls")

	root.AddCommand(
		serveCommand(),
		statusCommand(),
		startCommand(),
		stopCommand(),
		signalCommand(),
		usageCommand(),
		accountCommand(),
		excludeCommand(),
		dismissCommand(),
		syncCommand(),
		reportErrorCommand(),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
