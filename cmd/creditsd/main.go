// Command creditsd runs the credit ledger as a standalone HTTP service and
// provides admin commands for migrations, top-ups and pricing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "creditsd",
	Short: "Credit reservation ledger",
	Long: `creditsd serves a credit ledger over HTTP. Agents reserve credits before
billable work, confirm on success and refund on failure. A background sweep
refunds reservations that were never settled.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CREDITS_CONFIG"),
		"Path to a YAML or TOML config file")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "creditsd:", err)
		cancel()
		os.Exit(1)
	}
}
