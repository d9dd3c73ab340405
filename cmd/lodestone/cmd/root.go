// Package cmd provides the CLI commands for lodestone.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lodestone-search/lodestone/pkg/version"
)

// Persistent flags shared by every command.
var (
	jsonOutput bool
	configPath string
	dataDir    string
	debugMode  bool
)

// NewRootCmd creates the root command for the lodestone CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lodestone",
		Short: "Document lifecycle and hybrid search engine",
		Long: `Lodestone tracks a corpus of local documents, classifies changes,
and keeps a vector index and a keyword index consistent with the
source files. Search fuses both backends into one ranked list.

Run 'lodestone add <path>' to index documents, then
'lodestone search <query>' to find them.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("lodestone version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit machine-readable JSON output")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default .lodestone.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Override the data directory")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.AddCommand(newAddCmd())
	cmd.AddCommand(newRemoveCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newMaintainCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command with signal-aware cancellation.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		root.PrintErrln("Error:", err)
		return err
	}
	return nil
}
