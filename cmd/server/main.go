// Command sheetsync keeps Google Sheets and Postgres in sync.
//
//	sheetsync serve            scheduler plus status API
//	sheetsync sync             one cycle, print the result, exit 1 on failures
//	sheetsync migrate          create or extend the entity tables
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sheetsync/internal/config"
	"github.com/JonMunkholm/sheetsync/internal/core"
	"github.com/JonMunkholm/sheetsync/internal/logging"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "sheetsync",
	Short: "Reconcile Google Sheets with Postgres",
	Long: `sheetsync reads entity sheets from Google Sheets, diffs them against
Postgres (Supabase) and applies creates, updates and audited soft deletes
through a retrying operation queue.

Configuration comes from the environment; a .env file in the working
directory is loaded first when present.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Overload so .env wins over stale shell exports.
		if err := godotenv.Overload(); err != nil {
			slog.Debug("no .env file found, using environment variables")
		}

		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		cfg = loaded
		logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, syncCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if core.IsUserFacing(err) {
			fmt.Fprintln(os.Stderr, core.FormatUserError(err))
		}
		slog.Error("sheetsync failed", "error", err)
		os.Exit(1)
	}
}
