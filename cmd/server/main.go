/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the referral reward engine: the HTTP service and
  a few operator commands that run against the same store.

COMMANDS:
  serve            HTTP API plus the periodic sweep (default deployment)
  sweep            One reconciliation sweep, then exit
  grant USER_ID    Manually attempt the grant for one referred user
  user USER_ID     Print a user record as JSON

GLOBAL FLAGS:
  --config   TOML config file (optional)
  --db       SQLite path, overrides config ("" keeps config value)

ENVIRONMENT:
  See config/config.go. PORT, REFERRAL_DB, DATABASE_URL, BOT_TOKEN, ...

EXAMPLES:
  # Run with file database
  referral-engine serve --db ./data/referral.db

  # Run against Postgres
  DATABASE_URL=postgres://... REFERRAL_STORE=postgres referral-engine serve

  # Deliver any pending rewards once
  referral-engine sweep

SEE ALSO:
  - serve.go: Server startup and graceful shutdown
  - app.go: Dependency wiring
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

var (
	configPath string
	dbPath     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "referral-engine",
		Short:         "Referral reward engine for the coin bot",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(grantCmd())
	rootCmd.AddCommand(userCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
