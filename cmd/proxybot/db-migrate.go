package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"proxybot/internal/storage"
	logx "proxybot/pkg/logx"
)

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long: `Applies every pending migration to the configured database and exits.
"serve" runs the same migrations on start; this command is for deployments
that migrate before rolling out a new binary.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadStorageConfig()
		if err != nil {
			return err
		}
		if err := storage.Migrate(cmd.Context(), cfg, cliLog()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd)
}

func cliLog() logx.Logger {
	return logx.NewConsole("WARN")
}
