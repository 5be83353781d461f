package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	var track bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := startApp()
			if err != nil {
				return err
			}
			defer a.Release()
			if track {
				if err := a.MigrateDB(true); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
			return nil
		},
	}
	cmd.Flags().BoolVar(&track, "track", false, "log the migration statements")
	return cmd
}
