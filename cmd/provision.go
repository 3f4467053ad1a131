package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"convmem/internal/store"
)

func init() {
	rootCmd.AddCommand(provisionCmd)
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create the storage directory or database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return fmt.Errorf("provision failed: %w", err)
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		s := a.cfg.Storage
		switch s.Type {
		case store.BackendMemory:
			fmt.Fprintln(out, "In-memory storage ready (nothing is persisted)")
		case store.BackendFile:
			fmt.Fprintf(out, "File storage ready in %s\n", s.Dir)
		case store.BackendSQL:
			if s.SQL.Driver == store.DriverMySQL {
				fmt.Fprintf(out, "MySQL schema ready on %s/%s\n", s.SQL.Host, s.SQL.Database)
			} else {
				fmt.Fprintf(out, "SQLite schema ready at %s\n", s.SQL.Path)
			}
		}
		return nil
	},
}
