package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete sessions idle for longer than the session timeout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		removed, err := a.mem.CleanupExpiredSessions(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired sessions (idle > %dh)\n", removed, a.cfg.Memory.SessionTimeoutHours)
		return err
	},
}
