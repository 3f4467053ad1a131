package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"convmem/internal/store"
)

func init() {
	rootCmd.AddCommand(addCmd)
}

var addCmd = &cobra.Command{
	Use:   "add <session-id> <user|assistant> <text...>",
	Short: "Append a message to a session",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		id := args[0]
		role := store.Role(strings.ToLower(args[1]))
		text := strings.Join(args[2:], " ")
		if err := a.mem.AddMessage(cmd.Context(), id, role, text); err != nil {
			return sessionErr(id, err)
		}

		info, err := a.mem.GetSessionInfo(cmd.Context(), id)
		if err != nil {
			return sessionErr(id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s message → session %s (%d messages, %d chunks)\n",
			role, id, info.TotalMessages, info.TotalChunks)
		return nil
	},
}
