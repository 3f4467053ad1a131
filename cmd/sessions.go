package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"convmem/internal/store"
)

var infoJSON bool

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionInfoCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)

	sessionInfoCmd.Flags().BoolVar(&infoJSON, "json", false, "print the info as JSON")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Create, inspect and delete conversation sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Start a new empty session and print its id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.mem.CreateSession(cmd.Context())
		if err != nil {
			return err
		}
		if a.cfg.Storage.Type == store.BackendMemory {
			a.logger.Warn("in-memory storage: the session is gone once this command exits",
				"session_id", id,
				"hint", "use --storage file or --storage sql to keep it",
			)
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ids, err := a.mem.ListSessions(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(ids) == 0 {
			fmt.Fprintln(out, "No sessions yet — run 'convmem session create' first")
			return nil
		}

		fmt.Fprintf(out, "%-38s %-17s %-9s %-7s %s\n", "ID", "LAST ACTIVITY", "MESSAGES", "CHUNKS", "TOKENS")
		fmt.Fprintln(out, "──────────────────────────────────────────────────────────────────────────────────")
		for _, id := range ids {
			info, err := a.mem.GetSessionInfo(cmd.Context(), id)
			if err != nil {
				a.logger.Warn("skipping unreadable session", "session", id, "error", err)
				continue
			}
			fmt.Fprintf(out, "%-38s %-17s %-9d %-7d %d\n",
				info.SessionID,
				info.LastActivity.Local().Format("2006-01-02 15:04"),
				info.TotalMessages,
				info.TotalChunks,
				info.EstimatedTotalTokens,
			)
		}
		return nil
	},
}

var sessionInfoCmd = &cobra.Command{
	Use:   "info <session-id>",
	Short: "Show counters for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.mem.GetSessionInfo(cmd.Context(), args[0])
		if err != nil {
			return sessionErr(args[0], err)
		}

		out := cmd.OutOrStdout()
		if infoJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}

		fmt.Fprintf(out, "Session:       %s\n", info.SessionID)
		fmt.Fprintf(out, "Created:       %s\n", info.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "Last activity: %s\n", info.LastActivity.Local().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "Messages:      %d\n", info.TotalMessages)
		fmt.Fprintf(out, "Chunks:        %d\n", info.TotalChunks)
		fmt.Fprintf(out, "Open messages: %d\n", info.CurrentMessagesCount)
		fmt.Fprintf(out, "Est. tokens:   %d\n", info.EstimatedTotalTokens)
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and all of its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		existed, err := a.mem.DeleteSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !existed {
			return fmt.Errorf("session %q not found", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
		return nil
	},
}
