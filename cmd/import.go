package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"convmem/internal/capture"
)

func init() {
	rootCmd.AddCommand(importCmd)
}

var importCmd = &cobra.Command{
	Use:   "import <session-id> <path-to-transcript>",
	Short: "Append a .jsonl or plain-text transcript to a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := capture.ImportTranscript(cmd.Context(), a.mem, args[0], args[1])
		if err != nil {
			if n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d messages before failing\n", n)
			}
			return sessionErr(args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d messages → session %s\n", n, args[0])
		return nil
	},
}
