package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"

	"convmem/internal/memory"
)

var (
	ctxChunks int
	ctxJSON   bool
	ctxCopy   bool
)

func init() {
	rootCmd.AddCommand(contextCmd)

	contextCmd.Flags().IntVar(&ctxChunks, "chunks", -1, "recent chunks to include (-1 = memory.context_chunks from config)")
	contextCmd.Flags().BoolVar(&ctxJSON, "json", false, "print the context as a JSON message list")
	contextCmd.Flags().BoolVar(&ctxCopy, "copy", false, "copy the context to the clipboard")
}

var contextCmd = &cobra.Command{
	Use:   "context <session-id>",
	Short: "Assemble the token-bounded context for the next model call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		chunks := ctxChunks
		if chunks < 0 {
			chunks = a.cfg.Memory.ContextChunks
		}
		entries, err := a.mem.GetConversationContext(cmd.Context(), args[0], chunks)
		if err != nil {
			return sessionErr(args[0], err)
		}

		text, err := renderContext(entries, ctxJSON)
		if err != nil {
			return err
		}

		if ctxCopy {
			if err := clipboard.WriteAll(text); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not copy to clipboard: %v\n", err)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Context copied to clipboard!")
				return nil
			}
		}
		fmt.Fprint(cmd.OutOrStdout(), text)
		return nil
	},
}

func renderContext(entries []memory.ContextEntry, asJSON bool) (string, error) {
	if asJSON {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode context: %w", err)
		}
		return string(data) + "\n", nil
	}

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] %s\n", e.Role, e.Content)
	}
	return b.String(), nil
}
