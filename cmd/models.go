package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"convmem/internal/llm"
)

func init() {
	rootCmd.AddCommand(modelsCmd)
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List known chat models and their context windows",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-11s %-15s %-9s %s\n", "KEY", "MODEL", "CONTEXT", "DESCRIPTION")
		fmt.Fprintln(out, "──────────────────────────────────────────────────────────────────────")
		for _, m := range llm.ListModels() {
			fmt.Fprintf(out, "%-11s %-15s %-9s %s\n", m.Key, m.Name, formatTokens(m.ContextLimit), m.Description)
		}
	},
}

func formatTokens(n int) string {
	if n >= 1000000 {
		return fmt.Sprintf("%dM", n/1000000)
	}
	return fmt.Sprintf("%dK", n/1000)
}
