package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"convmem/internal/llm"
	"convmem/internal/store"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <session-id> <text...>",
	Short: "Send a user message to the model with the session's context and store the reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		responder, err := llm.NewOpenAI(a.cfg.OpenAIOptions())
		if err != nil {
			return err
		}
		reply, err := chatTurn(cmd.Context(), a, responder, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return sessionErr(args[0], err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	},
}

// chatTurn records the user message, asks the responder, and records the
// reply. A failed model call leaves the user message in place.
func chatTurn(ctx context.Context, a *app, responder llm.Responder, id, text string) (string, error) {
	if err := a.mem.AddMessage(ctx, id, store.RoleUser, text); err != nil {
		return "", err
	}

	entries, err := a.mem.GetConversationContext(ctx, id, a.cfg.Memory.ContextChunks)
	if err != nil {
		return "", err
	}
	a.logger.Debug("context assembled", "session", id, "entries", len(entries))

	reply, err := responder.Reply(ctx, entries)
	if err != nil {
		return "", err
	}
	if err := a.mem.AddMessage(ctx, id, store.RoleAssistant, reply); err != nil {
		return "", err
	}
	return reply, nil
}
