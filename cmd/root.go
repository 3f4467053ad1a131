package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"convmem/internal/config"
	"convmem/internal/llm"
	"convmem/internal/memory"
	"convmem/internal/store"
)

var (
	cfgPath string

	// storageFlags carries the overrides config.Load applies on top of the
	// file and the environment.
	storageFlags = pflag.NewFlagSet("storage", pflag.ContinueOnError)
)

var rootCmd = &cobra.Command{
	Use:   "convmem",
	Short: "Conversation memory for chat backends — chunked, token-bounded history",
	Long: `convmem keeps per-session chat history in a pluggable store (memory, files,
SQLite or MySQL), seals old messages into chunks as the conversation grows,
and assembles a token-bounded context for the next model call.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to convmem.yaml (default $"+config.EnvConfigPath+")")
	config.BindFlags(storageFlags)
	rootCmd.PersistentFlags().AddFlagSet(storageFlags)
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// app is what a command needs once configuration is resolved.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store.Store
	mem    *memory.Manager
}

func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgPath, storageFlags)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	if p, ok := llm.ProfileFor(cfg.OpenAI.Model); ok && cfg.Memory.MaxContextTokens > p.ContextLimit {
		logger.Warn("max_context_tokens exceeds the model's context window",
			"model", p.Name,
			"max_context_tokens", cfg.Memory.MaxContextTokens,
			"context_limit", p.ContextLimit,
		)
	}
	return cfg, logger, nil
}

// openApp provisions storage and builds the memory manager.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	st, err := store.Provision(cmd.Context(), cfg.ProvisionConfig(logger))
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		store:  st,
		mem:    memory.NewManager(st, cfg.MemoryOptions(logger)),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close storage", "error", err)
	}
}

// sessionErr turns a missing session into a short user-facing message.
func sessionErr(id string, err error) error {
	if errors.Is(err, memory.ErrSessionNotFound) {
		return fmt.Errorf("session %q not found", id)
	}
	return err
}
