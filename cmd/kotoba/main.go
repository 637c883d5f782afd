// Command kotoba runs the Matrix chat relay and offers a few maintenance
// commands against its database.
//
// Configuration is read from the environment (optionally via a .env file) and
// from the YAML file named by KOTOBA_CONFIG_FILE:
//
//	LLM_API_KEY          API key for the OpenAI-compatible backend (required)
//	MATRIX_HOMESERVER    homeserver URL (required)
//	MATRIX_USER_ID       bot user ID (required)
//	MATRIX_ACCESS_TOKEN  bot access token (required)
//	KOTOBA_ROOM_ID       room the bot serves (required)
//	KOTOBA_DB_PATH       SQLite database path (default kotoba.db)
//	KOTOBA_HTTP_ADDR     health endpoint address, empty to disable (default :8080)
//	LOG_LEVEL            debug, info, warn or error (default info)
//	LOG_FORMAT           text or json (default text)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kotoba/common/version"
	"github.com/bdobrica/kotoba/internal/kotoba/app"
	"github.com/bdobrica/kotoba/internal/kotoba/config"
	"github.com/bdobrica/kotoba/internal/kotoba/observability"
	"github.com/bdobrica/kotoba/internal/kotoba/store"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:          "kotoba",
		Short:        "LLM chat relay for a Matrix room",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	cmd.AddCommand(
		newServeCmd(&envFile),
		newMemoryCmd(&envFile),
		newTurnsCmd(&envFile),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig loads the configuration and installs the logger.
func loadConfig(envFile string, requireCredentials bool) (*config.Config, error) {
	cfg, err := config.Load(config.Options{EnvFile: envFile, RequireCredentials: requireCredentials})
	if err != nil {
		return nil, err
	}
	observability.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func newServeCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to Matrix and answer messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*envFile, true)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), version.Info())
			slog.Info("kotoba: configuration loaded", "config", cfg.Summary())

			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialise kotoba: %w", err)
			}
			runErr := a.Run(cmd.Context())
			if stopErr := a.Stop(); stopErr != nil && runErr == nil {
				runErr = stopErr
			}
			return runErr
		},
	}
}

// openStore opens the database without touching Matrix or the LLM backend.
func openStore(envFile string) (*config.Config, *store.Store, error) {
	cfg, err := loadConfig(envFile, false)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, st, nil
}

func newMemoryCmd(envFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect or clear conversational memory",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show the number of remembered turns per user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, st, err := openStore(*envFile)
			if err != nil {
				return err
			}
			defer st.Close()

			stats := app.NewMemoryStore(cfg, st).Stats()
			if len(stats) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No memories stored.")
				return nil
			}
			for _, user := range sortedKeys(stats) {
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %d\n", user, stats[user])
			}
			return nil
		},
	})

	var force bool
	clearCmd := &cobra.Command{
		Use:   "clear <user>",
		Short: "Forget everything remembered for a user",
		Long: "Forget everything remembered for a user.\n\n" +
			"A running server keeps its own copy of memory and rewrites the stored\n" +
			"snapshot on its next reply, so stop it first. The command refuses to run\n" +
			"while the configured health endpoint answers unless --force is given.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore(*envFile)
			if err != nil {
				return err
			}
			defer st.Close()

			if cfg.Memory.Backend == config.MemoryNone {
				return fmt.Errorf("memory backend is %q; nothing is persisted", cfg.Memory.Backend)
			}
			if !force && app.ServerRunning(cmd.Context(), cfg.HTTPAddr) {
				return fmt.Errorf("kotoba is running on %s; stop it before clearing memory (or pass --force)", cfg.HTTPAddr)
			}
			mem := app.NewMemoryStore(cfg, st)
			before := mem.Stats()[args[0]]
			mem.Clear(args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d entries for %s\n", before, args[0])
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&force, "force", false, "clear even if a server appears to be running")
	cmd.AddCommand(clearCmd)
	return cmd
}

func newTurnsCmd(envFile *string) *cobra.Command {
	var (
		sender string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "turns",
		Short: "List recent conversation turns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, st, err := openStore(*envFile)
			if err != nil {
				return err
			}
			defer st.Close()

			turns, err := st.RecentTurns(context.Background(), sender, limit)
			if err != nil {
				return fmt.Errorf("list turns: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, t := range turns {
				fmt.Fprintf(out, "%s  %-12s %-30s %6dms  %q -> %q\n",
					t.CreatedAt.Format("2006-01-02 15:04:05"), t.Outcome, t.Sender,
					t.LatencyMS, clip(t.Message, 40), clip(t.Response, 60))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sender, "sender", "", "only show turns from this user")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of turns to show")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
