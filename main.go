package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"parley/internal/config"
	"parley/internal/security"
)

var (
	// Global flags
	cfgPath string
	debug   bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - a multi-provider chat bot with memory, live grounding and model fallback",
	Long: `Parley answers chat messages through a cascade of AI providers.

It classifies each message, routes it to a suitable model, grounds
time-sensitive questions in fresh search results, and streams the reply
back to the chat. Conversations, pinned facts and rolling summaries are
kept in a local SQLite database.

Run without arguments to serve the configured channels.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// a missing .env is fine
		_ = godotenv.Load()

		zcfg := zap.NewProductionConfig()
		if debug {
			zcfg = zap.NewDevelopmentConfig()
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the configured chat channels and the admin endpoint",
	RunE:  runServe,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the bot in this terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		app, err := newApp(ctx, cfgPath, logger)
		if err != nil {
			return err
		}
		defer app.close()
		return app.chat(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <conversation-key>",
	Short: "Print a conversation as JSON",
	Example: `  parley export telegram:123456
  parley export console:local`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, cfg, err := loadConfig(cfgPath)
		if err != nil {
			return err
		}
		store, err := openStore(loader, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		snap, err := exportConversation(cmd.Context(), store, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		loader, err := config.NewLoader(cfgPath)
		if err != nil {
			return err
		}
		if _, err := os.Stat(loader.FilePath()); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", loader.FilePath())
		}
		if err := loader.Save(config.Defaults()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", loader.FilePath())
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, err := config.NewLoader(cfgPath)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), loader.FilePath())
		return nil
	},
}

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage API keys and tokens in the OS keyring or the encrypted vault",
	Long: `Secrets are referenced from the config file as "[keyring]".

Names: provider/<name> (e.g. provider/openai), telegram/token, retrieval/brave.`,
}

var secretsSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Store a secret read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ks, _, err := openKeyStore()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Value for %s: ", args[0])
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read secret: %w", err)
		}
		value := strings.TrimSpace(line)
		if value == "" {
			return errors.New("empty secret")
		}
		if err := ks.Set(args[0], value); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored %s (%s)\n", args[0], security.MaskKey(value))
		return nil
	},
}

var secretsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ks, _, err := openKeyStore()
		if err != nil {
			return err
		}
		return ks.Delete(args[0])
	},
}

var secretsMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move plaintext keys from the config file into secure storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		ks, loader, err := openKeyStore()
		if err != nil {
			return err
		}
		cfg, err := loader.LoadFile()
		if err != nil {
			return err
		}
		disk, moved, err := migrateSecrets(cfg, ks)
		if err != nil {
			return err
		}
		if moved == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No plaintext secrets found.")
			return nil
		}
		if err := loader.Save(disk); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Moved %d secrets to secure storage.\n", moved)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default: ~/.parley/config.json)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configPathCmd)
	secretsCmd.AddCommand(secretsSetCmd, secretsDeleteCmd, secretsMigrateCmd)
	rootCmd.AddCommand(serveCmd, chatCmd, exportCmd, configCmd, secretsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := newApp(ctx, cfgPath, logger)
	if err != nil {
		return err
	}
	defer app.close()
	return app.serve(ctx)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func openKeyStore() (*security.KeyStore, *config.Loader, error) {
	loader, cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	ks, err := security.NewKeyStore(dataDir(loader), cfg.Security, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open key store: %w", err)
	}
	return ks, loader, nil
}
