package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/fieldkey/config"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	v       = config.New()
	envFile string
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fieldkey",
	Short: "fieldkey manages field-level encryption keys",
	Long: `fieldkey derives per-owner field encryption keys from a master secret,
rotates them without downtime and reports on key health.

Settings come from flags, the environment and an optional .env file.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	pf.String("kms-provider", "", "master secret source (env, aws-secrets-manager, aws-kms, vault, development)")
	pf.String("storage", "", "key registry backend (memory, bbolt, postgres)")
	pf.String("data-dir", "", "directory for the bbolt registry")
	pf.String("postgres-dsn", "", "PostgreSQL connection string")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (text, json)")
	pf.Bool("production", false, "refuse development secrets")

	bindFlagOrPanic(config.KeyKMSProvider, "kms-provider")
	bindFlagOrPanic(config.KeyStorage, "storage")
	bindFlagOrPanic(config.KeyDataDir, "data-dir")
	bindFlagOrPanic(config.KeyPostgresDSN, "postgres-dsn")
	bindFlagOrPanic(config.KeyLogLevel, "log-level")
	bindFlagOrPanic(config.KeyLogFormat, "log-format")
	bindFlagOrPanic(config.KeyProduction, "production")
}

// bindFlagOrPanic lets a persistent flag override the environment. Unset
// flags fall through to the environment and defaults.
func bindFlagOrPanic(configKey, flagName string) {
	if err := v.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	c, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	cfg = c
	logger = cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return nil
}
