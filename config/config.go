// Package config loads fieldkey settings from the environment, an optional
// .env file and command-line flags.
//
// Every setting has a viper key; the key is bound to the environment
// variable operators already use for it (KMS_PROVIDER, VAULT_ADDR, ...).
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jmcleod/fieldkey/secretsource"
)

// Viper keys.
const (
	KeyKMSProvider           = "kms_provider"
	KeyMasterKeyEnv          = "master_key_env"
	KeyAWSRegion             = "aws_region"
	KeyAWSSecretName         = "aws_secret_name"
	KeyAWSKMSKeyID           = "aws_kms_key_id"
	KeyAWSEndpointURL        = "aws_endpoint_url"
	KeyVaultAddr             = "vault_addr"
	KeyVaultToken            = "vault_token"
	KeyVaultMount            = "vault_mount"
	KeyVaultSecretPath       = "vault_secret_path"
	KeyDevSecret             = "dev_secret"
	KeyProduction            = "production"
	KeyAllowAutoCreateMaster = "allow_auto_create_master"
	KeyStorage               = "storage"
	KeyDataDir               = "data_dir"
	KeyPostgresDSN           = "postgres_dsn"
	KeyCoverageColumns       = "coverage_columns"
	KeyWarnDays              = "warn_days"
	KeySampleSize            = "sample_size"
	KeyKeyLifetime           = "key_lifetime"
	KeyAuditWebhookURL       = "audit_webhook_url"
	KeyAuditWebhookAuth      = "audit_webhook_auth"
	KeyLogLevel              = "log_level"
	KeyLogFormat             = "log_format"
	KeyListen                = "listen"
	KeyAdminToken            = "admin_token"
)

var envBindings = map[string]string{
	KeyKMSProvider:           "KMS_PROVIDER",
	KeyMasterKeyEnv:          "FIELDKEY_MASTER_KEY_ENV",
	KeyAWSRegion:             "AWS_REGION",
	KeyAWSSecretName:         "AWS_SECRET_NAME",
	KeyAWSKMSKeyID:           "AWS_KMS_KEY_ID",
	KeyAWSEndpointURL:        "AWS_ENDPOINT_URL",
	KeyVaultAddr:             "VAULT_ADDR",
	KeyVaultToken:            "VAULT_TOKEN",
	KeyVaultMount:            "VAULT_MOUNT",
	KeyVaultSecretPath:       "VAULT_SECRET_PATH",
	KeyDevSecret:             "FIELDKEY_DEV_SECRET",
	KeyProduction:            "FIELDKEY_PRODUCTION",
	KeyAllowAutoCreateMaster: "ALLOW_AUTO_CREATE_MASTER",
	KeyStorage:               "FIELDKEY_STORAGE",
	KeyDataDir:               "FIELDKEY_DATA_DIR",
	KeyPostgresDSN:           "FIELDKEY_POSTGRES_DSN",
	KeyCoverageColumns:       "FIELDKEY_COVERAGE_COLUMNS",
	KeyWarnDays:              "FIELDKEY_WARN_DAYS",
	KeySampleSize:            "FIELDKEY_SAMPLE_SIZE",
	KeyKeyLifetime:           "FIELDKEY_KEY_LIFETIME",
	KeyAuditWebhookURL:       "FIELDKEY_AUDIT_WEBHOOK_URL",
	KeyAuditWebhookAuth:      "FIELDKEY_AUDIT_WEBHOOK_AUTH",
	KeyLogLevel:              "FIELDKEY_LOG_LEVEL",
	KeyLogFormat:             "FIELDKEY_LOG_FORMAT",
	KeyListen:                "FIELDKEY_LISTEN",
	KeyAdminToken:            "FIELDKEY_ADMIN_TOKEN",
}

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageBBolt    = "bbolt"
	StoragePostgres = "postgres"
)

// Config is the resolved configuration.
type Config struct {
	KMSProvider  secretsource.Kind
	MasterKeyEnv string

	AWSRegion      string
	AWSSecretName  string
	AWSKMSKeyID    string
	AWSEndpointURL string

	VaultAddr       string
	VaultToken      string
	VaultMount      string
	VaultSecretPath string

	DevSecret             string
	Production            bool
	AllowAutoCreateMaster bool

	Storage         string
	DataDir         string
	PostgresDSN     string
	CoverageColumns string

	WarnDays    int
	SampleSize  int
	KeyLifetime time.Duration

	AuditWebhookURL  string
	AuditWebhookAuth string

	LogLevel   string
	LogFormat  string
	Listen     string
	AdminToken string
}

// New returns a viper instance with defaults set and every key bound to its
// environment variable.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		// BindEnv only fails without a key.
		_ = v.BindEnv(key, env)
	}
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyKMSProvider, string(secretsource.KindEnv))
	v.SetDefault(KeyMasterKeyEnv, secretsource.DefaultEnvVar)
	v.SetDefault(KeyAWSRegion, secretsource.DefaultAWSRegion)
	v.SetDefault(KeyAWSSecretName, secretsource.DefaultAWSSecretName)
	v.SetDefault(KeyVaultMount, secretsource.DefaultVaultMount)
	v.SetDefault(KeyVaultSecretPath, secretsource.DefaultVaultSecretPath)
	v.SetDefault(KeyProduction, false)
	v.SetDefault(KeyAllowAutoCreateMaster, false)
	v.SetDefault(KeyStorage, StorageBBolt)
	v.SetDefault(KeyDataDir, "./data")
	v.SetDefault(KeyWarnDays, 30)
	v.SetDefault(KeySampleSize, 10)
	v.SetDefault(KeyKeyLifetime, "0s")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyListen, ":8480")
}

// LoadDotEnv loads variables from the given .env files (".env" when none are
// named) without overriding variables already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Load resolves and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	kind, err := secretsource.ParseKind(v.GetString(KeyKMSProvider))
	if err != nil {
		return nil, err
	}
	lifetime, err := parseLifetime(v.GetString(KeyKeyLifetime))
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		KMSProvider:           kind,
		MasterKeyEnv:          v.GetString(KeyMasterKeyEnv),
		AWSRegion:             v.GetString(KeyAWSRegion),
		AWSSecretName:         v.GetString(KeyAWSSecretName),
		AWSKMSKeyID:           v.GetString(KeyAWSKMSKeyID),
		AWSEndpointURL:        v.GetString(KeyAWSEndpointURL),
		VaultAddr:             v.GetString(KeyVaultAddr),
		VaultToken:            v.GetString(KeyVaultToken),
		VaultMount:            v.GetString(KeyVaultMount),
		VaultSecretPath:       v.GetString(KeyVaultSecretPath),
		DevSecret:             v.GetString(KeyDevSecret),
		Production:            v.GetBool(KeyProduction),
		AllowAutoCreateMaster: v.GetBool(KeyAllowAutoCreateMaster),
		Storage:               strings.ToLower(v.GetString(KeyStorage)),
		DataDir:               v.GetString(KeyDataDir),
		PostgresDSN:           v.GetString(KeyPostgresDSN),
		CoverageColumns:       v.GetString(KeyCoverageColumns),
		WarnDays:              v.GetInt(KeyWarnDays),
		SampleSize:            v.GetInt(KeySampleSize),
		KeyLifetime:           lifetime,
		AuditWebhookURL:       v.GetString(KeyAuditWebhookURL),
		AuditWebhookAuth:      v.GetString(KeyAuditWebhookAuth),
		LogLevel:              v.GetString(KeyLogLevel),
		LogFormat:             strings.ToLower(v.GetString(KeyLogFormat)),
		Listen:                v.GetString(KeyListen),
		AdminToken:            v.GetString(KeyAdminToken),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage {
	case StorageMemory, StorageBBolt:
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return errors.New("FIELDKEY_POSTGRES_DSN is required for postgres storage")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (use memory, bbolt or postgres)", c.Storage)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (use text or json)", c.LogFormat)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.WarnDays < 0 {
		return fmt.Errorf("warn days must not be negative, got %d", c.WarnDays)
	}
	if c.SampleSize < 0 {
		return fmt.Errorf("sample size must not be negative, got %d", c.SampleSize)
	}
	if c.Production && c.KMSProvider == secretsource.KindDevelopment {
		return fmt.Errorf("KMS_PROVIDER=development is not allowed with FIELDKEY_PRODUCTION: %w", secretsource.ErrSecretUnavailable)
	}
	return nil
}

// parseLifetime accepts a Go duration or a whole number of days ("90d").
func parseLifetime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		var n int
		if _, err := fmt.Sscanf(days, "%d", &n); err != nil || n < 0 {
			return 0, fmt.Errorf("invalid key lifetime %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid key lifetime %q", s)
	}
	return d, nil
}

// WarnWithin is the health warning window.
func (c *Config) WarnWithin() time.Duration {
	return time.Duration(c.WarnDays) * 24 * time.Hour
}

// SecretSource returns the secretsource configuration. Outside production
// the selected backend falls back to the development secret.
func (c *Config) SecretSource(logger *slog.Logger) secretsource.Config {
	return secretsource.Config{
		Kind:            c.KMSProvider,
		EnvVar:          c.MasterKeyEnv,
		AWSRegion:       c.AWSRegion,
		AWSSecretName:   c.AWSSecretName,
		AWSKMSKeyID:     c.AWSKMSKeyID,
		AWSEndpointURL:  c.AWSEndpointURL,
		VaultAddr:       c.VaultAddr,
		VaultToken:      c.VaultToken,
		VaultMount:      c.VaultMount,
		VaultSecretPath: c.VaultSecretPath,
		DevelopmentSeed: c.DevSecret,
		Production:      c.Production,
		Fallback:        !c.Production,
		Logger:          logger,
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
