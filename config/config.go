package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/mail-to-telegram/credential"
)

const envPrefix = "MAIL2TG"

// Config captures every option of the bridge. It is read once at startup and
// not modified afterwards.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	Mailbox            string
	UseTLS             bool
	InsecureSkipVerify bool

	TelegramToken  string
	TelegramChatID string
	TelegramAPIURL string
	DisablePreview bool

	PollInterval     time.Duration
	ReconnectBackoff time.Duration
	// CycleTimeout of zero lets the session derive it from PollInterval.
	CycleTimeout time.Duration

	AllowedSenders []string
	ExcludeSubject []string

	DedupTTL        time.Duration
	DedupMaxEntries int

	DryRun   bool
	Once     bool
	LogLevel string
	LogDir   string
}

// SecretSource looks up a secret by key. It returns credential.ErrNotFound
// when the key is unknown.
type SecretSource func(key string) (string, error)

// legacyEnv maps flags to the variable names used by earlier deployments.
var legacyEnv = map[string]string{
	"imap-user":      "GMAIL_USER",
	"imap-pass":      "GMAIL_APP_PASSWORD",
	"telegram-token": "TELEGRAM_TOKEN",
	"chat-id":        "CHAT_ID",
	"poll-interval":  "SLEEPTIME",
	"allowed-sender": "ALLOWED_SENDER",
}

// RegisterFlags attaches all CLI flags to the provided command. The flags are
// persistent so subcommands share them.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Optional config file (yaml, toml or json)")
	flags.String("env-file", "", "Load environment variables from this file (default .env when present)")
	flags.String("imap-host", "imap.gmail.com", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to env vars and keyring)")
	flags.String("mailbox", "INBOX", "Mailbox to poll")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("telegram-token", "", "Telegram bot token")
	flags.String("chat-id", "", "Telegram chat id notifications are sent to")
	flags.String("telegram-api-url", "https://api.telegram.org", "Telegram Bot API base URL")
	flags.Bool("disable-preview", true, "Disable link previews in Telegram messages")
	flags.String("poll-interval", "30s", "Pause between poll cycles (plain integers are seconds)")
	flags.String("reconnect-backoff", "30s", "Pause before reconnecting after a failure (plain integers are seconds)")
	flags.String("cycle-timeout", "", "Upper bound for one poll cycle (default ten poll intervals, at least 2m)")
	flags.StringSlice("allowed-sender", nil, "Sender addresses or @domains whose messages are forwarded")
	flags.StringArray("exclude-subject", nil, "Regex block-list applied to message subjects")
	flags.String("dedup-ttl", "24h", "How long a handled message id is remembered (plain integers are seconds)")
	flags.Int("dedup-max-entries", 10000, "Upper bound of remembered message ids (0 = unbounded)")
	flags.Bool("use-keyring", false, "Look up missing secrets in the system keyring")
	flags.Bool("dry-run", false, "Log notifications instead of sending them")
	flags.Bool("once", false, "Run a single poll cycle and exit")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	return nil
}

// LoadConfig resolves every option from, in order of precedence, explicitly
// set flags, environment variables, the config file and the flag defaults.
// Secrets still missing afterwards are taken from secrets when --use-keyring
// is set.
func LoadConfig(cmd *cobra.Command, secrets SecretSource) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	if err := loadEnvFile(v.GetString("env-file")); err != nil {
		return Config{}, err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, envKey(key), legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", legacy, err)
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	pollInterval, err := parseDuration(v.GetString("poll-interval"))
	if err != nil {
		return Config{}, fmt.Errorf("--poll-interval: %w", err)
	}
	reconnectBackoff, err := parseDuration(v.GetString("reconnect-backoff"))
	if err != nil {
		return Config{}, fmt.Errorf("--reconnect-backoff: %w", err)
	}
	cycleTimeout, err := parseDuration(v.GetString("cycle-timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("--cycle-timeout: %w", err)
	}
	dedupTTL, err := parseDuration(v.GetString("dedup-ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("--dedup-ttl: %w", err)
	}

	logLevel := strings.ToLower(v.GetString("log-level"))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		IMAPHost:           v.GetString("imap-host"),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           v.GetString("imap-user"),
		IMAPPass:           v.GetString("imap-pass"),
		Mailbox:            v.GetString("mailbox"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		TelegramToken:      v.GetString("telegram-token"),
		TelegramChatID:     v.GetString("chat-id"),
		TelegramAPIURL:     v.GetString("telegram-api-url"),
		DisablePreview:     v.GetBool("disable-preview"),
		PollInterval:       pollInterval,
		ReconnectBackoff:   reconnectBackoff,
		CycleTimeout:       cycleTimeout,
		AllowedSenders:     splitList(v.GetStringSlice("allowed-sender")),
		ExcludeSubject:     v.GetStringSlice("exclude-subject"),
		DedupTTL:           dedupTTL,
		DedupMaxEntries:    v.GetInt("dedup-max-entries"),
		DryRun:             v.GetBool("dry-run"),
		Once:               v.GetBool("once"),
		LogLevel:           logLevel,
		LogDir:             v.GetString("log-dir"),
	}

	if v.GetBool("use-keyring") && secrets != nil {
		if err := fillSecrets(&cfg, secrets); err != nil {
			return Config{}, err
		}
	}

	if cfg.LogDir != "" {
		cfg.LogDir = filepath.Clean(cfg.LogDir)
	}

	if err := validateCommon(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// KeyringSecrets reads secrets from the system keyring. The keyring is opened
// on first use.
func KeyringSecrets(key string) (string, error) {
	store, err := credential.Open()
	if err != nil {
		return "", err
	}
	return store.Get(key)
}

// ValidateMailbox checks the options needed to poll an IMAP server.
func (c Config) ValidateMailbox() error {
	if c.IMAPHost == "" {
		return fmt.Errorf("--imap-host is required")
	}
	if c.IMAPUser == "" {
		return fmt.Errorf("--imap-user is required")
	}
	if c.IMAPPass == "" {
		return fmt.Errorf("IMAP password must be provided via --imap-pass, MAIL2TG_IMAP_PASS, GMAIL_APP_PASSWORD or the keyring")
	}
	if c.IMAPPort <= 0 || c.IMAPPort > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	return nil
}

func validateCommon(cfg Config) error {
	if len(cfg.AllowedSenders) == 0 {
		return fmt.Errorf("at least one --allowed-sender is required")
	}
	if !cfg.DryRun {
		if cfg.TelegramToken == "" {
			return fmt.Errorf("--telegram-token is required unless --dry-run is set")
		}
		if cfg.TelegramChatID == "" {
			return fmt.Errorf("--chat-id is required unless --dry-run is set")
		}
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("--poll-interval must be positive")
	}
	if cfg.ReconnectBackoff <= 0 {
		return fmt.Errorf("--reconnect-backoff must be positive")
	}
	if cfg.CycleTimeout < 0 {
		return fmt.Errorf("--cycle-timeout must not be negative")
	}
	if cfg.DedupTTL <= cfg.PollInterval {
		return fmt.Errorf("--dedup-ttl (%s) must be larger than --poll-interval (%s)", cfg.DedupTTL, cfg.PollInterval)
	}
	if cfg.DedupMaxEntries < 0 {
		return fmt.Errorf("--dedup-max-entries must not be negative")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}
	return nil
}

func fillSecrets(cfg *Config, secrets SecretSource) error {
	lookups := []struct {
		key    string
		target *string
	}{
		{credential.KeyIMAPPassword, &cfg.IMAPPass},
		{credential.KeyTelegramToken, &cfg.TelegramToken},
	}
	for _, l := range lookups {
		if *l.target != "" {
			continue
		}
		value, err := secrets(l.key)
		if errors.Is(err, credential.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("keyring lookup %s: %w", l.key, err)
		}
		*l.target = value
	}
	return nil
}

func loadEnvFile(path string) error {
	if path == "" {
		err := godotenv.Load()
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// parseDuration accepts Go duration strings and plain integers as seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func envKey(flag string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}
