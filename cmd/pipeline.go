package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-to-telegram/config"
	"github.com/dhcgn/mail-to-telegram/filter"
	"github.com/dhcgn/mail-to-telegram/runner"
	"github.com/dhcgn/mail-to-telegram/state"
	"github.com/dhcgn/mail-to-telegram/telegram"
)

// Setup resolves the configuration of a command and prepares its logger. The
// returned cleanup closes the log file, if any.
type Setup func(cmd *cobra.Command) (cfg config.Config, logger *slog.Logger, cleanup func() error, err error)

// BuildLoop wires filter, dedup registry and deliverer into a poll loop. In
// dry-run mode notifications are logged instead of sent.
func BuildLoop(cfg config.Config, logger *slog.Logger) (*runner.Loop, error) {
	f, err := filter.New(filter.Options{
		AllowedSenders: cfg.AllowedSenders,
		ExcludeSubject: cfg.ExcludeSubject,
	})
	if err != nil {
		return nil, fmt.Errorf("filter.New: %w", err)
	}

	registry := state.NewRegistry(state.Options{
		TTL:        cfg.DedupTTL,
		MaxEntries: cfg.DedupMaxEntries,
	})

	deliverer, err := newDeliverer(cfg, logger)
	if err != nil {
		return nil, err
	}

	return runner.NewLoop(registry, f, deliverer, runner.LoopOptions{Destination: cfg.TelegramChatID}, logger)
}

// BuildSession wraps a loop built from cfg into a session polling d.
func BuildSession(cfg config.Config, d runner.Dialer, logger *slog.Logger) (*runner.Session, error) {
	loop, err := BuildLoop(cfg, logger)
	if err != nil {
		return nil, err
	}
	return runner.NewSession(d, loop, runner.SessionOptions{
		PollInterval:     cfg.PollInterval,
		ReconnectBackoff: cfg.ReconnectBackoff,
		CycleTimeout:     cfg.CycleTimeout,
	}, logger)
}

func newDeliverer(cfg config.Config, logger *slog.Logger) (runner.Deliverer, error) {
	if cfg.DryRun {
		return telegram.LogDeliverer{Logger: logger}, nil
	}
	client, err := telegram.NewClient(telegram.Options{
		Token:          cfg.TelegramToken,
		APIURL:         cfg.TelegramAPIURL,
		DisablePreview: cfg.DisablePreview,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("telegram.NewClient: %w", err)
	}
	return client, nil
}
