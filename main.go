package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-to-telegram/cmd"
	"github.com/dhcgn/mail-to-telegram/config"
	"github.com/dhcgn/mail-to-telegram/credential"
	"github.com/dhcgn/mail-to-telegram/imap"
	"github.com/dhcgn/mail-to-telegram/runner"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mail-to-telegram",
		Short:        "Forward Netflix access codes from an IMAP mailbox to Telegram",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			if err := cfg.ValidateMailbox(); err != nil {
				return err
			}

			logger.Info("starting mail-to-telegram", "host", cfg.IMAPHost, "mailbox", cfg.Mailbox, "user", cfg.IMAPUser, "dryRun", cfg.DryRun, "once", cfg.Once)
			return run(cmd.Context(), cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(
		cmd.NewReplayCommand(setup),
		cmd.NewCredentialsCommand(credential.Open),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setup(c *cobra.Command) (config.Config, *slog.Logger, func() error, error) {
	noop := func() error { return nil }

	cfg, err := config.LoadConfig(c, config.KeyringSecrets)
	if err != nil {
		return config.Config{}, nil, noop, err
	}

	logger, cleanup, err := setupLogger(cfg)
	if err != nil {
		return config.Config{}, nil, noop, err
	}
	slog.SetDefault(logger)
	return cfg, logger, cleanup, nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	client, err := imap.NewClient(imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Mailbox:            cfg.Mailbox,
	}, logger)
	if err != nil {
		return fmt.Errorf("imap.NewClient: %w", err)
	}

	session, err := cmd.BuildSession(cfg, client, logger)
	if err != nil {
		return err
	}

	if cfg.Once {
		err = session.RunOnce(ctx)
	} else {
		err = session.Run(ctx)
	}
	if err != nil && !(runner.IsStop(err) && ctx.Err() != nil) {
		return err
	}
	return nil
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mail-to-telegram-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
