// Package telegram delivers notifications through the Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dhcgn/mail-to-telegram/model"
)

const DefaultAPIURL = "https://api.telegram.org"

var ErrDeliveryRejected = errors.New("telegram rejected message")

type Options struct {
	Token   string
	APIURL  string
	Timeout time.Duration
	// DisablePreview suppresses link previews under the message.
	DisablePreview bool
}

type Client struct {
	opts   Options
	http   *http.Client
	logger *slog.Logger
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("telegram token is empty")
	}
	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Client{
		opts:   opts,
		http:   &http.Client{Timeout: opts.Timeout},
		logger: logger,
	}, nil
}

// Deliver posts n to the chat identified by destination via sendMessage.
func (c *Client) Deliver(ctx context.Context, destination string, n model.Notification) error {
	if destination == "" {
		return fmt.Errorf("telegram chat id is empty")
	}

	form := url.Values{}
	form.Set("chat_id", destination)
	form.Set("text", n.Text)
	if n.Format != model.FormatPlain {
		form.Set("parse_mode", string(n.Format))
	}
	if c.opts.DisablePreview {
		form.Set("disable_web_page_preview", "true")
	}

	endpoint := strings.TrimRight(c.opts.APIURL, "/") + "/bot" + c.opts.Token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", redact(err, c.opts.Token))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("read telegram response: %w", err)
	}

	var parsed apiResponse
	_ = json.Unmarshal(body, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 || !parsed.OK {
		desc := parsed.Description
		if desc == "" {
			desc = strings.TrimSpace(string(body))
		}
		return fmt.Errorf("%w: status %d: %s", ErrDeliveryRejected, resp.StatusCode, desc)
	}

	if c.logger != nil {
		c.logger.Debug("telegram message sent", "chat", destination, "kind", n.Kind)
	}
	return nil
}

// redact removes the bot token from errors that embed the request URL.
func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "<token>"))
}

// LogDeliverer writes notifications to the log instead of sending them.
type LogDeliverer struct {
	Logger *slog.Logger
}

func (d LogDeliverer) Deliver(_ context.Context, destination string, n model.Notification) error {
	if d.Logger != nil {
		d.Logger.Info("dry-run delivery", "chat", destination, "kind", n.Kind, "format", string(n.Format), "text", n.Text)
	}
	return nil
}
