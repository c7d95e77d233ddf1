package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail-to-telegram/model"
	"github.com/dhcgn/mail-to-telegram/parse"
	"github.com/dhcgn/mail-to-telegram/runner"
)

var (
	ErrMessageNotFound = errors.New("message not found")
)

const dialTimeout = 30 * time.Second

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
}

// Client dials authenticated IMAP sessions with the selected mailbox open.
type Client struct {
	opts   Options
	logger *slog.Logger
}

func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	return &Client{opts: opts, logger: logger}, nil
}

func (c *Client) Connect(ctx context.Context) (runner.Mailbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	address := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
	conn, err := c.dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	s := &session{client: imapclient.New(conn, &imapclient.Options{}), logger: c.logger}
	// tears the connection down once the session context ends; Close
	// disarms it on a regular shutdown
	s.stopClose = context.AfterFunc(ctx, s.abort)

	if err := s.client.Login(c.opts.Username, c.opts.Password).Wait(); err != nil {
		s.stopClose()
		s.abort()
		return nil, callErr(ctx, "imap login failed", err)
	}

	mailbox := c.mailbox()
	if _, err := s.client.Select(mailbox, nil).Wait(); err != nil {
		s.stopClose()
		s.abort()
		return nil, callErr(ctx, "select mailbox "+mailbox, err)
	}

	if c.logger != nil {
		c.logger.Debug("imap connection established", "address", address, "user", c.opts.Username, "mailbox", mailbox, "tls", c.opts.UseTLS)
	}
	return s, nil
}

func (c *Client) dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if !c.opts.UseTLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         c.opts.Host,
		InsecureSkipVerify: c.opts.InsecureSkipVerify,
		NextProtos:         []string{"imap"},
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

func (c *Client) mailbox() string {
	if c.opts.Mailbox == "" {
		return "INBOX"
	}
	return c.opts.Mailbox
}

// session is one authenticated connection. Every operation closes the
// connection when its context ends, so a server that stops answering turns
// into an error instead of a hang.
type session struct {
	client    *imapclient.Client
	stopClose func() bool
	logger    *slog.Logger
	closeOnce sync.Once
}

func (s *session) Search(ctx context.Context, criteria model.SearchCriteria) ([]model.MessageID, error) {
	defer context.AfterFunc(ctx, s.abort)()

	search := &imapv2.SearchCriteria{Since: criteria.Since}
	if criteria.Unseen {
		search.NotFlag = []imapv2.Flag{imapv2.FlagSeen}
	}

	data, err := s.client.UIDSearch(search, nil).Wait()
	if err != nil {
		return nil, callErr(ctx, "imap search", err)
	}

	uids := data.AllUIDs()
	ids := make([]model.MessageID, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, model.MessageID(uid))
	}
	return ids, nil
}

// FetchFull downloads the whole message with BODY.PEEK[] so the server does
// not set \Seen as a side effect.
func (s *session) FetchFull(ctx context.Context, id model.MessageID) (model.RawMessage, error) {
	defer context.AfterFunc(ctx, s.abort)()

	section := &imapv2.FetchItemBodySection{Peek: true}
	options := &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	}

	op := "fetch message " + id.String()
	cmd := s.client.Fetch(imapv2.UIDSetNum(imapv2.UID(id)), options)
	defer cmd.Close()

	msg := cmd.Next()
	if msg == nil {
		if err := cmd.Close(); err != nil {
			return model.RawMessage{}, callErr(ctx, op, err)
		}
		return model.RawMessage{}, fmt.Errorf("%s: %w", op, ErrMessageNotFound)
	}

	buf, err := msg.Collect()
	if err != nil {
		return model.RawMessage{}, callErr(ctx, op, err)
	}
	if err := cmd.Close(); err != nil {
		return model.RawMessage{}, callErr(ctx, op, err)
	}

	raw := buf.FindBodySection(section)
	if raw == nil {
		return model.RawMessage{}, fmt.Errorf("%s: empty body section", op)
	}

	return parse.Message(id, raw)
}

func (s *session) SetRead(ctx context.Context, id model.MessageID) error {
	return s.storeSeen(ctx, id, imapv2.StoreFlagsAdd)
}

func (s *session) SetUnread(ctx context.Context, id model.MessageID) error {
	return s.storeSeen(ctx, id, imapv2.StoreFlagsDel)
}

func (s *session) storeSeen(ctx context.Context, id model.MessageID, op imapv2.StoreFlagsOp) error {
	defer context.AfterFunc(ctx, s.abort)()

	cmd := s.client.Store(imapv2.UIDSetNum(imapv2.UID(id)), &imapv2.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagSeen},
	}, nil)
	if err := cmd.Close(); err != nil {
		return callErr(ctx, "store flags on "+id.String(), err)
	}
	return nil
}

func (s *session) Close() error {
	if !s.stopClose() {
		// session context already ended and the connection is gone
		return nil
	}
	select {
	case <-s.client.Closed():
		return nil
	default:
	}

	if err := s.client.Logout().Wait(); err != nil && s.logger != nil {
		s.logger.Warn("imap logout failed", "err", err)
	}
	s.abort()
	return nil
}

func (s *session) abort() {
	s.closeOnce.Do(func() {
		if err := s.client.Close(); err != nil && s.logger != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	})
}

// callErr prefers the context error over the transport error it caused.
func callErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}
