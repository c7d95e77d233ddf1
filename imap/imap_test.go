package imap

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"

	"github.com/dhcgn/mail-to-telegram/model"
	"github.com/dhcgn/mail-to-telegram/runner"
)

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"valid", Options{Host: "imap.example.com", Port: 993}, false},
		{"missing host", Options{Port: 993}, true},
		{"zero port", Options{Host: "imap.example.com"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.opts, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewClient() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClient_DefaultMailbox(t *testing.T) {
	c, err := NewClient(Options{Host: "imap.example.com", Port: 993}, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if got := c.mailbox(); got != "INBOX" {
		t.Errorf("mailbox() = %q, want INBOX", got)
	}

	c.opts.Mailbox = "Netflix"
	if got := c.mailbox(); got != "Netflix" {
		t.Errorf("mailbox() = %q, want Netflix", got)
	}
}

func TestClient_ConnectCancelled(t *testing.T) {
	c, err := NewClient(Options{Host: "imap.example.com", Port: 993}, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Connect(ctx); err == nil {
		t.Fatal("Connect() with cancelled context succeeded")
	}
}

type wireLog struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *wireLog) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *wireLog) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func listenPort(t *testing.T, ln net.Listener) int {
	t.Helper()
	return ln.Addr().(*net.TCPAddr).Port
}

// startMemServer serves an in-memory mailbox for me@example.com and returns a
// client pointed at it together with the raw protocol transcript.
func startMemServer(t *testing.T) (*Client, *imapmemserver.User, *wireLog) {
	t.Helper()

	mem := imapmemserver.New()
	user := imapmemserver.NewUser("me@example.com", "secret")
	if err := user.Create("INBOX", nil); err != nil {
		t.Fatalf("Create(INBOX) error = %v", err)
	}
	mem.AddUser(user)

	wire := &wireLog{}
	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps:         imapv2.CapSet{imapv2.CapIMAP4rev1: {}},
		InsecureAuth: true,
		DebugWriter:  wire,
		Logger:       log.New(io.Discard, "", 0),
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go func() {
		_ = server.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})

	client, err := NewClient(Options{
		Host:     "127.0.0.1",
		Port:     listenPort(t, ln),
		Username: "me@example.com",
		Password: "secret",
	}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client, user, wire
}

func appendMessage(t *testing.T, user *imapmemserver.User, subject string, received time.Time, flags ...imapv2.Flag) {
	t.Helper()
	raw := strings.Join([]string{
		"From: Netflix <info@account.netflix.com>",
		"To: me@example.com",
		"Subject: " + subject,
		"Date: " + received.Format(time.RFC1123Z),
		"Message-ID: <" + strings.ReplaceAll(subject, " ", ".") + "@netflix.test>",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Your code is 1234",
		"",
	}, "\r\n")
	_, err := user.Append("INBOX", bytes.NewReader([]byte(raw)), &imapv2.AppendOptions{
		Time:  received,
		Flags: flags,
	})
	if err != nil {
		t.Fatalf("Append(%q) error = %v", subject, err)
	}
}

func searchUnseen(t *testing.T, mb runner.Mailbox, since time.Time) []model.MessageID {
	t.Helper()
	ids, err := mb.Search(context.Background(), model.SearchCriteria{Since: since, Unseen: true})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	return ids
}

func TestSession_AgainstMemServer(t *testing.T) {
	client, user, wire := startMemServer(t)

	now := time.Date(2024, 5, 6, 15, 4, 5, 0, time.UTC)
	appendMessage(t, user, "Your temporary access code", now.Add(-6*time.Hour))
	appendMessage(t, user, "Old household update", now.AddDate(0, 0, -3))
	appendMessage(t, user, "Already read", now.Add(-time.Hour), imapv2.FlagSeen)

	mb, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	since := model.StartOfDay(now)

	if got := searchUnseen(t, mb, since); !reflect.DeepEqual(got, []model.MessageID{1}) {
		t.Fatalf("Search() = %v, want [1]", got)
	}
	for _, want := range []string{`SINCE "6-May-2024"`, "UNSEEN"} {
		if !strings.Contains(wire.String(), want) {
			t.Errorf("search command missing %q:\n%s", want, wire.String())
		}
	}

	msg, err := mb.FetchFull(context.Background(), 1)
	if err != nil {
		t.Fatalf("FetchFull() error = %v", err)
	}
	if msg.ID != 1 || msg.Subject != "Your temporary access code" || msg.From != "info@account.netflix.com" {
		t.Errorf("FetchFull() = %+v", msg)
	}
	if !strings.Contains(msg.Body, "1234") {
		t.Errorf("Body = %q", msg.Body)
	}
	if !strings.Contains(wire.String(), "BODY.PEEK[]") {
		t.Errorf("fetch did not use BODY.PEEK[]:\n%s", wire.String())
	}
	if got := searchUnseen(t, mb, since); !reflect.DeepEqual(got, []model.MessageID{1}) {
		t.Errorf("Search() after fetch = %v, want message still unseen", got)
	}

	if err := mb.SetRead(context.Background(), 1); err != nil {
		t.Fatalf("SetRead() error = %v", err)
	}
	if got := searchUnseen(t, mb, since); len(got) != 0 {
		t.Errorf("Search() after SetRead = %v, want none", got)
	}
	if err := mb.SetUnread(context.Background(), 1); err != nil {
		t.Fatalf("SetUnread() error = %v", err)
	}
	if got := searchUnseen(t, mb, since); !reflect.DeepEqual(got, []model.MessageID{1}) {
		t.Errorf("Search() after SetUnread = %v, want [1]", got)
	}
	if !strings.Contains(wire.String(), `UID STORE 1 -FLAGS.SILENT (\Seen)`) {
		t.Errorf("SetUnread did not remove \\Seen by UID:\n%s", wire.String())
	}

	if _, err := mb.FetchFull(context.Background(), 99); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("FetchFull(99) error = %v, want ErrMessageNotFound", err)
	}

	if err := mb.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !strings.Contains(wire.String(), "LOGOUT") {
		t.Errorf("Close() did not log out:\n%s", wire.String())
	}
	select {
	case <-mb.(*session).client.Closed():
	case <-time.After(2 * time.Second):
		t.Error("connection still open after Close()")
	}
}

func TestClient_ConnectRejectsBadLogin(t *testing.T) {
	client, _, _ := startMemServer(t)
	client.opts.Password = "wrong"

	if _, err := client.Connect(context.Background()); err == nil {
		t.Fatal("Connect() with wrong password succeeded")
	}
}

func TestClient_ConnectMissingMailbox(t *testing.T) {
	client, _, _ := startMemServer(t)
	client.opts.Mailbox = "Netflix"

	if _, err := client.Connect(context.Background()); err == nil {
		t.Fatal("Connect() selecting a missing mailbox succeeded")
	}
}

// startSilentServer accepts logins and SELECT but never completes UID SEARCH.
func startSilentServer(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() {
		_ = ln.Close()
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSilent(conn)
		}
	}()
	return listenPort(t, ln)
}

func serveSilent(conn net.Conn) {
	defer conn.Close()

	reply := func(lines ...string) {
		for _, line := range lines {
			if _, err := io.WriteString(conn, line+"\r\n"); err != nil {
				return
			}
		}
	}

	reply("* OK [CAPABILITY IMAP4rev1] ready")
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		tag, command := fields[0], strings.ToUpper(fields[1])
		switch command {
		case "CAPABILITY":
			reply("* CAPABILITY IMAP4rev1", tag+" OK done")
		case "LOGIN":
			reply(tag + " OK [CAPABILITY IMAP4rev1] logged in")
		case "SELECT":
			reply("* 0 EXISTS", `* FLAGS (\Seen)`, tag+" OK [READ-WRITE] selected")
		case "LOGOUT":
			reply("* BYE", tag+" OK bye")
			return
		case "UID":
			// left unanswered
		default:
			reply(tag + " OK")
		}
	}
}

func TestSession_SearchHonoursContext(t *testing.T) {
	client, err := NewClient(Options{
		Host: "127.0.0.1",
		Port: startSilentServer(t),
	}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	mb, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := mb.Search(ctx, model.SearchCriteria{Since: model.StartOfDay(time.Now()), Unseen: true})
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Search() error = %v, want deadline exceeded", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Search() still blocked after its context expired")
	}

	closed := make(chan error, 1)
	go func() {
		closed <- mb.Close()
	}()
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Close() blocked on a dead connection")
	}
}
