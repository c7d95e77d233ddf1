// Package parse decodes raw RFC 5322 messages into model.RawMessage values.
package parse

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mail-to-telegram/model"
)

const noSubject = "(No Subject)"

var (
	hrefPattern    = regexp.MustCompile(`(?i)<a\s[^>]*href\s*=\s*["']([^"']+)["'][^>]*>`)
	htmlTagPattern = regexp.MustCompile(`<[^>]*>`)
)

// Message parses raw into a RawMessage with the given id. The subject is
// decoded from RFC 2047 encoded words. The body is the first text/plain part,
// or the first text/html part with tags stripped if there is no plain part.
func Message(id model.MessageID, raw []byte) (model.RawMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return model.RawMessage{}, fmt.Errorf("read message %s: %w", id, err)
	}
	defer mr.Close()

	msg := model.RawMessage{ID: id}

	msg.Subject, err = mr.Header.Subject()
	if err != nil {
		msg.Subject = mr.Header.Get("Subject")
	}
	if strings.TrimSpace(msg.Subject) == "" {
		msg.Subject = noSubject
	}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = strings.ToLower(from[0].Address)
		msg.FromName = from[0].Name
	}

	if date, err := mr.Header.Date(); err == nil {
		msg.ReceivedAt = date
	}

	var textBody, htmlBody string
	for textBody == "" {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			if htmlBody == "" {
				return msg, fmt.Errorf("read message %s body: %w", id, err)
			}
			break
		}
		if part == nil {
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case contentType == "" || strings.HasPrefix(contentType, "text/plain"):
			textBody = string(body)
		case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
			htmlBody = string(body)
		}
	}

	msg.Body = textBody
	if msg.Body == "" && htmlBody != "" {
		msg.Body = StripHTML(htmlBody)
	}
	return msg, nil
}

// StripHTML reduces an HTML body to text. Link targets are kept inline so
// that URL extraction still works on HTML-only messages.
func StripHTML(body string) string {
	if body == "" {
		return ""
	}

	result := hrefPattern.ReplaceAllString(body, " $1 ")
	for _, tag := range []string{"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>", "</tr>"} {
		result = strings.ReplaceAll(result, tag, "\n")
	}
	result = htmlTagPattern.ReplaceAllString(result, "")

	result = strings.ReplaceAll(html.UnescapeString(result), "\u00a0", " ")

	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(result)
}
