// Package parser turns raw message bytes received during DATA into a decoded
// email.Message: header unfolding, transfer decoding, charset normalization to
// UTF-8, RFC 2047 header words and multipart/attachment extraction.
//
// Decoding is best-effort. Individual decode steps fall back to the original
// content instead of failing; only a structurally unusable message is an error.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shineum/smtp-relay/internal/email"
)

var (
	// ErrEmptyMessage is returned when DATA carried no content.
	ErrEmptyMessage = errors.New("empty message")
	// ErrMalformedHeader is returned when the header block cannot be parsed.
	ErrMalformedHeader = errors.New("malformed header")
	// ErrMissingBoundary is returned for a multipart message without boundary.
	ErrMissingBoundary = errors.New("multipart message missing boundary")
)

// Decoder parses raw messages. It holds no per-message state and is safe for
// concurrent use.
type Decoder struct {
	log *slog.Logger
	now func() time.Time
}

// New creates a Decoder that logs decode notes to log.
func New(log *slog.Logger) *Decoder {
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{log: log, now: time.Now}
}

// Parse decodes raw using a Decoder bound to the default logger.
func Parse(raw []byte) (*email.Message, error) {
	return New(nil).Parse(raw)
}

// Parse decodes a raw message. The returned message has no envelope
// recipients; the caller fills them from the SMTP transaction.
func (d *Decoder) Parse(raw []byte) (*email.Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyMessage
	}

	top, err := parseEntity(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	charset := param(charsetParam, top.header.Get("Content-Type"))
	msg := &email.Message{
		Headers:          top.header,
		Charset:          email.DefaultCharset,
		TransferEncoding: strings.ToLower(strings.TrimSpace(top.header.Get("Content-Transfer-Encoding"))),
		Subject:          headerText(top.header.Get("Subject"), charset),
		MessageID:        strings.TrimSpace(top.header.Get("Message-Id")),
		Raw:              append([]byte(nil), raw...),
		ReceivedAt:       d.now(),
	}
	if from := top.header.Get("From"); from != "" {
		msg.From = extractAddress(headerText(from, charset))
	}
	for _, cc := range top.header.Values("Cc") {
		msg.Cc = append(msg.Cc, splitAddressList(headerText(cc, charset))...)
	}

	contentType := top.header.Get("Content-Type")
	mt := mediaType(contentType)
	if mt == "" {
		mt = "text/plain"
	}

	if strings.HasPrefix(mt, "multipart/") {
		boundary := param(boundaryParam, contentType)
		if boundary == "" {
			return nil, ErrMissingBoundary
		}

		if _, ok := splitParts(top.body, boundary); !ok {
			d.log.Warn("multipart body has no delimiter, treating as plain text", "boundary", boundary)
			msg.Body = d.decodeText(top.body, msg.TransferEncoding, "")
			return msg, nil
		}

		var c collector
		d.walk(top, 0, &c)
		switch {
		case c.hasHTML:
			msg.Body, msg.IsHTML = c.html, true
		case c.hasText:
			msg.Body = c.text
		}
		msg.Attachments = c.attachments
		return msg, nil
	}

	disposition := mediaType(top.header.Get("Content-Disposition"))
	if disposition == "attachment" || !(strings.HasPrefix(mt, "text/") || strings.Contains(mt, "html")) {
		var c collector
		d.walk(top, 0, &c)
		msg.Attachments = c.attachments
		return msg, nil
	}

	msg.Body = d.decodeText(top.body, msg.TransferEncoding, param(charsetParam, contentType))
	msg.IsHTML = strings.Contains(mt, "html")

	return msg, nil
}

// decodeText applies transfer decoding followed by charset normalization.
func (d *Decoder) decodeText(body []byte, encoding, charset string) string {
	raw, result := decodeTransfer(body, encoding)
	if result == keptOriginal {
		d.log.Warn("body transfer decoding failed, keeping encoded content", "encoding", encoding)
	}

	text, result := toUTF8(raw, charset)
	if result == keptOriginal {
		d.log.Info("unknown or undecodable charset, treating body as utf-8", "charset", charset)
	}
	return text
}
