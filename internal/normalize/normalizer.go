// Package normalize turns raw RFC 5322 messages into canonical text.
package normalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"html"
	"mime"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html/charset"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
	rawmail "github.com/fyrsmithlabs/deadlined/internal/mail"
)

// DefaultMaxBodyBytes caps the normalized body text.
const DefaultMaxBodyBytes = 64 * 1024

// Normalizer decodes raw messages. It is safe for concurrent use.
type Normalizer struct {
	maxBody int
	strict  *bluemonday.Policy
	words   *mime.WordDecoder
	now     func() time.Time
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithMaxBodyBytes caps the decoded body. Values <= 0 keep the default.
func WithMaxBodyBytes(n int) Option {
	return func(nz *Normalizer) {
		if n > 0 {
			nz.maxBody = n
		}
	}
}

// WithClock sets the time used when a message carries no date at all.
func WithClock(now func() time.Time) Option {
	return func(nz *Normalizer) { nz.now = now }
}

// New creates a Normalizer.
func New(opts ...Option) *Normalizer {
	nz := &Normalizer{
		maxBody: DefaultMaxBodyBytes,
		strict:  bluemonday.StrictPolicy(),
		words:   &mime.WordDecoder{CharsetReader: charset.NewReaderLabel},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(nz)
	}
	return nz
}

// Normalize decodes raw into a NormalizedMessage. An undecodable message
// yields a *deadline.DecodeError.
func (nz *Normalizer) Normalize(raw rawmail.RawMessage) (deadline.NormalizedMessage, error) {
	id := messageID(raw)
	fail := func(reason string, err error) (deadline.NormalizedMessage, error) {
		return deadline.NormalizedMessage{}, &deadline.DecodeError{MessageID: id, Reason: reason, Err: err}
	}

	msg, err := mail.ReadMessage(bytes.NewReader(raw.Data))
	if err != nil {
		return fail("malformed headers", err)
	}

	p, err := decodeEntity(msg.Header, msg.Body, 0)
	if err != nil {
		var de *decodeFailure
		if errors.As(err, &de) {
			return fail(de.reason, de.err)
		}
		return fail("read body", err)
	}

	text := p.plain
	if strings.TrimSpace(text) == "" && p.html != "" {
		text, err = htmlToText(p.html)
		if err != nil {
			return fail("parse html", err)
		}
	}
	text = collapseWhitespace(text)
	if text == "" && p.rawBytes > 0 {
		return fail("empty after decode", nil)
	}

	return deadline.NormalizedMessage{
		ID:         id,
		Subject:    nz.cleanHeader(nz.decodeHeader(msg.Header.Get("Subject"))),
		BodyText:   truncateUTF8(text, nz.maxBody),
		Sender:     nz.sender(msg.Header.Get("From")),
		ReceivedAt: nz.receivedAt(msg.Header, raw.ReceivedAt),
	}, nil
}

// messageID prefers the source id, then the Message-ID header, then a
// content hash.
func messageID(raw rawmail.RawMessage) string {
	if raw.ID != "" {
		return raw.ID
	}
	if msg, err := mail.ReadMessage(bytes.NewReader(raw.Data)); err == nil {
		if mid := strings.Trim(strings.TrimSpace(msg.Header.Get("Message-Id")), "<>"); mid != "" {
			return mid
		}
	}
	sum := sha256.Sum256(raw.Data)
	return hex.EncodeToString(sum[:8])
}

func (nz *Normalizer) decodeHeader(v string) string {
	dec, err := nz.words.DecodeHeader(v)
	if err != nil {
		return v
	}
	return dec
}

func (nz *Normalizer) sender(from string) string {
	parser := mail.AddressParser{WordDecoder: nz.words}
	addr, err := parser.Parse(from)
	if err != nil {
		return nz.cleanHeader(nz.decodeHeader(from))
	}
	name := nz.cleanHeader(addr.Name)
	if name == "" {
		return addr.Address
	}
	return name + " <" + addr.Address + ">"
}

// cleanHeader strips stray markup from a header value.
func (nz *Normalizer) cleanHeader(v string) string {
	v = html.UnescapeString(nz.strict.Sanitize(v))
	return strings.Join(strings.Fields(strings.ToValidUTF8(v, "�")), " ")
}

func (nz *Normalizer) receivedAt(h mail.Header, fallback time.Time) time.Time {
	if d, err := h.Date(); err == nil {
		return d
	}
	if !fallback.IsZero() {
		return fallback
	}
	return nz.now()
}

// collapseWhitespace trims each line, squeezes inner runs of spaces and drops
// blank lines. Line breaks are kept so sentences stay apart.
func collapseWhitespace(s string) string {
	s = strings.ToValidUTF8(s, "�")
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
