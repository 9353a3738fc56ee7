// Package mail defines the raw message contract and the mail sources that
// feed the pipeline.
package mail

import (
	"context"
	"iter"
	"time"
)

// RawMessage is one undecoded RFC 5322 message as delivered by a source.
type RawMessage struct {
	// ID is stable within the source (IMAP UID, file name).
	ID string

	// Mailbox names where the message came from.
	Mailbox string

	// ReceivedAt is the source-side arrival time. The normalizer prefers
	// the Date header and falls back to this value.
	ReceivedAt time.Time

	// Data holds the full message, headers included.
	Data []byte
}

// Source yields raw messages received at or after since, at most limit of
// them, preferring the newest when more are available.
//
// Sources are lazy and lossy: a source may deliver fewer than limit messages.
// A yielded non-nil error is terminal and is followed by no further values.
type Source interface {
	Name() string
	Fetch(ctx context.Context, since time.Time, limit int) iter.Seq2[RawMessage, error]
}

// StaticSource serves a fixed slice of messages. It is used for replaying
// captured mail and in tests.
type StaticSource struct {
	Messages []RawMessage
	Err      error
}

// Name implements Source.
func (s *StaticSource) Name() string { return "static" }

// Fetch implements Source. Messages older than since are skipped; order is
// the slice order.
func (s *StaticSource) Fetch(ctx context.Context, since time.Time, limit int) iter.Seq2[RawMessage, error] {
	return func(yield func(RawMessage, error) bool) {
		if s.Err != nil {
			yield(RawMessage{}, s.Err)
			return
		}
		n := 0
		for _, m := range s.Messages {
			if limit > 0 && n >= limit {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(RawMessage{}, err)
				return
			}
			if !m.ReceivedAt.IsZero() && m.ReceivedAt.Before(since) {
				continue
			}
			n++
			if !yield(m, nil) {
				return
			}
		}
	}
}
