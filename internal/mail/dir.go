package mail

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"net/mail"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
	"github.com/fyrsmithlabs/deadlined/internal/logging"
)

// DirSource reads *.eml files from a directory. Each file holds one message.
type DirSource struct {
	dir    string
	logger *logging.Logger
}

// NewDirSource creates a directory source.
func NewDirSource(dir string, logger *logging.Logger) *DirSource {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &DirSource{dir: dir, logger: logger.Named("dir")}
}

// Name implements Source.
func (s *DirSource) Name() string { return "dir://" + s.dir }

type dirEntry struct {
	id       string
	path     string
	received time.Time
}

// Fetch implements Source. Message dates come from the Date header, falling
// back to the file modification time. Files are read lazily, newest first.
func (s *DirSource) Fetch(ctx context.Context, since time.Time, limit int) iter.Seq2[RawMessage, error] {
	return func(yield func(RawMessage, error) bool) {
		entries, err := s.scan()
		if err != nil {
			yield(RawMessage{}, &deadline.SourceUnavailableError{Source: s.Name(), Err: err})
			return
		}

		n := 0
		for _, e := range entries {
			if limit > 0 && n >= limit {
				return
			}
			if e.received.Before(since) {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(RawMessage{}, err)
				return
			}
			data, err := os.ReadFile(e.path)
			if err != nil {
				s.logger.Warn(ctx, "skipping unreadable message file", zap.String("path", e.path), zap.Error(err))
				continue
			}
			n++
			if !yield(RawMessage{ID: e.id, Mailbox: s.dir, ReceivedAt: e.received, Data: data}, nil) {
				return
			}
		}
	}
}

// scan lists message files sorted newest first, ties by id.
func (s *DirSource) scan() ([]dirEntry, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	var entries []dirEntry
	for _, f := range files {
		if f.IsDir() || !strings.EqualFold(filepath.Ext(f.Name()), ".eml") {
			continue
		}
		path := filepath.Join(s.dir, f.Name())
		info, err := f.Info()
		if err != nil {
			continue
		}
		received := info.ModTime()
		if d, ok := headerDate(path); ok {
			received = d
		}
		entries = append(entries, dirEntry{
			id:       strings.TrimSuffix(f.Name(), filepath.Ext(f.Name())),
			path:     path,
			received: received,
		})
	}

	slices.SortFunc(entries, func(a, b dirEntry) int {
		if c := b.received.Compare(a.received); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})
	return entries, nil
}

// headerDate reads only the header block of a message file.
func headerDate(path string) (time.Time, bool) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, false
	}
	defer f.Close()

	buf := make([]byte, 16*1024)
	n, _ := f.Read(buf)
	buf = buf[:n]
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		buf = buf[:i+4]
	} else if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		buf = buf[:i+2]
	}

	msg, err := mail.ReadMessage(bytes.NewReader(buf))
	if err != nil {
		return time.Time{}, false
	}
	d, err := msg.Header.Date()
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}
