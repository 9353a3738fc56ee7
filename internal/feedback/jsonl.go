package feedback

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
	"github.com/fyrsmithlabs/deadlined/internal/logging"
)

// maxLineSize bounds a single feedback record.
const maxLineSize = 1024 * 1024

// JSONLStore appends records to a JSON Lines file.
//
// Appends hold an in-process mutex and an exclusive flock, write one full
// line in a single call and fsync before unlocking. Reads take no lock and
// skip lines that do not parse.
type JSONLStore struct {
	path   string
	policy Policy
	logger *logging.Logger
	now    func() time.Time

	mu sync.Mutex
}

// JSONLOption configures a JSONLStore.
type JSONLOption func(*JSONLStore)

// WithPolicy sets the policy used by Lookup.
func WithPolicy(p Policy) JSONLOption {
	return func(s *JSONLStore) { s.policy = p }
}

// WithLogger sets the logger for skipped lines.
func WithLogger(l *logging.Logger) JSONLOption {
	return func(s *JSONLStore) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) JSONLOption {
	return func(s *JSONLStore) { s.now = now }
}

// OpenJSONL returns a store backed by path, creating its directory.
// The file itself is created on first append.
func OpenJSONL(path string, opts ...JSONLOption) (*JSONLStore, error) {
	if path == "" {
		return nil, &deadline.FeedbackStoreIOError{Op: "open", Err: errors.New("path is empty")}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, &deadline.FeedbackStoreIOError{Op: "open", Path: path, Err: err}
	}

	s := &JSONLStore{
		path:   path,
		policy: DefaultPolicy(),
		logger: logging.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("feedback")
	return s, nil
}

// Path returns the backing file.
func (s *JSONLStore) Path() string {
	return s.path
}

func (s *JSONLStore) Record(ctx context.Context, rec deadline.FeedbackRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := Validate(&rec, s.now()); err != nil {
		return err
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal feedback record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendLine(line); err != nil {
		return &deadline.FeedbackStoreIOError{Op: "append", Path: s.path, Err: err}
	}

	recordsAppended.WithLabelValues(string(rec.Label)).Inc()
	s.logger.Debug(ctx, "feedback recorded",
		zap.String("fingerprint", rec.Fingerprint),
		zap.String("label", string(rec.Label)))
	return nil
}

func (s *JSONLStore) appendLine(line []byte) (err error) {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	if err := lockFile(f); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	defer func() {
		if uerr := unlockFile(f); err == nil && uerr != nil {
			err = fmt.Errorf("unlock: %w", uerr)
		}
	}()

	// Terminate a torn line left by a crashed writer so this record stays parseable.
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err == nil && last[0] != '\n' {
			line = append([]byte{'\n'}, line...)
		}
	}

	if _, err := f.Write(line); err != nil {
		return err
	}
	return f.Sync()
}

func (s *JSONLStore) List(ctx context.Context) ([]deadline.FeedbackRecord, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &deadline.FeedbackStoreIOError{Op: "read", Path: s.path, Err: err}
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, maxLineSize)

	var (
		records []deadline.FeedbackRecord
		lineNum int
		skipped int
	)
	for {
		raw, tooLong, rerr := readLine(r)
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return nil, &deadline.FeedbackStoreIOError{Op: "read", Path: s.path, Err: rerr}
		}
		if len(raw) > 0 || tooLong {
			lineNum++
			if lineNum%256 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
		}

		line := bytes.TrimSpace(raw)
		switch {
		case tooLong:
			skipped++
			corruptLines.Inc()
			s.logger.Warn(ctx, "skipping oversized feedback line", zap.Int("line", lineNum), zap.Int("limit", maxLineSize))
		case len(line) == 0:
		default:
			var rec deadline.FeedbackRecord
			if err := json.Unmarshal(line, &rec); err != nil || rec.Fingerprint == "" || !rec.Label.Valid() {
				skipped++
				corruptLines.Inc()
				s.logger.Warn(ctx, "skipping corrupt feedback line", zap.Int("line", lineNum), zap.Error(err))
				break
			}
			records = append(records, rec)
		}

		if rerr != nil {
			break
		}
	}

	if skipped > 0 {
		s.logger.Info(ctx, "feedback loaded with skipped lines",
			zap.Int("records", len(records)), zap.Int("skipped", skipped))
	}
	return records, nil
}

// readLine returns the next line. A line longer than the reader's buffer is
// consumed and reported as tooLong with no content.
func readLine(r *bufio.Reader) (line []byte, tooLong bool, err error) {
	line, err = r.ReadSlice('\n')
	if !errors.Is(err, bufio.ErrBufferFull) {
		return line, false, err
	}
	for errors.Is(err, bufio.ErrBufferFull) {
		_, err = r.ReadSlice('\n')
	}
	return nil, true, err
}

func (s *JSONLStore) Lookup(ctx context.Context, fingerprint string) (Adjustment, bool, error) {
	records, err := s.List(ctx)
	if err != nil {
		return Adjustment{}, false, err
	}
	adj, ok := NewIndex(records, s.policy, s.now()).Lookup(fingerprint)
	return adj, ok, nil
}
