package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
)

// Store persists feedback records.
type Store interface {
	// Lookup returns the current adjustment for fingerprint.
	Lookup(ctx context.Context, fingerprint string) (Adjustment, bool, error)
	// Record validates and appends one record.
	Record(ctx context.Context, rec deadline.FeedbackRecord) error
	// List returns every readable record in append order.
	List(ctx context.Context) ([]deadline.FeedbackRecord, error)
}

// Load snapshots store into an Index evaluated at now.
func Load(ctx context.Context, store Store, policy Policy, now time.Time) (*Index, error) {
	records, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	return NewIndex(records, policy, now), nil
}

// Validate checks a record before it is appended. A zero RecordedAt is
// replaced with now.
func Validate(rec *deadline.FeedbackRecord, now time.Time) error {
	if strings.TrimSpace(rec.Fingerprint) == "" {
		return errors.New("fingerprint is required")
	}
	if !rec.Label.Valid() {
		return fmt.Errorf("unknown label %q", rec.Label)
	}
	switch rec.Label {
	case deadline.LabelCorrectedCategory:
		if _, ok := deadline.ParseCategory(rec.CorrectionValue); !ok {
			return fmt.Errorf("correction value %q is not a category", rec.CorrectionValue)
		}
	case deadline.LabelCorrectedDate:
		if _, err := ParseCorrectedDate(rec.CorrectionValue); err != nil {
			return fmt.Errorf("correction value %q is not a date", rec.CorrectionValue)
		}
	default:
		if rec.CorrectionValue != "" {
			return fmt.Errorf("label %s takes no correction value", rec.Label)
		}
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = now
	}
	return nil
}

// MemoryStore keeps records in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []deadline.FeedbackRecord
	policy  Policy
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(policy Policy) *MemoryStore {
	return &MemoryStore{policy: policy, now: time.Now}
}

func (s *MemoryStore) Lookup(ctx context.Context, fingerprint string) (Adjustment, bool, error) {
	records, err := s.List(ctx)
	if err != nil {
		return Adjustment{}, false, err
	}
	adj, ok := NewIndex(records, s.policy, s.now()).Lookup(fingerprint)
	return adj, ok, nil
}

func (s *MemoryStore) Record(ctx context.Context, rec deadline.FeedbackRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := Validate(&rec, s.now()); err != nil {
		return err
	}
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	recordsAppended.WithLabelValues(string(rec.Label)).Inc()
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]deadline.FeedbackRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]deadline.FeedbackRecord(nil), s.records...), nil
}

// Unavailable returns a Store whose every call fails with err. It stands in
// for a store that could not be opened so the failure reaches the run's
// report instead of silently disabling feedback.
func Unavailable(err error) Store {
	return unavailableStore{err: err}
}

type unavailableStore struct{ err error }

func (s unavailableStore) Lookup(context.Context, string) (Adjustment, bool, error) {
	return Adjustment{}, false, s.err
}

func (s unavailableStore) Record(context.Context, deadline.FeedbackRecord) error { return s.err }

func (s unavailableStore) List(context.Context) ([]deadline.FeedbackRecord, error) {
	return nil, s.err
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*JSONLStore)(nil)
)
