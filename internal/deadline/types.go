// Package deadline defines the shared domain types of the extraction pipeline:
// normalized messages, candidates, final deadlines, feedback records, and the
// error taxonomy used across packages.
package deadline

import (
	"slices"
	"strings"
	"time"
)

// Category classifies what kind of action a deadline demands.
type Category string

const (
	CategorySubscription Category = "subscription"
	CategoryTrial        Category = "trial"
	CategoryTravel       Category = "travel"
	CategoryBilling      Category = "billing"
	CategoryRefund       Category = "refund"
	CategoryOther        Category = "other"
)

// Categories lists every valid category in declaration order.
func Categories() []Category {
	return []Category{
		CategorySubscription,
		CategoryTrial,
		CategoryTravel,
		CategoryBilling,
		CategoryRefund,
		CategoryOther,
	}
}

// ParseCategory maps a label to a Category. The legacy "general" label maps to other.
func ParseCategory(s string) (Category, bool) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategorySubscription, CategoryTrial, CategoryTravel,
		CategoryBilling, CategoryRefund, CategoryOther:
		return c, true
	case "general":
		return CategoryOther, true
	default:
		return "", false
	}
}

// Compatible reports whether two categories may describe the same deadline.
func (c Category) Compatible(other Category) bool {
	return c == other || c == CategoryOther || other == CategoryOther
}

// Method identifies which extractor produced a candidate.
type Method string

const (
	MethodPattern Method = "pattern"
	MethodModel   Method = "model"
)

// Status of a final deadline. The pipeline only ever assigns StatusActive.
type Status string

const (
	StatusActive Status = "active"
)

// NormalizedMessage is the canonical text form of one raw message.
type NormalizedMessage struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	BodyText   string    `json:"body_text"`
	Sender     string    `json:"sender"`
	ReceivedAt time.Time `json:"received_at"`
}

// Candidate is a single unverified deadline detection.
type Candidate struct {
	SourceMessageID string    `json:"source_message_id"`
	RawEvidence     string    `json:"raw_evidence"`
	DeadlineAt      time.Time `json:"deadline_at"`
	Title           string    `json:"title"`
	Category        Category  `json:"category"`
	Confidence      float64   `json:"confidence"`
	Method          Method    `json:"extraction_method"`

	// Methods is set once a pattern and a model candidate have been merged.
	Methods    []Method  `json:"methods,omitempty"`
	Sender     string    `json:"sender,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Excerpt    string    `json:"excerpt,omitempty"`
	Rule       string    `json:"rule,omitempty"`

	// MergedFrom carries sources when a Deadline is fed back as a Candidate.
	MergedFrom []string `json:"merged_from,omitempty"`
}

// AllMethods returns the sorted set of methods that contributed to c.
func (c Candidate) AllMethods() []Method {
	set := append([]Method{}, c.Methods...)
	if c.Method != "" {
		set = append(set, c.Method)
	}
	slices.Sort(set)
	return slices.Compact(set)
}

// Sources returns the sorted set of message ids backing c.
func (c Candidate) Sources() []string {
	set := append([]string{}, c.MergedFrom...)
	if c.SourceMessageID != "" {
		set = append(set, c.SourceMessageID)
	}
	slices.Sort(set)
	return slices.Compact(set)
}

// Deadline is a reconciled, feedback-adjusted output record.
type Deadline struct {
	Candidate
	Status      Status     `json:"status"`
	MergedFrom  []string   `json:"merged_from"`
	Fingerprint string     `json:"fingerprint"`
	DisplayDate *time.Time `json:"display_date,omitempty"`

	// BaseConfidence and BaseCategory are the values before feedback was applied.
	BaseConfidence float64  `json:"base_confidence"`
	BaseCategory   Category `json:"base_category"`
}

// AsCandidate converts d back into a Candidate carrying its merged sources.
// Feedback adjustments are undone so a second reconciliation applies them once.
func (d Deadline) AsCandidate() Candidate {
	c := d.Candidate
	c.MergedFrom = append([]string{}, d.MergedFrom...)
	c.Methods = d.AllMethods()
	if d.BaseCategory != "" {
		c.Category = d.BaseCategory
		c.Confidence = d.BaseConfidence
	}
	return c
}

// Label is the kind of user feedback.
type Label string

const (
	LabelAccepted          Label = "accepted"
	LabelRejected          Label = "rejected"
	LabelCorrectedDate     Label = "corrected_date"
	LabelCorrectedCategory Label = "corrected_category"
)

// Valid reports whether l is a known label.
func (l Label) Valid() bool {
	switch l {
	case LabelAccepted, LabelRejected, LabelCorrectedDate, LabelCorrectedCategory:
		return true
	}
	return false
}

// NeedsCorrection reports whether records with this label carry a correction value.
func (l Label) NeedsCorrection() bool {
	return l == LabelCorrectedDate || l == LabelCorrectedCategory
}

// FeedbackRecord is one append-only entry of user feedback.
type FeedbackRecord struct {
	Fingerprint     string    `json:"fingerprint"`
	Label           Label     `json:"label"`
	CorrectionValue string    `json:"correction_value,omitempty"`
	RecordedAt      time.Time `json:"recorded_at"`

	Sender string `json:"sender,omitempty"`
	Title  string `json:"title,omitempty"`
	Reason string `json:"reason,omitempty"`
}
