package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
	"github.com/fyrsmithlabs/deadlined/internal/extraction"
	"github.com/fyrsmithlabs/deadlined/internal/feedback"
	"github.com/fyrsmithlabs/deadlined/internal/usage"
)

// cli runs commands against an isolated home directory.
type cli struct {
	home    string
	mailDir string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	mailDir := filepath.Join(home, "mail")
	require.NoError(t, os.MkdirAll(mailDir, 0o700))
	return &cli{home: home, mailDir: mailDir}
}

func (c *cli) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(bytes.NewReader(nil))
	cmd.SetArgs(append([]string{"--env-file=", "--log-level=error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (c *cli) writeMail(t *testing.T, name string, received time.Time, body string) {
	t.Helper()
	msg := fmt.Sprintf("From: Acme Billing <billing@acme.test>\r\n"+
		"Subject: Your plan\r\n"+
		"Date: %s\r\n"+
		"Message-ID: <%s@acme.test>\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n%s\r\n", received.Format(time.RFC1123Z), name, body)
	require.NoError(t, os.WriteFile(filepath.Join(c.mailDir, name+".eml"), []byte(msg), 0o600))
}

func (c *cli) dataDir() string {
	return filepath.Join(c.home, ".local", "share", "deadlined")
}

// renewal writes two reminders for the same renewal 30 days out.
func (c *cli) renewal(t *testing.T) time.Time {
	t.Helper()
	now := time.Now().UTC()
	due := now.AddDate(0, 0, 30)
	date := due.Format(time.DateOnly)
	c.writeMail(t, "a", now.AddDate(0, 0, -2), "Your subscription renews on "+date+".")
	c.writeMail(t, "b", now.AddDate(0, 0, -1), "Reminder: your subscription renews on "+date+".")
	return time.Date(due.Year(), due.Month(), due.Day(), 0, 0, 0, 0, time.UTC)
}

func (c *cli) scan(t *testing.T) scanOutput {
	t.Helper()
	out, err := c.run(t, "scan", "--json", "--dir", c.mailDir, "--days", "7")
	require.NoError(t, err)
	var doc scanOutput
	require.NoError(t, json.Unmarshal([]byte(out), &doc), out)
	return doc
}

func TestScan_DirSourceJSON(t *testing.T) {
	c := newCLI(t)
	due := c.renewal(t)

	doc := c.scan(t)
	require.Len(t, doc.Deadlines, 1)
	d := doc.Deadlines[0]
	assert.True(t, due.Equal(d.DeadlineAt), "deadline %s, want %s", d.DeadlineAt, due)
	assert.Equal(t, deadline.CategorySubscription, d.Category)
	assert.Equal(t, []string{"a", "b"}, d.MergedFrom)
	assert.NotEmpty(t, d.Fingerprint)

	assert.Equal(t, 2, doc.Stats.MessagesScanned)
	assert.True(t, doc.Stats.ModelSkipped)
	assert.Equal(t, 0.0, doc.Stats.ActualCost)
	assert.Empty(t, doc.Error)

	ls, err := loadLastScan(filepath.Join(c.dataDir(), "last_scan.json"))
	require.NoError(t, err)
	assert.Equal(t, doc.Stats.RunID, ls.RunID)
	require.Len(t, ls.Deadlines, 1)
	assert.Equal(t, d.Fingerprint, ls.Deadlines[0].Fingerprint)
}

func TestScan_FeedbackStoreUnavailable(t *testing.T) {
	c := newCLI(t)
	c.renewal(t)
	// A file where the data directory belongs makes the store unopenable.
	require.NoError(t, os.MkdirAll(filepath.Dir(c.dataDir()), 0o700))
	require.NoError(t, os.WriteFile(c.dataDir(), []byte("x"), 0o600))

	doc := c.scan(t)
	require.Len(t, doc.Deadlines, 1, "the scan still completes")
	assert.True(t, doc.Stats.Reconcile.FeedbackDegraded)
	require.NotEmpty(t, doc.Stats.Warnings)
	assert.Contains(t, doc.Stats.Warnings[len(doc.Stats.Warnings)-1], "feedback unavailable")
}

func TestScan_EmptyMailbox(t *testing.T) {
	c := newCLI(t)

	doc := c.scan(t)
	assert.NotNil(t, doc.Deadlines)
	assert.Empty(t, doc.Deadlines)
	assert.Equal(t, 0, doc.Stats.MessagesScanned)
}

func TestScan_InvalidWindow(t *testing.T) {
	c := newCLI(t)
	future := time.Now().AddDate(0, 1, 0).Format(time.DateOnly)

	_, err := c.run(t, "scan", "--dir", c.mailDir, "--start-date", future)
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))

	_, err = c.run(t, "scan", "--dir", c.mailDir, "--days", "3", "--start-date", "2024-01-01")
	assert.Error(t, err, "--days and --start-date are exclusive")
}

func TestScan_MissingDirectory(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, "scan", "--json", "--dir", filepath.Join(c.home, "nope"))
	require.Error(t, err)
	assert.Equal(t, 3, exitCode(err))

	var doc scanOutput
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.NotEmpty(t, doc.Error)
}

func TestFeedback_RecordByRowLowersConfidence(t *testing.T) {
	c := newCLI(t)
	c.renewal(t)

	before := c.scan(t)
	require.Len(t, before.Deadlines, 1)

	out, err := c.run(t, "feedback", "record", "1", "--label", "rejected", "--reason", "not mine", "--json")
	require.NoError(t, err)
	var rec deadline.FeedbackRecord
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, before.Deadlines[0].Fingerprint, rec.Fingerprint)
	assert.Equal(t, "billing@acme.test", rec.Sender)
	assert.Equal(t, deadline.LabelRejected, rec.Label)

	out, err = c.run(t, "feedback", "list", "--json")
	require.NoError(t, err)
	var records []deadline.FeedbackRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "not mine", records[0].Reason)

	out, err = c.run(t, "feedback", "stats", "--json")
	require.NoError(t, err)
	var st feedback.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.ByLabel[deadline.LabelRejected])

	after := c.scan(t)
	if len(after.Deadlines) == 1 {
		assert.Less(t, after.Deadlines[0].Confidence, before.Deadlines[0].Confidence)
		assert.Equal(t, before.Deadlines[0].BaseConfidence, after.Deadlines[0].BaseConfidence)
	}
}

func TestFeedback_RecordErrors(t *testing.T) {
	c := newCLI(t)

	tests := []struct {
		name string
		args []string
	}{
		{"no previous scan", []string{"feedback", "record", "1", "--label", "accepted"}},
		{"unknown label", []string{"feedback", "record", "abc123", "--label", "maybe"}},
		{"missing correction", []string{"feedback", "record", "abc123", "--label", "corrected_date"}},
		{"bad category", []string{"feedback", "record", "abc123", "--label", "corrected_category", "--value", "groceries"}},
		{"missing label", []string{"feedback", "record", "abc123"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.run(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestFeedback_RecordByFingerprint(t *testing.T) {
	c := newCLI(t)

	_, err := c.run(t, "feedback", "record", "fp-1", "--label", "corrected_date", "--value", "2024-07-01",
		"--sender", "Shop <Orders@Shop.test>", "--title", "Return window")
	require.NoError(t, err)

	out, err := c.run(t, "feedback", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "corrected_date")
	assert.Contains(t, out, "orders@shop.test")
}

func TestRules_PrintsDefaults(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, "rules", "--json")
	require.NoError(t, err)
	var rules []extraction.Rule
	require.NoError(t, json.Unmarshal([]byte(out), &rules))
	assert.Equal(t, extraction.DefaultRules(), rules)

	out, err = c.run(t, "rules")
	require.NoError(t, err)
	assert.Contains(t, out, "free_trial_ends")
}

func TestRules_RoundTripFile(t *testing.T) {
	c := newCLI(t)
	path := filepath.Join(c.home, "rules.yaml")
	data, err := extraction.EncodeRules(extraction.DefaultRules()[:1])
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	out, err := c.run(t, "rules", "--json", "--file", path)
	require.NoError(t, err)
	var rules []extraction.Rule
	require.NoError(t, json.Unmarshal([]byte(out), &rules))
	require.Len(t, rules, 1)
	assert.Equal(t, "free_trial_ends", rules[0].Name)
}

func TestUsage_Empty(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, "usage", "--json")
	require.NoError(t, err)
	var totals []usage.Totals
	require.NoError(t, json.Unmarshal([]byte(out), &totals))
	assert.Empty(t, totals)

	out, err = c.run(t, "usage")
	require.NoError(t, err)
	assert.Contains(t, out, "No model usage recorded")
}

func TestVersion(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "deadlined dev")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"canceled", context.Canceled, 130},
		{"config", fmt.Errorf("load: %w", &deadline.ConfigError{Field: "scan.days", Reason: "must be positive"}), 2},
		{"source", &deadline.SourceUnavailableError{Source: "dir://x", Err: os.ErrNotExist}, 3},
		{"other", os.ErrPermission, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
