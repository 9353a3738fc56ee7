package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
	"github.com/fyrsmithlabs/deadlined/internal/feedback"
	"github.com/fyrsmithlabs/deadlined/internal/pipeline"
	"github.com/fyrsmithlabs/deadlined/internal/usage"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	borderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("238"))

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)
)

const maxTitleWidth = 60

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

// renderDeadlines prints one row per deadline, numbered from 1 so rows can
// be referenced by the feedback command.
func renderDeadlines(w io.Writer, ds []deadline.Deadline, loc *time.Location) {
	if len(ds) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No deadlines found."))
		return
	}
	t := newTable("#", "Date", "Category", "Title", "Confidence", "Sources", "Method")
	for i, d := range ds {
		date := d.DeadlineAt.In(loc).Format("Mon 2006-01-02")
		if d.DisplayDate != nil {
			date = d.DisplayDate.In(loc).Format("Mon 2006-01-02") + " *"
		}
		t.Row(
			strconv.Itoa(i+1),
			date,
			string(d.Category),
			shorten(d.Title, maxTitleWidth),
			fmt.Sprintf("%.0f%%", d.Confidence*100),
			strconv.Itoa(len(d.MergedFrom)),
			methods(d.AllMethods()),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func renderStats(w io.Writer, st pipeline.Stats) {
	fmt.Fprintln(w, sectionStyle.Render("Scan"))
	line := func(label, value string) {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(fmt.Sprintf("%-18s", label)), value)
	}
	line("run", st.RunID)
	line("window", fmt.Sprintf("since %s, cap %d", st.WindowStart.Format(time.DateOnly), st.Cap))
	line("messages", fmt.Sprintf("%d scanned, %d skipped, %d senders", st.MessagesScanned, st.MessagesSkipped, st.UniqueSenders))
	line("candidates", fmt.Sprintf("%d pattern, %d model, %d after merge", st.PatternCandidates, st.ModelCandidates, st.CandidatesPost))
	if st.DroppedBelowFloor > 0 {
		line("below floor", strconv.Itoa(st.DroppedBelowFloor))
	}
	if st.ModelSkipped {
		line("model", dimStyle.Render("skipped: "+st.ModelSkipReason))
	} else {
		line("model", fmt.Sprintf("%s, %d calls, $%.4f (est. $%.4f), %d tokens",
			st.Model, st.ModelCalls, st.ActualCost, st.EstimatedCost, st.PromptTokens+st.CompletionTokens))
	}
	line("duration", st.Duration.Round(time.Millisecond).String())
	if len(st.SampleSubjects) > 0 {
		line("sample subjects", strings.Join(st.SampleSubjects, " | "))
	}
	for _, warn := range st.Warnings {
		fmt.Fprintf(w, "  %s %s\n", warningStyle.Render("warning"), warn)
	}
	if n := len(st.Errors) + st.ErrorsDropped; n > 0 {
		fmt.Fprintf(w, "  %s %d messages had errors (use --json for details)\n", warningStyle.Render("errors"), n)
	}
}

func renderRecords(w io.Writer, records []deadline.FeedbackRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No feedback recorded."))
		return
	}
	t := newTable("Recorded", "Label", "Value", "Title", "Sender", "Fingerprint")
	for _, r := range records {
		t.Row(
			r.RecordedAt.Local().Format("2006-01-02 15:04"),
			string(r.Label),
			r.CorrectionValue,
			shorten(r.Title, 40),
			r.Sender,
			shorten(r.Fingerprint, 12),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func renderFeedbackStats(w io.Writer, st feedback.Stats) {
	fmt.Fprintln(w, sectionStyle.Render(fmt.Sprintf("Feedback (%d records)", st.Total)))
	for _, l := range []deadline.Label{deadline.LabelAccepted, deadline.LabelRejected, deadline.LabelCorrectedDate, deadline.LabelCorrectedCategory} {
		fmt.Fprintf(w, "  %s %d\n", labelStyle.Render(fmt.Sprintf("%-20s", l)), st.ByLabel[l])
	}
	counts := func(title string, cs []feedback.Count) {
		if len(cs) == 0 {
			return
		}
		fmt.Fprintln(w, sectionStyle.Render(title))
		t := newTable("Key", "Count")
		for _, c := range cs {
			t.Row(c.Key, strconv.Itoa(c.Count))
		}
		fmt.Fprintln(w, t.Render())
	}
	counts("Rejected senders", st.RejectedBySender)
	counts("Rejected keywords", st.RejectedByKeyword)
	counts("Reasons", st.Reasons)
}

func renderUsage(w io.Writer, totals []usage.Totals) {
	if len(totals) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No model usage recorded."))
		return
	}
	t := newTable("Model", "Calls", "Messages", "Tokens", "Cost", "Per message")
	for _, u := range totals {
		per := 0.0
		if u.Messages > 0 {
			per = u.Cost / float64(u.Messages)
		}
		t.Row(
			u.Model,
			strconv.Itoa(u.Calls),
			strconv.Itoa(u.Messages),
			strconv.Itoa(u.PromptTokens+u.CompletionTokens),
			fmt.Sprintf("$%.4f", u.Cost),
			fmt.Sprintf("$%.5f", per),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func methods(ms []deadline.Method) string {
	parts := make([]string, len(ms))
	for i, m := range ms {
		parts[i] = string(m)
	}
	return strings.Join(parts, "+")
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
