package reconcile

import (
	"slices"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
)

// mergeWithinMessages pairs each pattern candidate with the first model
// candidate of the same message on the same day with a compatible category.
// Input must be in canonical order; output is too.
func (r *Reconciler) mergeWithinMessages(cands []deadline.Candidate) ([]deadline.Candidate, int) {
	type group struct{ patterns, models []int }
	groups := make(map[string]*group)
	var order []string

	for i, c := range cands {
		if !singleOrigin(c) {
			continue
		}
		g, ok := groups[c.SourceMessageID]
		if !ok {
			g = &group{}
			groups[c.SourceMessageID] = g
			order = append(order, c.SourceMessageID)
		}
		switch c.Method {
		case deadline.MethodPattern:
			g.patterns = append(g.patterns, i)
		case deadline.MethodModel:
			g.models = append(g.models, i)
		}
	}

	consumed := make([]bool, len(cands))
	var merged []deadline.Candidate
	for _, id := range order {
		g := groups[id]
		for _, pi := range g.patterns {
			for _, mi := range g.models {
				if consumed[mi] {
					continue
				}
				p, m := cands[pi], cands[mi]
				if !r.sameDay(p.DeadlineAt, m.DeadlineAt) || !p.Category.Compatible(m.Category) {
					continue
				}
				merged = append(merged, mergePair(p, m))
				consumed[pi], consumed[mi] = true, true
				break
			}
		}
	}

	out := make([]deadline.Candidate, 0, len(cands)-len(merged))
	for i, c := range cands {
		if !consumed[i] {
			out = append(out, c)
		}
	}
	out = append(out, merged...)
	slices.SortFunc(out, compareCandidates)
	return out, len(merged)
}

// singleOrigin reports whether c came from one extractor on one message.
func singleOrigin(c deadline.Candidate) bool {
	return len(c.Sources()) == 1 && len(c.AllMethods()) == 1
}

// mergePair keeps the model's date, title, summary and category unless the
// category is other, and the pattern's evidence.
func mergePair(p, m deadline.Candidate) deadline.Candidate {
	out := m
	out.Confidence = max(p.Confidence, m.Confidence)
	if m.Category == deadline.CategoryOther {
		out.Category = p.Category
	}
	if out.Title == "" {
		out.Title = p.Title
	}
	out.RawEvidence = p.RawEvidence
	if p.Excerpt != "" {
		out.Excerpt = p.Excerpt
	}
	out.Rule = p.Rule
	if out.Sender == "" {
		out.Sender = p.Sender
	}
	if out.ReceivedAt.IsZero() {
		out.ReceivedAt = p.ReceivedAt
	}
	out.Method = deadline.MethodModel
	out.Methods = []deadline.Method{deadline.MethodModel, deadline.MethodPattern}
	out.Methods = out.AllMethods()
	return out
}
