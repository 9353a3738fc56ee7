package reconcile

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
	"github.com/fyrsmithlabs/deadlined/internal/feedback"
)

// sameDaySpan bounds two instants on one calendar day, with room for DST.
const sameDaySpan = 26 * time.Hour

// dedup links candidates that describe the same deadline and collapses each
// connected component into one Deadline. Input must be in canonical order.
func (r *Reconciler) dedup(cands []deadline.Candidate) []deadline.Deadline {
	tokens := make([][]string, len(cands))
	for i, c := range cands {
		tokens[i] = feedback.TitleTokens(c.Title)
	}

	span := r.cfg.TimeTolerance
	if span == 0 {
		span = sameDaySpan
	}

	uf := newUnionFind(len(cands))
	for i := range cands {
		for j := i + 1; j < len(cands); j++ {
			// Sorted by date: nothing further can be in range.
			if cands[j].DeadlineAt.Sub(cands[i].DeadlineAt) > span {
				break
			}
			if r.closeInTime(cands[i].DeadlineAt, cands[j].DeadlineAt) &&
				similar(cands[i], cands[j], tokens[i], tokens[j], r.cfg.SimilarityThreshold) {
				uf.union(i, j)
			}
		}
	}

	components := make(map[int][]int)
	var roots []int
	for i := range cands {
		root := uf.find(i)
		if _, ok := components[root]; !ok {
			roots = append(roots, root)
		}
		components[root] = append(components[root], i)
	}

	out := make([]deadline.Deadline, 0, len(roots))
	for _, root := range roots {
		members := make([]deadline.Candidate, len(components[root]))
		for k, i := range components[root] {
			members[k] = cands[i]
		}
		out = append(out, collapse(members))
	}
	return out
}

func (r *Reconciler) closeInTime(a, b time.Time) bool {
	if r.cfg.TimeTolerance == 0 {
		return r.sameDay(a, b)
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= r.cfg.TimeTolerance
}

func similar(a, b deadline.Candidate, ta, tb []string, threshold float64) bool {
	if len(ta) == 0 && len(tb) == 0 {
		return strings.EqualFold(strings.TrimSpace(a.Title), strings.TrimSpace(b.Title))
	}
	return Jaccard(ta, tb) >= threshold
}

// Jaccard returns |a ∩ b| / |a ∪ b| for two sorted, distinct token lists.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter, i, j := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch c := strings.Compare(a[i], b[j]); {
		case c == 0:
			inter++
			i++
			j++
		case c < 0:
			i++
		default:
			j++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// collapse builds one Deadline from duplicate candidates. The representative
// has the highest confidence, then the earliest date, title and message id.
func collapse(members []deadline.Candidate) deadline.Deadline {
	rep := slices.MinFunc(members, func(a, b deadline.Candidate) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		if c := a.DeadlineAt.Compare(b.DeadlineAt); c != 0 {
			return c
		}
		return cmp.Or(
			strings.Compare(a.Title, b.Title),
			strings.Compare(a.SourceMessageID, b.SourceMessageID),
		)
	})

	var sources []string
	var methods []deadline.Method
	for _, m := range members {
		sources = append(sources, m.Sources()...)
		methods = append(methods, m.AllMethods()...)
	}
	slices.Sort(sources)
	slices.Sort(methods)

	c := rep
	c.MergedFrom = nil
	c.Methods = slices.Compact(methods)
	return deadline.Deadline{
		Candidate:  c,
		Status:     deadline.StatusActive,
		MergedFrom: slices.Compact(sources),
	}
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
