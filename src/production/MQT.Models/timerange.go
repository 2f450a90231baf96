package mqtmodels

import (
	"slices"
	"time"
)

// EndOfTime bounds ranges that have no natural end, like open sessions
var EndOfTime = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// TimeRange is an interval of reading timestamps. Each endpoint is either
// included (closed) or excluded (open).
type TimeRange struct {
	From     time.Time
	To       time.Time
	OpenFrom bool
	OpenTo   bool
}

// Closed returns [from, to]
func Closed(from, to time.Time) TimeRange {
	return TimeRange{From: from, To: to}
}

func (r TimeRange) Contains(ts time.Time) bool {
	if ts.Before(r.From) || (r.OpenFrom && ts.Equal(r.From)) {
		return false
	}
	if ts.After(r.To) || (r.OpenTo && ts.Equal(r.To)) {
		return false
	}
	return true
}

func (r TimeRange) Empty() bool {
	if r.From.Before(r.To) {
		return false
	}
	return !r.From.Equal(r.To) || r.OpenFrom || r.OpenTo
}

type bound struct {
	at   time.Time
	open bool
}

// lowerAfter reports whether lower bound a starts later than lower bound b
func lowerAfter(a, b bound) bool {
	if !a.at.Equal(b.at) {
		return a.at.After(b.at)
	}
	return a.open && !b.open
}

// Uncovered returns the parts of target that no range in covers contains,
// in time order.
func Uncovered(target TimeRange, covers []TimeRange) []TimeRange {
	if target.Empty() {
		return nil
	}
	sorted := slices.Clone(covers)
	slices.SortFunc(sorted, func(a, b TimeRange) int {
		switch {
		case lowerAfter(bound{a.From, a.OpenFrom}, bound{b.From, b.OpenFrom}):
			return 1
		case lowerAfter(bound{b.From, b.OpenFrom}, bound{a.From, a.OpenFrom}):
			return -1
		}
		return 0
	})

	var out []TimeRange
	cur := bound{target.From, target.OpenFrom}
	for _, c := range sorted {
		if c.Empty() {
			continue
		}
		// cover ends before the uncovered remainder starts
		if c.To.Before(cur.at) || (c.To.Equal(cur.at) && (c.OpenTo || cur.open)) {
			continue
		}
		// cover starts after the target ends; later covers do too
		if c.From.After(target.To) || (c.From.Equal(target.To) && (c.OpenFrom || target.OpenTo)) {
			break
		}

		piece := TimeRange{From: cur.at, OpenFrom: cur.open, To: c.From, OpenTo: !c.OpenFrom}
		if !piece.Empty() {
			out = append(out, piece)
		}

		next := bound{c.To, !c.OpenTo}
		if lowerAfter(next, cur) {
			cur = next
		}
		rest := TimeRange{From: cur.at, OpenFrom: cur.open, To: target.To, OpenTo: target.OpenTo}
		if rest.Empty() {
			return out
		}
	}

	rest := TimeRange{From: cur.at, OpenFrom: cur.open, To: target.To, OpenTo: target.OpenTo}
	if !rest.Empty() {
		out = append(out, rest)
	}
	return out
}
