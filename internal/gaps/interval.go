package gaps

import (
	"sort"
	"time"

	"possync/internal/ledger"
)

// Merge returns the minimal set of disjoint windows covering ws.
// Overlapping and touching windows are joined; empty ones are dropped.
func Merge(ws []ledger.Window) []ledger.Window {
	in := make([]ledger.Window, 0, len(ws))
	for _, w := range ws {
		if !w.Empty() {
			in = append(in, w)
		}
	}
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool { return in[i].Start.Before(in[j].Start) })

	out := []ledger.Window{in[0]}
	for _, w := range in[1:] {
		last := &out[len(out)-1]
		if !w.Start.After(last.End) {
			if w.End.After(last.End) {
				last.End = w.End
			}
			continue
		}
		out = append(out, w)
	}
	return out
}

// Subtract removes covered from every bucket and joins what is left into
// maximal uncovered windows. covered must be the output of Merge.
func Subtract(buckets, covered []ledger.Window) []ledger.Window {
	var pieces []ledger.Window
	for _, b := range buckets {
		cur := b.Start
		for _, c := range covered {
			if !c.End.After(cur) {
				continue
			}
			if !c.Start.Before(b.End) {
				break
			}
			if c.Start.After(cur) {
				pieces = append(pieces, ledger.Window{Start: cur, End: c.Start})
			}
			cur = c.End
			if !cur.Before(b.End) {
				break
			}
		}
		if cur.Before(b.End) {
			pieces = append(pieces, ledger.Window{Start: cur, End: b.End})
		}
	}
	return Merge(pieces)
}

// TrailingHorizon is the last n whole hours before now, in loc:
// [hour(now) - n h, hour(now)). The current, unfinished hour is excluded.
func TrailingHorizon(now time.Time, n int, loc *time.Location) ledger.Window {
	if loc == nil {
		loc = time.Local
	}
	lt := now.In(loc)
	end := time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), 0, 0, 0, loc)
	return ledger.Window{Start: end.Add(-time.Duration(n) * time.Hour), End: end}
}
