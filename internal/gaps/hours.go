package gaps

import (
	"time"

	"github.com/cockroachdb/errors"

	"possync/internal/ledger"
)

// BusinessHours is the daily window in which sources are expected to trade.
// Start and End are minutes after local midnight; End may be 24*60.
type BusinessHours struct {
	Start    int
	End      int
	Location *time.Location
}

// NewBusinessHours builds hours from HH:MM-derived parts.
func NewBusinessHours(startH, startM, endH, endM int, loc *time.Location) (BusinessHours, error) {
	b := BusinessHours{Start: startH*60 + startM, End: endH*60 + endM, Location: loc}
	if b.Start < 0 || b.End > 24*60 || b.Start >= b.End {
		return BusinessHours{}, errors.Newf("business hours %02d:%02d-%02d:%02d are empty or out of range", startH, startM, endH, endM)
	}
	return b, nil
}

func (b BusinessHours) loc() *time.Location {
	if b.Location == nil {
		return time.Local
	}
	return b.Location
}

// Buckets restricts horizon to business hours and cuts it at every local
// hour boundary. Buckets are returned in chronological order.
func (b BusinessHours) Buckets(horizon ledger.Window) []ledger.Window {
	if horizon.Empty() {
		return nil
	}
	loc := b.loc()
	var out []ledger.Window

	day := ledger.DayWindow(horizon.Start, loc).Start
	for day.Before(horizon.End) {
		open := time.Date(day.Year(), day.Month(), day.Day(), 0, b.Start, 0, 0, loc)
		closeAt := time.Date(day.Year(), day.Month(), day.Day(), 0, b.End, 0, 0, loc)
		if open.Before(horizon.Start) {
			open = horizon.Start
		}
		if closeAt.After(horizon.End) {
			closeAt = horizon.End
		}
		for cur := open; cur.Before(closeAt); {
			lt := cur.In(loc)
			next := time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour()+1, 0, 0, 0, loc)
			if !next.After(cur) {
				// DST fold: the wall clock repeats, step in absolute time instead.
				next = cur.Truncate(time.Hour).Add(time.Hour)
			}
			if next.After(closeAt) {
				next = closeAt
			}
			out = append(out, ledger.Window{Start: cur, End: next})
			cur = next
		}
		day = day.AddDate(0, 0, 1)
	}
	return out
}

// BusinessBuckets is b.Buckets(horizon).
func BusinessBuckets(horizon ledger.Window, b BusinessHours) []ledger.Window {
	return b.Buckets(horizon)
}
