package scheduler

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

var dailyParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextExecution is the first hour:minute in loc strictly after now. When
// today's slot has passed it is tomorrow's.
func NextExecution(now time.Time, hour, minute int, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	sched, err := dailyParser.Parse(fmt.Sprintf("%d %d * * *", minute, hour))
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "daily schedule %02d:%02d", hour, minute)
	}
	return sched.Next(now.In(loc)), nil
}
