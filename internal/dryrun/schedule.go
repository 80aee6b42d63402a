package dryrun

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// projectionAnchor fixes the month the projection counts runs in, so the
// estimate does not depend on when it is computed.
var projectionAnchor = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

const (
	projectionWindow = 30 * 24 * time.Hour
	maxRunsPerMonth  = 30 * 24 * 60
)

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// RunsPerMonth counts how often a cron schedule fires in a 30-day month.
func RunsPerMonth(expr string) (int, error) {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return 0, fmt.Errorf("schedule %q could not be parsed: %v", expr, err)
	}
	end := projectionAnchor.Add(projectionWindow)
	runs := 0
	for t := sched.Next(projectionAnchor.Add(-time.Second)); !t.IsZero() && t.Before(end); t = sched.Next(t) {
		runs++
		if runs > maxRunsPerMonth {
			return 0, fmt.Errorf("schedule %q fires more than once a minute", expr)
		}
	}
	return runs, nil
}
