package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts both the traditional 5-field expression and the
// 6-field form with a leading seconds column (SPEC_FULL §6 supplement,
// grounded on the teacher's scheduler).
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// NextCronRun parses expr and returns the next run time strictly after
// after. Accepts @hourly/@daily-style descriptors too.
func NextCronRun(expr string, after time.Time) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, fmt.Errorf("queue: cron expression is required")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("queue: invalid cron expression %q: %w", expr, err)
	}
	return schedule.Next(after), nil
}
