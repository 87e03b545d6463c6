package background

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseSchedule turns a schedule setting into a cron.Schedule.
// Accepted forms:
//
//	""            interval mode, fires every interval
//	"at:HH:MM"    once a day at the given wall time
//	anything else a standard 5-field cron expression or @-descriptor
func ParseSchedule(spec string, interval time.Duration) (cron.Schedule, error) {
	if spec == "" {
		if interval <= 0 {
			return nil, fmt.Errorf("interval mode requires a positive interval")
		}
		return cron.Every(interval), nil
	}

	if rest, ok := strings.CutPrefix(spec, "at:"); ok {
		var hour, minute int
		if _, err := fmt.Sscanf(rest, "%d:%d", &hour, &minute); err != nil {
			return nil, fmt.Errorf("invalid at: schedule %q: %w", spec, err)
		}
		if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return nil, fmt.Errorf("invalid at: schedule %q: time out of range", spec)
		}
		spec = fmt.Sprintf("%d %d * * *", minute, hour)
	}

	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	return sched, nil
}
