package telegraph

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom,
// month, dow) plus descriptors such as "@hourly" and "@every 1m".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// nextCronDuration parses a cron expression and returns the duration
// until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// runSchedule calls fn each time expr fires until ctx is cancelled. It
// returns immediately when expr does not parse.
func runSchedule(ctx context.Context, name, expr string, fn func(context.Context)) {
	d := nextCronDuration(expr)
	if d <= 0 {
		log.Printf("telegraph: %s: invalid schedule %q; disabled", name, expr)
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fn(ctx)
			if d := nextCronDuration(expr); d > 0 {
				timer.Reset(d)
			}
		}
	}
}
