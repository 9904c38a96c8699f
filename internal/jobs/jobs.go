package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/quizrace/duel-server/internal/duel"
	"github.com/quizrace/duel-server/internal/league"
	"github.com/quizrace/duel-server/internal/obslog"
)

const sweepBatch = 50

// Runner owns the background schedule: the per-minute rage-quit sweep and
// the weekly league reset.
type Runner struct {
	sched  gocron.Scheduler
	duels  *duel.Manager
	league *league.Manager
}

func NewRunner(duels *duel.Manager, lg *league.Manager) (*Runner, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("jobs: scheduler init: %w", err)
	}
	return &Runner{sched: sched, duels: duels, league: lg}, nil
}

// Start registers the jobs and begins running them. resetDay and
// resetHourUTC position the weekly league reset.
func (r *Runner) Start(resetDay string, resetHourUTC int) error {
	_, err := r.sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Second)
			defer cancel()
			r.duels.SweepRageQuits(ctx, sweepBatch)
		}),
	)
	if err != nil {
		return fmt.Errorf("jobs: sweep job: %w", err)
	}

	day, err := parseWeekday(resetDay)
	if err != nil {
		return err
	}
	_, err = r.sched.NewJob(
		gocron.WeeklyJob(1,
			gocron.NewWeekdays(day),
			gocron.NewAtTimes(gocron.NewAtTime(uint(resetHourUTC), 0, 0)),
		),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := r.league.WeeklyReset(ctx); err != nil {
				obslog.L().Error("weekly_reset_failed", zap.Error(err))
				return
			}
			obslog.L().Info("weekly_reset_done")
		}),
	)
	if err != nil {
		return fmt.Errorf("jobs: reset job: %w", err)
	}

	r.sched.Start()
	obslog.L().Info("jobs_started",
		zap.String("reset_day", day.String()),
		zap.Int("reset_hour_utc", resetHourUTC))
	return nil
}

func (r *Runner) Stop() error { return r.sched.Shutdown() }

func parseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(s) {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("jobs: unknown weekday %q", s)
}
