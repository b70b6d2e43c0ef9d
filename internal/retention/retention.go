// Package retention erases sessions that have been idle too long.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zulandar/myelo/internal/checkpoint"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Lister lists the sessions that have checkpoints.
type Lister interface {
	Sessions(ctx context.Context) ([]checkpoint.SessionInfo, error)
}

// Eraser erases one session. The session controller implements it, so an
// erase waits for any turn in flight.
type Eraser interface {
	Erase(ctx context.Context, id string) error
}

// Opts holds parameters for creating a Sweeper.
type Opts struct {
	Store    Lister
	Eraser   Eraser
	Schedule string        // 5-field cron expression
	MaxIdle  time.Duration // sessions last written before now-MaxIdle are erased
	Now      func() time.Time
	Logger   *zap.Logger
}

// Sweeper periodically erases idle sessions.
type Sweeper struct {
	store    Lister
	eraser   Eraser
	schedule cron.Schedule
	maxIdle  time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// Report summarizes one sweep.
type Report struct {
	Checked int
	Erased  []string
	Failed  map[string]error
}

// New creates a Sweeper.
func New(opts Opts) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("retention: store is required")
	}
	if opts.Eraser == nil {
		return nil, fmt.Errorf("retention: eraser is required")
	}
	if opts.MaxIdle <= 0 {
		return nil, fmt.Errorf("retention: max idle must be positive")
	}
	sched, err := cronParser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("retention: schedule %q: %w", opts.Schedule, err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		store:    opts.Store,
		eraser:   opts.Eraser,
		schedule: sched,
		maxIdle:  opts.MaxIdle,
		now:      opts.Now,
		log:      log.Named("retention"),
	}, nil
}

// Next returns the first scheduled sweep after t.
func (s *Sweeper) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Sweep erases every session idle for longer than MaxIdle. A failed erase
// is recorded and the sweep continues.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	sessions, err := s.store.Sessions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("retention: list sessions: %w", err)
	}
	cutoff := s.now().Add(-s.maxIdle)
	rep := Report{Checked: len(sessions)}
	for _, info := range sessions {
		if !info.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := s.eraser.Erase(ctx, info.SessionID); err != nil {
			if rep.Failed == nil {
				rep.Failed = map[string]error{}
			}
			rep.Failed[info.SessionID] = err
			s.log.Warn("erase idle session failed", zap.String("session", info.SessionID), zap.Error(err))
			continue
		}
		rep.Erased = append(rep.Erased, info.SessionID)
		s.log.Info("erased idle session",
			zap.String("session", info.SessionID), zap.Time("updated_at", info.UpdatedAt))
	}
	return rep, nil
}

// Run sweeps on schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	timer := time.NewTimer(s.untilNext())
	defer timer.Stop()
	s.log.Info("retention sweeper started", zap.Duration("max_idle", s.maxIdle))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			rep, err := s.Sweep(ctx)
			if err != nil {
				s.log.Warn("sweep failed", zap.Error(err))
			} else {
				s.log.Debug("sweep finished", zap.Int("checked", rep.Checked), zap.Int("erased", len(rep.Erased)))
			}
			timer.Reset(s.untilNext())
		}
	}
}

func (s *Sweeper) untilNext() time.Duration {
	now := s.now()
	return max(s.Next(now).Sub(now), 0)
}
