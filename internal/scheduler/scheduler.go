// Package scheduler runs the periodic incoming-directory reconciliation.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ScanFunc is the reconciliation entry point the scheduler drives.
type ScanFunc func(ctx context.Context) error

// Scheduler fires the scan at a fixed interval. It also runs one scan
// immediately at startup so a restart picks up files dropped while the
// service was down.
type Scheduler struct {
	interval time.Duration
	scan     ScanFunc
	log      *slog.Logger
	cron     *cron.Cron
}

func New(interval time.Duration, scan ScanFunc, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		interval: interval,
		scan:     scan,
		log:      log.With("component", "scheduler"),
	}
}

// Start begins the interval loop. Stop must be called to shut it down.
func (s *Scheduler) Start(ctx context.Context) error {
	run := func() {
		if err := s.scan(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("scheduled scan failed", "error", err)
		}
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@every "+s.interval.String(), run); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("scheduler started", "interval", s.interval)

	go run()
	return nil
}

// Stop halts the interval loop and waits for a running scan to return.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
