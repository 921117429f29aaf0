package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"hotel_sweeper/config"
	"hotel_sweeper/models"
	"hotel_sweeper/scraper"
)

// Triggerable allows workers to be triggered manually.
type Triggerable interface {
	Trigger()
}

// SweepSource produces the date sweeps for a scheduled run, so a
// relative date range ("today+14d") re-resolves on every tick.
type SweepSource func() ([]models.DateSweep, error)

type Scheduler struct {
	cfg          *config.Config
	orchestrator *scraper.Orchestrator
	sweeps       SweepSource
	cron         *cron.Cron
	ticker       *time.Ticker
	stopCh       chan struct{}

	exportWorker Triggerable

	mu      sync.Mutex
	running bool
}

func New(cfg *config.Config, orchestrator *scraper.Orchestrator, sweeps SweepSource) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		orchestrator: orchestrator,
		sweeps:       sweeps,
		cron:         cron.New(),
		stopCh:       make(chan struct{}),
	}
}

// SetExportWorker registers the analytics export worker so each sweep
// can trigger an export when it finishes.
func (s *Scheduler) SetExportWorker(worker Triggerable) {
	s.exportWorker = worker
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Scheduler.Cron != "" {
		log.Printf("Starting scheduler with cron: %s", s.cfg.Scheduler.Cron)
		_, err := s.cron.AddFunc(s.cfg.Scheduler.Cron, func() {
			s.runSweep(ctx)
		})
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.cron.Start()
	} else if s.cfg.Scheduler.Interval > 0 {
		log.Printf("Starting scheduler with interval: %s", s.cfg.Scheduler.Interval)
		s.ticker = time.NewTicker(s.cfg.Scheduler.Interval)
		go func() {
			for {
				select {
				case <-s.ticker.C:
					s.runSweep(ctx)
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		log.Println("No schedule configured; daemon waits for manual triggers")
	}

	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopCh)
}

// TriggerNow runs a sweep immediately, outside the schedule.
func (s *Scheduler) TriggerNow(ctx context.Context) error {
	return s.sweep(ctx)
}

// runSweep is the scheduled entry point; overlapping ticks are dropped
// rather than queued since a sweep can outlast the interval.
func (s *Scheduler) runSweep(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Println("Previous sweep still running, skipping this tick")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := s.sweep(ctx); err != nil {
		log.Printf("Scheduled sweep error: %v", err)
	}
}

func (s *Scheduler) sweep(ctx context.Context) error {
	sweeps, err := s.sweeps()
	if err != nil {
		return fmt.Errorf("resolve date sweeps: %w", err)
	}
	if err := s.orchestrator.Run(ctx, sweeps); err != nil {
		return err
	}
	if s.exportWorker != nil {
		s.exportWorker.Trigger()
	}
	return nil
}
