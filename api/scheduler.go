/*
scheduler.go - Periodic schema repair

PURPOSE:
  Staff edit the spreadsheet by hand. A renamed header or a deleted tab
  would break every read, so the scheduler re-runs the schema check on a
  fixed interval and repairs what it finds.

DESIGN:
  - One background goroutine, ticker driven
  - Runs once immediately on Start
  - Failures are logged, never fatal; the next tick tries again

USAGE:
  s := NewSchemaScheduler(repo, 30*time.Minute, log)
  s.Start()
  defer s.Stop()

SEE ALSO:
  - attendance/repository.go: RepairSchema
*/
package api

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SchemaRepairer is the part of the repository the scheduler needs.
type SchemaRepairer interface {
	RepairSchema(ctx context.Context) error
}

// SchemaScheduler re-checks table headers periodically.
type SchemaScheduler struct {
	repo     SchemaRepairer
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	runs   atomic.Int64
}

// NewSchemaScheduler creates a scheduler. An interval <= 0 disables it.
func NewSchemaScheduler(repo SchemaRepairer, interval time.Duration, log *zap.Logger) *SchemaScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SchemaScheduler{repo: repo, interval: interval, timeout: time.Minute, log: log}
}

// Start begins the periodic check. Calling Start twice is a no-op.
func (s *SchemaScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interval <= 0 {
		s.log.Info("schema scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker.C, s.stop)

	s.log.Info("schema scheduler started", zap.Duration("interval", s.interval))
}

// Stop halts the scheduler and waits for a running check to finish.
func (s *SchemaScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("schema scheduler stopped")
}

// Runs returns how many checks have completed.
func (s *SchemaScheduler) Runs() int {
	return int(s.runs.Load())
}

func (s *SchemaScheduler) run(tick <-chan time.Time, stop <-chan struct{}) {
	defer s.wg.Done()

	s.check()
	for {
		select {
		case <-tick:
			s.check()
		case <-stop:
			return
		}
	}
}

func (s *SchemaScheduler) check() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	if err := s.repo.RepairSchema(ctx); err != nil {
		s.log.Warn("schema check failed", zap.Error(err))
	} else {
		s.log.Debug("schema check done", zap.Duration("took", time.Since(start)))
	}
	s.runs.Add(1)
}
