package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Ning0612/xferd/internal/logger"
)

// IntervalScheduler implements periodic scheduling using time.Ticker
type IntervalScheduler struct {
	config Config
	runner Runner
	log    logger.Logger

	mu          sync.RWMutex
	running     bool
	stopped     bool      // a stopped scheduler cannot be restarted
	stopOnce    sync.Once // Ensure Stop() is idempotent
	closeOnce   sync.Once // Ensure stoppedChan is closed exactly once
	stopChan    chan struct{}
	stoppedChan chan struct{}

	stats struct {
		lastRunTime    time.Time
		nextRunTime    time.Time
		totalRuns      int
		successfulRuns int
		failedRuns     int
		lastError      string
	}
}

// NewIntervalScheduler creates a new interval-based scheduler
func NewIntervalScheduler(config Config, runner Runner, log logger.Logger) (*IntervalScheduler, error) {
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", config.Interval)
	}
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if log == nil {
		log = logger.Get()
	}

	return &IntervalScheduler{
		config:      config,
		runner:      runner,
		log:         log.With("component", "scheduler", "job", config.Name),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}, nil
}

// Start begins the scheduling loop
func (s *IntervalScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	if s.stopped {
		return fmt.Errorf("scheduler cannot be restarted after stop")
	}

	s.running = true
	s.stats.nextRunTime = time.Now().Add(s.config.Interval)

	go s.loop(ctx)
	return nil
}

func (s *IntervalScheduler) loop(ctx context.Context) {
	defer s.closeOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.running = false
		s.mu.Unlock()
		close(s.stoppedChan)
	})

	if s.config.RunOnStart {
		s.execute(ctx)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.execute(ctx)
		}
	}
}

// execute runs the job once and records the outcome
func (s *IntervalScheduler) execute(ctx context.Context) {
	s.mu.Lock()
	s.stats.lastRunTime = time.Now()
	s.stats.totalRuns++
	s.stats.nextRunTime = time.Now().Add(s.config.Interval)
	s.mu.Unlock()

	err := s.runner.Run(ctx)

	s.mu.Lock()
	if err != nil {
		s.stats.failedRuns++
		s.stats.lastError = err.Error()
	} else {
		s.stats.successfulRuns++
		s.stats.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("Scheduled job failed", "error", err)
	}
}

// Stop gracefully stops the scheduler
func (s *IntervalScheduler) Stop() error {
	s.mu.RLock()
	if !s.running && !s.stopped {
		s.mu.RUnlock()
		return fmt.Errorf("scheduler is not running")
	}
	s.mu.RUnlock()

	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	<-s.stoppedChan

	return nil
}

// Status returns the current scheduler status
func (s *IntervalScheduler) Status() *Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &Status{
		Name:           s.config.Name,
		Running:        s.running,
		LastRunTime:    s.stats.lastRunTime,
		NextRunTime:    s.stats.nextRunTime,
		TotalRuns:      s.stats.totalRuns,
		SuccessfulRuns: s.stats.successfulRuns,
		FailedRuns:     s.stats.failedRuns,
		LastError:      s.stats.lastError,
	}
}

var _ Scheduler = (*IntervalScheduler)(nil)
