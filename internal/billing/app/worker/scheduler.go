package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linkflow-ai/subledger/internal/platform/logger"
)

// Job is a periodic billing task
type Job struct {
	Name string
	// Spec is a six-field cron expression (with seconds) or a descriptor
	// such as "@every 1m"
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// EntryInfo describes a scheduled job
type EntryInfo struct {
	Name string
	Next time.Time
	Prev time.Time
}

// Scheduler runs jobs on cron schedules. A run that is still going when
// the next one is due is skipped.
type Scheduler struct {
	cron    *cron.Cron
	logger  logger.Logger
	mu      sync.RWMutex
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	Timezone string
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg SchedulerConfig, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewNop()
	}

	location := time.UTC
	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			location = loc
		} else {
			log.Warn("Unknown scheduler timezone; using UTC", "timezone", cfg.Timezone)
		}
	}

	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(location),
			cron.WithLogger(cl),
			cron.WithChain(
				cron.Recover(cl),
				cron.SkipIfStillRunning(cl),
			),
		),
		logger:  log,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers job. An empty spec disables the job.
func (s *Scheduler) Add(job Job) error {
	if job.Spec == "" {
		s.logger.Info("Scheduled job disabled", "job", job.Name)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("job %s already scheduled", job.Name)
	}

	id, err := s.cron.AddFunc(job.Spec, func() { s.execute(job) })
	if err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", job.Name, err)
	}
	s.entries[job.Name] = id
	return nil
}

// RunNow executes job immediately, outside its schedule
func (s *Scheduler) RunNow(job Job) {
	s.execute(job)
}

func (s *Scheduler) execute(job Job) {
	ctx := s.ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("Scheduled job failed", "job", job.Name, "duration", time.Since(start).String(), "error", err)
		return
	}
	s.logger.Debug("Scheduled job completed", "job", job.Name, "duration", time.Since(start).String())
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels running jobs and returns a context that
// is done once they have returned
func (s *Scheduler) Stop() context.Context {
	s.cancel()
	return s.cron.Stop()
}

// Entries lists the scheduled jobs
func (s *Scheduler) Entries() []EntryInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]EntryInfo, 0, len(s.entries))
	for name, id := range s.entries {
		e := s.cron.Entry(id)
		out = append(out, EntryInfo{Name: name, Next: e.Next, Prev: e.Prev})
	}
	return out
}

// cronLogger adapts logger.Logger to cron.Logger
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
