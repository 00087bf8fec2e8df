package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
)

// Refresher fires due timers; core.Manager implements it.
type Refresher interface {
	RefreshWaitingTasks(ctx context.Context, now time.Time) (int, error)
}

// Scheduler runs the periodic timer refresh and the stale-lock reaper on a cron.
type Scheduler struct {
	config    domain.SchedulerConfig
	refresher Refresher
	reaper    *Reaper
	cron      *cron.Cron
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	entries []cron.EntryID
	running bool
}

// parser accepts standard five-field specs, an optional seconds field and
// descriptors such as "@every 1s".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(config domain.SchedulerConfig, refresher Refresher, locker ports.InstanceLocker, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")

	for field, spec := range map[string]string{"scheduler.refresh_spec": config.RefreshSpec, "scheduler.reaper_spec": config.ReaperSpec} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return nil, domain.NewConfigError(field, err)
		}
	}

	cl := newCronLogger(logger)
	s := &Scheduler{
		config:    config,
		refresher: refresher,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	if locker != nil && config.MaxLockAge > 0 {
		s.reaper = NewReaper(locker, config.MaxLockAge, logger)
	}
	return s, nil
}

// WithClock replaces the clock passed to refresh and reap runs.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return domain.NewWorkflowError("scheduler already started", domain.ErrAlreadyStarted, domain.WithComponent("scheduler"))
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.config.RefreshSpec != "" && s.refresher != nil {
		id, err := s.cron.AddFunc(s.config.RefreshSpec, s.refresh)
		if err != nil {
			s.cancel()
			return domain.NewConfigError("scheduler.refresh_spec", err)
		}
		s.entries = append(s.entries, id)
	}
	if s.config.ReaperSpec != "" && s.reaper != nil {
		id, err := s.cron.AddFunc(s.config.ReaperSpec, s.reap)
		if err != nil {
			s.removeEntries()
			s.cancel()
			return domain.NewConfigError("scheduler.reaper_spec", err)
		}
		s.entries = append(s.entries, id)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("scheduler started", "refresh_spec", s.config.RefreshSpec, "reaper_spec", s.config.ReaperSpec)
	return nil
}

// Stop halts the cron and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.removeEntries()
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) removeEntries() {
	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = nil
}

func (s *Scheduler) refresh() {
	fired, err := s.refresher.RefreshWaitingTasks(s.ctx, s.now())
	if err != nil {
		s.logger.Error("timer refresh failed", "error", err)
		return
	}
	if fired > 0 {
		s.logger.Debug("timer refresh fired timers", "count", fired)
	}
}

func (s *Scheduler) reap() {
	if _, err := s.reaper.Reap(s.ctx, s.now()); err != nil {
		s.logger.Error("lock reaper failed", "error", err)
	}
}
