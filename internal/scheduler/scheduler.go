// Package scheduler fires scheduled preloads. Schedules are either a daily
// "HH:MM" time or a standard five-field cron expression.
package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var dailyTime = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// ParseSpec turns "HH:MM" into a daily cron spec and validates anything else
// as a cron expression or descriptor such as "@daily".
func ParseSpec(spec string) (string, cron.Schedule, error) {
	if m := dailyTime.FindStringSubmatch(spec); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		spec = fmt.Sprintf("%d %d * * *", minute, hour)
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return "", nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return spec, sched, nil
}

// Scheduler runs jobs on cron schedules. Overlapping firings of one job are
// skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a stopped Scheduler evaluating schedules in loc.
func New(loc *time.Location, logger *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnSchedule registers fn to fire at spec. fn receives a context that is
// canceled when the scheduler stops.
func (s *Scheduler) OnSchedule(spec string, fn func(ctx context.Context)) (cron.EntryID, error) {
	normalized, sched, err := ParseSpec(spec)
	if err != nil {
		return 0, err
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		s.logger.Info("scheduled job firing", zap.String("spec", normalized))
		fn(ctx)
	}))
	s.logger.Info("job scheduled",
		zap.String("spec", normalized),
		zap.Time("next", sched.Next(time.Now().In(s.cron.Location()))),
	)
	return id, nil
}

// Next returns the next firing time of an entry, or the zero time.
func (s *Scheduler) Next(id cron.EntryID) time.Time {
	return s.cron.Entry(id).Next
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents further firings, cancels running jobs' contexts and waits
// for them until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scheduled jobs: %w", ctx.Err())
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
