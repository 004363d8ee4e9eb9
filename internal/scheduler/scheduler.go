// Package scheduler drives DCA cycles on a timer and tracks their outcome.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/vadiminshakov/dcakeeper/internal/alert"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"go.uber.org/zap"
)

const alertTimeout = 30 * time.Second

var (
	// ErrCycleInProgress is returned when a cycle is requested while another one runs.
	ErrCycleInProgress = errors.New("cycle already in progress")
	// ErrStopped is returned for cycles requested after Stop.
	ErrStopped = errors.New("scheduler stopped")
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule returns the timing source for a fixed interval or a cron
// expression. Exactly one of them must be set.
func ParseSchedule(interval time.Duration, expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case expr != "" && interval > 0:
		return nil, errors.New("both interval and cron expression are set")
	case expr != "":
		schedule, err := cronParser.Parse(expr)
		if err != nil {
			return nil, errors.Wrapf(err, "parse cron expression %q", expr)
		}
		return schedule, nil
	case interval >= time.Second:
		return cron.Every(interval), nil
	case interval > 0:
		return nil, errors.Errorf("interval %s is shorter than one second", interval)
	default:
		return nil, errors.New("either interval or cron expression is required")
	}
}

type cycleRunner interface {
	RunCycle(ctx context.Context, accounts []domain.AccountConfig) ([]domain.ExecutionResult, error)
}

type journal interface {
	Save(result domain.ExecutionResult) (uint64, error)
}

// Recorder receives cycle metrics.
type Recorder interface {
	CycleFinished(result string, took time.Duration)
	Execution(status string)
	TickDropped()
	SetRunning(running bool)
}

// Config selects the timing source.
type Config struct {
	Interval time.Duration
	Cron     string
	// CycleTimeout bounds a whole cycle; zero means no bound.
	CycleTimeout time.Duration
	RunOnStart   bool
}

// SchedulerHandle owns the timer and the run state of one keeper. Several
// handles may run in the same process.
type SchedulerHandle struct {
	runner   cycleRunner
	cfg      Config
	schedule cron.Schedule
	cron     *cron.Cron

	accounts atomic.Pointer[[]domain.AccountConfig]
	running  atomic.Bool
	stopped  atomic.Bool
	// cycleMu is held for the whole cycle so Stop can wait for it.
	cycleMu sync.Mutex

	mu    sync.Mutex
	state domain.SchedulerState

	sink     alert.Sink
	journal  journal
	recorder Recorder

	baseCtx context.Context
	cancel  context.CancelFunc
	alerts  sync.WaitGroup
	now     func() time.Time
	l       *zap.Logger
}

// Option configures a SchedulerHandle.
type Option func(*SchedulerHandle)

// WithAlertSink sets the sink notified about every execution result.
func WithAlertSink(sink alert.Sink) Option {
	return func(s *SchedulerHandle) { s.sink = sink }
}

// WithJournal persists every execution result.
func WithJournal(j journal) Option {
	return func(s *SchedulerHandle) { s.journal = j }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *SchedulerHandle) { s.recorder = r }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *SchedulerHandle) { s.l = l }
}

// WithClock overrides the clock used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SchedulerHandle) { s.now = now }
}

// New creates a scheduler over the given accounts. It does not start the timer.
func New(runner cycleRunner, cfg Config, accounts []domain.AccountConfig, opts ...Option) (*SchedulerHandle, error) {
	schedule, err := ParseSchedule(cfg.Interval, cfg.Cron)
	if err != nil {
		return nil, err
	}

	s := &SchedulerHandle{
		runner:   runner,
		cfg:      cfg,
		schedule: schedule,
		sink:     alert.NopSink{},
		now:      time.Now,
		l:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC))
	s.SetAccounts(accounts)

	return s, nil
}

// SetAccounts atomically replaces the account set used by subsequent cycles.
// A cycle in progress keeps the set it started with.
func (s *SchedulerHandle) SetAccounts(accounts []domain.AccountConfig) {
	cp := make([]domain.AccountConfig, len(accounts))
	copy(cp, accounts)
	s.accounts.Store(&cp)
}

// Accounts returns the active account set.
func (s *SchedulerHandle) Accounts() []domain.AccountConfig {
	p := s.accounts.Load()
	if p == nil {
		return nil
	}
	cp := make([]domain.AccountConfig, len(*p))
	copy(cp, *p)
	return cp
}

// Stats returns a snapshot of the run state.
func (s *SchedulerHandle) Stats() domain.SchedulerState {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	state.IsRunning = s.running.Load()
	return state
}

// Start arms the timer. Cycles started by the timer run under ctx.
func (s *SchedulerHandle) Start(ctx context.Context) {
	s.cancel()
	s.baseCtx, s.cancel = context.WithCancel(ctx)

	s.cron.Schedule(s.schedule, cron.FuncJob(s.tick))
	s.cron.Start()

	s.mu.Lock()
	s.state.NextRunAtMs = s.schedule.Next(s.now()).UnixMilli()
	s.mu.Unlock()

	s.l.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.String("cron", s.cfg.Cron),
		zap.Int("accounts", len(s.Accounts())))

	if s.cfg.RunOnStart {
		go s.tick()
	}
}

// Stop disarms the timer and waits for the running cycle and pending alerts.
// A stopped handle cannot be started again.
func (s *SchedulerHandle) Stop() {
	s.stopped.Store(true)
	<-s.cron.Stop().Done()

	s.cycleMu.Lock()
	s.cycleMu.Unlock()

	s.alerts.Wait()
	s.cancel()

	s.mu.Lock()
	s.state.NextRunAtMs = 0
	s.mu.Unlock()

	s.l.Info("scheduler stopped")
}

// Trigger runs one cycle now, outside the timer. It shares the single-flight
// guard with timer ticks and fails with ErrCycleInProgress instead of waiting.
func (s *SchedulerHandle) Trigger(ctx context.Context) ([]domain.ExecutionResult, error) {
	return s.runGuarded(ctx, "manual")
}

// tick is the timer job. A tick that finds a cycle running is dropped.
func (s *SchedulerHandle) tick() {
	_, err := s.runGuarded(s.baseCtx, "timer")
	if errors.Is(err, ErrCycleInProgress) {
		s.mu.Lock()
		s.state.DroppedTicks++
		s.mu.Unlock()
		if s.recorder != nil {
			s.recorder.TickDropped()
		}
		s.l.Warn("previous cycle still running, tick dropped")
	}
}

func (s *SchedulerHandle) runGuarded(ctx context.Context, trigger string) ([]domain.ExecutionResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer s.running.Store(false)

	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	if s.stopped.Load() {
		return nil, ErrStopped
	}

	if s.recorder != nil {
		s.recorder.SetRunning(true)
		defer s.recorder.SetRunning(false)
	}

	if s.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CycleTimeout)
		defer cancel()
	}

	l := s.l.With(zap.String("cycle", uuid.NewString()), zap.String("trigger", trigger))
	started := s.now()
	l.Info("cycle started")

	results, err := s.runner.RunCycle(ctx, s.Accounts())
	took := s.now().Sub(started)

	s.mu.Lock()
	s.state.LastRunAtMs = started.UnixMilli()
	if trigger == "timer" {
		s.state.NextRunAtMs = s.schedule.Next(started).UnixMilli()
	}
	if err == nil {
		s.record(results)
	}
	s.mu.Unlock()

	if err != nil {
		if s.recorder != nil {
			s.recorder.CycleFinished("error", took)
		}
		l.Error("cycle aborted", zap.Error(err))
		return nil, errors.Wrap(err, "run cycle")
	}
	if s.recorder != nil {
		s.recorder.CycleFinished("ok", took)
	}

	succeeded := 0
	for _, res := range results {
		if res.Success {
			succeeded++
		}
		s.publish(res, l)
	}
	l.Info("cycle finished",
		zap.Int("executions", len(results)),
		zap.Int("succeeded", succeeded),
		zap.Duration("took", took))

	return results, nil
}

// record must be called with s.mu held.
func (s *SchedulerHandle) record(results []domain.ExecutionResult) {
	for _, res := range results {
		s.state.TotalExecutions++
		if res.Success {
			s.state.SuccessfulExecutions++
		} else {
			s.state.FailedExecutions++
		}
	}
}

// publish journals the result and fires its alert on a detached goroutine.
// Alert order relative to cycle completion is not guaranteed.
func (s *SchedulerHandle) publish(res domain.ExecutionResult, l *zap.Logger) {
	if s.recorder != nil {
		s.recorder.Execution(res.Status())
	}
	if s.journal != nil {
		if _, err := s.journal.Save(res); err != nil {
			l.Warn("failed to journal execution result", zap.String("account", res.AccountID), zap.Error(err))
		}
	}

	s.alerts.Add(1)
	go func() {
		defer s.alerts.Done()
		defer func() {
			if p := recover(); p != nil {
				l.Error("alert sink panicked", zap.String("account", res.AccountID), zap.Any("panic", p))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()

		if err := s.sink.Notify(ctx, res); err != nil {
			l.Warn("failed to deliver alert", zap.String("account", res.AccountID), zap.Error(err))
		}
	}()
}
