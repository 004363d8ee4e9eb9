// Package runner executes one cycle over all configured DCA accounts.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"github.com/vadiminshakov/dcakeeper/internal/services/reader"
	"github.com/vadiminshakov/dcakeeper/internal/services/submitter"
	"github.com/vadiminshakov/dcakeeper/pkg/retrier"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidAccountList aborts a whole cycle: the account list itself is corrupt.
var ErrInvalidAccountList = errors.New("invalid account list")

type accountReader interface {
	Read(ctx context.Context, accountID string) (domain.AccountSnapshot, error)
}

type planBuilder interface {
	Build(acc domain.AccountConfig, snap domain.AccountSnapshot) (domain.Plan, error)
}

type planSubmitter interface {
	Submit(ctx context.Context, plan domain.Plan, dryRun bool) (submitter.Result, error)
}

// SkipRecorder is notified about accounts that were not ready.
type SkipRecorder interface {
	Skipped(reason string)
}

// Config controls retries, dry runs and fan-out.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	DryRun     bool
	// Concurrency is the number of accounts processed at once; values below 2 are sequential.
	Concurrency int
	MonthMode   domain.MonthMode
}

// Runner is the cycle runner.
type Runner struct {
	reader    accountReader
	builder   planBuilder
	submitter planSubmitter
	evaluator domain.Evaluator
	cfg       Config
	skips     SkipRecorder
	now       func() time.Time
	l         *zap.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.l = l }
}

// WithClock overrides the clock used for readiness decisions and result timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithSkipRecorder registers a recorder for not-ready accounts.
func WithSkipRecorder(rec SkipRecorder) Option {
	return func(r *Runner) { r.skips = rec }
}

// New creates a Runner.
func New(rd accountReader, b planBuilder, s planSubmitter, cfg Config, opts ...Option) *Runner {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	r := &Runner{
		reader:    rd,
		builder:   b,
		submitter: s,
		evaluator: domain.NewEvaluator(cfg.MonthMode),
		cfg:       cfg,
		now:       time.Now,
		l:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DryRun reports whether submissions are simulated only.
func (r *Runner) DryRun() bool { return r.cfg.DryRun }

// RunCycle processes every enabled account once. Per-account failures become
// failed results; only a corrupt account list is returned as an error.
// Not-ready accounts produce no result.
func (r *Runner) RunCycle(ctx context.Context, accounts []domain.AccountConfig) ([]domain.ExecutionResult, error) {
	if err := validateAccounts(accounts); err != nil {
		return nil, err
	}

	enabled := make([]domain.AccountConfig, 0, len(accounts))
	for _, acc := range accounts {
		if !acc.Enabled {
			r.l.Debug("account disabled, skipping", zap.String("account", acc.ID))
			continue
		}
		enabled = append(enabled, acc)
	}

	slots := make([]*domain.ExecutionResult, len(enabled))
	if r.cfg.Concurrency <= 1 {
		for i, acc := range enabled {
			slots[i] = r.processAccount(ctx, acc)
		}
	} else {
		g := new(errgroup.Group)
		g.SetLimit(r.cfg.Concurrency)
		for i, acc := range enabled {
			g.Go(func() error {
				slots[i] = r.processAccount(ctx, acc)
				return nil
			})
		}
		_ = g.Wait()
	}

	results := make([]domain.ExecutionResult, 0, len(slots))
	for _, res := range slots {
		if res != nil {
			results = append(results, *res)
		}
	}
	return results, nil
}

func validateAccounts(accounts []domain.AccountConfig) error {
	seen := make(map[string]struct{}, len(accounts))
	for i, acc := range accounts {
		if acc.ID == "" {
			return errors.Wrapf(ErrInvalidAccountList, "account #%d has no id", i)
		}
		if _, dup := seen[acc.ID]; dup {
			return errors.Wrapf(ErrInvalidAccountList, "duplicate account %s", acc.ID)
		}
		seen[acc.ID] = struct{}{}
	}
	return nil
}

// processAccount runs read, evaluate, build and submit for one account.
// A nil result means the account was skipped.
func (r *Runner) processAccount(ctx context.Context, acc domain.AccountConfig) (res *domain.ExecutionResult) {
	l := r.l.With(zap.String("account", acc.ID), zap.String("adapter", string(acc.Adapter)))

	defer func() {
		if p := recover(); p != nil {
			l.Error("account pipeline panicked", zap.Any("panic", p))
			res = r.failed(acc.ID, fmt.Errorf("panic: %v", p), 0)
		}
	}()

	snap, err := r.read(ctx, acc.ID)
	if err != nil {
		l.Error("failed to read account", zap.Error(err))
		return r.failed(acc.ID, err, 0)
	}

	decision := r.evaluator.Evaluate(snap, r.now().UnixMilli())
	if !decision.Ready {
		l.Debug("account not ready",
			zap.String("reason", string(decision.Reason)),
			zap.Int64("next_eligible_at_ms", decision.NextEligibleAtMs))
		if r.skips != nil {
			r.skips.Skipped(string(decision.Reason))
		}
		return nil
	}

	plan, err := r.builder.Build(acc, snap)
	if err != nil {
		l.Error("failed to build plan", zap.Error(err))
		return r.failed(acc.ID, err, 0)
	}

	l.Info("submitting order",
		zap.String("amount", domain.FormatUnits(plan.Amount, acc.InputDecimals)),
		zap.Uint64("remaining_orders", snap.RemainingOrders),
		zap.Bool("dry_run", r.cfg.DryRun))

	result := r.withRetry(ctx, acc.ID, func(ctx context.Context) (submitter.Result, error) {
		return r.submitter.Submit(ctx, plan, r.cfg.DryRun)
	}, l)
	if !result.Success {
		l.Error("order failed", zap.String("error", result.Error), zap.Int("attempts", result.Attempts))
	}
	return &result
}

// read retries transient ledger failures; not-found and decode errors are returned at once.
func (r *Runner) read(ctx context.Context, accountID string) (domain.AccountSnapshot, error) {
	rt := retrier.New(retrier.WithMaxRetries(r.cfg.MaxRetries), retrier.WithDelay(r.cfg.RetryDelay))

	snap, _, err := retrier.DoWithData(rt, ctx, func(ctx context.Context) (domain.AccountSnapshot, error) {
		snap, err := r.reader.Read(ctx, accountID)
		if err != nil && !reader.IsTransient(err) {
			return snap, retrier.Permanent(err)
		}
		return snap, err
	})
	return snap, err
}

func (r *Runner) withRetry(ctx context.Context, accountID string, attempt AttemptFunc, l *zap.Logger) domain.ExecutionResult {
	res := WithRetry(ctx, accountID, attempt, r.cfg.MaxRetries, r.cfg.RetryDelay, func(n int, err error) {
		l.Warn("order attempt failed, retrying", zap.Int("attempt", n), zap.Error(err))
	})
	res.Timestamp = r.now().UTC()
	res.DryRun = r.cfg.DryRun
	return res
}

func (r *Runner) failed(accountID string, err error, attempts int) *domain.ExecutionResult {
	return &domain.ExecutionResult{
		Success:   false,
		AccountID: accountID,
		Error:     err.Error(),
		Timestamp: r.now().UTC(),
		Attempts:  attempts,
		DryRun:    r.cfg.DryRun,
	}
}

// AttemptFunc is one submission attempt.
type AttemptFunc func(ctx context.Context) (submitter.Result, error)

// WithRetry calls attempt once and then up to maxRetries more times with a fixed
// delay, stopping at the first success. A failed result carries only the last error.
func WithRetry(ctx context.Context, accountID string, attempt AttemptFunc, maxRetries int, delay time.Duration, onRetry func(attempt int, err error)) domain.ExecutionResult {
	opts := []retrier.Option{retrier.WithMaxRetries(maxRetries), retrier.WithDelay(delay)}
	if onRetry != nil {
		opts = append(opts, retrier.WithOnRetry(onRetry))
	}

	sub, attempts, err := retrier.DoWithData[submitter.Result](retrier.New(opts...), ctx, attempt)
	res := domain.ExecutionResult{
		AccountID: accountID,
		Timestamp: time.Now().UTC(),
		Attempts:  attempts,
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Success = true
	res.TxDigest = sub.Digest
	res.DryRun = sub.DryRun
	res.Effects = sub.Summary()
	return res
}
