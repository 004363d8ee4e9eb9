// Package submitter signs and submits swap plans, or dry-runs them.
package submitter

import (
	"context"
	"fmt"
	"time"

	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"go.uber.org/zap"
)

const (
	// DryRunDigest is reported instead of a transaction digest for simulated submissions.
	DryRunDigest = "dry-run"

	DefaultGasBudget = 50_000_000
)

// SubmissionError wraps any transport, signing or on-ledger abort failure.
type SubmissionError struct {
	AccountID string
	DryRun    bool
	Cause     error
}

func (e *SubmissionError) Error() string {
	op := "submit"
	if e.DryRun {
		op = "simulate"
	}
	return fmt.Sprintf("%s order for %s: %v", op, e.AccountID, e.Cause)
}

func (e *SubmissionError) Unwrap() error { return e.Cause }

// Result is a successful submission.
type Result struct {
	Digest  string
	Effects domain.Effects
	DryRun  bool
}

// Summary renders the effects for logs and execution results.
func (r Result) Summary() string {
	return fmt.Sprintf("status=%s gas=%d", r.Effects.Status, r.Effects.GasUsed)
}

type ledger interface {
	Simulate(ctx context.Context, tx domain.Transaction) (domain.Effects, error)
	SignAndSubmit(ctx context.Context, tx domain.Transaction) (domain.SubmitResponse, error)
}

// Submitter sends one transaction at a time to the ledger.
type Submitter struct {
	ledger    ledger
	gasBudget uint64
	l         *zap.Logger
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithGasBudget sets the gas budget attached to every transaction.
func WithGasBudget(budget uint64) Option {
	return func(s *Submitter) {
		if budget > 0 {
			s.gasBudget = budget
		}
	}
}

// WithLogger sets the submitter logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Submitter) { s.l = l }
}

// New creates a Submitter.
func New(ledger ledger, opts ...Option) *Submitter {
	s := &Submitter{
		ledger:    ledger,
		gasBudget: DefaultGasBudget,
		l:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit executes the plan. With dryRun the ledger only simulates it and the
// result carries DryRunDigest. Without dryRun it blocks until the ledger reports effects.
func (s *Submitter) Submit(ctx context.Context, plan domain.Plan, dryRun bool) (Result, error) {
	tx := domain.Transaction{
		Sender:    plan.Sender,
		GasBudget: s.gasBudget,
		Calls:     plan.Calls,
	}

	start := time.Now()
	if dryRun {
		effects, err := s.ledger.Simulate(ctx, tx)
		if err != nil {
			return Result{}, &SubmissionError{AccountID: plan.AccountID, DryRun: true, Cause: err}
		}

		s.l.Info("order simulated",
			zap.String("account", plan.AccountID),
			zap.String("adapter", string(plan.Adapter)),
			zap.Uint64("gas_used", effects.GasUsed))
		return Result{Digest: DryRunDigest, Effects: effects, DryRun: true}, nil
	}

	resp, err := s.ledger.SignAndSubmit(ctx, tx)
	if err != nil {
		return Result{}, &SubmissionError{AccountID: plan.AccountID, Cause: err}
	}

	s.l.Info("order submitted",
		zap.String("account", plan.AccountID),
		zap.String("adapter", string(plan.Adapter)),
		zap.String("digest", resp.Digest),
		zap.Uint64("gas_used", resp.Effects.GasUsed),
		zap.Duration("took", time.Since(start)))

	return Result{Digest: resp.Digest, Effects: resp.Effects}, nil
}
