package clients

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"github.com/vadiminshakov/dcakeeper/internal/storage/simstate"
	"go.uber.org/zap"
)

const (
	simulatedComputationCost = 1_000_000
	simulatedStorageCost     = 2_000_000

	abortTooEarly     = "MoveAbort: too early"
	abortInactive     = "MoveAbort: inactive"
	abortNoOrders     = "MoveAbort: no remaining orders"
	abortNoBalance    = "MoveAbort: insufficient balance"
	abortNotDelegatee = "MoveAbort: sender is not the delegatee"
)

// SimulateLedger is an in-memory ledger holding DCA accounts. Submissions apply
// one DCA order the way the on-chain contract would; simulations never mutate.
type SimulateLedger struct {
	mu       sync.RWMutex
	accounts map[string]domain.AccountSnapshot
	sequence uint64
	now      func() time.Time
	schedule domain.Evaluator
	store    *simstate.Store
	logger   *zap.Logger
}

// SimulateOption configures a SimulateLedger.
type SimulateOption func(*SimulateLedger)

// WithClock overrides the ledger clock.
func WithClock(now func() time.Time) SimulateOption {
	return func(l *SimulateLedger) { l.now = now }
}

// WithMonthMode sets how the simulated contract measures monthly intervals.
// It should match the keeper's execution.month_mode.
func WithMonthMode(mode domain.MonthMode) SimulateOption {
	return func(l *SimulateLedger) { l.schedule = domain.NewEvaluator(mode) }
}

// WithStateStore persists accounts after every mutation and restores them on creation.
func WithStateStore(store *simstate.Store) SimulateOption {
	return func(l *SimulateLedger) { l.store = store }
}

// WithSimulateLogger sets the ledger logger.
func WithSimulateLogger(logger *zap.Logger) SimulateOption {
	return func(l *SimulateLedger) { l.logger = logger }
}

// NewSimulateLedger creates a simulated ledger.
func NewSimulateLedger(opts ...SimulateOption) (*SimulateLedger, error) {
	l := &SimulateLedger{
		accounts: make(map[string]domain.AccountSnapshot),
		now:      time.Now,
		schedule: domain.NewEvaluator(domain.MonthModeApprox),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.restore(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SimulateLedger) restore() error {
	if l.store == nil {
		return nil
	}
	state, err := l.store.Load()
	if err != nil {
		return errors.Wrap(err, "restore simulated ledger")
	}
	if state == nil {
		return nil
	}

	for id, stored := range state.Accounts {
		snap, err := stored.ToSnapshot(id)
		if err != nil {
			return err
		}
		l.accounts[id] = snap
	}
	l.sequence = state.Sequence
	l.logger.Info("simulated ledger restored", zap.Int("accounts", len(l.accounts)))
	return nil
}

// persist must be called with l.mu held.
func (l *SimulateLedger) persist() {
	if l.store == nil {
		return
	}
	state := simstate.State{
		Accounts: make(map[string]simstate.StoredAccount, len(l.accounts)),
		Sequence: l.sequence,
	}
	for id, snap := range l.accounts {
		state.Accounts[id] = simstate.NewStoredAccount(snap)
	}
	if err := l.store.Save(state); err != nil {
		l.logger.Warn("failed to persist simulated ledger", zap.Error(err))
	}
}

// PutAccount creates or replaces an account object. Existing state wins when
// overwrite is false, so restored accounts are not reset on restart.
func (l *SimulateLedger) PutAccount(snap domain.AccountSnapshot, overwrite bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.accounts[snap.ID]; exists && !overwrite {
		return
	}
	l.accounts[snap.ID] = snap
	l.persist()
}

// Account returns the current state of an account.
func (l *SimulateLedger) Account(id string) (domain.AccountSnapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap, ok := l.accounts[id]
	return snap, ok
}

// AccountIDs returns all account ids in sorted order.
func (l *SimulateLedger) AccountIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReadObject returns the account fields in ledger encoding.
func (l *SimulateLedger) ReadObject(ctx context.Context, id string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap, ok := l.Account(id)
	if !ok {
		return nil, errors.Wrapf(ErrObjectNotFound, "object %s", id)
	}
	return domain.EncodeAccountFields(snap)
}

// Simulate checks the order against current state without applying it.
func (l *SimulateLedger) Simulate(ctx context.Context, tx domain.Transaction) (domain.Effects, error) {
	if err := ctx.Err(); err != nil {
		return domain.Effects{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	_, _, effects, err := l.apply(tx)
	return effects, err
}

// SignAndSubmit applies one DCA order and returns a deterministic digest.
func (l *SimulateLedger) SignAndSubmit(ctx context.Context, tx domain.Transaction) (domain.SubmitResponse, error) {
	if err := ctx.Err(); err != nil {
		return domain.SubmitResponse{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequence++
	digest := l.digest(tx)

	id, next, effects, err := l.apply(tx)
	if err != nil {
		var abort *AbortError
		if errors.As(err, &abort) {
			abort.Digest = digest
		}
		return domain.SubmitResponse{Digest: digest, Effects: effects}, err
	}

	l.accounts[id] = next
	l.persist()

	l.logger.Info("simulated order executed",
		zap.String("account", id),
		zap.String("digest", digest),
		zap.Uint64("remaining_orders", next.RemainingOrders),
		zap.Uint64("input_balance", next.InputBalance))

	return domain.SubmitResponse{Digest: digest, Effects: effects}, nil
}

// apply validates tx against current state and returns the would-be new account.
// Callers must hold l.mu.
func (l *SimulateLedger) apply(tx domain.Transaction) (string, domain.AccountSnapshot, domain.Effects, error) {
	if len(tx.Calls) == 0 {
		return "", domain.AccountSnapshot{}, domain.Effects{}, errors.New("transaction has no calls")
	}

	id, snap, ok := l.findAccount(tx.Calls[0].Arguments)
	if !ok {
		return "", domain.AccountSnapshot{}, domain.Effects{}, errors.Wrap(ErrObjectNotFound, "no dca account among call arguments")
	}

	failed := func(reason string) (string, domain.AccountSnapshot, domain.Effects, error) {
		effects := domain.Effects{Status: "failure", GasUsed: simulatedComputationCost, Error: reason}
		return id, snap, effects, &AbortError{Status: effects.Status, Reason: reason}
	}

	nowMs := l.now().UnixMilli()
	switch {
	case !domain.SameAddress(tx.Sender, snap.Delegatee):
		return failed(abortNotDelegatee)
	case !snap.Active:
		return failed(abortInactive)
	case snap.RemainingOrders == 0:
		return failed(abortNoOrders)
	case snap.InputBalance < snap.SplitAllocation || snap.InputBalance == 0:
		return failed(abortNoBalance)
	case nowMs < l.schedule.NextEligibleAtMs(snap):
		return failed(abortTooEarly)
	}

	next := snap
	next.InputBalance -= snap.SplitAllocation
	next.RemainingOrders--
	next.LastTimeMs = nowMs

	effects := domain.Effects{
		Status:  domain.EffectsStatusSuccess,
		GasUsed: simulatedComputationCost + simulatedStorageCost,
	}
	return id, next, effects, nil
}

func (l *SimulateLedger) findAccount(args []any) (string, domain.AccountSnapshot, bool) {
	for _, arg := range args {
		id, ok := arg.(string)
		if !ok {
			continue
		}
		if snap, exists := l.accounts[id]; exists {
			return id, snap, true
		}
	}
	return "", domain.AccountSnapshot{}, false
}

func (l *SimulateLedger) digest(tx domain.Transaction) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatUint(l.sequence, 10)))
	h.Write([]byte(tx.Sender))
	for _, call := range tx.Calls {
		h.Write([]byte(fmt.Sprintf("%s::%s::%s%v", call.Package, call.Module, call.Function, call.Arguments)))
	}
	return "sim" + hex.EncodeToString(h.Sum(nil))[:40]
}
