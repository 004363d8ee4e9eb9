package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/dcakeeper/internal/clients"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"github.com/vadiminshakov/dcakeeper/internal/services/builder"
	"github.com/vadiminshakov/dcakeeper/internal/services/reader"
	"github.com/vadiminshakov/dcakeeper/internal/services/submitter"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

const keeperAddress = "0x00000000000000000000000000000000000000000000000000000000000000aa"

type fakeReader struct {
	mu    sync.Mutex
	snaps map[string]domain.AccountSnapshot
	errs  map[string][]error
	calls map[string]int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		snaps: map[string]domain.AccountSnapshot{},
		errs:  map[string][]error{},
		calls: map[string]int{},
	}
}

func (f *fakeReader) Read(ctx context.Context, id string) (domain.AccountSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[id]++
	if queue := f.errs[id]; len(queue) > 0 {
		err := queue[0]
		f.errs[id] = queue[1:]
		return domain.AccountSnapshot{}, err
	}
	snap, ok := f.snaps[id]
	if !ok {
		return domain.AccountSnapshot{}, reader.ErrNotFound
	}
	return snap, nil
}

type fakeSubmitter struct {
	mu     sync.Mutex
	fail   map[string]int
	calls  map[string]int
	active atomic.Int32
	peak   atomic.Int32
	delay  time.Duration
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{fail: map[string]int{}, calls: map[string]int{}}
}

func (f *fakeSubmitter) Submit(ctx context.Context, plan domain.Plan, dryRun bool) (submitter.Result, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[plan.AccountID]++
	if f.fail[plan.AccountID] > 0 {
		f.fail[plan.AccountID]--
		return submitter.Result{}, &submitter.SubmissionError{AccountID: plan.AccountID, Cause: errors.New("node timeout")}
	}
	digest := "digest-" + plan.AccountID
	if dryRun {
		digest = submitter.DryRunDigest
	}
	return submitter.Result{Digest: digest, Effects: domain.Effects{Status: domain.EffectsStatusSuccess}, DryRun: dryRun}, nil
}

type skipCounter struct {
	mu      sync.Mutex
	reasons []string
}

func (s *skipCounter) Skipped(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasons = append(s.reasons, reason)
}

func readySnapshot(id string) domain.AccountSnapshot {
	return domain.AccountSnapshot{
		ID:              id,
		Owner:           "0xowner",
		Delegatee:       keeperAddress,
		InputBalance:    1000,
		RemainingOrders: 5,
		LastTimeMs:      now.Add(-2 * time.Hour).UnixMilli(),
		Every:           1,
		TimeScale:       domain.TimeScaleHours,
		Active:          true,
		SplitAllocation: 100,
	}
}

func account(id string, adapter domain.Adapter) domain.AccountConfig {
	return domain.AccountConfig{ID: id, Adapter: adapter, PoolID: "0xpool", Enabled: true}
}

func newRunner(rd accountReader, s planSubmitter, cfg Config, opts ...Option) *Runner {
	b := builder.New(builder.Config{PackageID: "0xdca", CetusGlobalConfigID: "0xcfg", TurbosVersionedID: "0xver"}, keeperAddress)
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return New(rd, b, s, cfg, opts...)
}

func TestRunCycle_FailureIsolation(t *testing.T) {
	rd := newFakeReader()
	rd.snaps["0xgood"] = readySnapshot("0xgood")
	rd.snaps["0xbad"] = readySnapshot("0xbad")

	sub := newFakeSubmitter()
	sub.fail["0xbad"] = 100

	r := newRunner(rd, sub, Config{MaxRetries: 2})
	results, err := r.RunCycle(context.Background(), []domain.AccountConfig{
		account("0xbad", domain.AdapterCetus),
		account("0xgood", domain.AdapterCetus),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "0xbad", results[0].AccountID)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "node timeout")
	assert.Equal(t, 3, results[0].Attempts)

	assert.Equal(t, "0xgood", results[1].AccountID)
	assert.True(t, results[1].Success)
	assert.Equal(t, "digest-0xgood", results[1].TxDigest)
	assert.Equal(t, now, results[1].Timestamp)
}

func TestRunCycle_SkipsDisabledAndNotReady(t *testing.T) {
	rd := newFakeReader()
	exhausted := readySnapshot("0xexhausted")
	exhausted.RemainingOrders = 0
	rd.snaps["0xexhausted"] = exhausted
	early := readySnapshot("0xearly")
	early.LastTimeMs = now.UnixMilli()
	rd.snaps["0xearly"] = early

	disabled := account("0xdisabled", domain.AdapterCetus)
	disabled.Enabled = false

	skips := &skipCounter{}
	sub := newFakeSubmitter()
	r := newRunner(rd, sub, Config{}, WithSkipRecorder(skips))

	results, err := r.RunCycle(context.Background(), []domain.AccountConfig{
		disabled,
		account("0xexhausted", domain.AdapterCetus),
		account("0xearly", domain.AdapterCetus),
	})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, rd.calls["0xdisabled"])
	assert.Empty(t, sub.calls)
	assert.ElementsMatch(t, []string{string(domain.ReasonExhausted), string(domain.ReasonTooEarly)}, skips.reasons)
}

func TestRunCycle_ConfigErrorsAreNotRetried(t *testing.T) {
	rd := newFakeReader()
	rd.snaps["0xdex"] = readySnapshot("0xdex")
	mismatch := readySnapshot("0xother")
	mismatch.Delegatee = "0xbb"
	rd.snaps["0xother"] = mismatch

	sub := newFakeSubmitter()
	r := newRunner(rd, sub, Config{MaxRetries: 3})

	results, err := r.RunCycle(context.Background(), []domain.AccountConfig{
		account("0xdex", "unsupported_dex"),
		account("0xother", domain.AdapterCetus),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "unsupported adapter")
	assert.Zero(t, results[0].Attempts)

	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "delegatee mismatch")
	assert.Contains(t, results[1].Error, "0xbb")

	assert.Empty(t, sub.calls)
	assert.Equal(t, 1, rd.calls["0xdex"])
}

func TestRunCycle_ReadErrors(t *testing.T) {
	rd := newFakeReader()
	rd.snaps["0xflaky"] = readySnapshot("0xflaky")
	rd.errs["0xflaky"] = []error{&reader.ReadError{AccountID: "0xflaky", Err: errors.New("i/o timeout")}}

	sub := newFakeSubmitter()
	r := newRunner(rd, sub, Config{MaxRetries: 1})

	results, err := r.RunCycle(context.Background(), []domain.AccountConfig{
		account("0xmissing", domain.AdapterCetus),
		account("0xflaky", domain.AdapterCetus),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "account not found")
	assert.Equal(t, 1, rd.calls["0xmissing"])

	assert.True(t, results[1].Success)
	assert.Equal(t, 2, rd.calls["0xflaky"])
}

func TestRunCycle_RetrySucceedsWithinBound(t *testing.T) {
	rd := newFakeReader()
	rd.snaps["0xacc"] = readySnapshot("0xacc")
	sub := newFakeSubmitter()
	sub.fail["0xacc"] = 2

	r := newRunner(rd, sub, Config{MaxRetries: 2})
	results, err := r.RunCycle(context.Background(), []domain.AccountConfig{account("0xacc", domain.AdapterTurbos)})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.True(t, results[0].Success)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, 3, sub.calls["0xacc"])
}

func TestRunCycle_InvalidAccountList(t *testing.T) {
	r := newRunner(newFakeReader(), newFakeSubmitter(), Config{})

	_, err := r.RunCycle(context.Background(), []domain.AccountConfig{
		account("0xa", domain.AdapterCetus),
		account("0xa", domain.AdapterCetus),
	})
	assert.ErrorIs(t, err, ErrInvalidAccountList)

	_, err = r.RunCycle(context.Background(), []domain.AccountConfig{account("", domain.AdapterCetus)})
	assert.ErrorIs(t, err, ErrInvalidAccountList)

	results, err := r.RunCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRunCycle_ConcurrentKeepsOrder(t *testing.T) {
	rd := newFakeReader()
	ids := []string{"0x1", "0x2", "0x3", "0x4", "0x5", "0x6"}
	accounts := make([]domain.AccountConfig, 0, len(ids))
	for _, id := range ids {
		rd.snaps[id] = readySnapshot(id)
		accounts = append(accounts, account(id, domain.AdapterCetus))
	}
	sub := newFakeSubmitter()
	sub.delay = 20 * time.Millisecond

	r := newRunner(rd, sub, Config{Concurrency: 3})
	results, err := r.RunCycle(context.Background(), accounts)
	require.NoError(t, err)
	require.Len(t, results, len(ids))

	for i, id := range ids {
		assert.Equal(t, id, results[i].AccountID)
		assert.True(t, results[i].Success)
	}
	assert.LessOrEqual(t, sub.peak.Load(), int32(3))
}

func TestRunCycle_DryRunAgainstSimulatedLedger(t *testing.T) {
	signer, err := clients.NewSignerFromHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)

	ledger, err := clients.NewSimulateLedger(clients.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	snap := readySnapshot("0xacc")
	snap.Delegatee = signer.Address()
	ledger.PutAccount(snap, true)

	b := builder.New(builder.Config{PackageID: "0xdca", CetusGlobalConfigID: "0xcfg"}, signer.Address())
	r := New(reader.New(ledger, nil), b, submitter.New(ledger), Config{DryRun: true}, WithClock(func() time.Time { return now }))

	results, err := r.RunCycle(context.Background(), []domain.AccountConfig{account("0xacc", domain.AdapterCetus)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.True(t, results[0].DryRun)
	assert.Equal(t, submitter.DryRunDigest, results[0].TxDigest)

	after, _ := ledger.Account("0xacc")
	assert.Equal(t, snap, after)
}

func TestWithRetry_BoundedAttempts(t *testing.T) {
	calls := 0
	res := WithRetry(context.Background(), "0xacc", func(ctx context.Context) (submitter.Result, error) {
		calls++
		return submitter.Result{}, errors.New("attempt failed")
	}, 2, time.Millisecond, nil)

	assert.False(t, res.Success)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "attempt failed", res.Error)
}

func TestWithRetry_StopsAtFirstSuccess(t *testing.T) {
	calls := 0
	var retried []int
	res := WithRetry(context.Background(), "0xacc", func(ctx context.Context) (submitter.Result, error) {
		calls++
		if calls == 1 {
			return submitter.Result{}, errors.New("first attempt")
		}
		return submitter.Result{Digest: "d", Effects: domain.Effects{Status: "success"}}, nil
	}, 5, time.Millisecond, func(attempt int, err error) { retried = append(retried, attempt) })

	assert.True(t, res.Success)
	assert.Equal(t, "d", res.TxDigest)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int{1}, retried)
}

func TestWithRetry_FixedDelay(t *testing.T) {
	start := time.Now()
	WithRetry(context.Background(), "0xacc", func(ctx context.Context) (submitter.Result, error) {
		return submitter.Result{}, errors.New("no")
	}, 2, 30*time.Millisecond, nil)

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestWithRetry_DeadlineKeepsLastError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	res := WithRetry(ctx, "0xacc", func(ctx context.Context) (submitter.Result, error) {
		calls++
		return submitter.Result{}, errors.New("rpc: MoveAbort 42")
	}, 3, 200*time.Millisecond, nil)

	assert.False(t, res.Success)
	assert.Equal(t, 1, calls)
	assert.Contains(t, res.Error, "rpc: MoveAbort 42")
}
