package clients

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"github.com/vadiminshakov/dcakeeper/internal/storage/simstate"
)

var simNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func simAccount() domain.AccountSnapshot {
	return domain.AccountSnapshot{
		ID:              "0xacc",
		Owner:           "0xowner",
		Delegatee:       "0xkeeper",
		InputBalance:    300,
		RemainingOrders: 3,
		LastTimeMs:      simNow.Add(-2 * time.Hour).UnixMilli(),
		Every:           1,
		TimeScale:       domain.TimeScaleHours,
		Active:          true,
		SplitAllocation: 100,
	}
}

func simTx(sender string) domain.Transaction {
	return domain.Transaction{
		Sender: sender,
		Calls: []domain.MoveCall{{
			Package:   "0xdca",
			Module:    "cetus",
			Function:  "swap_a_to_b",
			Arguments: []any{"0xconfig", "0xacc", "0xpool", "100", "0", "0x6"},
		}},
	}
}

func newSim(t *testing.T, opts ...SimulateOption) *SimulateLedger {
	t.Helper()

	opts = append([]SimulateOption{WithClock(func() time.Time { return simNow })}, opts...)
	l, err := NewSimulateLedger(opts...)
	require.NoError(t, err)
	return l
}

func TestSimulateLedger_SubmitAppliesOrder(t *testing.T) {
	l := newSim(t)
	l.PutAccount(simAccount(), true)

	resp, err := l.SignAndSubmit(context.Background(), simTx("0xkeeper"))
	require.NoError(t, err)
	assert.True(t, resp.Effects.Succeeded())
	assert.Len(t, resp.Digest, 43)

	snap, ok := l.Account("0xacc")
	require.True(t, ok)
	assert.Equal(t, uint64(200), snap.InputBalance)
	assert.Equal(t, uint64(2), snap.RemainingOrders)
	assert.Equal(t, simNow.UnixMilli(), snap.LastTimeMs)
}

func TestSimulateLedger_MonthMode(t *testing.T) {
	// a month after 2024-02-01 is 29 calendar days, one day short of the 30-day approximation
	last := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

	acc := simAccount()
	acc.TimeScale = domain.TimeScaleMonths
	acc.LastTimeMs = last.UnixMilli()

	approx := newSim(t, WithClock(func() time.Time { return now }))
	approx.PutAccount(acc, true)
	_, err := approx.SignAndSubmit(context.Background(), simTx("0xkeeper"))
	var abort *AbortError
	require.True(t, errors.As(err, &abort), "got %v", err)
	assert.Equal(t, abortTooEarly, abort.Reason)

	calendar := newSim(t, WithClock(func() time.Time { return now }), WithMonthMode(domain.MonthModeCalendar))
	calendar.PutAccount(acc, true)
	resp, err := calendar.SignAndSubmit(context.Background(), simTx("0xkeeper"))
	require.NoError(t, err)
	assert.True(t, resp.Effects.Succeeded())
}

func TestSimulateLedger_SimulateDoesNotMutate(t *testing.T) {
	l := newSim(t)
	l.PutAccount(simAccount(), true)

	effects, err := l.Simulate(context.Background(), simTx("0xkeeper"))
	require.NoError(t, err)
	assert.True(t, effects.Succeeded())

	snap, _ := l.Account("0xacc")
	assert.Equal(t, simAccount(), snap)
}

func TestSimulateLedger_Aborts(t *testing.T) {
	cases := map[string]struct {
		mutate func(*domain.AccountSnapshot)
		sender string
		reason string
	}{
		"wrong sender": {sender: "0xstranger", reason: abortNotDelegatee},
		"inactive":     {mutate: func(s *domain.AccountSnapshot) { s.Active = false }, reason: abortInactive},
		"no orders":    {mutate: func(s *domain.AccountSnapshot) { s.RemainingOrders = 0 }, reason: abortNoOrders},
		"no balance":   {mutate: func(s *domain.AccountSnapshot) { s.InputBalance = 50 }, reason: abortNoBalance},
		"too early":    {mutate: func(s *domain.AccountSnapshot) { s.LastTimeMs = simNow.UnixMilli() }, reason: abortTooEarly},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			acc := simAccount()
			if tc.mutate != nil {
				tc.mutate(&acc)
			}
			sender := tc.sender
			if sender == "" {
				sender = "0xkeeper"
			}

			l := newSim(t)
			l.PutAccount(acc, true)

			_, err := l.SignAndSubmit(context.Background(), simTx(sender))
			require.Error(t, err)

			var abort *AbortError
			require.True(t, errors.As(err, &abort))
			assert.Equal(t, tc.reason, abort.Reason)
			assert.NotEmpty(t, abort.Digest)

			snap, _ := l.Account("0xacc")
			assert.Equal(t, acc, snap)
		})
	}
}

func TestSimulateLedger_ReadObjectRoundTrip(t *testing.T) {
	l := newSim(t)
	l.PutAccount(simAccount(), true)

	raw, err := l.ReadObject(context.Background(), "0xacc")
	require.NoError(t, err)

	snap, err := domain.DecodeAccountFields("0xacc", raw)
	require.NoError(t, err)
	assert.Equal(t, simAccount(), snap)

	_, err = l.ReadObject(context.Background(), "0xnone")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestSimulateLedger_PutAccountKeepsExisting(t *testing.T) {
	l := newSim(t)
	l.PutAccount(simAccount(), true)

	changed := simAccount()
	changed.InputBalance = 1
	l.PutAccount(changed, false)

	snap, _ := l.Account("0xacc")
	assert.Equal(t, uint64(300), snap.InputBalance)
}

func TestSimulateLedger_PersistsState(t *testing.T) {
	store, err := simstate.NewStore(t.TempDir())
	require.NoError(t, err)

	l := newSim(t, WithStateStore(store))
	l.PutAccount(simAccount(), true)
	_, err = l.SignAndSubmit(context.Background(), simTx("0xkeeper"))
	require.NoError(t, err)

	restored := newSim(t, WithStateStore(store))
	snap, ok := restored.Account("0xacc")
	require.True(t, ok)
	assert.Equal(t, uint64(2), snap.RemainingOrders)
	assert.Equal(t, []string{"0xacc"}, restored.AccountIDs())
}

func TestSimulateLedger_CanceledContext(t *testing.T) {
	l := newSim(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.ReadObject(ctx, "0xacc")
	assert.ErrorIs(t, err, context.Canceled)
}
