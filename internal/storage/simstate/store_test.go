package simstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
)

func TestStore_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	state, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, state, "missing file yields nil state")

	snap := domain.AccountSnapshot{
		ID:              "0xacc",
		Owner:           "0xowner",
		Delegatee:       "0xkeeper",
		InputBalance:    18_000_000_000_000_000_000,
		RemainingOrders: 4,
		LastTimeMs:      1_700_000_000_000,
		Every:           2,
		TimeScale:       domain.TimeScaleWeeks,
		Active:          true,
		SplitAllocation: 250,
	}
	require.NoError(t, store.Save(State{
		Accounts: map[string]StoredAccount{snap.ID: NewStoredAccount(snap)},
		Sequence: 7,
	}))

	_, err = os.Stat(filepath.Join(dir, stateFileName+".tmp"))
	assert.True(t, os.IsNotExist(err))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, uint64(7), loaded.Sequence)

	got, err := loaded.Accounts[snap.ID].ToSnapshot(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestStore_LoadErrors(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFileName), nil, 0o644))
	state, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFileName), []byte("{"), 0o644))
	_, err = store.Load()
	assert.Error(t, err)
}

func TestStore_DefaultDirFromEnv(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sim")
	t.Setenv("KEEPER_SIMULATE_STATE_DIR", dir)

	store, err := NewStore("  ")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, stateFileName), store.path)
	assert.DirExists(t, dir)
}

func TestStoredAccount_BadTimeScale(t *testing.T) {
	_, err := StoredAccount{TimeScale: "fortnights"}.ToSnapshot("0xacc")
	assert.Error(t, err)
}

func TestNilStore(t *testing.T) {
	var store *Store
	state, err := store.Load()
	assert.NoError(t, err)
	assert.Nil(t, state)
	assert.NoError(t, store.Save(State{}))
}
