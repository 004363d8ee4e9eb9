package simstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
)

const (
	defaultStateDir = "./wal/simulate"
	stateFileName   = "ledger.json"
)

// Store persists simulated ledger accounts so restarts keep balances and order counts.
type Store struct {
	path string
}

func getStateDir() string {
	if stateDir := os.Getenv("KEEPER_SIMULATE_STATE_DIR"); stateDir != "" {
		return stateDir
	}
	return defaultStateDir
}

// NewStore creates a state store in dir; an empty dir falls back to
// KEEPER_SIMULATE_STATE_DIR or ./wal/simulate.
func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		dir = getStateDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create simulate state dir")
	}

	return &Store{path: filepath.Join(dir, stateFileName)}, nil
}

// State represents all persisted simulator data.
type State struct {
	Accounts map[string]StoredAccount `json:"accounts"`
	Sequence uint64                   `json:"sequence"`
}

// StoredAccount is a serializable domain.AccountSnapshot.
type StoredAccount struct {
	Owner           string `json:"owner"`
	Delegatee       string `json:"delegatee"`
	InputBalance    uint64 `json:"input_balance,string"`
	RemainingOrders uint64 `json:"remaining_orders"`
	LastTimeMs      int64  `json:"last_time_ms"`
	Every           uint64 `json:"every"`
	TimeScale       string `json:"time_scale"`
	Active          bool   `json:"active"`
	SplitAllocation uint64 `json:"split_allocation,string"`
}

// Load reads simulator state from disk. A missing file yields nil state.
func (s *Store) Load() (*State, error) {
	if s == nil || s.path == "" {
		return nil, nil
	}

	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "read simulate state")
	}

	if len(payload) == 0 {
		return nil, nil
	}

	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, errors.Wrap(err, "decode simulate state")
	}

	return &state, nil
}

// Save writes simulator state to disk atomically via temp file.
func (s *Store) Save(state State) error {
	if s == nil || s.path == "" {
		return nil
	}

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode simulate state")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write simulate state temp file")
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist simulate state")
	}

	return nil
}

// NewStoredAccount converts a snapshot into its stored representation.
func NewStoredAccount(snap domain.AccountSnapshot) StoredAccount {
	return StoredAccount{
		Owner:           snap.Owner,
		Delegatee:       snap.Delegatee,
		InputBalance:    snap.InputBalance,
		RemainingOrders: snap.RemainingOrders,
		LastTimeMs:      snap.LastTimeMs,
		Every:           snap.Every,
		TimeScale:       snap.TimeScale.String(),
		Active:          snap.Active,
		SplitAllocation: snap.SplitAllocation,
	}
}

// ToSnapshot reconstructs the snapshot for account id.
func (sa StoredAccount) ToSnapshot(id string) (domain.AccountSnapshot, error) {
	scale, err := domain.ParseTimeScale(sa.TimeScale)
	if err != nil {
		return domain.AccountSnapshot{}, errors.Wrapf(err, "decode account %s", id)
	}

	return domain.AccountSnapshot{
		ID:              id,
		Owner:           sa.Owner,
		Delegatee:       sa.Delegatee,
		InputBalance:    sa.InputBalance,
		RemainingOrders: sa.RemainingOrders,
		LastTimeMs:      sa.LastTimeMs,
		Every:           sa.Every,
		TimeScale:       scale,
		Active:          sa.Active,
		SplitAllocation: sa.SplitAllocation,
	}, nil
}
