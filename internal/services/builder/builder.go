// Package builder turns a ready DCA account into an adapter-specific swap plan.
package builder

import (
	"fmt"
	"strconv"

	"github.com/vadiminshakov/dcakeeper/internal/domain"
)

// DefaultClockID is the shared clock object on the ledger.
const DefaultClockID = "0x6"

// UnsupportedAdapterError is returned for adapters that have no plan builder,
// including valid adapter names that are not implemented yet.
type UnsupportedAdapterError struct {
	Adapter domain.Adapter
	Known   bool
}

func (e *UnsupportedAdapterError) Error() string {
	if e.Known {
		return fmt.Sprintf("adapter %q is not implemented", e.Adapter)
	}
	return fmt.Sprintf("unsupported adapter %q", e.Adapter)
}

// DelegateeMismatchError is returned when the account's delegatee is not the signer.
type DelegateeMismatchError struct {
	AccountID string
	Signer    string
	Delegatee string
}

func (e *DelegateeMismatchError) Error() string {
	return fmt.Sprintf("delegatee mismatch for account %s: signer %s, delegatee %s", e.AccountID, e.Signer, e.Delegatee)
}

// Config holds the on-chain identifiers plans refer to.
type Config struct {
	// PackageID is the published DCA package holding the adapter modules.
	PackageID string
	ClockID   string

	CetusGlobalConfigID string
	TurbosVersionedID   string
}

type planFunc func(cfg Config, acc domain.AccountConfig, snap domain.AccountSnapshot) domain.MoveCall

// Builder builds plans. It is pure and never touches the network.
type Builder struct {
	cfg      Config
	signer   string
	adapters map[domain.Adapter]planFunc
}

// New creates a Builder for plans submitted by signerAddress.
func New(cfg Config, signerAddress string) *Builder {
	if cfg.ClockID == "" {
		cfg.ClockID = DefaultClockID
	}

	return &Builder{
		cfg:    cfg,
		signer: signerAddress,
		adapters: map[domain.Adapter]planFunc{
			domain.AdapterCetus:  cetusCall,
			domain.AdapterTurbos: turbosCall,
		},
	}
}

// Supports reports whether the adapter has a real plan builder.
func (b *Builder) Supports(adapter domain.Adapter) bool {
	_, ok := b.adapters[adapter]
	return ok
}

// Build creates the plan for one order of the account.
func (b *Builder) Build(acc domain.AccountConfig, snap domain.AccountSnapshot) (domain.Plan, error) {
	if !domain.SameAddress(b.signer, snap.Delegatee) {
		return domain.Plan{}, &DelegateeMismatchError{
			AccountID: snap.ID,
			Signer:    b.signer,
			Delegatee: snap.Delegatee,
		}
	}

	build, ok := b.adapters[acc.Adapter]
	if !ok {
		return domain.Plan{}, &UnsupportedAdapterError{Adapter: acc.Adapter, Known: acc.Adapter.IsKnown()}
	}

	return domain.Plan{
		AccountID:    snap.ID,
		Adapter:      acc.Adapter,
		Sender:       b.signer,
		Amount:       snap.SplitAllocation,
		MinAmountOut: 0,
		PoolID:       acc.PoolID,
		ClockID:      b.cfg.ClockID,
		Calls:        []domain.MoveCall{build(b.cfg, acc, snap)},
	}, nil
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func cetusCall(cfg Config, acc domain.AccountConfig, snap domain.AccountSnapshot) domain.MoveCall {
	return domain.MoveCall{
		Package:       cfg.PackageID,
		Module:        "cetus",
		Function:      "swap",
		TypeArguments: []string{acc.InputType, acc.OutputType},
		Arguments: []any{
			cfg.CetusGlobalConfigID,
			snap.ID,
			acc.PoolID,
			u64(snap.SplitAllocation),
			u64(0),
			cfg.ClockID,
		},
	}
}

func turbosCall(cfg Config, acc domain.AccountConfig, snap domain.AccountSnapshot) domain.MoveCall {
	return domain.MoveCall{
		Package:       cfg.PackageID,
		Module:        "turbos",
		Function:      "swap",
		TypeArguments: []string{acc.InputType, acc.OutputType},
		Arguments: []any{
			acc.PoolID,
			snap.ID,
			u64(snap.SplitAllocation),
			u64(0),
			cfg.ClockID,
			cfg.TurbosVersionedID,
		},
	}
}
