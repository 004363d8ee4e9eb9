// Package reader fetches DCA account objects and decodes them into snapshots.
package reader

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"go.uber.org/zap"
)

// ErrNotFound is returned when the account object does not exist on the ledger.
var ErrNotFound = errors.New("account not found")

// DecodeError reports an account object whose fields could not be decoded.
type DecodeError struct {
	AccountID string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode account %s: %v", e.AccountID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ReadError reports a ledger failure while fetching an account, such as a
// network outage. Unlike not-found and decode errors it may succeed on retry.
type ReadError struct {
	AccountID string
	Err       error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read account %s: %v", e.AccountID, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// IsTransient reports whether err may go away if the read is repeated.
func IsTransient(err error) bool {
	var readErr *ReadError
	return errors.As(err, &readErr)
}

type objectReader interface {
	ReadObject(ctx context.Context, id string) (json.RawMessage, error)
}

// Reader is the account state reader.
type Reader struct {
	ledger objectReader
	l      *zap.Logger
}

// New creates a Reader on top of a ledger client.
func New(ledger objectReader, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{ledger: ledger, l: logger}
}

// Read fetches fresh account state. Nothing is cached between calls.
func (r *Reader) Read(ctx context.Context, accountID string) (domain.AccountSnapshot, error) {
	if accountID == "" {
		return domain.AccountSnapshot{}, &DecodeError{AccountID: accountID, Err: errors.New("empty account id")}
	}

	raw, err := r.ledger.ReadObject(ctx, accountID)
	if err != nil {
		if errors.Is(err, domain.ErrObjectNotFound) {
			return domain.AccountSnapshot{}, errors.Wrapf(ErrNotFound, "account %s", accountID)
		}
		return domain.AccountSnapshot{}, &ReadError{AccountID: accountID, Err: err}
	}

	snap, err := domain.DecodeAccountFields(accountID, raw)
	if err != nil {
		return domain.AccountSnapshot{}, &DecodeError{AccountID: accountID, Err: err}
	}

	r.l.Debug("account state read",
		zap.String("account", accountID),
		zap.Bool("active", snap.Active),
		zap.Uint64("remaining_orders", snap.RemainingOrders),
		zap.Uint64("input_balance", snap.InputBalance),
		zap.Int64("last_time_ms", snap.LastTimeMs))

	return snap, nil
}
