package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionResult is the outcome of one account's submission within a cycle.
type ExecutionResult struct {
	Success   bool      `json:"success"`
	AccountID string    `json:"accountId"`
	TxDigest  string    `json:"txDigest,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Attempts counts submission attempts, zero when the pipeline failed before submitting.
	Attempts int    `json:"attempts,omitempty"`
	DryRun   bool   `json:"dryRun,omitempty"`
	Effects  string `json:"effects,omitempty"`
}

// Status returns "success" or "failure".
func (r ExecutionResult) Status() string {
	if r.Success {
		return "success"
	}
	return "failure"
}

// ExecutionRecord bundles a journaled execution result with its index.
type ExecutionRecord struct {
	Index  uint64          `json:"index"`
	Result ExecutionResult `json:"result"`
}

// FormatUnits renders a raw on-ledger amount with the given number of decimals.
func FormatUnits(amount uint64, decimals int32) string {
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(amount), 0)
	if decimals <= 0 {
		return d.String()
	}
	return d.Shift(-decimals).String()
}
