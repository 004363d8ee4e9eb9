package domain

// MoveCall is a single entry-function invocation on the ledger.
type MoveCall struct {
	Package       string   `json:"package"`
	Module        string   `json:"module"`
	Function      string   `json:"function"`
	TypeArguments []string `json:"typeArguments"`
	Arguments     []any    `json:"arguments"`
}

// Plan is an adapter-specific trade instruction set for one DCA order.
type Plan struct {
	AccountID string  `json:"accountId"`
	Adapter   Adapter `json:"adapter"`
	Sender    string  `json:"sender"`
	// Amount is the per-trade allocation taken verbatim from the snapshot.
	Amount uint64 `json:"amount"`
	// MinAmountOut is left to the contract's own slippage check.
	MinAmountOut uint64     `json:"minAmountOut"`
	PoolID       string     `json:"poolId"`
	ClockID      string     `json:"clockId"`
	Calls        []MoveCall `json:"calls"`
}

// Transaction is what the ledger client signs or simulates.
type Transaction struct {
	Sender    string
	GasBudget uint64
	Calls     []MoveCall
}

// Effects summarises the ledger's view of an executed or simulated transaction.
type Effects struct {
	Status  string `json:"status"`
	GasUsed uint64 `json:"gasUsed"`
	Error   string `json:"error,omitempty"`
}

// Succeeded reports whether the effects status is success.
func (e Effects) Succeeded() bool {
	return e.Status == EffectsStatusSuccess
}

// EffectsStatusSuccess is the ledger's success status.
const EffectsStatusSuccess = "success"

// SubmitResponse is returned by a signed submission.
type SubmitResponse struct {
	Digest  string
	Effects Effects
}
