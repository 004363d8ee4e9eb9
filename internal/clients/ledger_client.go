package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultRateLimit      = 10

	methodGetObject   = "sui_getObject"
	methodMoveCall    = "unsafe_moveCall"
	methodDryRun      = "sui_dryRunTransactionBlock"
	methodExecute     = "sui_executeTransactionBlock"
	executeWaitPolicy = "WaitForLocalExecution"
)

// ErrObjectNotFound is returned when the ledger has no object with the requested id.
var ErrObjectNotFound = domain.ErrObjectNotFound

// RPCError is an error object returned by the JSON-RPC endpoint.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// AbortError reports a transaction the ledger executed but rejected.
type AbortError struct {
	Digest string
	Status string
	Reason string
}

func (e *AbortError) Error() string {
	if e.Digest != "" {
		return fmt.Sprintf("transaction %s %s: %s", e.Digest, e.Status, e.Reason)
	}
	return fmt.Sprintf("transaction %s: %s", e.Status, e.Reason)
}

type transactionSigner interface {
	Address() string
	Sign(txBytes []byte) (string, error)
}

// LedgerClientConfig configures a LedgerClient.
type LedgerClientConfig struct {
	URL            string
	RequestTimeout time.Duration
	// RateLimit is the sustained number of requests per second; zero means the default.
	RateLimit float64
}

// LedgerClient reads objects and submits transactions over JSON-RPC.
type LedgerClient struct {
	url        string
	httpClient *http.Client
	signer     transactionSigner
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	timeout    time.Duration
	nextID     atomic.Uint64
}

// NewLedgerClient creates a client. signer may be nil for read-only use.
func NewLedgerClient(cfg LedgerClientConfig, signer transactionSigner) (*LedgerClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("ledger rpc url is empty")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ledger-rpc",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// rpc-level errors are answers, not outages
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var rpcErr *RPCError
			return errors.As(err, &rpcErr) || errors.Is(err, ErrObjectNotFound)
		},
	})

	return &LedgerClient{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: timeout},
		signer:     signer,
		limiter:    rate.NewLimiter(rate.Limit(limit), int(limit)+1),
		breaker:    breaker,
		timeout:    timeout,
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error,omitempty"`
}

// call performs one JSON-RPC request and decodes its result into out.
func (c *LedgerClient) call(ctx context.Context, method string, params []any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, method, params)
	})
	if err != nil {
		return errors.Wrapf(err, "%s", method)
	}

	raw, _ := result.(json.RawMessage)
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "decode %s result", method)
	}
	return nil
}

func (c *LedgerClient) roundTrip(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(payload), 256))
	}

	var decoded rpcResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	if decoded.Error != nil {
		return nil, decoded.Error
	}

	return decoded.Result, nil
}

type objectResponse struct {
	Data *struct {
		ObjectID string `json:"objectId"`
		Content  *struct {
			DataType string          `json:"dataType"`
			Type     string          `json:"type"`
			Fields   json.RawMessage `json:"fields"`
		} `json:"content"`
	} `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

// ReadObject fetches an object's decoded Move fields.
func (c *LedgerClient) ReadObject(ctx context.Context, id string) (json.RawMessage, error) {
	var resp objectResponse
	err := c.call(ctx, methodGetObject, []any{id, map[string]bool{"showContent": true}}, &resp)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		if resp.Error.Code == "notExists" || resp.Error.Code == "deleted" {
			return nil, errors.Wrapf(ErrObjectNotFound, "object %s", id)
		}
		return nil, fmt.Errorf("object %s: %s", id, resp.Error.Code)
	}
	if resp.Data == nil || resp.Data.Content == nil || len(resp.Data.Content.Fields) == 0 {
		return nil, errors.Wrapf(ErrObjectNotFound, "object %s has no content", id)
	}

	return resp.Data.Content.Fields, nil
}

type moveCallResponse struct {
	TxBytes string `json:"txBytes"`
}

// buildTxBytes asks the node to serialize the transaction's call.
func (c *LedgerClient) buildTxBytes(ctx context.Context, tx domain.Transaction) (string, error) {
	if len(tx.Calls) != 1 {
		return "", fmt.Errorf("expected exactly one move call, got %d", len(tx.Calls))
	}
	call := tx.Calls[0]

	typeArgs := call.TypeArguments
	if typeArgs == nil {
		typeArgs = []string{}
	}

	var resp moveCallResponse
	err := c.call(ctx, methodMoveCall, []any{
		tx.Sender,
		call.Package,
		call.Module,
		call.Function,
		typeArgs,
		call.Arguments,
		nil, // gas object picked by the node
		strconv.FormatUint(tx.GasBudget, 10),
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.TxBytes == "" {
		return "", errors.New("node returned empty transaction bytes")
	}
	return resp.TxBytes, nil
}

type effectsResponse struct {
	Digest  string `json:"digest"`
	Effects struct {
		Status struct {
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		} `json:"status"`
		GasUsed struct {
			ComputationCost string `json:"computationCost"`
			StorageCost     string `json:"storageCost"`
			StorageRebate   string `json:"storageRebate"`
		} `json:"gasUsed"`
	} `json:"effects"`
}

func (r effectsResponse) toEffects() domain.Effects {
	computation, _ := strconv.ParseUint(r.Effects.GasUsed.ComputationCost, 10, 64)
	storage, _ := strconv.ParseUint(r.Effects.GasUsed.StorageCost, 10, 64)
	rebate, _ := strconv.ParseUint(r.Effects.GasUsed.StorageRebate, 10, 64)

	gas := computation + storage
	if rebate < gas {
		gas -= rebate
	} else {
		gas = 0
	}

	return domain.Effects{
		Status:  r.Effects.Status.Status,
		GasUsed: gas,
		Error:   r.Effects.Status.Error,
	}
}

// Simulate dry-runs the transaction; ledger state is not changed.
func (c *LedgerClient) Simulate(ctx context.Context, tx domain.Transaction) (domain.Effects, error) {
	txBytes, err := c.buildTxBytes(ctx, tx)
	if err != nil {
		return domain.Effects{}, errors.Wrap(err, "build transaction")
	}

	var resp effectsResponse
	if err := c.call(ctx, methodDryRun, []any{txBytes}, &resp); err != nil {
		return domain.Effects{}, err
	}

	effects := resp.toEffects()
	if !effects.Succeeded() {
		return effects, &AbortError{Status: effects.Status, Reason: effects.Error}
	}
	return effects, nil
}

// SignAndSubmit signs the transaction and waits for the node to execute it.
func (c *LedgerClient) SignAndSubmit(ctx context.Context, tx domain.Transaction) (domain.SubmitResponse, error) {
	if c.signer == nil {
		return domain.SubmitResponse{}, errors.New("ledger client has no signer")
	}

	txBytesB64, err := c.buildTxBytes(ctx, tx)
	if err != nil {
		return domain.SubmitResponse{}, errors.Wrap(err, "build transaction")
	}
	txBytes, err := decodeBase64(txBytesB64)
	if err != nil {
		return domain.SubmitResponse{}, errors.Wrap(err, "decode transaction bytes")
	}

	signature, err := c.signer.Sign(txBytes)
	if err != nil {
		return domain.SubmitResponse{}, err
	}

	var resp effectsResponse
	err = c.call(ctx, methodExecute, []any{
		txBytesB64,
		[]string{signature},
		map[string]bool{"showEffects": true},
		executeWaitPolicy,
	}, &resp)
	if err != nil {
		return domain.SubmitResponse{}, err
	}

	effects := resp.toEffects()
	out := domain.SubmitResponse{Digest: resp.Digest, Effects: effects}
	if !effects.Succeeded() {
		return out, &AbortError{Digest: resp.Digest, Status: effects.Status, Reason: effects.Error}
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
