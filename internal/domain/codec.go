package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// accountFields mirrors the Move struct fields of a DCA account object.
type accountFields struct {
	Owner           string          `json:"owner"`
	Delegatee       string          `json:"delegatee"`
	InputBalance    json.RawMessage `json:"input_balance"`
	RemainingOrders json.RawMessage `json:"remaining_orders"`
	LastTimeMs      json.RawMessage `json:"last_time_ms"`
	Every           json.RawMessage `json:"every"`
	TimeScale       json.RawMessage `json:"time_scale"`
	Active          *bool           `json:"active"`
	SplitAllocation json.RawMessage `json:"split_allocation"`
}

// FieldError describes a malformed or missing account field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

// DecodeAccountFields turns raw object fields into a snapshot.
// Integer fields may be JSON numbers or decimal strings; balances may be wrapped
// in a {"fields":{"value":...}} or {"value":...} object.
func DecodeAccountFields(id string, raw json.RawMessage) (AccountSnapshot, error) {
	var f accountFields
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&f); err != nil {
		return AccountSnapshot{}, &FieldError{Field: "*", Reason: err.Error()}
	}

	s := AccountSnapshot{
		ID:        id,
		Owner:     f.Owner,
		Delegatee: f.Delegatee,
	}
	if s.Owner == "" {
		return AccountSnapshot{}, &FieldError{Field: "owner", Reason: "missing"}
	}
	if s.Delegatee == "" {
		return AccountSnapshot{}, &FieldError{Field: "delegatee", Reason: "missing"}
	}
	if f.Active == nil {
		return AccountSnapshot{}, &FieldError{Field: "active", Reason: "missing"}
	}
	s.Active = *f.Active

	var err error
	if s.InputBalance, err = decodeU64("input_balance", unwrapBalance(f.InputBalance)); err != nil {
		return AccountSnapshot{}, err
	}
	if s.RemainingOrders, err = decodeU64("remaining_orders", f.RemainingOrders); err != nil {
		return AccountSnapshot{}, err
	}
	lastTime, err := decodeU64("last_time_ms", f.LastTimeMs)
	if err != nil {
		return AccountSnapshot{}, err
	}
	if lastTime > uint64(maxMs) {
		return AccountSnapshot{}, &FieldError{Field: "last_time_ms", Reason: "out of range"}
	}
	s.LastTimeMs = int64(lastTime)
	if s.Every, err = decodeU64("every", f.Every); err != nil {
		return AccountSnapshot{}, err
	}
	scale, err := decodeU64("time_scale", f.TimeScale)
	if err != nil {
		return AccountSnapshot{}, err
	}
	s.TimeScale = TimeScale(scale)
	if scale > 255 || !s.TimeScale.Valid() {
		return AccountSnapshot{}, &FieldError{Field: "time_scale", Reason: fmt.Sprintf("unknown unit %d", scale)}
	}
	if s.SplitAllocation, err = decodeU64("split_allocation", unwrapBalance(f.SplitAllocation)); err != nil {
		return AccountSnapshot{}, err
	}

	return s, nil
}

// EncodeAccountFields renders a snapshot in the ledger's field encoding.
func EncodeAccountFields(s AccountSnapshot) (json.RawMessage, error) {
	u64 := func(v uint64) string { return strconv.FormatUint(v, 10) }

	return json.Marshal(map[string]any{
		"owner":     s.Owner,
		"delegatee": s.Delegatee,
		"input_balance": map[string]any{
			"type":   "0x2::balance::Balance",
			"fields": map[string]string{"value": u64(s.InputBalance)},
		},
		"remaining_orders": u64(s.RemainingOrders),
		"last_time_ms":     u64(uint64(s.LastTimeMs)),
		"every":            u64(s.Every),
		"time_scale":       int(s.TimeScale),
		"active":           s.Active,
		"split_allocation": u64(s.SplitAllocation),
	})
}

func unwrapBalance(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw
	}

	var wrapper struct {
		Value  json.RawMessage `json:"value"`
		Fields *struct {
			Value json.RawMessage `json:"value"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return raw
	}
	if wrapper.Fields != nil && len(wrapper.Fields.Value) > 0 {
		return wrapper.Fields.Value
	}
	if len(wrapper.Value) > 0 {
		return wrapper.Value
	}
	return raw
}

func decodeU64(field string, raw json.RawMessage) (uint64, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return 0, &FieldError{Field: field, Reason: "missing"}
	}
	if len(trimmed) >= 2 && trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		trimmed = trimmed[1 : len(trimmed)-1]
	}

	v, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, &FieldError{Field: field, Reason: fmt.Sprintf("not an unsigned integer: %s", trimmed)}
	}
	return v, nil
}
