// Package domain defines core data structures used throughout the keeper.
package domain

import (
	"fmt"
	"strings"
)

// Adapter names a trading venue integration.
type Adapter string

const (
	AdapterCetus     Adapter = "cetus"
	AdapterTurbos    Adapter = "turbos"
	AdapterDeepBook  Adapter = "deepbook"
	AdapterAftermath Adapter = "aftermath"
	AdapterFlowX     Adapter = "flowx"
)

// KnownAdapters is the closed set of adapter names accepted by configuration.
// Only some of them have plan builders.
var KnownAdapters = []Adapter{
	AdapterCetus,
	AdapterTurbos,
	AdapterDeepBook,
	AdapterAftermath,
	AdapterFlowX,
}

// IsKnown reports whether the adapter belongs to the configured enumeration.
func (a Adapter) IsKnown() bool {
	for _, known := range KnownAdapters {
		if a == known {
			return true
		}
	}
	return false
}

// AccountConfig is an operator-supplied DCA account entry.
type AccountConfig struct {
	ID          string  `yaml:"id" json:"id"`
	InputType   string  `yaml:"input_type" json:"inputType"`
	OutputType  string  `yaml:"output_type" json:"outputType"`
	Adapter     Adapter `yaml:"adapter" json:"adapter"`
	PoolID      string  `yaml:"pool_id" json:"poolId"`
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Description string  `yaml:"description" json:"description"`
	// InputDecimals is used only to render amounts for humans.
	InputDecimals int32 `yaml:"input_decimals" json:"inputDecimals"`
}

// AccountSnapshot is a read-only projection of a DCA account's ledger state.
type AccountSnapshot struct {
	ID              string
	Owner           string
	Delegatee       string
	InputBalance    uint64
	RemainingOrders uint64
	LastTimeMs      int64
	Every           uint64
	TimeScale       TimeScale
	Active          bool
	SplitAllocation uint64
}

// TimeScale is the unit of a DCA interval.
type TimeScale uint8

const (
	TimeScaleSeconds TimeScale = iota
	TimeScaleMinutes
	TimeScaleHours
	TimeScaleDays
	TimeScaleWeeks
	TimeScaleMonths
)

var timeScaleNames = map[TimeScale]string{
	TimeScaleSeconds: "seconds",
	TimeScaleMinutes: "minutes",
	TimeScaleHours:   "hours",
	TimeScaleDays:    "days",
	TimeScaleWeeks:   "weeks",
	TimeScaleMonths:  "months",
}

// String returns the string representation of the time scale.
func (t TimeScale) String() string {
	if name, ok := timeScaleNames[t]; ok {
		return name
	}
	return fmt.Sprintf("timescale(%d)", uint8(t))
}

// ParseTimeScale parses a unit name such as "hours".
func ParseTimeScale(name string) (TimeScale, error) {
	for scale, n := range timeScaleNames {
		if n == strings.ToLower(strings.TrimSpace(name)) {
			return scale, nil
		}
	}
	return 0, fmt.Errorf("unknown time scale %q", name)
}

// Valid reports whether t is one of the defined units.
func (t TimeScale) Valid() bool {
	_, ok := timeScaleNames[t]
	return ok
}

// NormalizeAddress lower-cases an address and left-pads it to 32 bytes of hex.
func NormalizeAddress(addr string) string {
	s := strings.ToLower(strings.TrimSpace(addr))
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return ""
	}
	if len(s) < 64 {
		s = strings.Repeat("0", 64-len(s)) + s
	}
	return "0x" + s
}

// SameAddress compares two addresses ignoring case and zero padding.
func SameAddress(a, b string) bool {
	na, nb := NormalizeAddress(a), NormalizeAddress(b)
	return na != "" && na == nb
}
