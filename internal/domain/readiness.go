package domain

import "time"

// not-ready reasons
const (
	ReasonInactive  = "inactive"
	ReasonExhausted = "exhausted"
	ReasonNoBalance = "no balance"
	ReasonTooEarly  = "too early"
)

// unitToMs maps a time scale to its length in milliseconds.
// Months are a fixed 30 days, not calendar months.
var unitToMs = map[TimeScale]int64{
	TimeScaleSeconds: 1_000,
	TimeScaleMinutes: 60_000,
	TimeScaleHours:   3_600_000,
	TimeScaleDays:    86_400_000,
	TimeScaleWeeks:   604_800_000,
	TimeScaleMonths:  2_592_000_000,
}

// MonthMode selects how month intervals are measured.
type MonthMode string

const (
	// MonthModeApprox treats a month as 30 days.
	MonthModeApprox MonthMode = "approx"
	// MonthModeCalendar advances by calendar months in UTC.
	MonthModeCalendar MonthMode = "calendar"
)

// Valid reports whether m is a supported month mode.
func (m MonthMode) Valid() bool {
	return m == MonthModeApprox || m == MonthModeCalendar
}

// UnitMs returns the millisecond length of one unit of t, or false for an unknown unit.
func UnitMs(t TimeScale) (int64, bool) {
	ms, ok := unitToMs[t]
	return ms, ok
}

// ReadinessDecision is the outcome of evaluating a snapshot.
type ReadinessDecision struct {
	Ready  bool
	Reason string
	// NextEligibleAtMs is set only for ReasonTooEarly.
	NextEligibleAtMs int64
}

// Evaluator decides whether a DCA account is due for a trade.
type Evaluator struct {
	MonthMode MonthMode
}

// NewEvaluator returns an evaluator; an empty mode means MonthModeApprox.
func NewEvaluator(mode MonthMode) Evaluator {
	if mode == "" {
		mode = MonthModeApprox
	}
	return Evaluator{MonthMode: mode}
}

// Evaluate applies the readiness rules in fixed order; the first failing rule wins.
func (e Evaluator) Evaluate(s AccountSnapshot, nowMs int64) ReadinessDecision {
	if !s.Active {
		return ReadinessDecision{Reason: ReasonInactive}
	}
	if s.RemainingOrders == 0 {
		return ReadinessDecision{Reason: ReasonExhausted}
	}
	if s.InputBalance == 0 {
		return ReadinessDecision{Reason: ReasonNoBalance}
	}

	next := e.NextEligibleAtMs(s)
	if nowMs < next {
		return ReadinessDecision{Reason: ReasonTooEarly, NextEligibleAtMs: next}
	}

	return ReadinessDecision{Ready: true}
}

// NextEligibleAtMs returns lastTimeMs plus the account interval.
func (e Evaluator) NextEligibleAtMs(s AccountSnapshot) int64 {
	if s.TimeScale == TimeScaleMonths && e.MonthMode == MonthModeCalendar {
		last := time.UnixMilli(s.LastTimeMs).UTC()
		return last.AddDate(0, int(s.Every), 0).UnixMilli()
	}

	unit, ok := unitToMs[s.TimeScale]
	if !ok {
		// unknown unit is decoded as an error by the reader; treat as never eligible here
		return maxMs
	}
	// saturate instead of overflowing for absurd intervals
	if s.Every > uint64(maxMs/unit) {
		return maxMs
	}
	interval := int64(s.Every) * unit
	if s.LastTimeMs > maxMs-interval {
		return maxMs
	}
	return s.LastTimeMs + interval
}

const maxMs = int64(^uint64(0) >> 1)

// Evaluate is the approximate-month evaluator used when no option is needed.
func Evaluate(s AccountSnapshot, nowMs int64) ReadinessDecision {
	return NewEvaluator(MonthModeApprox).Evaluate(s, nowMs)
}
