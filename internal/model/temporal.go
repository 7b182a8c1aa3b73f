package model

import "time"

// TemporalKind discriminates TemporalPattern variants (spec §3/§4.6).
type TemporalKind string

const (
	TemporalSequence  TemporalKind = "sequence"
	TemporalAbsence   TemporalKind = "absence"
	TemporalCount     TemporalKind = "count"
	TemporalAggregate TemporalKind = "aggregate"
)

// AggregateFunction enumerates the aggregate pattern's reducer.
type AggregateFunction string

const (
	AggSum AggregateFunction = "sum"
	AggAvg AggregateFunction = "avg"
	AggMin AggregateFunction = "min"
	AggMax AggregateFunction = "max"
	AggCount AggregateFunction = "count"
)

// Comparison enumerates count/aggregate pattern threshold comparisons.
type Comparison string

const (
	CmpGte Comparison = "gte"
	CmpLte Comparison = "lte"
	CmpEq  Comparison = "eq"
)

// EventMatcher selects events by topic and, optionally, by additional
// field conditions evaluated against the event's data.
type EventMatcher struct {
	Topic string
	Where []RuleCondition
}

// TemporalPattern is a tagged variant over the four temporal shapes.
type TemporalPattern struct {
	Kind TemporalKind `json:"kind"`

	// sequence
	Events  []EventMatcher `json:"events,omitempty"`
	Within  time.Duration  `json:"within,omitempty"`
	GroupBy string         `json:"groupBy,omitempty"`

	// absence
	After    EventMatcher `json:"after,omitempty"`
	Expected EventMatcher `json:"expected,omitempty"`

	// count / aggregate
	Event      EventMatcher      `json:"event,omitempty"`
	Threshold  float64           `json:"threshold,omitempty"`
	Comparison Comparison        `json:"comparison,omitempty"`
	Window     time.Duration     `json:"window,omitempty"`
	Sliding    bool              `json:"sliding,omitempty"`
	Field      string            `json:"field,omitempty"`
	Function   AggregateFunction `json:"function,omitempty"`
}
