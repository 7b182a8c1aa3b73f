package model

import "time"

// RepeatSpec configures a repeating timer.
type RepeatSpec struct {
	Interval time.Duration
	MaxCount int // 0 means unbounded
	Count    int // fires so far
}

// TimerSpec is the caller-facing description of a timer to schedule.
type TimerSpec struct {
	Name     string
	Duration time.Duration
	OnExpire EmitEventPayload
	Repeat   *RepeatSpec
}

// Timer is the engine's live record of a scheduled timer.
type Timer struct {
	Name      string
	OnExpire  EmitEventPayload
	ExpiresAt int64 // unix millis
	Repeat    *RepeatSpec
	RuleID    string // rule that created it, for correlation propagation
	CorrelationID string
}
