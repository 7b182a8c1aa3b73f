package model

import "time"

// TraceType enumerates every lifecycle event the engine emits (spec §6).
type TraceType string

const (
	TraceRuleTriggered      TraceType = "rule_triggered"
	TraceRuleSkipped        TraceType = "rule_skipped"
	TraceRuleExecuted       TraceType = "rule_executed"
	TraceRuleFailed         TraceType = "rule_failed"
	TraceRuleRegistered     TraceType = "rule_registered"
	TraceRuleEnabled        TraceType = "rule_enabled"
	TraceRuleDisabled       TraceType = "rule_disabled"
	TraceConditionEvaluated TraceType = "condition_evaluated"
	TraceActionStarted      TraceType = "action_started"
	TraceActionCompleted    TraceType = "action_completed"
	TraceActionFailed       TraceType = "action_failed"
	TraceEventEmitted       TraceType = "event_emitted"
	TraceFactCreated        TraceType = "fact_created"
	TraceFactUpdated        TraceType = "fact_updated"
	TraceFactDeleted        TraceType = "fact_deleted"
	TraceTimerScheduled     TraceType = "timer_scheduled"
	TraceTimerFired         TraceType = "timer_fired"
	TraceEngineStarted      TraceType = "engine_started"
	TraceEngineStopped      TraceType = "engine_stopped"
	TraceStorageError       TraceType = "storage_error"
	TraceQueryResolved      TraceType = "query_resolved"
)

// Category groups TraceTypes for the audit log's fixed 21-type-to-5-category table.
type Category string

const (
	CategoryRule      Category = "rule"
	CategoryCondition Category = "condition"
	CategoryAction    Category = "action"
	CategoryData      Category = "data"
	CategorySystem    Category = "system"
)

// traceCategory is the fixed type -> category table (spec §3).
var traceCategory = map[TraceType]Category{
	TraceRuleTriggered:      CategoryRule,
	TraceRuleSkipped:        CategoryRule,
	TraceRuleExecuted:       CategoryRule,
	TraceRuleFailed:         CategoryRule,
	TraceRuleRegistered:     CategoryRule,
	TraceRuleEnabled:        CategoryRule,
	TraceRuleDisabled:       CategoryRule,
	TraceConditionEvaluated: CategoryCondition,
	TraceActionStarted:      CategoryAction,
	TraceActionCompleted:    CategoryAction,
	TraceActionFailed:       CategoryAction,
	TraceEventEmitted:       CategoryData,
	TraceFactCreated:        CategoryData,
	TraceFactUpdated:        CategoryData,
	TraceFactDeleted:        CategoryData,
	TraceTimerScheduled:     CategoryData,
	TraceTimerFired:         CategoryData,
	TraceEngineStarted:      CategorySystem,
	TraceEngineStopped:      CategorySystem,
	TraceStorageError:       CategorySystem,
	TraceQueryResolved:      CategorySystem,
}

// CategoryOf resolves a TraceType's fixed category, defaulting to
// CategorySystem for anything not in the table.
func CategoryOf(t TraceType) Category {
	if c, ok := traceCategory[t]; ok {
		return c
	}
	return CategorySystem
}

// TraceEntry is one lifecycle event emitted by the engine (spec §6).
type TraceEntry struct {
	ID            string
	Timestamp     time.Time
	Type          TraceType
	Summary       string
	Source        string
	RuleID        string
	RuleName      string
	CorrelationID string
	Details       map[string]any
	DurationMs    float64
}

// AuditEntry is the append-only, categorized form of a TraceEntry
// that the AuditLog retains (spec §3).
type AuditEntry struct {
	ID            string
	Timestamp     time.Time
	Category      Category
	Type          TraceType
	Summary       string
	Source        string
	RuleID        string
	RuleName      string
	CorrelationID string
	Details       map[string]any
	DurationMs    float64
}

// FromTrace converts a TraceEntry into its audited form.
func FromTrace(t TraceEntry) AuditEntry {
	return AuditEntry{
		ID:            t.ID,
		Timestamp:     t.Timestamp,
		Category:      CategoryOf(t.Type),
		Type:          t.Type,
		Summary:       t.Summary,
		Source:        t.Source,
		RuleID:        t.RuleID,
		RuleName:      t.RuleName,
		CorrelationID: t.CorrelationID,
		Details:       t.Details,
		DurationMs:    t.DurationMs,
	}
}
