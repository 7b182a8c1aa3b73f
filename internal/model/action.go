package model

// ActionKind discriminates RuleAction variants (spec §3/§4.5).
type ActionKind string

const (
	ActionSetFact      ActionKind = "set_fact"
	ActionDeleteFact   ActionKind = "delete_fact"
	ActionEmitEvent    ActionKind = "emit_event"
	ActionSetTimer     ActionKind = "set_timer"
	ActionCancelTimer  ActionKind = "cancel_timer"
	ActionCallService  ActionKind = "call_service"
	ActionLog          ActionKind = "log"
	ActionConditional  ActionKind = "conditional"
	ActionForEach      ActionKind = "for_each"
)

// RuleAction is a tagged variant over the nine action kinds.
type RuleAction struct {
	Kind ActionKind `json:"kind"`

	SetFact     *SetFactPayload     `json:"setFact,omitempty"`
	DeleteFact  *DeleteFactPayload  `json:"deleteFact,omitempty"`
	EmitEvent   *EmitEventPayload   `json:"emitEvent,omitempty"`
	SetTimer    *SetTimerPayload    `json:"setTimer,omitempty"`
	CancelTimer *CancelTimerPayload `json:"cancelTimer,omitempty"`
	CallService *CallServicePayload `json:"callService,omitempty"`
	Log         *LogPayload         `json:"log,omitempty"`
	Conditional *ConditionalPayload `json:"conditional,omitempty"`
	ForEach     *ForEachPayload     `json:"forEach,omitempty"`
}

// SetFactPayload upserts a fact after reference/interpolation resolution.
type SetFactPayload struct {
	Key   string
	Value Value
}

// DeleteFactPayload removes a fact key; absence is not an error.
type DeleteFactPayload struct {
	Key string
}

// EmitEventPayload produces a new event; id/correlation/causation are
// assigned by the engine per spec §4.5.
type EmitEventPayload struct {
	Topic         string
	Data          map[string]Value
	CorrelationID string // optional literal override
}

// SetTimerPayload schedules or replaces a named timer.
type SetTimerPayload struct {
	Timer TimerSpec
}

// CancelTimerPayload cancels a named timer; absence is not an error.
type CancelTimerPayload struct {
	Name string
}

// CallServicePayload invokes a ServiceRegistry method.
type CallServicePayload struct {
	Service   string
	Method    string
	Args      []Value
	ResultKey string  // optional; written into the firing context on success
	OnError   string  // "" (default: log+continue) | "fail" (abort firing)
}

// LogPayload emits a log line at the given level.
type LogPayload struct {
	Level   string
	Message string
}

// ConditionalPayload evaluates Conditions and runs Then or Else.
type ConditionalPayload struct {
	Conditions []RuleCondition
	Then       []RuleAction
	Else       []RuleAction
}

// ForEachPayload resolves Items to an array and runs Body once per
// element, with ctx.variables["item"] bound to the element.
type ForEachPayload struct {
	Items Value
	Body  []RuleAction
}
