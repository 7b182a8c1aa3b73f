package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRuleEvaluationRecordsSpan(t *testing.T) {
	var got []SpanRecord
	tr, err := New(context.Background(), "test-engine", func(r SpanRecord) {
		got = append(got, r)
	})
	require.NoError(t, err)
	defer tr.Shutdown(context.Background())

	_, span := tr.StartRuleEvaluation(context.Background(), "high-value-order", "event")
	span.End()

	require.Len(t, got, 1)
	assert.Equal(t, "rule.evaluate", got[0].Name)
	assert.Equal(t, "high-value-order", got[0].Attributes["rule.name"])
	assert.Equal(t, "event", got[0].Attributes["trigger.kind"])
	assert.NotEmpty(t, got[0].TraceID)
}

func TestStartActionRecordsSpan(t *testing.T) {
	var got []SpanRecord
	tr, err := New(context.Background(), "test-engine", func(r SpanRecord) {
		got = append(got, r)
	})
	require.NoError(t, err)
	defer tr.Shutdown(context.Background())

	_, span := tr.StartAction(context.Background(), "high-value-order", "emit_event")
	span.End()

	require.Len(t, got, 1)
	assert.Equal(t, "emit_event", got[0].Attributes["action.kind"])
}

func TestActionSpanIsChildOfRuleSpan(t *testing.T) {
	var got []SpanRecord
	tr, err := New(context.Background(), "test-engine", func(r SpanRecord) {
		got = append(got, r)
	})
	require.NoError(t, err)
	defer tr.Shutdown(context.Background())

	ruleCtx, ruleSpan := tr.StartRuleEvaluation(context.Background(), "r1", "event")
	actionCtx, actionSpan := tr.StartAction(ruleCtx, "r1", "log")
	actionSpan.End()
	ruleSpan.End()
	_ = actionCtx

	require.Len(t, got, 2)
	actionRecord := got[0]
	ruleRecord := got[1]
	assert.Equal(t, ruleRecord.SpanID, actionRecord.ParentID)
}

func TestNilSinkDoesNotPanic(t *testing.T) {
	tr, err := New(context.Background(), "test-engine", nil)
	require.NoError(t, err)
	defer tr.Shutdown(context.Background())

	_, span := tr.StartRuleEvaluation(context.Background(), "r1", "event")
	span.End()
}

func TestShutdownIsIdempotent(t *testing.T) {
	tr, err := New(context.Background(), "test-engine", nil)
	require.NoError(t, err)
	require.NoError(t, tr.Shutdown(context.Background()))
	require.NoError(t, tr.Shutdown(context.Background()))
}
