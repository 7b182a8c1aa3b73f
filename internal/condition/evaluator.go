// Package condition implements rule condition evaluation (spec §4.4):
// resolving a ConditionSource to a value, then applying an Operator
// against a literal or cross-referenced Value. The expr-based source
// variant is grounded directly on the teacher's compiled-expression
// evaluation (engine.RuleEngine.evaluateConditions, which runs
// antonmedv/expr vm.Programs against a flat evaluation environment).
package condition

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/antonmedv/expr"

	"github.com/ruleforge/engine/internal/errs"
	"github.com/ruleforge/engine/internal/fact"
	"github.com/ruleforge/engine/internal/model"
)

// interpTokenRe matches a single ${root.path} interpolation token.
var interpTokenRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// LookupProvider resolves a SourceLookup reference against an
// externally managed static or slow-changing table (e.g. a geo-ip
// database, a customer tier map).
type LookupProvider interface {
	Lookup(table, key string) (any, bool)
}

// BaselineProvider resolves a SourceBaseline reference to a deviation
// score for metric, given a sensitivity parameter (spec §9 component
// M); the returned score is what the rule's operator/value compares
// against.
type BaselineProvider interface {
	Score(metric string, sensitivity float64) (float64, error)
}

// Context bundles everything a single evaluation needs to resolve
// condition sources: the triggering event's data, an arbitrary
// ambient context map (temporal-match bindings, loop variables), the
// fact store, and the optional lookup/baseline providers.
type Context struct {
	Event    map[string]any
	Ambient  map[string]any
	Facts    *fact.Store
	Lookups  LookupProvider
	Baselines BaselineProvider
}

// Evaluator evaluates RuleConditions against a Context.
type Evaluator struct {
	mu        sync.Mutex
	exprCache map[string]*expr.Program
}

// New creates a condition evaluator.
func New() *Evaluator {
	return &Evaluator{exprCache: make(map[string]*expr.Program)}
}

// EvaluateAll applies AND logic across conditions, short-circuiting on
// the first false (spec §4.4: an empty condition list is vacuously
// true).
func (e *Evaluator) EvaluateAll(conditions []model.RuleCondition, ctx Context) (bool, error) {
	for i, c := range conditions {
		ok, err := e.Evaluate(c, ctx)
		if err != nil {
			return false, fmt.Errorf("condition %d: %w", i, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Evaluate resolves a single condition's source, then applies its
// operator against its value (negated if Negate is set).
func (e *Evaluator) Evaluate(c model.RuleCondition, ctx Context) (bool, error) {
	resolved, err := e.resolveSource(c.Source, ctx)
	if err != nil {
		return false, err
	}

	if c.Operator == model.OpExists {
		result := resolved != nil
		if c.Negate {
			result = !result
		}
		return result, nil
	}
	if c.Operator == model.OpNotExists {
		result := resolved == nil
		if c.Negate {
			result = !result
		}
		return result, nil
	}

	target, err := e.resolveValue(c.Value, ctx)
	if err != nil {
		return false, err
	}

	result, err := applyOperator(c.Operator, resolved, target)
	if err != nil {
		return false, err
	}
	if c.Negate {
		result = !result
	}
	return result, nil
}

// ResolveValue resolves a literal-or-reference Value against ctx,
// exported so action execution can reuse the same reference
// resolution rules for action payload fields.
func (e *Evaluator) ResolveValue(v model.Value, ctx Context) (any, error) {
	return e.resolveValue(v, ctx)
}

// InterpolateString resolves every ${root.path} token in s against ctx
// and always returns a string, for plain (non-Value) string fields in
// action payloads such as a log message (spec §4.5).
func (e *Evaluator) InterpolateString(s string, ctx Context) string {
	return interpolateString(s, ctx)
}

func (e *Evaluator) resolveValue(v model.Value, ctx Context) (any, error) {
	if !v.IsRef {
		if s, ok := v.Literal.(string); ok {
			return interpolate(s, ctx), nil
		}
		return v.Literal, nil
	}
	return resolveRef(*v.Ref, ctx)
}

func resolveRef(ref model.Ref, ctx Context) (any, error) {
	switch ref.Root {
	case "event":
		return navigate(ctx.Event, strings.Split(ref.Path, ".")), nil
	case "context", "var":
		return navigate(ctx.Ambient, strings.Split(ref.Path, ".")), nil
	case "fact":
		f, ok := ctx.Facts.Get(ref.Path)
		if !ok {
			return nil, nil
		}
		return f.Value, nil
	case "lookup":
		if ctx.Lookups == nil {
			return nil, nil
		}
		table, key, ok := strings.Cut(ref.Path, ".")
		if !ok {
			return nil, nil
		}
		v, _ := ctx.Lookups.Lookup(table, key)
		return v, nil
	default:
		return nil, errs.Newf(errs.InvalidArgument, "unknown reference root %q", ref.Root)
	}
}

// interpolate resolves every ${root.path} token in s against ctx, per
// spec §4.5's reference materialization rule: a string consisting of
// exactly one whole-field token returns the referenced value with its
// original type; a token embedded in a larger string is stringified
// and substituted in place.
func interpolate(s string, ctx Context) any {
	matches := interpTokenRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return resolveToken(s[matches[0][2]:matches[0][3]], ctx)
	}
	return interpTokenRe.ReplaceAllStringFunc(s, func(tok string) string {
		return stringify(resolveToken(tok[2:len(tok)-1], ctx))
	})
}

// interpolateString behaves like interpolate but always returns a
// string, for fields (like a fact-source pattern) that must remain
// string-typed after interpolation even when the whole field is one
// token.
func interpolateString(s string, ctx Context) string {
	return stringify(interpolate(s, ctx))
}

func resolveToken(token string, ctx Context) any {
	root, path, ok := strings.Cut(token, ".")
	if !ok {
		root, path = token, ""
	}
	v, err := resolveRef(model.Ref{Root: root, Path: path}, ctx)
	if err != nil {
		return nil
	}
	return v
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprintf("%v", s)
	}
}

// factValue resolves a SourceFact (or the expr environment's `fact`
// helper): pattern is interpolated against ctx first (spec §4.4), then
// queried. A non-wildcard pattern yields a single fact's (optionally
// field-navigated) value; a wildcard pattern yields the *multiset* of
// every matching fact's value, so operators like `in`/`contains` can
// test membership across all matches instead of silently picking one.
func (e *Evaluator) factValue(pattern, field string, ctx Context) any {
	pattern = interpolateString(pattern, ctx)
	facts := ctx.Facts.Query(pattern)
	if len(facts) == 0 {
		return nil
	}

	value := func(f model.Fact) any {
		if field == "" {
			return f.Value
		}
		return navigate(f.Value, strings.Split(field, "."))
	}

	if !strings.Contains(pattern, "*") {
		return value(facts[0])
	}
	values := make([]any, len(facts))
	for i, f := range facts {
		values[i] = value(f)
	}
	return values
}

func (e *Evaluator) resolveSource(src model.ConditionSource, ctx Context) (any, error) {
	switch src.Kind {
	case model.SourceFact:
		return e.factValue(src.Pattern, src.Field, ctx), nil

	case model.SourceEvent:
		if src.Field == "" {
			return ctx.Event, nil
		}
		return navigate(ctx.Event, strings.Split(src.Field, ".")), nil

	case model.SourceContext:
		return navigate(ctx.Ambient, strings.Split(src.Key, ".")), nil

	case model.SourceLookup:
		if ctx.Lookups == nil {
			return nil, errs.New(errs.InvalidArgument, "no lookup provider configured")
		}
		table, key, ok := strings.Cut(src.Name, ".")
		if !ok {
			return nil, errs.Newf(errs.InvalidArgument, "lookup source name %q must be table.key", src.Name)
		}
		v, found := ctx.Lookups.Lookup(table, key)
		if !found {
			return nil, nil
		}
		return v, nil

	case model.SourceBaseline:
		if ctx.Baselines == nil {
			return nil, errs.New(errs.InvalidArgument, "no baseline provider configured")
		}
		return ctx.Baselines.Score(src.Metric, src.Sensitivity)

	case model.SourceExpr:
		return e.evalExpr(src.Expression, ctx)

	default:
		return nil, errs.Newf(errs.InvalidArgument, "unknown condition source kind %q", src.Kind)
	}
}

// evalExpr compiles (and caches) src.Expression and runs it against a
// flat environment, matching the teacher's createEvaluationEnvironment
// shape (event/context/now plus len/contains/matches helpers),
// extended with fact/var/lookup per SPEC_FULL §3.
func (e *Evaluator) evalExpr(expression string, ctx Context) (any, error) {
	e.mu.Lock()
	program, ok := e.exprCache[expression]
	e.mu.Unlock()
	if !ok {
		compiled, err := expr.Compile(expression, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compiling expression %q: %w", expression, err)
		}
		program = compiled
		e.mu.Lock()
		e.exprCache[expression] = program
		e.mu.Unlock()
	}

	env := map[string]any{
		"event":   ctx.Event,
		"context": ctx.Ambient,
		"var":     ctx.Ambient,
		"now":     time.Now(),
		"fact": func(pattern string) any {
			return e.factValue(pattern, "", ctx)
		},
		"lookup": func(table, key string) any {
			if ctx.Lookups == nil {
				return nil
			}
			v, _ := ctx.Lookups.Lookup(table, key)
			return v
		},
		"len": func(v any) int {
			switch val := v.(type) {
			case []any:
				return len(val)
			case map[string]any:
				return len(val)
			case string:
				return len(val)
			default:
				return 0
			}
		},
		"contains": func(haystack, needle any) bool {
			return stringOrSliceContains(haystack, needle)
		},
		"matches": func(pattern, text string) bool {
			ok, _ := regexMatch(text, pattern)
			return ok
		},
	}

	return expr.Run(program, env)
}

// navigate walks path (dot-separated) through a map[string]any or
// []any chain, returning nil if any segment is missing or the shape
// doesn't match.
func navigate(root any, path []string) any {
	cur := root
	for _, seg := range path {
		if seg == "" {
			continue
		}
		switch v := cur.(type) {
		case map[string]any:
			cur = v[seg]
		default:
			return nil
		}
	}
	return cur
}

func applyOperator(op model.Operator, actual, target any) (bool, error) {
	switch op {
	case model.OpEq:
		return looseEqual(actual, target), nil
	case model.OpNeq:
		return !looseEqual(actual, target), nil
	case model.OpGt, model.OpGte, model.OpLt, model.OpLte:
		return compareNumeric(op, actual, target)
	case model.OpIn:
		return membership(target, actual), nil
	case model.OpNotIn:
		return !membership(target, actual), nil
	case model.OpContains:
		return stringOrSliceContains(actual, target), nil
	case model.OpNotContains:
		return !stringOrSliceContains(actual, target), nil
	case model.OpMatches:
		return regexMatch(actual, target)
	default:
		return false, errs.Newf(errs.InvalidArgument, "unknown operator %q", op)
	}
}

func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

// compareNumeric implements gt/gte/lt/lte. Per spec §4.4, mismatched
// types or an undefined operand yield false rather than an error — a
// comparison against a missing event field should skip the rule, not
// fail its firing.
func compareNumeric(op model.Operator, a, b any) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false, nil
	}
	switch op {
	case model.OpGt:
		return af > bf, nil
	case model.OpGte:
		return af >= bf, nil
	case model.OpLt:
		return af < bf, nil
	case model.OpLte:
		return af <= bf, nil
	}
	return false, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func membership(collection, needle any) bool {
	items, ok := collection.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(item, needle) {
			return true
		}
	}
	return false
}

func stringOrSliceContains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []any:
		return membership(h, needle)
	default:
		return false
	}
}

func regexMatch(actual, pattern any) (bool, error) {
	s, ok := actual.(string)
	if !ok {
		return false, nil
	}
	p, ok := pattern.(string)
	if !ok {
		return false, errs.New(errs.InvalidArgument, "matches operator requires a string pattern")
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return false, fmt.Errorf("compiling regex %q: %w", p, err)
	}
	return re.MatchString(s), nil
}
