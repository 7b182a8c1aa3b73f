// Package query implements the backward-chaining Query submodule
// (spec §9 component Q): given a goal fact key or pattern, it builds a
// proof tree of the facts that already satisfy it and the rules that
// could establish it through a set_fact action, recursing into each
// supporting rule's own fact-sourced conditions as sub-goals. Full SLD
// resolution is explicitly out of scope (non-goal: "SQL-grade query
// language"); this stays a small goal/proof-tree walk, in the spirit
// of the goal/engine naming seen across the pack's rule-engine
// examples (no pack repo implements backward chaining itself, so the
// resolution algorithm here is original).
package query

import (
	"github.com/ruleforge/engine/internal/fact"
	"github.com/ruleforge/engine/internal/model"
	"github.com/ruleforge/engine/internal/rule"
)

// maxDepth bounds recursion so a cyclic rule graph (rule A's
// conditions depend on a fact only rule B's actions set, and vice
// versa) cannot loop forever.
const maxDepth = 16

// Goal names the fact a caller wants to know the support for.
type Goal struct {
	Key     string // exact fact key
	Pattern string // alternatively, a wildcard pattern (mutually exclusive with Key)
}

// RuleSupport records one rule that could establish the goal, plus
// the sub-proofs for any of its fact-sourced conditions.
type RuleSupport struct {
	RuleID   string
	RuleName string
	SubGoals []Proof
}

// Proof is the result of resolving one Goal: the facts that already
// satisfy it (if any) and the rules that could establish it.
type Proof struct {
	Goal            Goal
	Satisfied       bool
	SupportingFacts []model.Fact
	SupportingRules []RuleSupport
}

// Resolver answers Query calls against the live fact and rule state.
type Resolver struct {
	facts *fact.Store
	rules *rule.Manager
}

// New builds a Resolver over the given fact store and rule manager.
func New(facts *fact.Store, rules *rule.Manager) *Resolver {
	return &Resolver{facts: facts, rules: rules}
}

// Query resolves goal into a proof tree.
func (r *Resolver) Query(goal Goal) Proof {
	return r.resolve(goal, 0, make(map[string]struct{}))
}

func (r *Resolver) resolve(goal Goal, depth int, seen map[string]struct{}) Proof {
	proof := Proof{Goal: goal}

	matches := r.matchingFacts(goal)
	if len(matches) > 0 {
		proof.Satisfied = true
		proof.SupportingFacts = matches
	}

	if depth >= maxDepth {
		return proof
	}

	for _, rl := range r.rules.All() {
		key := goalKey(goal)
		seenKey := rl.ID + "|" + key
		if _, ok := seen[seenKey]; ok {
			continue
		}

		target, ok := setFactTarget(rl, goal)
		if !ok {
			continue
		}

		seen[seenKey] = struct{}{}
		support := RuleSupport{RuleID: rl.ID, RuleName: rl.Name}
		for _, cond := range rl.Conditions {
			if cond.Source.Kind != model.SourceFact {
				continue
			}
			subGoal := Goal{Pattern: cond.Source.Pattern}
			support.SubGoals = append(support.SubGoals, r.resolve(subGoal, depth+1, seen))
		}
		proof.SupportingRules = append(proof.SupportingRules, support)
		proof.Satisfied = true
		_ = target
	}

	return proof
}

func goalKey(g Goal) string {
	if g.Key != "" {
		return "key:" + g.Key
	}
	return "pattern:" + g.Pattern
}

// matchingFacts returns the facts currently in the store that satisfy
// goal, preferring an exact key lookup over a pattern scan.
func (r *Resolver) matchingFacts(goal Goal) []model.Fact {
	if goal.Key != "" {
		if f, ok := r.facts.Get(goal.Key); ok {
			return []model.Fact{f}
		}
		return nil
	}
	if goal.Pattern != "" {
		return r.facts.Query(goal.Pattern)
	}
	return nil
}

// setFactTarget reports whether rl has a set_fact action whose key
// matches goal, returning the matched key.
func setFactTarget(rl *model.Rule, goal Goal) (string, bool) {
	for _, act := range rl.Actions {
		if act.Kind != model.ActionSetFact || act.SetFact == nil {
			continue
		}
		key := act.SetFact.Key
		if goal.Key != "" && key == goal.Key {
			return key, true
		}
		if goal.Pattern != "" && fact.MatchesPattern(goal.Pattern, key) {
			return key, true
		}
	}
	return "", false
}
