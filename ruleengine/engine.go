// Package ruleengine provides one concrete implementation of the schema package's
// RuleChecker bridge: JS boolean expressions evaluated against a candidate record via
// an embedded goja runtime. The store core depends only on schema.RuleChecker; nothing
// outside this package imports goja directly.
package ruleengine

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/hamicek/noex-store-sub003/schema"
)

// Rule is one named JS boolean expression. The expression is evaluated with a single
// bound variable, `record`, set to the candidate document; it must evaluate to a
// boolean. A false result produces Message as the violation message against Field.
type Rule struct {
	Field      string
	Message    string
	Expression string
}

// Engine runs a fixed set of rules per bucket. Each call to Check gets a fresh goja
// runtime: rule expressions are short, side-effect-free boolean checks, so the cost of
// a fresh VM per call is preferred over sharing mutable interpreter state across
// concurrent bucket actors.
type Engine struct {
	mu    sync.Mutex
	rules map[string][]Rule
}

// New constructs an empty Engine.
func New() *Engine {
	return &Engine{rules: make(map[string][]Rule)}
}

// AddRule registers a rule for bucket. Rules accumulate; all registered rules for a
// bucket run on every Check call for that bucket.
func (e *Engine) AddRule(bucket string, r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[bucket] = append(e.rules[bucket], r)
}

// Check implements schema.RuleChecker.
func (e *Engine) Check(bucket string, record schema.Document) ([]schema.RuleViolation, error) {
	e.mu.Lock()
	rules := append([]Rule(nil), e.rules[bucket]...)
	e.mu.Unlock()

	if len(rules) == 0 {
		return nil, nil
	}

	var violations []schema.RuleViolation
	for _, r := range rules {
		ok, err := e.evaluate(r.Expression, record)
		if err != nil {
			return violations, fmt.Errorf("rule %q on bucket %q: %w", r.Field, bucket, err)
		}
		if !ok {
			violations = append(violations, schema.RuleViolation{Field: r.Field, Message: r.Message})
		}
	}
	return violations, nil
}

func (e *Engine) evaluate(expression string, record schema.Document) (bool, error) {
	vm := goja.New()
	if err := vm.Set("record", map[string]any(record)); err != nil {
		return false, err
	}
	val, err := vm.RunString(expression)
	if err != nil {
		return false, err
	}
	return val.ToBoolean(), nil
}
