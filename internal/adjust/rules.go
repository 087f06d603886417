// Package adjust runs the per-strategy adjustment engine: declarative rules
// over live leg state, compiled once at load into an evaluator tree and
// ticked against fresh marks.
package adjust

import (
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/quantbrew/ordercore/internal/config"
)

// Supported rule actions. Anything else is rejected when rules compile.
const (
	ActionCloseCE             = "close_ce"
	ActionClosePE             = "close_pe"
	ActionCloseHigherDelta    = "close_higher_delta"
	ActionCloseLowerDelta     = "close_lower_delta"
	ActionCloseMostProfitable = "close_most_profitable"
	ActionRollCE              = "roll_ce"
	ActionRollPE              = "roll_pe"
	ActionRollBoth            = "roll_both"
	ActionShiftStrikes        = "shift_strikes"
	ActionAddHedge            = "add_hedge"
	ActionTrailingStop        = "trailing_stop"
	ActionDoNothing           = "do_nothing"
)

// actionAliases maps accepted synonyms onto their canonical action.
var actionAliases = map[string]string{
	"close_higher_pnl_leg": ActionCloseMostProfitable,
	"lock_profit":          ActionCloseMostProfitable,
}

// unsupportedActions are recognized from older rule files but have no safe
// implementation here; they fail loading rather than silently doing nothing.
var unsupportedActions = map[string]bool{
	"increase_lots": true,
	"decrease_lots": true,
	"remove_hedge":  true,
	"custom":        true,
}

var supportedActions = map[string]bool{
	ActionCloseCE:             true,
	ActionClosePE:             true,
	ActionCloseHigherDelta:    true,
	ActionCloseLowerDelta:     true,
	ActionCloseMostProfitable: true,
	ActionRollCE:              true,
	ActionRollPE:              true,
	ActionRollBoth:            true,
	ActionShiftStrikes:        true,
	ActionAddHedge:            true,
	ActionTrailingStop:        true,
	ActionDoNothing:           true,
}

// Rule is one compiled adjustment rule.
type Rule struct {
	Name     string
	Action   string
	Priority int
	Cooldown time.Duration
	Params   map[string]interface{}
	cond     condition
}

// Matches evaluates the rule's condition tree against a snapshot.
func (r *Rule) Matches(s *snapshot) bool { return r.cond.eval(s) }

// condition is one node of the evaluator tree.
type condition interface {
	eval(s *snapshot) bool
}

type andNode struct{ children []condition }
type orNode struct{ children []condition }
type notNode struct{ child condition }

func (n andNode) eval(s *snapshot) bool {
	for _, c := range n.children {
		if !c.eval(s) {
			return false
		}
	}
	return true
}

func (n orNode) eval(s *snapshot) bool {
	for _, c := range n.children {
		if c.eval(s) {
			return true
		}
	}
	return false
}

func (n notNode) eval(s *snapshot) bool { return !n.child.eval(s) }

// leafNode compares one market parameter against a constant. A parameter that
// cannot be computed (missing leg, no spot reference) makes the leaf false.
type leafNode struct {
	parameter string
	compare   func(a, b float64) bool
	value     float64
}

func (n leafNode) eval(s *snapshot) bool {
	v, ok := s.parameter(n.parameter)
	if !ok {
		return false
	}
	return n.compare(v, n.value)
}

var comparators = map[string]func(a, b float64) bool{
	"<":  func(a, b float64) bool { return a < b },
	"<=": func(a, b float64) bool { return a <= b },
	"==": func(a, b float64) bool { return a == b },
	"!=": func(a, b float64) bool { return a != b },
	">=": func(a, b float64) bool { return a >= b },
	">":  func(a, b float64) bool { return a > b },
}

var knownParameters = map[string]bool{
	"time_current":          true,
	"spot_ltp":              true,
	"spot_change_pct":       true,
	"ce_delta":              true,
	"pe_delta":              true,
	"ce_pnl":                true,
	"pe_pnl":                true,
	"combined_pnl":          true,
	"max_leg_delta":         true,
	"min_leg_delta":         true,
	"both_legs_delta_above": true,
	"both_legs_delta_below": true,
}

// CompileRules parses declarative rule configuration into the evaluator form
// used per tick. Rules come back sorted by ascending priority. The legacy
// both_legs_delta parameter is accepted with a warning and behaves as
// both_legs_delta_below.
func CompileRules(cfgs []config.RuleConfig, logger *log.Logger) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	for i := range cfgs {
		rc := &cfgs[i]
		action := rc.Action
		if canonical, ok := actionAliases[action]; ok {
			action = canonical
		}
		if unsupportedActions[action] {
			return nil, fmt.Errorf("rule %q: action %q is not supported", rc.Name, rc.Action)
		}
		if !supportedActions[action] {
			return nil, fmt.Errorf("rule %q: unknown action %q", rc.Name, rc.Action)
		}

		cond, err := compileCondition(&rc.Conditions, rc.Name, logger)
		if err != nil {
			return nil, err
		}
		rules = append(rules, Rule{
			Name:     rc.Name,
			Action:   action,
			Priority: rc.Priority,
			Cooldown: time.Duration(rc.CooldownSeconds) * time.Second,
			Params:   rc.Params,
			cond:     cond,
		})
	}
	sort.SliceStable(rules, func(a, b int) bool { return rules[a].Priority < rules[b].Priority })
	return rules, nil
}

func compileCondition(node *config.ConditionConfig, ruleName string, logger *log.Logger) (condition, error) {
	if node.IsLeaf() {
		param := node.Parameter
		if param == "both_legs_delta" {
			logger.Printf("rule %q: parameter both_legs_delta is deprecated, treating as both_legs_delta_below", ruleName)
			param = "both_legs_delta_below"
		}
		if !knownParameters[param] {
			return nil, fmt.Errorf("rule %q: unknown parameter %q", ruleName, node.Parameter)
		}
		cmp, ok := comparators[node.Comparator]
		if !ok {
			return nil, fmt.Errorf("rule %q: unknown comparator %q", ruleName, node.Comparator)
		}
		return leafNode{parameter: param, compare: cmp, value: node.Value}, nil
	}

	children := make([]condition, 0, len(node.Children))
	for i := range node.Children {
		c, err := compileCondition(&node.Children[i], ruleName, logger)
		if err != nil {
			return nil, err
		}
		children = append(children, c)
	}
	switch node.Operator {
	case "AND":
		return andNode{children: children}, nil
	case "OR":
		return orNode{children: children}, nil
	case "NOT":
		return notNode{child: children[0]}, nil
	}
	return nil, fmt.Errorf("rule %q: unknown operator %q", ruleName, node.Operator)
}

// floatParam pulls a numeric parameter out of a rule's params map, accepting
// the types YAML decodes numbers into.
func floatParam(params map[string]interface{}, key string, fallback float64) float64 {
	v, ok := params[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return fallback
}

func stringParam(params map[string]interface{}, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// absMinMax returns min and max of the absolute leg deltas.
func absMinMax(a, b float64) (float64, float64) {
	x, y := math.Abs(a), math.Abs(b)
	if x > y {
		x, y = y, x
	}
	return x, y
}
