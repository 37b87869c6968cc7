package rules

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// Context is the fact context a rule evaluates against. Amount is optional;
// a nil Amount simply resolves to a missing field value.
type Context struct {
	Amount      *apd.Decimal
	Department  string
	RequestType string
	Currency    string
	Payload     map[string]any
}

// TraceEntry records the outcome of one expression node during evaluation.
// Field, Operator, Actual and Expected are only set for predicate nodes.
type TraceEntry struct {
	Path     string `json:"path"`
	Kind     string `json:"kind"`
	Result   bool   `json:"result"`
	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"`
	Actual   any    `json:"actual,omitempty"`
	Expected any    `json:"expected,omitempty"`
	Reason   string `json:"reason"`
}

// Result is the outcome of evaluating an expression tree.
type Result struct {
	Matched bool
	Traces  []TraceEntry
}

// Evaluator interprets expression trees against fact contexts.
//
// Evaluation is deterministic: identical expression and identical context
// produce byte-identical traces. Children of all/any are always evaluated in
// full (no short-circuit) so the trace is complete, but the boolean
// combination is ordinary AND/OR. Field and type mismatches never error;
// they resolve to false. The only evaluation-time error is a regex-guard
// violation on an oversized match input.
type Evaluator struct {
	guard RegexGuard
}

// NewEvaluator creates an Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate walks the tree bottom-up and returns the match outcome with a
// full trace. Regex patterns are compiled at most once per call.
func (e *Evaluator) Evaluate(expr Expr, ctx Context) (Result, error) {
	run := &evalRun{guard: e.guard, ctx: ctx, regexCache: map[string]*regexp.Regexp{}}
	matched, err := run.eval(expr, "$")
	if err != nil {
		return Result{}, err
	}
	return Result{Matched: matched, Traces: run.traces}, nil
}

type evalRun struct {
	guard      RegexGuard
	ctx        Context
	traces     []TraceEntry
	regexCache map[string]*regexp.Regexp
}

func (r *evalRun) eval(expr Expr, path string) (bool, error) {
	switch node := expr.(type) {
	case *AllExpr:
		result := true
		for i, child := range node.Children {
			ok, err := r.eval(child, fmt.Sprintf("%s.all[%d]", path, i))
			if err != nil {
				return false, err
			}
			result = result && ok
		}
		r.trace(TraceEntry{Path: path, Kind: "all", Result: result, Reason: "all children evaluated"})
		return result, nil

	case *AnyExpr:
		result := false
		for i, child := range node.Children {
			ok, err := r.eval(child, fmt.Sprintf("%s.any[%d]", path, i))
			if err != nil {
				return false, err
			}
			result = result || ok
		}
		r.trace(TraceEntry{Path: path, Kind: "any", Result: result, Reason: "all children evaluated"})
		return result, nil

	case *NotExpr:
		child, err := r.eval(node.Child, path+".not")
		if err != nil {
			return false, err
		}
		result := !child
		r.trace(TraceEntry{Path: path, Kind: "not", Result: result, Reason: "logical negation"})
		return result, nil

	case *Predicate:
		return r.evalPredicate(node, path)

	default:
		// Sealed union; unreachable unless a new variant is added without
		// updating this switch.
		return false, fmt.Errorf("rules: unknown expression type %T", expr)
	}
}

func (r *evalRun) evalPredicate(p *Predicate, path string) (bool, error) {
	actual := resolveField(p.Field, r.ctx)

	var (
		result bool
		reason string
		err    error
	)

	switch p.Operator {
	case OpEQ:
		result = equalsNormalized(actual, p.Value)
		reason = "strict equality"
	case OpNE:
		result = !equalsNormalized(actual, p.Value)
		reason = "strict inequality"
	case OpGT:
		result = compareDecimals(actual, p.Value, func(c int) bool { return c > 0 })
		reason = "numeric greater-than"
	case OpGTE:
		result = compareDecimals(actual, p.Value, func(c int) bool { return c >= 0 })
		reason = "numeric greater-than-or-equal"
	case OpLT:
		result = compareDecimals(actual, p.Value, func(c int) bool { return c < 0 })
		reason = "numeric less-than"
	case OpLTE:
		result = compareDecimals(actual, p.Value, func(c int) bool { return c <= 0 })
		reason = "numeric less-than-or-equal"
	case OpIN:
		result = isIn(actual, p.Value)
		reason = "membership check"
	case OpCONTAINS:
		result = contains(actual, p.Value)
		reason = "contains check"
	case OpMATCHES:
		result, err = r.matchesRegex(actual, p.Value, path+".value")
		reason = "regex match"
	}
	if err != nil {
		return false, err
	}

	r.trace(TraceEntry{
		Path:     path,
		Kind:     "predicate",
		Result:   result,
		Field:    p.Field,
		Operator: string(p.Operator),
		Actual:   traceValue(actual),
		Expected: p.Value,
		Reason:   reason,
	})
	return result, nil
}

func (r *evalRun) matchesRegex(actual, expected any, patternPath string) (bool, error) {
	input, ok := actual.(string)
	if !ok {
		return false, nil
	}
	pattern, ok := expected.(string)
	if !ok {
		return false, nil
	}

	compiled, cached := r.regexCache[pattern]
	if !cached {
		var err error
		compiled, err = r.guard.Compile(pattern, patternPath)
		if err != nil {
			return false, err
		}
		r.regexCache[pattern] = compiled
	}

	// Input length is re-checked on every call, not just once per pattern.
	if err := r.guard.ValidateInput(input, patternPath); err != nil {
		return false, err
	}
	return compiled.MatchString(input), nil
}

func (r *evalRun) trace(entry TraceEntry) {
	r.traces = append(r.traces, entry)
}

// resolveField maps an allow-listed field path onto the context. Dotted
// payload paths walk nested maps; a missing key or non-map intermediate
// resolves to nil, never an error.
func resolveField(field string, ctx Context) any {
	switch field {
	case "amount":
		if ctx.Amount == nil {
			return nil
		}
		return ctx.Amount
	case "department":
		return ctx.Department
	case "requestType":
		return ctx.RequestType
	case "currency":
		return ctx.Currency
	case "payload":
		return ctx.Payload
	}

	if !strings.HasPrefix(field, "payload.") {
		return nil
	}

	var current any = ctx.Payload
	for _, segment := range strings.Split(strings.TrimPrefix(field, "payload."), ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[segment]
	}
	return current
}

// equalsNormalized compares numerically when both sides coerce to decimals,
// structurally otherwise.
func equalsNormalized(left, right any) bool {
	l, lok := asDecimal(left)
	r, rok := asDecimal(right)
	if lok && rok {
		return l.Cmp(r) == 0
	}
	return reflect.DeepEqual(left, right)
}

// compareDecimals applies an ordering predicate; non-numeric operands make
// the comparison false, never an error.
func compareDecimals(left, right any, cmp func(int) bool) bool {
	l, lok := asDecimal(left)
	r, rok := asDecimal(right)
	if !lok || !rok {
		return false
	}
	return cmp(l.Cmp(r))
}

func isIn(actual, expected any) bool {
	items, ok := expected.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if equalsNormalized(actual, item) {
			return true
		}
	}
	return false
}

func contains(actual, expected any) bool {
	switch value := actual.(type) {
	case string:
		return strings.Contains(value, stringValueOf(expected))
	case []any:
		for _, item := range value {
			if equalsNormalized(item, expected) {
				return true
			}
		}
	}
	return false
}

// asDecimal coerces numeric values to arbitrary-precision decimals. Strings
// are deliberately not coerced: "100" is not a number.
func asDecimal(value any) (*apd.Decimal, bool) {
	switch v := value.(type) {
	case *apd.Decimal:
		return v, v != nil
	case json.Number:
		d, _, err := apd.NewFromString(string(v))
		if err != nil {
			return nil, false
		}
		return d, true
	case int:
		return apd.New(int64(v), 0), true
	case int64:
		return apd.New(v, 0), true
	case float64:
		d := new(apd.Decimal)
		if _, err := d.SetFloat64(v); err != nil {
			return nil, false
		}
		return d, true
	default:
		return nil, false
	}
}

// traceValue renders a resolved field value for the trace. Decimals are
// rendered as their canonical string so traces are byte-stable.
func traceValue(value any) any {
	if d, ok := value.(*apd.Decimal); ok {
		return d.String()
	}
	return value
}

func stringValueOf(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
