package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/flowgate/flowgate/internal/canonical"
	"github.com/flowgate/flowgate/internal/fault"
)

// fieldPattern is the allow-list for predicate fields. Fields resolve against
// a fact map at evaluation time, so this is the anti-injection boundary: only
// the four top-level facts and dotted payload paths of identifier segments
// are addressable.
var fieldPattern = regexp.MustCompile(
	`^(amount|department|requestType|currency|payload(?:\.[A-Za-z0-9_-]+)*)$`,
)

// Parser converts a decoded rule DSL document into an Expr tree.
type Parser struct {
	guard RegexGuard
}

// NewParser creates a Parser.
func NewParser() *Parser {
	return &Parser{}
}

// ParseDocument parses a raw JSON rule definition.
func (p *Parser) ParseDocument(doc []byte) (Expr, error) {
	value, err := canonical.Decode(doc)
	if err != nil {
		return nil, fault.Invalid("dsl", "expression must be valid JSON")
	}
	return p.Parse(value)
}

// Parse parses one decoded DSL value into an expression tree. Error paths are
// attributed starting at "dsl".
func (p *Parser) Parse(value any) (Expr, error) {
	return p.parse(value, "dsl")
}

func (p *Parser) parse(value any, path string) (Expr, error) {
	node, ok := value.(map[string]any)
	if !ok || node == nil {
		return nil, fault.Invalid(path, "expression must be a JSON object")
	}

	_, hasAll := node["all"]
	_, hasAny := node["any"]
	_, hasNot := node["not"]
	_, hasField := node["field"]
	_, hasOp := node["op"]
	_, hasValue := node["value"]
	hasPredicateKeys := hasField || hasOp || hasValue

	shapes := 0
	for _, present := range []bool{hasAll, hasAny, hasNot, hasPredicateKeys} {
		if present {
			shapes++
		}
	}
	if shapes != 1 {
		return nil, fault.Invalid(path, "expression must have exactly one shape: all, any, not, or predicate")
	}

	switch {
	case hasAll:
		if err := ensureExactKeys(node, path, "all"); err != nil {
			return nil, err
		}
		children, err := p.parseChildren(node["all"], path+".all")
		if err != nil {
			return nil, err
		}
		return &AllExpr{Children: children}, nil

	case hasAny:
		if err := ensureExactKeys(node, path, "any"); err != nil {
			return nil, err
		}
		children, err := p.parseChildren(node["any"], path+".any")
		if err != nil {
			return nil, err
		}
		return &AnyExpr{Children: children}, nil

	case hasNot:
		if err := ensureExactKeys(node, path, "not"); err != nil {
			return nil, err
		}
		child, err := p.parse(node["not"], path+".not")
		if err != nil {
			return nil, err
		}
		return &NotExpr{Child: child}, nil

	default:
		return p.parsePredicate(node, path)
	}
}

func (p *Parser) parseChildren(value any, path string) ([]Expr, error) {
	items, ok := value.([]any)
	if !ok || len(items) == 0 {
		return nil, fault.Invalid(path, "%s must be a non-empty array", lastSegment(path))
	}

	children := make([]Expr, 0, len(items))
	for i, item := range items {
		child, err := p.parse(item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

func (p *Parser) parsePredicate(node map[string]any, path string) (Expr, error) {
	if err := ensureExactKeys(node, path, "field", "op", "value"); err != nil {
		return nil, err
	}

	fieldRaw, ok := node["field"].(string)
	if !ok || strings.TrimSpace(fieldRaw) == "" {
		return nil, fault.Invalid(path+".field", "field must be a non-blank string")
	}
	field := strings.TrimSpace(fieldRaw)
	if !fieldPattern.MatchString(field) {
		return nil, fault.Invalid(path+".field", "field path is not allowed")
	}

	opRaw, ok := node["op"].(string)
	if !ok {
		return nil, fault.Invalid(path+".op", "op must be a string")
	}
	op, ok := operatorFromToken(opRaw)
	if !ok {
		return nil, fault.Invalid(path+".op", "op is not supported")
	}

	value, present := node["value"]
	if !present || value == nil {
		return nil, fault.Invalid(path+".value", "value is required")
	}

	if op == OpIN {
		arr, ok := value.([]any)
		if !ok || len(arr) == 0 {
			return nil, fault.Invalid(path+".value", "in operator requires a non-empty array value")
		}
	}

	if op == OpMATCHES {
		pattern, ok := value.(string)
		if !ok {
			return nil, fault.Invalid(path+".value", "matches operator requires a string pattern")
		}
		// Fail fast: a bad pattern is a definition error, not an evaluation
		// error discovered months later on the first matching request.
		if _, err := p.guard.Compile(pattern, path+".value"); err != nil {
			return nil, err
		}
	}

	return &Predicate{Field: field, Operator: op, Value: value}, nil
}

func ensureExactKeys(node map[string]any, path string, allowed ...string) error {
	if len(node) != len(allowed) {
		return fault.Invalid(path, "expression contains unexpected keys")
	}
	for _, key := range allowed {
		if _, ok := node[key]; !ok {
			return fault.Invalid(path, "expression contains unexpected keys")
		}
	}
	return nil
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[i+1:]
	}
	return path
}
