// Package rules implements the boolean rule language: a JSON DSL parsed into
// a typed expression tree and evaluated against a request's fact context.
//
// The expression model is a closed sum type: AllExpr, AnyExpr, NotExpr and
// Predicate are the only variants, sealed behind the Expr interface so the
// evaluator can branch exhaustively. Trees are immutable after parse and
// scoped to a single evaluation call.
package rules

// Expr is the sealed expression node interface.
// Only AllExpr, AnyExpr, NotExpr and Predicate implement it.
type Expr interface {
	exprNode()
}

// AllExpr is a logical AND over one or more children.
type AllExpr struct {
	Children []Expr
}

func (*AllExpr) exprNode() {}

// AnyExpr is a logical OR over one or more children.
type AnyExpr struct {
	Children []Expr
}

func (*AnyExpr) exprNode() {}

// NotExpr negates its single child.
type NotExpr struct {
	Child Expr
}

func (*NotExpr) exprNode() {}

// Predicate compares a resolved field value against an expected value.
//
// Value holds the decoded JSON expected value: string, bool, json.Number,
// []any or map[string]any as produced by canonical.Decode.
type Predicate struct {
	Field    string
	Operator Operator
	Value    any
}

func (*Predicate) exprNode() {}

// Operator enumerates the supported predicate operators.
type Operator string

const (
	OpEQ       Operator = "eq"
	OpNE       Operator = "ne"
	OpGT       Operator = "gt"
	OpGTE      Operator = "gte"
	OpLT       Operator = "lt"
	OpLTE      Operator = "lte"
	OpIN       Operator = "in"
	OpCONTAINS Operator = "contains"
	OpMATCHES  Operator = "matches"
)

// operatorFromToken maps a DSL token to an Operator. Tokens are matched
// exactly (lower case); unknown tokens return false.
func operatorFromToken(token string) (Operator, bool) {
	switch Operator(token) {
	case OpEQ, OpNE, OpGT, OpGTE, OpLT, OpLTE, OpIN, OpCONTAINS, OpMATCHES:
		return Operator(token), true
	default:
		return "", false
	}
}

// numericOperator reports whether op orders its operands numerically.
func numericOperator(op Operator) bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE:
		return true
	default:
		return false
	}
}
