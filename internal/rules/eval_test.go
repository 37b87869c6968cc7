package rules

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/cockroachdb/apd/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/internal/fault"
)

func decimal(t *testing.T, s string) *apd.Decimal {
	t.Helper()
	d, _, err := apd.NewFromString(s)
	require.NoError(t, err)
	return d
}

func evalDoc(t *testing.T, doc string, ctx Context) Result {
	t.Helper()
	expr := mustParse(t, doc)
	result, err := NewEvaluator().Evaluate(expr, ctx)
	require.NoError(t, err)
	return result
}

func TestEvaluate_NumericComparisonsUseDecimals(t *testing.T) {
	ctx := Context{Amount: decimal(t, "1000.10")}

	cases := []struct {
		doc  string
		want bool
	}{
		{`{"field":"amount","op":"gt","value":1000}`, true},
		{`{"field":"amount","op":"gt","value":1000.10}`, false},
		{`{"field":"amount","op":"gte","value":1000.10}`, true},
		{`{"field":"amount","op":"lt","value":1000.2}`, true},
		{`{"field":"amount","op":"lte","value":999}`, false},
		// Trailing zeros must not break equality.
		{`{"field":"amount","op":"eq","value":1000.1}`, true},
		{`{"field":"amount","op":"ne","value":1000.1}`, false},
	}

	for _, tc := range cases {
		t.Run(tc.doc, func(t *testing.T) {
			assert.Equal(t, tc.want, evalDoc(t, tc.doc, ctx).Matched)
		})
	}
}

func TestEvaluate_NonNumericOperandsAreFalseNotErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		ctx  Context
	}{
		{"missing amount", `{"field":"amount","op":"gt","value":100}`, Context{}},
		{"string field", `{"field":"department","op":"gt","value":100}`, Context{Department: "IT"}},
		{"string expected", `{"field":"amount","op":"gt","value":"100"}`, Context{Amount: decimal(t, "200")}},
		{"missing payload path", `{"field":"payload.a.b","op":"lte","value":5}`, Context{}},
		{"non-map intermediate", `{"field":"payload.a.b","op":"lt","value":5}`, Context{Payload: map[string]any{"a": "scalar"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := evalDoc(t, tc.doc, tc.ctx)
			assert.False(t, result.Matched)
		})
	}
}

func TestEvaluate_PayloadPathResolution(t *testing.T) {
	ctx := Context{Payload: map[string]any{
		"vendor": map[string]any{"tier": "GOLD", "score": json.Number("87.5")},
		"tags":   []any{"urgent", "capex"},
	}}

	assert.True(t, evalDoc(t, `{"field":"payload.vendor.tier","op":"eq","value":"GOLD"}`, ctx).Matched)
	assert.True(t, evalDoc(t, `{"field":"payload.vendor.score","op":"gte","value":87.5}`, ctx).Matched)
	assert.True(t, evalDoc(t, `{"field":"payload.tags","op":"contains","value":"urgent"}`, ctx).Matched)
	assert.False(t, evalDoc(t, `{"field":"payload.vendor.missing","op":"eq","value":"x"}`, ctx).Matched)
}

func TestEvaluate_InMembership(t *testing.T) {
	ctx := Context{Department: "FINANCE", Amount: decimal(t, "250")}

	assert.True(t, evalDoc(t, `{"field":"department","op":"in","value":["IT","FINANCE"]}`, ctx).Matched)
	assert.False(t, evalDoc(t, `{"field":"department","op":"in","value":["IT","LEGAL"]}`, ctx).Matched)
	// Membership uses numeric equality per element.
	assert.True(t, evalDoc(t, `{"field":"amount","op":"in","value":[100,250.0]}`, ctx).Matched)
}

func TestEvaluate_ContainsSubstringAndCollection(t *testing.T) {
	ctx := Context{Department: "FINANCE", Amount: decimal(t, "10")}

	assert.True(t, evalDoc(t, `{"field":"department","op":"contains","value":"NAN"}`, ctx).Matched)
	assert.False(t, evalDoc(t, `{"field":"department","op":"contains","value":"nan"}`, ctx).Matched)
	// Numbers are neither strings nor collections.
	assert.False(t, evalDoc(t, `{"field":"amount","op":"contains","value":"1"}`, ctx).Matched)
}

func TestEvaluate_MatchesIsAnchored(t *testing.T) {
	ctx := Context{Currency: "USD"}

	assert.True(t, evalDoc(t, `{"field":"currency","op":"matches","value":"[A-Z]{3}"}`, ctx).Matched)
	// A substring hit is not a match: the full string must match.
	assert.False(t, evalDoc(t, `{"field":"currency","op":"matches","value":"[A-Z]{2}"}`, ctx).Matched)
	// Non-string field values never match.
	assert.False(t, evalDoc(t, `{"field":"amount","op":"matches","value":"8.*"}`, Context{Amount: decimal(t, "8")}).Matched)
}

func TestEvaluate_OversizedRegexInputIsInvalidDefinition(t *testing.T) {
	expr := mustParse(t, `{"field":"department","op":"matches","value":"a+"}`)
	ctx := Context{Department: strings.Repeat("a", 4001)}

	_, err := NewEvaluator().Evaluate(expr, ctx)
	require.Error(t, err)
	assert.True(t, fault.IsInvalid(err))
}

func TestEvaluate_NoShortCircuit_TraceIsComplete(t *testing.T) {
	result := evalDoc(t, `{
		"any": [
			{"field": "department", "op": "eq", "value": "IT"},
			{"field": "currency", "op": "eq", "value": "EUR"}
		]
	}`, Context{Department: "IT", Currency: "USD"})

	require.True(t, result.Matched)
	// Both children plus the any node itself: a matched first child must not
	// suppress evaluation of the second.
	require.Len(t, result.Traces, 3)
	assert.Equal(t, "$.any[0]", result.Traces[0].Path)
	assert.True(t, result.Traces[0].Result)
	assert.Equal(t, "$.any[1]", result.Traces[1].Path)
	assert.False(t, result.Traces[1].Result)
	assert.Equal(t, "$", result.Traces[2].Path)
	assert.Equal(t, "any", result.Traces[2].Kind)
}

func TestEvaluate_Deterministic(t *testing.T) {
	doc := `{
		"all": [
			{"field": "amount", "op": "gte", "value": 100},
			{"not": {"field": "payload.flags", "op": "contains", "value": "exempt"}},
			{"field": "requestType", "op": "matches", "value": "PURCHASE_.*"}
		]
	}`
	ctx := Context{
		Amount:      decimal(t, "150.00"),
		RequestType: "PURCHASE_ORDER",
		Payload:     map[string]any{"flags": []any{"reviewed"}},
	}

	expr := mustParse(t, doc)
	first, err := NewEvaluator().Evaluate(expr, ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := NewEvaluator().Evaluate(expr, ctx)
		require.NoError(t, err)
		firstJSON, err := json.Marshal(first.Traces)
		require.NoError(t, err)
		againJSON, err := json.Marshal(again.Traces)
		require.NoError(t, err)
		assert.Equal(t, first.Matched, again.Matched)
		assert.Equal(t, string(firstJSON), string(againJSON))
	}
}

func TestEvaluate_NotNegates(t *testing.T) {
	ctx := Context{Department: "IT"}
	assert.False(t, evalDoc(t, `{"not":{"field":"department","op":"eq","value":"IT"}}`, ctx).Matched)
	assert.True(t, evalDoc(t, `{"not":{"field":"department","op":"eq","value":"HR"}}`, ctx).Matched)
}

func TestEvaluate_PredicateTraceFields(t *testing.T) {
	result := evalDoc(t, `{"field":"amount","op":"gt","value":100}`, Context{Amount: decimal(t, "250.00")})

	require.Len(t, result.Traces, 1)
	entry := result.Traces[0]
	assert.Equal(t, "predicate", entry.Kind)
	assert.Equal(t, "amount", entry.Field)
	assert.Equal(t, "gt", entry.Operator)
	assert.Equal(t, "250.00", entry.Actual)
	assert.Equal(t, json.Number("100"), entry.Expected)
	assert.Equal(t, "numeric greater-than", entry.Reason)
}
