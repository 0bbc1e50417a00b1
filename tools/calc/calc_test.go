package calc

import (
	"context"
	"encoding/json"
	"testing"
)

func TestEvaluate(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"2+2", 4},
		{"2 + 3 * 4", 14},
		{"(2+3)*4", 20},
		{"10/4", 2.5},
		{"10%3", 1},
		{"-5+2", -3},
		{"1.5*2", 3},
		{"((1+2)*(3+4))", 21},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.expr)
		if err != nil {
			t.Fatalf("Evaluate(%q): %v", tc.expr, err)
		}
		if got != tc.want {
			t.Errorf("Evaluate(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestEvaluateRejects(t *testing.T) {
	for _, expr := range []string{
		"2+x",
		"import os",
		"1;2",
		"2**3",
		"",
		"(1+2",
		"1/0",
		"5%0",
	} {
		if _, err := Evaluate(expr); err == nil {
			t.Errorf("Evaluate(%q) succeeded, want error", expr)
		}
	}
}

func TestExecute(t *testing.T) {
	tool := New()
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"expression":"2+2"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("unexpected tool error: %s", res.Error)
	}
	if res.Content != "4" {
		t.Errorf("result = %q, want %q", res.Content, "4")
	}
}

func TestExecuteBadExpression(t *testing.T) {
	tool := New()
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"expression":"rm -rf /"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Error == "" {
		t.Error("expected a tool error for a non-arithmetic expression")
	}
}
