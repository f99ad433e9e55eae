package template

import (
	"strings"
	"testing"
)

func TestRenderSubstitution(t *testing.T) {
	r := VarRenderer{}

	out, err := r.Render("Hi {{name}}, your code is {{code}}", map[string]string{
		"name": "Ann",
		"code": "1234",
	})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if out != "Hi Ann, your code is 1234" {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestRenderRepeatedAndSpacedVariables(t *testing.T) {
	r := VarRenderer{}

	out, err := r.Render("{{ name }} and {{name}}", map[string]string{"name": "Bo"})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if out != "Bo and Bo" {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestRenderUnresolvedVariableFails(t *testing.T) {
	r := VarRenderer{}

	_, err := r.Render("Hi {{name}}", map[string]string{"other": "x"})
	if err == nil {
		t.Fatal("expected error for unresolved variable")
	}
	if !strings.Contains(err.Error(), "name") {
		t.Errorf("expected missing variable named in error, got %v", err)
	}
}

func TestRenderEmptyTemplateFails(t *testing.T) {
	if _, err := (VarRenderer{}).Render("", nil); err == nil {
		t.Error("expected error for empty template")
	}
}

func TestRenderNoVariables(t *testing.T) {
	out, err := (VarRenderer{}).Render("plain text", nil)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if out != "plain text" {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestMergeVariablesPriority(t *testing.T) {
	got := MergeVariables(
		`{"name":"campaign","greeting":"hello"}`,
		`{"name":"recipient"}`,
	)

	if got["name"] != "recipient" {
		t.Errorf("expected recipient value to win, got %q", got["name"])
	}
	if got["greeting"] != "hello" {
		t.Errorf("expected campaign value preserved, got %q", got["greeting"])
	}
}

func TestMergeVariablesInvalidJSON(t *testing.T) {
	got := MergeVariables(`not json`, `{"a":"1"}`)
	if len(got) != 1 || got["a"] != "1" {
		t.Errorf("expected invalid JSON treated as empty, got %v", got)
	}
}
