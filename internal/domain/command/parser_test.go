package command

import (
	"reflect"
	"testing"
)

func TestParse_NoCommands(t *testing.T) {
	stripped, invs, errs := Parse("just a normal message", "!/")
	if stripped != "just a normal message" {
		t.Fatalf("text mutated: %q", stripped)
	}
	if len(invs) != 0 || len(errs) != 0 {
		t.Fatalf("expected no invocations, got %d", len(invs))
	}
}

func TestParse_SimpleCommand(t *testing.T) {
	stripped, invs, errs := Parse("!/hello", "!/")
	if stripped != "" {
		t.Fatalf("expected empty remainder, got %q", stripped)
	}
	if len(invs) != 1 || invs[0].Name != "hello" {
		t.Fatalf("unexpected invocations: %+v", invs)
	}
	if errs[0] != nil {
		t.Fatalf("unexpected parse error: %v", errs[0])
	}
}

func TestParse_CommandWithArgs(t *testing.T) {
	text := `explain this !/set(model=openai:gpt-4, temperature=0.2) please`
	stripped, invs, errs := Parse(text, "!/")
	if stripped != "explain this  please" {
		t.Fatalf("unexpected remainder: %q", stripped)
	}
	if len(invs) != 1 {
		t.Fatalf("expected 1 invocation, got %d", len(invs))
	}
	if errs[0] != nil {
		t.Fatalf("unexpected error: %v", errs[0])
	}
	want := map[string]string{"model": "openai:gpt-4", "temperature": "0.2"}
	if !reflect.DeepEqual(invs[0].Args, want) {
		t.Fatalf("args = %v, want %v", invs[0].Args, want)
	}
}

func TestParse_QuotedValueWithParens(t *testing.T) {
	_, invs, errs := Parse(`!/think(prefix="step (by step), think")`, "!/")
	if len(invs) != 1 || errs[0] != nil {
		t.Fatalf("parse failed: %+v errs=%v", invs, errs)
	}
	if got := invs[0].Args["prefix"]; got != "step (by step), think" {
		t.Fatalf("prefix = %q", got)
	}
}

func TestParse_MultipleCommandsInOrder(t *testing.T) {
	_, invs, _ := Parse("!/hello !/pwd rest", "!/")
	if len(invs) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(invs))
	}
	if invs[0].Name != "hello" || invs[1].Name != "pwd" {
		t.Fatalf("order wrong: %s, %s", invs[0].Name, invs[1].Name)
	}
}

func TestParse_MalformedArgsStillStripped(t *testing.T) {
	stripped, invs, errs := Parse(`!/set(model="unterminated) tail`, "!/")
	if len(invs) != 1 {
		t.Fatalf("expected the malformed invocation recorded, got %d", len(invs))
	}
	if errs[0] == nil {
		t.Fatal("expected a parse error for the malformed argument list")
	}
	// The malformed span must never reach the upstream.
	if stripped != "" {
		t.Fatalf("malformed command leaked into remainder: %q", stripped)
	}
}

func TestParse_BarePrefixPassesThrough(t *testing.T) {
	stripped, invs, _ := Parse("the ratio is 3 !/ 4", "!/")
	if len(invs) != 0 {
		t.Fatalf("bare prefix misparsed as command: %+v", invs)
	}
	if stripped != "the ratio is 3 !/ 4" {
		t.Fatalf("text mutated: %q", stripped)
	}
}

func TestParseArgs_BareKey(t *testing.T) {
	args, err := ParseArgs("model, backend")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := args["model"]; !ok {
		t.Fatal("bare key model missing")
	}
	if args["backend"] != "" {
		t.Fatalf("bare key should have empty value, got %q", args["backend"])
	}
}

func TestParseArgs_EscapedQuotes(t *testing.T) {
	args, err := ParseArgs(`note="he said \"hi\""`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if args["note"] != `he said "hi"` {
		t.Fatalf("note = %q", args["note"])
	}
}

func TestRenderArgs_RoundTrip(t *testing.T) {
	cases := []map[string]string{
		{"model": "openai:gpt-4"},
		{"prefix": "think, step (by step)", "level": "high"},
		{"note": `quote " and \ backslash`},
		{"bare": ""},
	}
	for _, args := range cases {
		rendered := RenderArgs(args)
		parsed, err := ParseArgs(rendered)
		if err != nil {
			t.Fatalf("rendered form %q does not parse: %v", rendered, err)
		}
		if !reflect.DeepEqual(parsed, args) {
			t.Fatalf("round trip changed args: %v -> %q -> %v", args, rendered, parsed)
		}
	}
}
