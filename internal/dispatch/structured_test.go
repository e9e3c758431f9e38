package dispatch_test

import (
	"testing"

	"github.com/basket/substrate/internal/dispatch"
)

func TestExtractStructuredPrefersLastAnchoredFencedBlock(t *testing.T) {
	output := "some commentary\n" +
		"```\nnot anchored: true\n```\n" +
		"```yaml\nresult: first\n```\n" +
		"more commentary\n" +
		"```yaml\nresult: second\nverdict: approved\n```\n"

	block := dispatch.ExtractStructured(output, nil)
	if block.ParseError != "" {
		t.Fatalf("unexpected parse error: %s", block.ParseError)
	}
	if block.Parsed["result"] != "second" {
		t.Fatalf("expected last anchored fenced block to win, got %v", block.Parsed)
	}
	if block.Parsed["verdict"] != "approved" {
		t.Fatalf("expected verdict field preserved, got %v", block.Parsed)
	}
}

func TestExtractStructuredFallsBackToUnfencedRegion(t *testing.T) {
	output := "the agent rambles for a while\n" +
		"result: success\n" +
		"notes: done\n"

	block := dispatch.ExtractStructured(output, nil)
	if block.ParseError != "" {
		t.Fatalf("unexpected parse error: %s", block.ParseError)
	}
	if block.Parsed["result"] != "success" {
		t.Fatalf("expected unfenced anchored region parsed, got %v", block.Parsed)
	}
}

func TestExtractStructuredReportsNoYAMLBlock(t *testing.T) {
	block := dispatch.ExtractStructured("nothing resembling structured output here", nil)
	if block.ParseError != "no_yaml_block" {
		t.Fatalf("expected no_yaml_block, got %q", block.ParseError)
	}
	if block.Parsed != nil {
		t.Fatalf("expected nil parsed result, got %v", block.Parsed)
	}
}

func TestExtractStructuredValidatesAgainstSchema(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"required": ["result"],
		"properties": {"result": {"enum": ["success", "failure"]}}
	}`)

	ok := dispatch.ExtractStructured("result: success\n", schema)
	if ok.ParseError != "" {
		t.Fatalf("expected schema to validate, got %s", ok.ParseError)
	}

	bad := dispatch.ExtractStructured("result: maybe\n", schema)
	if bad.ParseError == "" {
		t.Fatal("expected schema validation failure for result: maybe")
	}
}

func TestExtractStructuredIgnoresFencedBlocksWithoutAnchor(t *testing.T) {
	output := "```\njust some code\n```\n" +
		"result: success\n"

	block := dispatch.ExtractStructured(output, nil)
	if block.ParseError != "" {
		t.Fatalf("unexpected parse error: %s", block.ParseError)
	}
	if block.Parsed["result"] != "success" {
		t.Fatalf("expected fallback to unfenced region, got %v", block.Parsed)
	}
}
