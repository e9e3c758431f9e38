package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// anchorKeys are the keys whose presence at the start of a line marks a
// block as the agent's final structured-output region.
var anchorKeys = []string{"result", "verdict", "story_file"}

var fencedBlockRe = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\r?\\n(.*?)```")

// ExtractedBlock is the outcome of locating and parsing the agent's
// final structured-output block.
type ExtractedBlock struct {
	Parsed     map[string]any
	Raw        string
	ParseError string
}

// ExtractStructured implements the three-tier anchor-key extraction
// policy: the last fenced block containing an anchor key, else the
// first unfenced anchored region, else null with parse_error
// "no_yaml_block".
func ExtractStructured(output string, schema json.RawMessage) ExtractedBlock {
	block, ok := lastAnchoredFencedBlock(output)
	if !ok {
		block, ok = firstUnfencedAnchoredRegion(output)
	}
	if !ok {
		return ExtractedBlock{ParseError: "no_yaml_block"}
	}
	result := parseBlock(block)
	if result.ParseError != "" || len(schema) == 0 {
		return result
	}
	if err := validateSchema(result.Parsed, schema); err != nil {
		return ExtractedBlock{Raw: result.Raw, ParseError: err.Error()}
	}
	return result
}

func hasAnchorKey(block string) bool {
	for _, line := range strings.Split(block, "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		for _, key := range anchorKeys {
			if strings.HasPrefix(trimmed, key+":") {
				return true
			}
		}
	}
	return false
}

// lastAnchoredFencedBlock returns the last fenced code block containing
// an anchor key; fenced blocks without one are ignored entirely.
func lastAnchoredFencedBlock(output string) (string, bool) {
	matches := fencedBlockRe.FindAllStringSubmatch(output, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		candidate := matches[i][1]
		if hasAnchorKey(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// firstUnfencedAnchoredRegion returns the first line beginning with an
// anchor key, through end of output.
func firstUnfencedAnchoredRegion(output string) (string, bool) {
	lines := strings.Split(output, "\n")
	for i, line := range lines {
		for _, key := range anchorKeys {
			if strings.HasPrefix(line, key+":") {
				return strings.Join(lines[i:], "\n"), true
			}
		}
	}
	return "", false
}

func parseBlock(block string) ExtractedBlock {
	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(block), &parsed); err != nil {
		return ExtractedBlock{Raw: block, ParseError: fmt.Sprintf("invalid structured block: %s", err)}
	}
	return ExtractedBlock{Parsed: parsed, Raw: block}
}

// validateSchema re-marshals parsed through jsonschema.UnmarshalJSON so
// numbers carry the json.Number representation the validator expects.
func validateSchema(parsed map[string]any, schemaJSON json.RawMessage) error {
	raw, err := json.Marshal(parsed)
	if err != nil {
		return fmt.Errorf("re-marshal structured block: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("normalize structured block: %w", err)
	}

	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("unmarshal output_schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("output_schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add output_schema resource: %w", err)
	}
	schema, err := c.Compile("output_schema.json")
	if err != nil {
		return fmt.Errorf("compile output_schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %s", err)
	}
	return nil
}
