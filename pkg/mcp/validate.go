package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// validator checks tool arguments against the tool's input schema.
type validator struct {
	schemas map[string]*jsonschema.Schema
}

func newValidator() *validator {
	return &validator{schemas: make(map[string]*jsonschema.Schema)}
}

func (v *validator) add(tool string, schema map[string]any) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode %s schema: %w", tool, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://tithe.schemas.local/tools/%s.schema.json", tool)
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return fmt.Errorf("%s schema load failed: %w", tool, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("%s schema compile failed: %w", tool, err)
	}
	v.schemas[tool] = compiled
	return nil
}

// decode validates raw against the tool's schema and returns the decoded
// object. Missing arguments are treated as an empty object.
func (v *validator) decode(tool string, raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}
	if schema, ok := v.schemas[tool]; ok {
		if err := schema.Validate(args); err != nil {
			return nil, fmt.Errorf("invalid arguments for %s: %w", tool, err)
		}
	}
	return args, nil
}

// sanitize strips control characters, trims whitespace and caps the length
// of free-text input before it is forwarded.
func sanitize(s string, max int) string {
	s = strings.Map(func(r rune) rune {
		if r == utf8.RuneError || (unicode.IsControl(r) && r != '\n' && r != '\t') {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if max > 0 && utf8.RuneCountInString(s) > max {
		s = string([]rune(s)[:max])
	}
	return s
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
