package consensushttp

import (
	"fmt"
	"strings"

	"arbiter/internal/consensus"
	"arbiter/internal/pkg/jsonutil"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Request schemas. Agents are LLM-backed and occasionally send numbers as
// strings, so the schemas accept both and coercion normalizes afterwards.
const openRoundSchema = `{
	"type": "object",
	"required": ["domain", "expected_agents"],
	"properties": {
		"domain": {"type": "string", "minLength": 1},
		"expected_agents": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "minLength": 1}
		},
		"timeout_ms": {"type": ["integer", "string"]}
	},
	"additionalProperties": false
}`

const voteSchema = `{
	"type": "object",
	"required": ["agent_id", "vote"],
	"properties": {
		"agent_id": {"type": "string", "minLength": 1},
		"vote": {"type": ["boolean", "string"]},
		"numeric": {"type": ["number", "string"]}
	},
	"additionalProperties": false
}`

const baselineSchema = `{
	"type": "object",
	"required": ["variance"],
	"properties": {
		"variance": {"type": ["integer", "string"]}
	},
	"additionalProperties": false
}`

const agentSchema = `{
	"type": "object",
	"required": ["agent_id", "model_family"],
	"properties": {
		"agent_id": {"type": "string", "minLength": 1},
		"model_family": {"type": "string", "minLength": 1},
		"trust": {"type": ["integer", "string"]}
	},
	"additionalProperties": false
}`

type requestValidator struct {
	openRound *jsonschema.Schema
	vote      *jsonschema.Schema
	baseline  *jsonschema.Schema
	agent     *jsonschema.Schema
}

func newRequestValidator() (*requestValidator, error) {
	compile := func(name, src string) (*jsonschema.Schema, error) {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name, strings.NewReader(src)); err != nil {
			return nil, err
		}
		return c.Compile(name)
	}
	v := &requestValidator{}
	var err error
	if v.openRound, err = compile("open_round.json", openRoundSchema); err != nil {
		return nil, err
	}
	if v.vote, err = compile("vote.json", voteSchema); err != nil {
		return nil, err
	}
	if v.baseline, err = compile("baseline.json", baselineSchema); err != nil {
		return nil, err
	}
	if v.agent, err = compile("agent.json", agentSchema); err != nil {
		return nil, err
	}
	return v, nil
}

// normalizeBody trims the payload and, when it is not bare JSON, recovers the
// first embedded object. LLM-backed agents sometimes fence the payload in
// markdown or pad it with prose.
func normalizeBody(raw []byte) (string, error) {
	body := strings.TrimSpace(string(raw))
	if body == "" {
		return "", fmt.Errorf("request body is empty")
	}
	if gjson.Valid(body) {
		return body, nil
	}
	extracted, ok := jsonutil.ExtractObject(body)
	if !ok || !gjson.Valid(extracted) {
		return "", fmt.Errorf("request body is not valid json")
	}
	return extracted, nil
}

// validateBody returns the normalized JSON document after schema validation.
func validateBody(schema *jsonschema.Schema, raw []byte) (string, error) {
	body, err := normalizeBody(raw)
	if err != nil {
		return "", err
	}
	if err := schema.Validate(gjson.Parse(body).Value()); err != nil {
		return "", fmt.Errorf("schema validation failed: %w", err)
	}
	return body, nil
}

// parseBoolField reads a boolean that may arrive as a string ("true"/"false").
func parseBoolField(v gjson.Result) (bool, error) {
	switch v.Type {
	case gjson.True:
		return true, nil
	case gjson.False:
		return false, nil
	case gjson.String:
		switch strings.ToLower(strings.TrimSpace(v.String())) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return false, fmt.Errorf("expected boolean, got %q", v.Raw)
}

// parseIntField reads an integer that may arrive as a string.
func parseIntField(v gjson.Result) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(v.String()))
	if err != nil {
		return 0, fmt.Errorf("expected integer, got %q", v.Raw)
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("expected integer, got %q", v.Raw)
	}
	return d.IntPart(), nil
}

// parseScaledField converts a numeric payload to its parts-per-thousand
// integer form. Whole numbers pass through as already-scaled values; a
// fractional value is shifted by three decimal places and must land exactly
// on an integer, because the core works in exact fixed point and silent
// rounding would change outcomes. Magnitudes beyond the core's numeric bound
// are rejected before IntPart, which would otherwise wrap silently.
func parseScaledField(v gjson.Result) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(v.String()))
	if err != nil {
		return 0, fmt.Errorf("expected number, got %q", v.Raw)
	}
	scaled := d
	if !d.IsInteger() {
		scaled = d.Shift(3)
		if !scaled.IsInteger() {
			return 0, fmt.Errorf("value %q does not convert exactly to thousandths", v.Raw)
		}
	}
	if scaled.Abs().GreaterThan(decimal.NewFromInt(consensus.MaxNumericMagnitude)) {
		return 0, fmt.Errorf("value %q exceeds the numeric payload bound", v.Raw)
	}
	return scaled.IntPart(), nil
}
