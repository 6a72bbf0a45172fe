package attestation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

var requiredFields = map[Type][]string{
	TypeHealthCheck:   nil,
	TypeViolation:     {KeyViolationType, KeySeverity},
	TypeFeeGeneration: {KeyFeeAmount},
	TypeDrawdown:      {KeyDrawdownPercent},
}

// payloadSchemas constrain value formats once required keys are present.
var payloadSchemas = map[Type]string{
	TypeHealthCheck: `{
		"type": "object",
		"additionalProperties": {"type": "string", "maxLength": 256}
	}`,
	TypeViolation: `{
		"type": "object",
		"properties": {
			"violation_type": {"type": "string", "minLength": 1, "maxLength": 64},
			"severity": {"type": "string", "minLength": 1, "maxLength": 16}
		},
		"additionalProperties": {"type": "string", "maxLength": 256}
	}`,
	TypeFeeGeneration: `{
		"type": "object",
		"properties": {
			"fee_amount": {"type": "string", "pattern": "^[0-9]{1,18}$"}
		},
		"additionalProperties": {"type": "string", "maxLength": 256}
	}`,
	TypeDrawdown: `{
		"type": "object",
		"properties": {
			"drawdown_percent": {"type": "string", "pattern": "^-?[0-9]{1,3}$"}
		},
		"additionalProperties": {"type": "string", "maxLength": 256}
	}`,
}

type payloadValidator struct {
	schemas map[Type]*jsonschema.Schema
}

func newPayloadValidator() (*payloadValidator, error) {
	v := &payloadValidator{schemas: make(map[Type]*jsonschema.Schema)}
	for t, schema := range payloadSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		schemaURL := fmt.Sprintf("https://commitlabs.schemas.local/attestation/%s.schema.json", t)
		if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
			return nil, fmt.Errorf("attestation schema load failed: %w", err)
		}
		compiled, err := c.Compile(schemaURL)
		if err != nil {
			return nil, fmt.Errorf("attestation schema compile failed: %w", err)
		}
		v.schemas[t] = compiled
	}
	return v, nil
}

// Validate checks payload for attestation type t. Failures name the
// offending payload key.
func (v *payloadValidator) Validate(t Type, payload map[string]string) error {
	if !t.Valid() {
		return protoerr.Validation(namespace, "type", fmt.Sprintf("unknown attestation type %q", t))
	}
	if err := safety.RequireFields(payload, requiredFields[t]...); err != nil {
		return protoerr.Validation(namespace, protoerr.FieldOf(err), "required field missing")
	}
	doc := make(map[string]any, len(payload))
	for k, val := range payload {
		doc[k] = val
	}
	err := v.schemas[t].Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := deepestCause(ve)
		field := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if field == "" {
			field = "payload"
		}
		return protoerr.Validation(namespace, field, leaf.Message)
	}
	return protoerr.Validation(namespace, "payload", err.Error())
}

func deepestCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}
