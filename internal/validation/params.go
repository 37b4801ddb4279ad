package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kinetiq-dev/kinetiq/pkg/schema"
)

// validateParams checks step parameters against an operation's declared JSON
// Schema (Draft 2020-12). nil parameters validate as an empty object.
// Compiled schemas are cached on the Validator, keyed by the raw schema text;
// schemas are immutable once declared on a handler.
func (v *Validator) validateParams(params map[string]any, rawSchema json.RawMessage) error {
	compiled, err := v.getOrCompile(rawSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid operation schema").WithCause(err)
	}

	if params == nil {
		params = map[string]any{}
	}
	doc, err := toJSONValue(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize parameters").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toValidationError(err)
	}
	return nil
}

func (v *Validator) getOrCompile(rawSchema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(rawSchema)

	v.mu.RLock()
	if cached, ok := v.schemas[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.schemas[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each schema gets a unique URL to avoid compiler resource collisions.
	url := fmt.Sprintf("kinetiq://operation-schema/%d", len(v.schemas))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.schemas[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationError converts a jsonschema.ValidationError into a typed error
// listing the leaf violations.
func toValidationError(err error) *schema.KinetiqError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and gathers leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
