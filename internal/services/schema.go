package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ResponseSchema is the JSON Schema a structured completion must satisfy.
type ResponseSchema struct {
	Name   string
	Schema map[string]any

	compiled *gojsonschema.Schema
}

// NewResponseSchema compiles schema once so every completion reuses it.
func NewResponseSchema(name string, schema map[string]any) (*ResponseSchema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s schema: %w", name, err)
	}
	return &ResponseSchema{Name: name, Schema: schema, compiled: compiled}, nil
}

// MustResponseSchema is NewResponseSchema for package-level schemas.
func MustResponseSchema(name string, schema map[string]any) *ResponseSchema {
	s, err := NewResponseSchema(name, schema)
	if err != nil {
		panic(err)
	}
	return s
}

// FieldError is one schema violation.
type FieldError struct {
	Field   string
	Message string
}

// SchemaValidationError lists every violation found in a document.
type SchemaValidationError struct {
	Schema string
	Errors []FieldError
}

func (e *SchemaValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return fmt.Sprintf("%s schema validation failed: %s", e.Schema, strings.Join(parts, "; "))
}

// Validate checks raw JSON against the schema.
func (s *ResponseSchema) Validate(raw json.RawMessage) error {
	result, err := s.compiled.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to validate %s response: %w", s.Name, err)
	}
	if result.Valid() {
		return nil
	}

	verr := &SchemaValidationError{Schema: s.Name}
	for _, re := range result.Errors() {
		verr.Errors = append(verr.Errors, FieldError{Field: re.Field(), Message: re.Description()})
	}
	return verr
}

// ExtractJSON strips markdown fences and surrounding prose from a model
// reply and returns the outermost JSON object.
func ExtractJSON(text string) (json.RawMessage, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```JSON")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrMalformedResponse)
	}
	cleaned = cleaned[start : end+1]

	if !json.Valid([]byte(cleaned)) {
		return nil, fmt.Errorf("%w: response is not valid JSON", ErrMalformedResponse)
	}
	return json.RawMessage(cleaned), nil
}
