package kernel

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/manthysbr/clipforge/internal/core/domain"
)

//go:embed openapi.yaml
var openapiSpec []byte

// Contract is the loaded API description. Request bodies are checked against
// its component schemas before they reach the domain.
type Contract struct {
	doc *openapi3.T
}

func LoadContract() (*Contract, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, fmt.Errorf("load openapi contract: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid openapi contract: %w", err)
	}
	return &Contract{doc: doc}, nil
}

// ValidateBody checks raw JSON against a named component schema.
func (c *Contract) ValidateBody(schemaName string, raw []byte) error {
	ref, ok := c.doc.Components.Schemas[schemaName]
	if !ok || ref.Value == nil {
		return fmt.Errorf("unknown schema %q", schemaName)
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return &domain.ValidationError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if err := ref.Value.VisitJSON(value); err != nil {
		return schemaValidationError(err)
	}
	return nil
}

func (c *Contract) JSON() ([]byte, error) {
	return c.doc.MarshalJSON()
}

func schemaValidationError(err error) error {
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		return &domain.ValidationError{
			Field:  strings.Join(se.JSONPointer(), "."),
			Reason: se.Reason,
		}
	}
	return &domain.ValidationError{Reason: err.Error()}
}
