// Package definition guards the boundary where untyped definition documents
// enter the system: JSON schema validation, YAML seed files and a read cache
// for immutable definitions.
package definition

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/tessera/internal/machine"
	"github.com/pitabwire/tessera/model"
)

//go:embed document.yaml
var documentSchema []byte

var (
	schemaOnce sync.Once
	specSchema *openapi3.Schema
	schemaErr  error
)

// machineSchema loads the MachineSpec component of the embedded document.
func machineSchema() (*openapi3.Schema, error) {
	schemaOnce.Do(func() {
		loader := openapi3.NewLoader()
		loader.IsExternalRefsAllowed = false

		doc, err := loader.LoadFromData(documentSchema)
		if err != nil {
			schemaErr = fmt.Errorf("definition: loading schema: %w", err)
			return
		}
		if err := doc.Validate(context.Background()); err != nil {
			schemaErr = fmt.Errorf("definition: validating schema: %w", err)
			return
		}
		ref, ok := doc.Components.Schemas["MachineSpec"]
		if !ok || ref.Value == nil {
			schemaErr = errors.New("definition: schema has no MachineSpec component")
			return
		}
		specSchema = ref.Value
	})
	return specSchema, schemaErr
}

// ValidateDocument checks a raw state-machine document against the JSON
// schema, decodes it and runs the structural checks of machine.Validate.
// This is the only place a definition spec is validated; afterwards it is
// handled as a typed value.
func ValidateDocument(raw []byte) (model.MachineSpec, error) {
	if len(raw) == 0 {
		return model.MachineSpec{}, model.NewFieldValidationError("spec", "REQUIRED", "spec is required")
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.MachineSpec{}, model.NewBadRequestError("spec is not valid JSON")
	}

	schema, err := machineSchema()
	if err != nil {
		return model.MachineSpec{}, err
	}
	if err := schema.VisitJSON(doc, openapi3.MultiErrors()); err != nil {
		return model.MachineSpec{}, model.NewValidationError(schemaDetails(err))
	}

	var spec model.MachineSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return model.MachineSpec{}, model.NewFieldValidationError("spec", "INVALID_VALUE", err.Error())
	}
	if err := machine.Validate(spec); err != nil {
		return model.MachineSpec{}, err
	}
	return spec, nil
}

// schemaDetails flattens kin-openapi errors into field errors.
func schemaDetails(err error) []model.FieldError {
	var details []model.FieldError
	var walk func(error)
	walk = func(err error) {
		var multi openapi3.MultiError
		if errors.As(err, &multi) {
			for _, e := range multi {
				walk(e)
			}
			return
		}
		var se *openapi3.SchemaError
		if errors.As(err, &se) {
			details = append(details, model.FieldError{
				Field:   fieldPath(se.JSONPointer()),
				Code:    "SCHEMA",
				Message: se.Reason,
			})
			return
		}
		details = append(details, model.FieldError{Field: "spec", Code: "SCHEMA", Message: err.Error()})
	}
	walk(err)
	return details
}

func fieldPath(pointer []string) string {
	if len(pointer) == 0 {
		return "spec"
	}
	return "spec." + strings.Join(pointer, ".")
}
