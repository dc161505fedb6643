package config

import (
	_ "embed"
	"fmt"
	"sync"

	sserrors "github.com/gxo-labs/statesync/pkg/statesync/v1/errors"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed statesync_schema_v1.0.0.json
var schemaV1Bytes []byte

var (
	schemaV1   *gojsonschema.Schema
	schemaOnce sync.Once
	schemaErr  error
)

// loadSchema compiles the embedded schema once.
func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		if len(schemaV1Bytes) == 0 {
			schemaErr = sserrors.NewConfigError("embedded schema 'statesync_schema_v1.0.0.json' is empty", nil)
			return
		}
		schemaV1, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaV1Bytes))
		if schemaErr != nil {
			schemaErr = sserrors.NewConfigError("failed to compile embedded schema 'statesync_schema_v1.0.0.json'", schemaErr)
		}
	})
	return schemaV1, schemaErr
}

// ValidateWithSchema validates a YAML document against the embedded v1
// session script schema.
func ValidateWithSchema(documentYAML []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}

	var doc interface{}
	if err := yaml.Unmarshal(documentYAML, &doc); err != nil {
		return sserrors.NewConfigError("failed to parse script YAML for schema validation", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return sserrors.NewConfigError("schema validation process failed", err)
	}
	if result.Valid() {
		return nil
	}

	msg := "Script failed JSON schema validation:"
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "(root)" || field == "" {
			field = desc.Context().String()
		}
		msg += fmt.Sprintf("\n  - Field '%s': %s", field, desc.Description())
	}
	return sserrors.NewValidationError(msg, nil)
}
