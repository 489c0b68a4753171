package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	compiledSchemaOnce sync.Once
	compiledSchema     *jsonschema.Schema
	compiledSchemaErr  error
)

// validateRawSchema checks a raw decoded document against the generated
// JSON Schema for Config before the strict typed decode runs, so structural
// mistakes (unknown keys, wrong value types) are reported with a schema
// pointer instead of a generic decode error. Cross-references are not
// checked here.
func validateRawSchema(raw map[string]any) error {
	schema, err := compiledConfigSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode config document: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode config document: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("config document invalid: %w", err)
	}
	return nil
}

func compiledConfigSchema() (*jsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		raw, err := JSONSchema()
		if err != nil {
			compiledSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("config.schema.json", bytes.NewReader(raw)); err != nil {
			compiledSchemaErr = err
			return
		}
		compiledSchema, compiledSchemaErr = compiler.Compile("config.schema.json")
	})
	return compiledSchema, compiledSchemaErr
}
