package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed drivers.schema.json
var driversSchema []byte

const driversSchemaURL = "keyshell://drivers.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// DriverList is the list of initial drivers. A config may give a single
// driver table instead of a list.
type DriverList []DriverConfig

// UnmarshalJSON accepts an object or an array of objects.
func (l *DriverList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var one DriverConfig
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*l = DriverList{one}
		return nil
	}

	var many []DriverConfig
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// UnmarshalYAML accepts a mapping or a sequence of mappings.
func (l *DriverList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.MappingNode {
		var one DriverConfig
		if err := value.Decode(&one); err != nil {
			return err
		}
		*l = DriverList{one}
		return nil
	}

	var many []DriverConfig
	if err := value.Decode(&many); err != nil {
		return err
	}
	*l = many
	return nil
}

// UnmarshalTOML accepts a table or an array of tables. The TOML decoder
// hands over plain maps, which are routed through the JSON tags.
func (l *DriverList) UnmarshalTOML(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("drivers: %w", err)
	}
	return l.UnmarshalJSON(data)
}

func driverSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(driversSchemaURL, bytes.NewReader(driversSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(driversSchemaURL)
	})
	return compiledSchema, schemaErr
}

// ValidateDrivers checks the driver list against the embedded JSON schema.
func ValidateDrivers(list DriverList) error {
	schema, err := driverSchema()
	if err != nil {
		return fmt.Errorf("compile driver schema: %w", err)
	}

	if list == nil {
		list = DriverList{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal drivers: %w", err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("unmarshal drivers: %w", err)
	}

	return schema.Validate(instance)
}
