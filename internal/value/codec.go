package value

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// MarshalJSON encodes the native form.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

// UnmarshalJSON decodes any JSON document into a Value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = From(raw)
	return nil
}

// MarshalYAML encodes the native form.
func (v Value) MarshalYAML() (any, error) {
	return v.Native(), nil
}

// UnmarshalYAML decodes any YAML node into a Value.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*v = From(raw)
	return nil
}
