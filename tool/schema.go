package tool

import (
	"encoding/json"
	"fmt"

	"github.com/conversimple/conversimple-go/core"
)

// propertySchema is the JSON-Schema fragment for a single parameter.
type propertySchema struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// parametersSchema is the JSON-Schema document advertised for a tool.
type parametersSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]propertySchema `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// BuildParametersSchema derives the JSON-Schema parameters document from a
// tool's declared parameters. A parameter is required iff it has no default;
// ParamAny places no type constraint rather than failing the derivation.
func BuildParametersSchema(params []core.Param) (json.RawMessage, error) {
	doc := parametersSchema{
		Type:       "object",
		Properties: make(map[string]propertySchema, len(params)),
	}

	seen := make(map[string]struct{}, len(params))
	for _, p := range params {
		if p.Name == "" {
			return nil, fmt.Errorf("parameter with empty name")
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = struct{}{}

		prop := propertySchema{Description: p.Description}
		if p.Type != core.ParamAny && p.Type != "" {
			prop.Type = string(p.Type)
		}
		if p.HasDefault {
			prop.Default = p.Default
		}
		doc.Properties[p.Name] = prop

		if p.Required() {
			doc.Required = append(doc.Required, p.Name)
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters schema: %w", err)
	}
	return data, nil
}

// Schema builds the full public projection for a tool definition.
func Schema(def core.ToolDefinition) (core.ToolSchema, error) {
	params, err := BuildParametersSchema(def.Params)
	if err != nil {
		return core.ToolSchema{}, fmt.Errorf("tool %q: %w", def.Name, err)
	}
	return core.ToolSchema{
		Name:        def.Name,
		Description: def.Description,
		Parameters:  params,
	}, nil
}
