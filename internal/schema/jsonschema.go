package schema

import "github.com/getkin/kin-openapi/openapi3"

// StrictObject builds an object schema that rejects unknown properties.
func StrictObject(properties map[string]*openapi3.Schema, required ...string) *openapi3.Schema {
	s := openapi3.NewObjectSchema().WithProperties(properties).WithoutAdditionalProperties()
	if len(required) > 0 {
		s = s.WithRequired(required)
	}
	return s
}

// ToJSONSchema converts a schema to the plain JSON-schema map expected by
// function-calling APIs.
func ToJSONSchema(s *openapi3.Schema) map[string]any {
	if s == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}

	result := map[string]any{}
	if s.Type != nil {
		types := s.Type.Slice()
		if len(types) == 1 {
			result["type"] = types[0]
		} else if len(types) > 1 {
			result["type"] = types
		}
	}
	if s.Description != "" {
		result["description"] = s.Description
	}
	if s.Format != "" {
		result["format"] = s.Format
	}
	if s.Pattern != "" {
		result["pattern"] = s.Pattern
	}
	if len(s.Enum) > 0 {
		result["enum"] = s.Enum
	}
	if s.Default != nil {
		result["default"] = s.Default
	}
	if s.Min != nil {
		result["minimum"] = *s.Min
	}
	if s.Max != nil {
		result["maximum"] = *s.Max
	}
	if s.MinLength > 0 {
		result["minLength"] = s.MinLength
	}
	if s.MaxLength != nil {
		result["maxLength"] = *s.MaxLength
	}
	if len(s.Required) > 0 {
		result["required"] = s.Required
	}
	if s.Items != nil && s.Items.Value != nil {
		result["items"] = ToJSONSchema(s.Items.Value)
	}
	if s.Properties != nil {
		props := make(map[string]any, len(s.Properties))
		for key, ref := range s.Properties {
			if ref == nil || ref.Value == nil {
				continue
			}
			props[key] = ToJSONSchema(ref.Value)
		}
		result["properties"] = props
	}
	if s.AdditionalProperties.Schema != nil && s.AdditionalProperties.Schema.Value != nil {
		result["additionalProperties"] = ToJSONSchema(s.AdditionalProperties.Schema.Value)
	} else if s.AdditionalProperties.Has != nil {
		result["additionalProperties"] = *s.AdditionalProperties.Has
	}
	return result
}
