package bamlutils

import (
	"fmt"
)

// Dynamic endpoint constants
const (
	// DynamicFunctionName is the function name reported for dynamic calls
	DynamicFunctionName = "Dynamic"
	// DynamicOutputClass is the class synthesized from a dynamic output schema
	DynamicOutputClass = "DynamicOutput"
	// DynamicEndpointName is the URL path segment for dynamic endpoints
	DynamicEndpointName = "_dynamic"
)

// CacheControl represents Anthropic prompt caching metadata
type CacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// MessageMetadata contains optional metadata for a message.
type MessageMetadata struct {
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// DynamicMessage represents a chat message with role, content, and optional metadata
type DynamicMessage struct {
	Role     string           `json:"role"`
	Content  string           `json:"content"`
	Metadata *MessageMetadata `json:"metadata,omitempty"`
}

// DynamicOutputSchema defines the output structure (simplified from DynamicTypes)
type DynamicOutputSchema struct {
	Properties OrderedProperties       `json:"properties"`
	Classes    map[string]*DynamicClass `json:"classes,omitempty"`
	Enums      map[string]*DynamicEnum  `json:"enums,omitempty"`
}

// TypeBuilder returns the type builder that declares DynamicOutputClass and
// any helper classes and enums of the schema.
func (s *DynamicOutputSchema) TypeBuilder() *TypeBuilder {
	classes := make(map[string]*DynamicClass, len(s.Classes)+1)
	for name, class := range s.Classes {
		classes[name] = class
	}
	classes[DynamicOutputClass] = &DynamicClass{Properties: s.Properties}

	return &TypeBuilder{
		DynamicTypes: &DynamicTypes{
			Classes: classes,
			Enums:   s.Enums,
		},
	}
}

func (s *DynamicOutputSchema) validate() error {
	if s == nil || len(s.Properties) == 0 {
		return fmt.Errorf("output_schema with at least one property is required")
	}
	if _, clash := s.Classes[DynamicOutputClass]; clash {
		return fmt.Errorf("output_schema: class name %q is reserved", DynamicOutputClass)
	}
	return s.TypeBuilder().DynamicTypes.Validate()
}

// DynamicInput is the request body for dynamic endpoints
type DynamicInput struct {
	Messages       []DynamicMessage     `json:"messages"`
	ClientRegistry *ClientRegistry      `json:"client_registry"`
	OutputSchema   *DynamicOutputSchema `json:"output_schema"`
}

// Validate checks that required fields are present
func (d *DynamicInput) Validate() error {
	if len(d.Messages) == 0 {
		return fmt.Errorf("messages is required and cannot be empty")
	}
	if d.ClientRegistry == nil || d.ClientRegistry.Primary == nil {
		return fmt.Errorf("client_registry with primary is required")
	}
	if err := d.OutputSchema.validate(); err != nil {
		return err
	}
	for i, m := range d.Messages {
		if m.Role == "" {
			return fmt.Errorf("message[%d] role is required", i)
		}
		if m.Content == "" {
			return fmt.Errorf("message[%d] content is required", i)
		}
	}
	return nil
}

// DynamicParseInput is the request body for dynamic parse endpoint
type DynamicParseInput struct {
	Raw          string               `json:"raw"`
	OutputSchema *DynamicOutputSchema `json:"output_schema"`
}

// Validate checks that required fields are present for parse
func (d *DynamicParseInput) Validate() error {
	if d.Raw == "" {
		return fmt.Errorf("raw is required and cannot be empty")
	}
	return d.OutputSchema.validate()
}
