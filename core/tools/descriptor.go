// Package tools holds the per-session tool registry: descriptors merged
// from every connected tool server, allowlist filtering, and argument
// validation against the declared input schemas.
package tools

// Property describes one input parameter of a tool.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Default     any      `json:"default,omitempty"`
}

// InputSchema is the JSON-schema subset tool servers declare.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Descriptor identifies one callable tool and where it lives.
type Descriptor struct {
	Name        string
	Description string
	InputSchema InputSchema
	ServerID    string
}

// IsRequired reports whether the named parameter is listed as required.
func (s InputSchema) IsRequired(name string) bool {
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}
