package tools

import (
	"fmt"
	"strings"

	opserr "github.com/psi-gfa/opsagent/core/errors"
)

// SchemaViolationError reports every problem found in one invocation's
// arguments, so the model's next attempt can fix all of them at once.
type SchemaViolationError struct {
	Tool     string
	Problems []string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("tool %s arguments invalid: %s", e.Tool, strings.Join(e.Problems, "; "))
}

// Kind classifies this as a schema violation for the error taxonomy.
func (e *SchemaViolationError) Kind() opserr.Kind {
	return opserr.KindSchemaViolation
}

// Validate checks an invocation's arguments against the tool's declared
// schema: the tool must exist, required parameters must be present,
// enum parameters must hold a listed value, and primitive types must
// agree. All problems are collected before returning.
func (r *Registry) Validate(name string, args map[string]any) error {
	desc, ok := r.Get(name)
	if !ok {
		return &SchemaViolationError{
			Tool:     name,
			Problems: []string{"unknown tool"},
		}
	}

	var problems []string

	for _, required := range desc.InputSchema.Required {
		if _, present := args[required]; !present {
			problems = append(problems, fmt.Sprintf("missing required parameter %q", required))
		}
	}

	for paramName, value := range args {
		prop, declared := desc.InputSchema.Properties[paramName]
		if !declared {
			problems = append(problems, fmt.Sprintf("unknown parameter %q", paramName))
			continue
		}
		if value == nil {
			continue
		}
		if problem := checkType(paramName, prop.Type, value); problem != "" {
			problems = append(problems, problem)
			continue
		}
		if len(prop.Enum) > 0 {
			if s, isString := value.(string); isString && !containsString(prop.Enum, s) {
				problems = append(problems, fmt.Sprintf(
					"parameter %q value %q not in allowed set [%s]",
					paramName, s, strings.Join(prop.Enum, ", ")))
			}
		}
	}

	if len(problems) > 0 {
		return &SchemaViolationError{Tool: name, Problems: problems}
	}
	return nil
}

// checkType verifies a decoded JSON value against the declared primitive
// type. JSON numbers decode as float64, so integer checks accept whole
// floats.
func checkType(name, declaredType string, value any) string {
	switch declaredType {
	case "", "any":
		return ""
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("parameter %q must be a string, got %T", name, value)
		}
	case "number":
		if !isNumber(value) {
			return fmt.Sprintf("parameter %q must be a number, got %T", name, value)
		}
	case "integer":
		f, ok := asFloat(value)
		if !ok || f != float64(int64(f)) {
			return fmt.Sprintf("parameter %q must be an integer, got %v", name, value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("parameter %q must be a boolean, got %T", name, value)
		}
	case "array":
		switch value.(type) {
		case []any, []string, []float64, []int:
		default:
			return fmt.Sprintf("parameter %q must be an array, got %T", name, value)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Sprintf("parameter %q must be an object, got %T", name, value)
		}
	}
	return ""
}

func isNumber(value any) bool {
	_, ok := asFloat(value)
	return ok
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
