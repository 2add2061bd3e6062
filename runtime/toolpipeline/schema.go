package toolpipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validateInput compiles tool's InputSchema lazily (once) and validates
// input against it, returning one FieldIssue per violated property. A nil
// or empty InputSchema accepts any input.
func validateInput(tool *Descriptor, input any) []FieldIssue {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	schema, err := compileSchema(tool)
	if err != nil {
		return []FieldIssue{{Field: "", Constraint: "schema_compile_error"}}
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return []FieldIssue{{Field: "", Constraint: "unmarshalable_input"}}
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return []FieldIssue{{Field: "", Constraint: "unmarshalable_input"}}
	}

	if err := schema.Validate(decoded); err != nil {
		return issuesFromValidationError(err)
	}
	return nil
}

func compileSchema(tool *Descriptor) (*jsonschema.Schema, error) {
	tool.compileOnce.Do(func() {
		tool.compiledSchema, tool.compileErr = buildSchema(tool)
	})
	return tool.compiledSchema, tool.compileErr
}

func buildSchema(tool *Descriptor) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("toolpipeline: marshal schema for %s: %w", tool.Name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("toolpipeline: parse schema for %s: %w", tool.Name, err)
	}

	compiler := jsonschema.NewCompiler()
	resourceURL := "mem://tools/" + tool.Name + ".json"
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("toolpipeline: add schema resource for %s: %w", tool.Name, err)
	}
	schema, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("toolpipeline: compile schema for %s: %w", tool.Name, err)
	}
	return schema, nil
}

// issuesFromValidationError flattens a jsonschema.ValidationError tree
// into field issues. "missing properties" is the library's wording for a
// failed `required` constraint; everything else is reported generically.
func issuesFromValidationError(err error) []FieldIssue {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []FieldIssue{{Field: "", Constraint: "invalid"}}
	}
	var issues []FieldIssue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		field := ""
		if len(e.InstanceLocation) > 0 {
			field = e.InstanceLocation[len(e.InstanceLocation)-1]
		}
		constraint := "invalid"
		if strings.Contains(strings.ToLower(e.Error()), "missing propert") {
			constraint = "missing_field"
		}
		issues = append(issues, FieldIssue{Field: field, Constraint: constraint})
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return issues
}
