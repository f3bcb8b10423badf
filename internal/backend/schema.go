package backend

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CompileSchema compiles a JSON Schema document registered under name.
func CompileSchema(name string, doc []byte) (*jsonschema.Schema, error) {
	var schemaDoc any
	if err := json.Unmarshal(doc, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return sch, nil
}

// MustCompileSchema is CompileSchema for package-level schemas.
func MustCompileSchema(name, doc string) *jsonschema.Schema {
	sch, err := CompileSchema(name, []byte(doc))
	if err != nil {
		panic(err)
	}
	return sch
}

// SchemaErrors validates a normalized definition and flattens the failures
// into one message per violated keyword.
func SchemaErrors(sch *jsonschema.Schema, def Definition) []string {
	err := sch.Validate(map[string]any(def))
	if err == nil {
		return nil
	}

	lines := strings.Split(err.Error(), "\n")
	var out []string
	for _, l := range lines[1:] {
		l = strings.TrimSpace(l)
		l = strings.TrimSpace(strings.TrimPrefix(l, "-"))
		if l != "" {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		out = append(out, strings.TrimSpace(lines[0]))
	}
	return out
}
