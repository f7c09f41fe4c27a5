package frontmatter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaURL = "mdwiki://page-frontmatter.json"

// pageSchema constrains the canonical keys. Unknown keys are allowed.
const pageSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["title"],
  "properties": {
    "title":      {"type": "string", "minLength": 1, "maxLength": 255},
    "slug":       {"type": "string", "pattern": "^[a-z0-9]+(-[a-z0-9]+)*$", "maxLength": 100},
    "section":    {"type": "string", "maxLength": 100},
    "status":     {"enum": ["published", "draft"]},
    "order":      {"type": "integer"},
    "created_by": {"type": "string"},
    "updated_by": {"type": "string"},
    "parent":     {"type": "string"},
    "keywords":   {"type": "array", "items": {"type": "string"}}
  }
}`

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pageSchema))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	c := jsonschema.NewCompiler()

	err = c.AddResource(schemaURL, doc)
	if err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}

	return c.Compile(schemaURL)
})

// Validate checks the canonical keys against the page schema. A key that is
// present but has the wrong YAML shape fails too. Errors wrap [ErrMalformed].
func (d *Document) Validate() error {
	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("frontmatter schema: %w", err)
	}

	inst := make(map[string]any)

	for _, key := range d.Keys() {
		if !canonicalKeys[key] {
			continue
		}

		switch key {
		case KeyOrder:
			n, ok := d.GetInt(key)
			if !ok {
				raw, _ := d.GetString(key)
				inst[key] = raw

				continue
			}

			inst[key] = n
		case KeyKeywords:
			items, ok := d.GetList(key)
			if !ok {
				return fmt.Errorf("%w: keywords must be a list", ErrMalformed)
			}

			inst[key] = items
		default:
			s, ok := d.GetString(key)
			if !ok {
				return fmt.Errorf("%w: %s must be a scalar", ErrMalformed, key)
			}

			s = strings.TrimSpace(s)
			if s == "" && key != KeyTitle {
				continue
			}

			inst[key] = s
		}
	}

	// Round trip through JSON so the validator sees the value types it expects.
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("frontmatter: %w", err)
	}

	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("frontmatter: %w", err)
	}

	err = sch.Validate(value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return nil
}
