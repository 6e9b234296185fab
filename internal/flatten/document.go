package flatten

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidDocument = errors.New("invalid document")

const documentSchemaURL = "document.json"

const documentSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "meta", "resourceType", "type", "entry"],
	"$defs": {
		"scalar": {"type": ["string", "number", "boolean", "null"]}
	},
	"properties": {
		"id": {"$ref": "#/$defs/scalar"},
		"resourceType": {"$ref": "#/$defs/scalar"},
		"type": {"$ref": "#/$defs/scalar"},
		"meta": {
			"type": "object",
			"required": ["lastUpdated"],
			"properties": {
				"lastUpdated": {"$ref": "#/$defs/scalar"}
			}
		}
	}
}`

var compileDocumentSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return compileSchema(documentSchemaURL, documentSchemaJSON)
})

func compileSchema(url, source string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// Document is a parsed bundle: the nested entry subtree plus the top-level
// scalars that are copied into every row of its table.
type Document struct {
	ID           any
	LastUpdated  any
	ResourceType any
	Type         any
	Entry        any
}

// ParseDocument decodes data, keeping numbers in their source form, and checks
// that the fields the table needs are present.
func ParseDocument(data []byte) (*Document, error) {
	schema, err := compileDocumentSchema()
	if err != nil {
		return nil, err
	}
	raw, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	top := raw.(map[string]any)
	meta := top["meta"].(map[string]any)
	return &Document{
		ID:           top["id"],
		LastUpdated:  meta["lastUpdated"],
		ResourceType: top["resourceType"],
		Type:         top["type"],
		Entry:        top["entry"],
	}, nil
}

// Broadcast returns the per-row fields in output column order.
func (d *Document) Broadcast() []Field {
	return []Field{
		{Name: "id", Value: d.ID},
		{Name: "meta.lastUpdated", Value: d.LastUpdated},
		{Name: "resourceType", Value: d.ResourceType},
		{Name: "type", Value: d.Type},
	}
}

// Tabulate flattens the entry subtree and builds its table. An entry list of
// N elements yields at least N rows, even when trailing elements hold no
// values.
func (d *Document) Tabulate() *Table {
	minRows := 0
	if elements, ok := d.Entry.([]any); ok {
		minRows = len(elements)
	}
	return BuildRows(Flatten(d.Entry), minRows, d.Broadcast()...)
}
