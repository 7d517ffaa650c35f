package gist

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/catsync/internal/categories"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Shape is the layout a stored document was found in.
type Shape int

const (
	// ShapeCanonical is {"categories": [...], ...}.
	ShapeCanonical Shape = iota
	// ShapeBareArray is a top-level category array.
	ShapeBareArray
	// ShapeNested is an object whose first category-shaped array field
	// holds the list.
	ShapeNested
)

func (s Shape) String() string {
	switch s {
	case ShapeCanonical:
		return "canonical"
	case ShapeBareArray:
		return "bare-array"
	case ShapeNested:
		return "nested"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Document is the remote category document.
type Document struct {
	Categories  []categories.Category `json:"categories"`
	LastUpdated string                `json:"lastUpdated,omitempty"`
	Language    *string               `json:"language"`
}

const schemaURL = "https://catsync.local/schemas/document.json"

//go:embed document.schema.json
var documentSchemaJSON []byte

var (
	schemaOnce     sync.Once
	documentSchema *jsonschema.Schema
	schemaErr      error
)

func canonicalSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(documentSchemaJSON))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		documentSchema, schemaErr = compiler.Compile(schemaURL)
	})
	return documentSchema, schemaErr
}

// DecodeDocument parses stored content, trying the canonical object first,
// then a bare array, then the first category-shaped array field in sorted
// key order.
func DecodeDocument(content []byte) (Document, Shape, error) {
	content = bytes.TrimSpace(content)
	if len(content) == 0 {
		return Document{}, 0, fmt.Errorf("%w: empty content", ErrMalformed)
	}
	var raw any
	if err := json.Unmarshal(content, &raw); err != nil {
		return Document{}, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch v := raw.(type) {
	case []any:
		var cats []categories.Category
		if err := json.Unmarshal(content, &cats); err != nil {
			return Document{}, 0, fmt.Errorf("%w: bare array: %v", ErrMalformed, err)
		}
		return Document{Categories: categories.Normalize(cats)}, ShapeBareArray, nil
	case map[string]any:
		if _, ok := v["categories"].([]any); ok {
			doc, err := decodeCanonical(content)
			if err != nil {
				return Document{}, 0, err
			}
			return doc, ShapeCanonical, nil
		}
		return decodeNested(v)
	}
	return Document{}, 0, fmt.Errorf("%w: unexpected top-level %T", ErrMalformed, raw)
}

func decodeCanonical(content []byte) (Document, error) {
	schema, err := canonicalSchema()
	if err != nil {
		return Document{}, fmt.Errorf("compile document schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(content))
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schema.Validate(inst); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var doc Document
	if err := json.Unmarshal(content, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	doc.Categories = categories.Normalize(doc.Categories)
	return doc, nil
}

func decodeNested(fields map[string]any) (Document, Shape, error) {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		list, ok := fields[key].([]any)
		if !ok || len(list) == 0 || !categoryShaped(list[0]) {
			continue
		}
		encoded, err := json.Marshal(list)
		if err != nil {
			return Document{}, 0, fmt.Errorf("%w: field %q: %v", ErrMalformed, key, err)
		}
		var cats []categories.Category
		if err := json.Unmarshal(encoded, &cats); err != nil {
			return Document{}, 0, fmt.Errorf("%w: field %q: %v", ErrMalformed, key, err)
		}
		doc := Document{Categories: categories.Normalize(cats)}
		if lang, ok := fields["language"].(string); ok {
			doc.Language = &lang
		}
		return doc, ShapeNested, nil
	}
	return Document{}, 0, fmt.Errorf("%w: no category list found", ErrMalformed)
}

func categoryShaped(v any) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if _, ok := obj["name"]; !ok {
		return false
	}
	for _, field := range []string{"items", "repositories"} {
		member, present := obj[field]
		if !present {
			continue
		}
		if _, isArray := member.([]any); !isArray {
			return false
		}
	}
	return true
}

// EncodeDocument renders the canonical form with two-space indentation.
// LastUpdated is stamped with now.
func EncodeDocument(doc Document, now time.Time) ([]byte, error) {
	if doc.Categories == nil {
		doc.Categories = []categories.Category{}
	}
	doc.LastUpdated = now.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
