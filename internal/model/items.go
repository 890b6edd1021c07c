package model

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	jss "github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schemas/items.schema.json
var schemaFS embed.FS

var itemsSchema = sync.OnceValues(func() (*jss.Schema, error) {
	b, err := schemaFS.ReadFile("schemas/items.schema.json")
	if err != nil {
		return nil, fmt.Errorf("reading embedded schema: %w", err)
	}
	schema, err := jss.NewCompiler().Compile(b)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return schema, nil
})

// ReadItems decodes a YAML (or JSON) list of work items. Every item needs a
// unique id.
func ReadItems(r io.Reader) ([]WorkItem, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading items: %w", err)
	}
	if err := validateItems(raw); err != nil {
		return nil, err
	}

	var items []WorkItem
	if err := yaml.NewDecoder(bytes.NewReader(raw)).Decode(&items); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding items: %w", err)
	}
	seen := make(map[string]struct{}, len(items))
	for i, it := range items {
		if it.ID == "" {
			return nil, fmt.Errorf("item %d: missing id", i)
		}
		if _, ok := seen[it.ID]; ok {
			return nil, fmt.Errorf("item %d: duplicate id %q", i, it.ID)
		}
		seen[it.ID] = struct{}{}
	}
	return items, nil
}

// validateItems checks the document shape against the embedded JSON schema.
// YAML is converted to JSON first.
func validateItems(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decoding items: %w", err)
	}
	if doc == nil {
		return nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("converting items to JSON: %w", err)
	}

	schema, err := itemsSchema()
	if err != nil {
		return err
	}
	res := schema.Validate(b)
	if res.Valid {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Keyword, e.Error()))
	}
	slices.Sort(msgs)
	return fmt.Errorf("items validation failed:\n%s", strings.Join(msgs, "\n"))
}

func ReadItemsFile(path string) ([]WorkItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadItems(f)
}
