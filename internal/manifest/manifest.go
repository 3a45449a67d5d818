// Package manifest decodes plugin manifests against an embedded JSON schema.
package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pluginregistry/server/internal/domain"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://pluginregistry.dev/schemas/manifest.json"

var (
	// ErrInvalidManifest means the manifest is not a well-typed JSON object.
	ErrInvalidManifest = errors.New("invalid manifest")
	// ErrInvalidInternalName means the manifest's InternalName cannot key a
	// catalog entry.
	ErrInvalidInternalName = errors.New("invalid internal name")
)

// serverOwned fields are always overwritten when a record is published, so
// their absence is not reported and their manifest values are dropped.
var serverOwned = map[string]bool{
	"DownloadCount":       true,
	"LastUpdate":          true,
	"DownloadLinkInstall": true,
	"DownloadLinkUpdate":  true,
}

// Result is a decoded manifest plus the manifest fields it did not set.
// Absent fields keep their zero value; Tags defaults to an empty list.
type Result struct {
	Record  domain.PluginRecord
	Missing []string
}

// Decoder validates and decodes manifests. It is safe for concurrent use.
type Decoder struct {
	schema   *jsonschema.Schema
	fields   []string
	validate *validator.Validate
}

// NewDecoder compiles the embedded manifest schema
func NewDecoder() (*Decoder, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add resource: %w", err)
	}

	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	fields := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	return &Decoder{
		schema:   schema,
		fields:   fields,
		validate: domain.NewValidator(),
	}, nil
}

// DecodeFile reads and decodes the manifest at path
func (d *Decoder) DecodeFile(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	return d.Decode(data)
}

// Decode validates data against the manifest schema and decodes it into a
// PluginRecord. Field names match case-insensitively.
func (d *Decoder) Decode(data []byte) (Result, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}

	obj, ok := inst.(map[string]any)
	if !ok {
		return Result{}, fmt.Errorf("%w: expected a JSON object", ErrInvalidManifest)
	}
	obj = d.canonicalize(obj)

	if err := d.schema.Validate(obj); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}

	var missing []string
	for _, field := range d.fields {
		if serverOwned[field] {
			delete(obj, field)
			continue
		}
		if v, ok := obj[field]; !ok || v == nil {
			missing = append(missing, field)
		}
	}

	normalized, err := json.Marshal(obj)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}

	var rec domain.PluginRecord
	if err := json.Unmarshal(normalized, &rec); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}

	if err := domain.ValidateRecord(d.validate, &rec); err != nil {
		return Result{}, fmt.Errorf("%w %q: %w", ErrInvalidInternalName, rec.InternalName, err)
	}

	return Result{Record: rec, Missing: missing}, nil
}

// canonicalize renames keys that match a schema property case-insensitively
// to the property's spelling. An exact spelling wins over variants, and
// variants are applied in sorted order so the outcome is deterministic.
func (d *Decoder) canonicalize(obj map[string]any) map[string]any {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(obj))
	for _, k := range keys {
		if _, known := d.schema.Properties[k]; known {
			out[k] = obj[k]
		}
	}
	for _, k := range keys {
		if _, known := d.schema.Properties[k]; known {
			continue
		}
		name := k
		for _, field := range d.fields {
			if strings.EqualFold(field, k) {
				name = field
				break
			}
		}
		if _, taken := out[name]; !taken {
			out[name] = obj[k]
		}
	}
	return out
}
