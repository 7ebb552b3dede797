// Package schema enforces JSON Schema validation on Kernel's domain
// manifest routes (/kernel/division, /kernel/agent, /kernel/allocate,
// /kernel/eval), one declarative enforcement point per route. The bundled
// schemas require only a non-empty id and allow additional properties;
// unknown fields are rejected only where a schema under KERNEL_SCHEMA_DIR
// says so.
package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator holds one compiled JSON Schema per Kernel route.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// defaultSchemas is the bundled minimal schema set used when no
// KERNEL_SCHEMA_DIR is configured: each domain route requires only a
// non-empty id, leaving shape otherwise unconstrained per the documented
// "shape not constrained beyond having a stable id" contract.
var defaultSchemas = map[string]string{
	"division":  `{"type":"object","required":["id"],"properties":{"id":{"type":"string","minLength":1}},"additionalProperties":true}`,
	"agent":     `{"type":"object","required":["id"],"properties":{"id":{"type":"string","minLength":1}},"additionalProperties":true}`,
	"allocate":  `{"type":"object","required":["id"],"properties":{"id":{"type":"string","minLength":1}},"additionalProperties":true}`,
	"eval":      `{"type":"object","required":["id"],"properties":{"id":{"type":"string","minLength":1}},"additionalProperties":true}`,
}

// NewValidator compiles the schema set found under dir (one
// "<route>.schema.json" file per route), falling back to the bundled
// minimal schemas for any route without a file on disk. An empty dir uses
// only the bundled defaults.
func NewValidator(dir string) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	routeDocs := map[string]string{}
	for route, doc := range defaultSchemas {
		routeDocs[route] = doc
	}

	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("schema: read schema dir: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".schema.json") {
				continue
			}
			route := strings.TrimSuffix(entry.Name(), ".schema.json")
			raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				return nil, fmt.Errorf("schema: read %s: %w", entry.Name(), err)
			}
			routeDocs[route] = string(raw)
		}
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(routeDocs))}
	for route, doc := range routeDocs {
		schemaURL := "https://kernel.internal/schemas/" + route + ".schema.json"
		if err := c.AddResource(schemaURL, strings.NewReader(doc)); err != nil {
			return nil, fmt.Errorf("schema: load %s: %w", route, err)
		}
		compiled, err := c.Compile(schemaURL)
		if err != nil {
			return nil, fmt.Errorf("schema: compile %s: %w", route, err)
		}
		v.schemas[route] = compiled
	}
	return v, nil
}

// Validate checks body against route's schema. Routes without a registered
// schema are treated as unconstrained and always pass.
func (v *Validator) Validate(route string, body interface{}) error {
	schema, ok := v.schemas[route]
	if !ok || schema == nil {
		return nil
	}
	if err := schema.Validate(body); err != nil {
		return fmt.Errorf("schema: %s: %w", route, err)
	}
	return nil
}
