package config

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONSchema_ValidJSON(t *testing.T) {
	schema, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error: %v", err)
	}
	var v map[string]any
	if err := json.Unmarshal(schema, &v); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	if _, ok := v["properties"]; !ok {
		t.Fatal("expected schema to have a top-level properties object")
	}
}

func TestJSONSchema_UsesYAMLFieldNames(t *testing.T) {
	schema, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error: %v", err)
	}
	// Config.Workspace is tagged `yaml:"workspace"`; the reflector is
	// configured with FieldNameTag "yaml" so the schema must use that name,
	// not the Go field name "Workspace".
	if !strings.Contains(string(schema), `"workspace"`) {
		t.Fatalf("expected schema to contain yaml-tagged field name %q", "workspace")
	}
}

func TestJSONSchema_Cached(t *testing.T) {
	first, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error: %v", err)
	}
	second, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error: %v", err)
	}
	if string(first) != string(second) {
		t.Fatal("expected repeated calls to return identical cached bytes")
	}
}
