// Package validate implements the Validation & Integrity Gate (C5):
// structural SHACL-shape conformance via JSON Schema, a provenance-minimum
// check whose findings are asserted into the kept Mangle engine, baseline drift
// detection, and determinism rebuild comparison. Any gate failure aborts
// emission; callers are expected to record the failure to the audit
// ledger themselves.
package validate

import (
	"encoding/json"
	"strings"

	"earcrawler/internal/errs"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ShapeVersion is the schema_version every shape document must declare;
// a shape declaring any other version is rejected with ContractViolation
// when it is added. Validated entities carry no version of their own.
const ShapeVersion = "ear-shapes.v1"

// Shapes holds compiled JSON-Schema stand-ins for the SHACL node shapes
// spec.md §4.5 requires: one per entity kind emitted into the graph.
type Shapes struct {
	compiler *jsonschema.Compiler
	schemas  map[string]*jsonschema.Schema
}

// shapeDoc is the envelope every shape document carries, so the compiled
// shape and its declared version travel together.
type shapeDoc struct {
	SchemaVersion string `json:"schema_version"`
}

// DefaultShapes returns the built-in shapes for ear:Section and
// ear:SectionPart, matching the predicates internal/kg emits.
func DefaultShapes() (*Shapes, error) {
	s := &Shapes{compiler: jsonschema.NewCompiler(), schemas: map[string]*jsonschema.Schema{}}
	if err := s.add("Section", sectionShapeJSON); err != nil {
		return nil, err
	}
	if err := s.add("SectionPart", sectionPartShapeJSON); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Shapes) add(kind, schemaJSON string) error {
	url := "mem://shapes/" + kind + ".json"
	if err := s.compiler.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return errs.Wrap(errs.InvalidInput, "add shape resource "+kind, err)
	}
	compiled, err := s.compiler.Compile(url)
	if err != nil {
		return errs.Wrap(errs.InvalidInput, "compile shape "+kind, err)
	}

	var doc shapeDoc
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		return errs.Wrap(errs.InvalidInput, "parse shape envelope "+kind, err)
	}
	if doc.SchemaVersion != ShapeVersion {
		return errs.Newf(errs.ContractViolation, "shape %s declares version %q, expected %q", kind, doc.SchemaVersion, ShapeVersion)
	}

	s.schemas[kind] = compiled
	return nil
}

// Validate checks an already-decoded entity (map[string]interface{}, as
// produced by json.Unmarshal into `any`) against the named shape.
func (s *Shapes) Validate(kind string, entity any) error {
	schema, ok := s.schemas[kind]
	if !ok {
		return errs.Newf(errs.InvalidInput, "no shape registered for kind %q", kind)
	}
	if err := schema.Validate(entity); err != nil {
		return errs.Wrap(errs.ContractViolation, "shape conformance failed for "+kind, err)
	}
	return nil
}

// ValidateJSON decodes raw JSON via jsonschema.UnmarshalJSON (which
// preserves the number/string distinctions JSON Schema validation needs)
// and validates it against the named shape.
func (s *Shapes) ValidateJSON(kind string, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return errs.Wrap(errs.InvalidInput, "decode entity for shape validation", err)
	}
	return s.Validate(kind, inst)
}

const sectionShapeJSON = `{
  "schema_version": "ear-shapes.v1",
  "type": "object",
  "required": ["id", "type", "source", "derivedFrom", "issued"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "type": {"const": "ear:Section"},
    "source": {"type": "string", "minLength": 1},
    "derivedFrom": {"type": "string", "minLength": 1},
    "issued": {"type": "string", "minLength": 1},
    "title": {"type": "string"}
  }
}`

const sectionPartShapeJSON = `{
  "schema_version": "ear-shapes.v1",
  "type": "object",
  "required": ["id", "type", "partOfSection", "text"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "type": {"const": "ear:SectionPart"},
    "partOfSection": {"type": "string", "minLength": 1},
    "text": {"type": "string", "minLength": 1},
    "sameAs": {"type": "string"}
  }
}`
