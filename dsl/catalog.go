package dsl

import "sort"

// FieldType classifies catalog fields for operator compatibility checks.
type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeInt    FieldType = "int"
	FieldTypeFloat  FieldType = "float"
	FieldTypeTime   FieldType = "time"
	FieldTypeIP     FieldType = "ip"
)

// FieldSpec describes how a catalog field maps onto the events table.
// Fields with a JSONRoot are extracted from a JSON column at query time;
// everything else is a physical column.
type FieldSpec struct {
	Column   string
	Type     FieldType
	JSONRoot string   // "metadata" when the value lives in the metadata JSON column
	JSONPath []string // extraction path inside JSONRoot
}

// Catalog is the allow-list of fields a rule may reference. Every leaf
// predicate must resolve against it before any SQL is emitted.
type Catalog struct {
	fields map[string]FieldSpec
}

// NewCatalog builds a catalog from an explicit field map.
func NewCatalog(fields map[string]FieldSpec) *Catalog {
	return &Catalog{fields: fields}
}

// Lookup resolves a field name.
func (c *Catalog) Lookup(name string) (FieldSpec, bool) {
	spec, ok := c.fields[name]
	return spec, ok
}

// Names returns all catalog field names, sorted for deterministic output.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.fields))
	for name := range c.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultCatalog returns the field catalog matching the events table schema
// created by storage migrations.
func DefaultCatalog() *Catalog {
	return NewCatalog(map[string]FieldSpec{
		"event_id":        {Column: "event_id", Type: FieldTypeString},
		"event_timestamp": {Column: "event_timestamp", Type: FieldTypeTime},
		"tenant_id":       {Column: "tenant_id", Type: FieldTypeString},
		"event_type":      {Column: "event_type", Type: FieldTypeString},
		"source":          {Column: "source", Type: FieldTypeString},
		"severity":        {Column: "severity", Type: FieldTypeString},
		"src_ip":          {Column: "src_ip", Type: FieldTypeIP},
		"dest_ip":         {Column: "dest_ip", Type: FieldTypeIP},
		"src_port":        {Column: "src_port", Type: FieldTypeInt},
		"dest_port":       {Column: "dest_port", Type: FieldTypeInt},
		"user":            {Column: "user", Type: FieldTypeString},
		"hostname":        {Column: "hostname", Type: FieldTypeString},
		"process":         {Column: "process", Type: FieldTypeString},
		"message":         {Column: "message", Type: FieldTypeString},
		"url":             {Column: "metadata", Type: FieldTypeString, JSONRoot: "metadata", JSONPath: []string{"url"}},
		"status_code":     {Column: "metadata", Type: FieldTypeInt, JSONRoot: "metadata", JSONPath: []string{"status_code"}},
	})
}

// operatorAllowed reports whether op is compatible with a field type.
// Equality, membership and null-ness operators work on all types.
func operatorAllowed(op Op, t FieldType) bool {
	switch op {
	case OpContains, OpContainsAny, OpStartswith, OpEndswith, OpRegex:
		return t == FieldTypeString
	case OpGt, OpGte, OpLt, OpLte, OpBetween:
		return t == FieldTypeInt || t == FieldTypeFloat || t == FieldTypeTime
	case OpIPInCIDR:
		return t == FieldTypeIP
	case OpEq, OpNe, OpIn, OpNin, OpExists, OpMissing, OpIsNull, OpNotNull:
		return true
	case OpJSONEq:
		// json_eq carries its own path, resolved outside the catalog
		return true
	default:
		return false
	}
}
