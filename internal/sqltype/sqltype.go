// Package sqltype classifies declared PostgreSQL column types into the
// comparison classes used when building predicates.
package sqltype

import "strings"

// Class is the comparison strategy for a column.
// The zero value is Text, the restrictive default.
type Class int

const (
	// Text columns are compared after a ::text cast.
	Text Class = iota
	// Numeric columns are compared against an integer array.
	Numeric
)

// numericTypes lists declared type names, as reported by
// information_schema.columns.data_type or udt_name, that compare numerically.
var numericTypes = map[string]struct{}{
	"integer":          {},
	"int":              {},
	"int2":             {},
	"int4":             {},
	"int8":             {},
	"bigint":           {},
	"smallint":         {},
	"serial":           {},
	"bigserial":        {},
	"smallserial":      {},
	"numeric":          {},
	"decimal":          {},
	"real":             {},
	"float4":           {},
	"float8":           {},
	"double":           {},
	"double precision": {},
}

// Classify maps a declared type string to its comparison class.
// Matching is case-insensitive; size specifiers like (10,2) are stripped.
// Unknown, array and empty types classify as Text.
func Classify(declared string) Class {
	if idx := strings.Index(declared, "("); idx != -1 {
		declared = declared[:idx]
	}
	declared = strings.ToLower(strings.Join(strings.Fields(declared), " "))
	if _, ok := numericTypes[declared]; ok {
		return Numeric
	}
	return Text
}

// String returns the class name used in logs and reports.
func (c Class) String() string {
	switch c {
	case Numeric:
		return "numeric"
	default:
		return "text"
	}
}
