// Package sqlutil provides SQL utility functions.
package sqlutil

import (
	"regexp"
	"strings"
)

var safeIdentifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsSafeIdentifier reports whether name may be interpolated into SQL text:
// letters, digits and underscore, not starting with a digit.
func IsSafeIdentifier(name string) bool {
	return safeIdentifierPattern.MatchString(name)
}

// QuoteIdentifier quotes a SQL identifier with double quotes and escapes
// any double quotes within the identifier.
func QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, `"`, `""`)
	return `"` + escaped + `"`
}

// reservedKeywords are the PostgreSQL keywords that cannot appear bare as a
// column name. Several of them (user, current_user, session_user) parse as
// function calls instead of failing.
var reservedKeywords = map[string]struct{}{}

func init() {
	for _, kw := range strings.Fields(`
		all analyse analyze and any array as asc asymmetric authorization
		binary both case cast check collate collation column concurrently
		constraint create cross current_catalog current_date current_role
		current_schema current_time current_timestamp current_user default
		deferrable desc distinct do else end except false fetch for foreign
		freeze from full grant group having ilike in initially inner
		intersect into is isnull join lateral leading left like limit
		localtime localtimestamp natural not notnull null offset on only or
		order outer overlaps placing primary references returning right
		select session_user similar some symmetric system_user table
		tablesample then to trailing true union unique user using variadic
		verbose when where window with`) {
		reservedKeywords[kw] = struct{}{}
	}
}

// FormatIdentifier renders a safe identifier for interpolation.
// Lower-case names are emitted bare; mixed-case names and reserved keywords
// are quoted so PostgreSQL neither folds them ("hotelId" stays hotelId) nor
// reads them as keywords ("user" is a column, not CURRENT_USER).
func FormatIdentifier(name string) (string, bool) {
	if !IsSafeIdentifier(name) {
		return "", false
	}
	if strings.ToLower(name) != name {
		return QuoteIdentifier(name), true
	}
	if _, reserved := reservedKeywords[name]; reserved {
		return QuoteIdentifier(name), true
	}
	return name, true
}

// QualifyIdentifier prefixes column with alias ("t.hotel_id").
// Both parts must be safe identifiers; an empty alias returns the column alone.
func QualifyIdentifier(alias, column string) (string, bool) {
	col, ok := FormatIdentifier(column)
	if !ok {
		return "", false
	}
	if alias == "" {
		return col, true
	}
	a, ok := FormatIdentifier(alias)
	if !ok {
		return "", false
	}
	return a + "." + col, true
}
