package helper

import "strings"

// trueValues is the set of strings treated as boolean true in configuration
// values and request headers. Every config and header read goes through
// IsTrue so the accepted set stays in one place.
var trueValues = map[string]struct{}{
	"true": {},
	"1":    {},
	"yes":  {},
	"on":   {},
	"t":    {},
	"y":    {},
}

// IsTrue reports whether the given string is a true-ish value.
func IsTrue(s string) bool {
	_, ok := trueValues[strings.ToLower(s)]

	return ok
}

// FormatBool renders a boolean as "True" or "False", the casing the stored
// data and the response headers have always carried.
func FormatBool(b bool) string {
	if b {
		return "True"
	}

	return "False"
}
