// Package canonicalization normalizes the free-form values health facilities send so the same
// category, code or demographic always lands on the same natural key.
package canonicalization

import (
	"strings"
	"unicode"
)

// NormalizeCategory trims a category label and collapses runs of internal whitespace.
// Case is preserved: "Dokter  Umum " → "Dokter Umum".
func NormalizeCategory(category string) string {
	return strings.Join(strings.Fields(category), " ")
}

// NormalizeDiagnosisCode uppercases an ICD-10 style code and strips whitespace.
//
// Examples:
//   - NormalizeDiagnosisCode(" j06.9 ") → "J06.9"
//   - NormalizeDiagnosisCode("I 10") → "I10"
func NormalizeDiagnosisCode(code string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}

		return unicode.ToUpper(r)
	}, code)
}

// NormalizeFacilityCode uppercases a facility natural code and trims it.
func NormalizeFacilityCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeGender maps the accepted gender spellings to the stored codes "L" (laki-laki) and
// "P" (perempuan). Returns false for anything else.
//
// Accepted: L, P, M, F, male, female, laki-laki, perempuan (case-insensitive).
func NormalizeGender(gender string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(gender)) {
	case "l", "m", "male", "laki-laki":
		return "L", true
	case "p", "f", "female", "perempuan":
		return "P", true
	default:
		return "", false
	}
}

// NormalizeToken lowercases an enumerated value and joins words with underscores, so
// "Rawat Jalan", "rawat-jalan" and "RAWAT_JALAN" all become "rawat_jalan".
func NormalizeToken(value string) string {
	fields := strings.FieldsFunc(strings.ToLower(value), func(r rune) bool {
		return unicode.IsSpace(r) || r == '-' || r == '_'
	})

	return strings.Join(fields, "_")
}
