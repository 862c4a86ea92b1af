package container

import (
	"regexp"
	"strings"
)

// numberPattern is the ISO-style container number shape: four letters
// (owner code + category) followed by seven digits (serial + check).
var numberPattern = regexp.MustCompile(`^[A-Z]{4}[0-9]{7}$`)

var nonAlphanumeric = regexp.MustCompile(`[^A-Z0-9]+`)

// ValidNumber reports whether s is a well-formed container number. The
// input is expected to be normalized already (uppercase, no separators).
func ValidNumber(s string) bool {
	return numberPattern.MatchString(s)
}

// NormalizeNumbers turns free-form input (pasted lists, comma or
// whitespace separated, mixed case) into deduplicated container numbers.
// Tokens that do not match the four-letters-seven-digits shape are
// returned in invalid. Order of first occurrence is preserved.
// Normalization is idempotent: feeding valid output back in returns the
// same numbers.
func NormalizeNumbers(inputs ...string) (valid, invalid []string) {
	input := strings.Join(inputs, " ")
	cleaned := strings.TrimSpace(nonAlphanumeric.ReplaceAllString(strings.ToUpper(input), " "))
	if cleaned == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})
	for _, token := range strings.Fields(cleaned) {
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}

		if ValidNumber(token) {
			valid = append(valid, token)
		} else {
			invalid = append(invalid, token)
		}
	}
	return valid, invalid
}

// DedupeNumbers removes duplicates from an already-validated list,
// preserving order.
func DedupeNumbers(numbers []string) []string {
	seen := make(map[string]struct{}, len(numbers))
	out := make([]string, 0, len(numbers))
	for _, n := range numbers {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
