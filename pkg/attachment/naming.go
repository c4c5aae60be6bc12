package attachment

import (
	"regexp"
	"strings"
)

// disallowedNameChars matches everything outside letters, digits and underscore.
var disallowedNameChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

const fallbackName = "recipient"

// Sanitize removes every character that is not an ASCII letter, digit or underscore.
func Sanitize(s string) string {
	return disallowedNameChars.ReplaceAllString(s, "")
}

// baseName joins the non-empty name parts with '_' and sanitizes the result.
func baseName(parts []string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = Sanitize(strings.ReplaceAll(strings.TrimSpace(p), " ", "_"))
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "_")
}
