package utils

import "strings"

// ParseCSV splits a comma-separated string and returns trimmed non-empty
// values, or nil when nothing remains. Settings such as the watch list store
// symbol lists in this form.
func ParseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
