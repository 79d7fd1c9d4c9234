package util

import "strings"

// SanitizeID converts an agent ID into a string safe to use as a file
// name component. Agent IDs arrive from the console and may contain
// spaces, slashes, or other characters that would break pid files and
// command queue paths.
//
// Lowercases, maps runs of unsafe characters to single hyphens, and
// trims leading/trailing hyphens. Returns "agent" for inputs that
// sanitize to nothing.
func SanitizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))

	var b strings.Builder
	lastHyphen := false
	for _, r := range id {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '.':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}

	out := strings.Trim(b.String(), "-.")
	if out == "" {
		return "agent"
	}

	// Cap length so queue paths stay readable
	if len(out) > 64 {
		out = strings.Trim(out[:64], "-.")
	}

	return out
}
