// Package text has small string helpers for outbound messages.
package text

// Truncate cuts s to at most max bytes, marking the cut with an ellipsis.
// Non-positive max disables truncation.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
