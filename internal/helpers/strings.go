package helpers

// SafeTruncate truncates s to at most maxLen bytes without panicking.
// A negative maxLen is treated as 0.
//
//	SafeTruncate("+491700000001", 4) // "+491"
//	SafeTruncate("short", 10)        // "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
