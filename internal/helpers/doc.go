// Package helpers holds small shared utilities: IP classification for
// rate-limit identities and safe string truncation for alert payloads.
package helpers
