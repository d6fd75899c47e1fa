// Package testutil provides test helpers shared across the guard packages:
// a controllable clock, a recording webhook server and a small request builder.
package testutil
