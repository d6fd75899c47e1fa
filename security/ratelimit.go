package security

import (
	"log/slog"
	"strings"
	"time"
)

// Rule configures one rate-limit scope: at most Max events per Window.
// Max <= 0 disables the scope.
type Rule struct {
	Window time.Duration `yaml:"window"`
	Max    int           `yaml:"max"`
}

// Enabled reports whether the rule limits anything.
func (r Rule) Enabled() bool {
	return r.Max > 0
}

// Limiter is a set of independent sliding-window scopes. Each scope owns its own
// WindowStore, so exhausting one scope never touches another scope's budget.
// The scope set is fixed at construction.
type Limiter struct {
	rules  map[string]Rule
	stores map[string]*WindowStore
	logger *slog.Logger
}

// NewLimiter creates a limiter with one bounded store per scope in rules.
// Scope names are case-insensitive.
func NewLimiter(rules map[string]Rule, maxKeys int, logger *slog.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Limiter{
		rules:  make(map[string]Rule, len(rules)),
		stores: make(map[string]*WindowStore, len(rules)),
		logger: logger,
	}
	for scope, rule := range rules {
		scope = normalizeScope(scope)
		if scope == "" {
			continue
		}
		rule.Window = normalizeWindow(rule.Window)
		l.rules[scope] = rule
		l.stores[scope] = NewWindowStore(maxKeys, logger.With("scope", scope), opts...)
	}

	logger.Info("Rate limiter initialized",
		"scopes", len(l.rules),
		"max_keys", ClampMaxKeys(maxKeys))

	return l
}

func normalizeScope(scope string) string {
	return strings.ToLower(strings.TrimSpace(scope))
}

// Hit records one event for identity in scope and returns the number of events
// inside the scope's window. Disabled or unknown scopes and empty identities
// return 0 without recording anything.
func (l *Limiter) Hit(scope, identity string) int {
	scope = normalizeScope(scope)
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return 0
	}
	rule, ok := l.rules[scope]
	if !ok || !rule.Enabled() {
		return 0
	}
	return l.stores[scope].RecordAndCount(identity, rule.Window, rule.Max)
}

// Allow records a hit and reports whether it stays within the scope's maximum.
func (l *Limiter) Allow(scope, identity string) (int, bool) {
	hits := l.Hit(scope, identity)
	rule, ok := l.Rule(scope)
	if !ok || !rule.Enabled() {
		return hits, true
	}
	return hits, hits <= rule.Max
}

// Rule returns the configured rule for scope.
func (l *Limiter) Rule(scope string) (Rule, bool) {
	rule, ok := l.rules[normalizeScope(scope)]
	return rule, ok
}

// Scopes returns the configured scope names.
func (l *Limiter) Scopes() []string {
	scopes := make([]string, 0, len(l.rules))
	for scope := range l.rules {
		scopes = append(scopes, scope)
	}
	return scopes
}

// GetStats returns per-scope store statistics.
func (l *Limiter) GetStats() map[string]Stats {
	stats := make(map[string]Stats, len(l.stores))
	for scope, store := range l.stores {
		stats[scope] = store.GetStats()
	}
	return stats
}

// Stop stops the janitors of every scope store.
func (l *Limiter) Stop() {
	for _, store := range l.stores {
		store.Stop()
	}
}
