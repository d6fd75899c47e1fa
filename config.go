package guard

import (
	"log/slog"
	"maps"
	"time"

	"github.com/giantswarm/bff-guard/instrumentation"
	"github.com/giantswarm/bff-guard/security"
)

// Rate-limit scope names. Each scope owns an independent sliding-window store.
const (
	ScopeAuthCodePhone = "auth_code_phone"
	ScopeAuthCodeIP    = "auth_code_ip"

	ScopeMapsIP = "maps_ip"

	ScopeChatWSConnectIP = "chat_ws_connect_ip"
	ScopeCallWSConnectIP = "call_ws_connect_ip"

	ScopeCallStartPhone  = "call_start_phone"
	ScopeCallStartIP     = "call_start_ip"
	ScopeCallStartTarget = "call_start_target"

	ScopeDeviceLoginStartIP = "device_login_start_ip"

	ScopeLiveKitTokenPhone = "livekit_token_phone"
	ScopeLiveKitTokenIP    = "livekit_token_ip"
)

// PaymentsOp is a payments edge sub-scope.
type PaymentsOp string

const (
	PaymentsWrite          PaymentsOp = "write"
	PaymentsRead           PaymentsOp = "read"
	PaymentsFavoritesRead  PaymentsOp = "favorites_read"
	PaymentsFavoritesWrite PaymentsOp = "favorites_write"
	PaymentsResolvePhone   PaymentsOp = "resolve_phone"
)

// WalletScope returns the per-wallet scope name, e.g. "payments_write_wallet".
func (op PaymentsOp) WalletScope() string { return "payments_" + string(op) + "_wallet" }

// IPScope returns the per-IP scope name, e.g. "payments_write_ip".
func (op PaymentsOp) IPScope() string { return "payments_" + string(op) + "_ip" }

// ChatOp is a chat edge sub-scope.
type ChatOp string

const (
	ChatRegister  ChatOp = "register"
	ChatSend      ChatOp = "send"
	ChatGroupSend ChatOp = "group_send"
)

// DeviceScope returns the per-device scope name, e.g. "chat_send_device".
func (op ChatOp) DeviceScope() string { return "chat_" + string(op) + "_device" }

// IPScope returns the per-IP scope name, e.g. "chat_send_ip".
func (op ChatOp) IPScope() string { return "chat_" + string(op) + "_ip" }

const (
	// DefaultMapsAuthenticatedMax is the maps ceiling for signed-in callers per window
	DefaultMapsAuthenticatedMax = 120

	// DefaultWSMaxActivePerIP caps concurrently open websockets per IP
	DefaultWSMaxActivePerIP = 20

	// DefaultWSMaxActivePerDevice caps concurrently open websockets per device
	DefaultWSMaxActivePerDevice = 3
)

// DefaultRules returns the default limit of every scope.
func DefaultRules() map[string]security.Rule {
	rule := func(limit int, window time.Duration) security.Rule {
		return security.Rule{Window: window, Max: limit}
	}
	minute := time.Minute

	return map[string]security.Rule{
		ScopeAuthCodePhone: rule(5, 5*minute),
		ScopeAuthCodeIP:    rule(40, 5*minute),

		PaymentsWrite.WalletScope():          rule(30, minute),
		PaymentsWrite.IPScope():              rule(120, minute),
		PaymentsRead.WalletScope():           rule(120, minute),
		PaymentsRead.IPScope():               rule(600, minute),
		PaymentsFavoritesRead.WalletScope():  rule(60, minute),
		PaymentsFavoritesRead.IPScope():      rule(240, minute),
		PaymentsFavoritesWrite.WalletScope(): rule(20, minute),
		PaymentsFavoritesWrite.IPScope():     rule(60, minute),
		PaymentsResolvePhone.WalletScope():   rule(20, minute),
		PaymentsResolvePhone.IPScope():       rule(60, minute),

		ChatRegister.DeviceScope():  rule(10, 5*minute),
		ChatRegister.IPScope():      rule(60, 5*minute),
		ChatSend.DeviceScope():      rule(120, minute),
		ChatSend.IPScope():          rule(600, minute),
		ChatGroupSend.DeviceScope(): rule(60, minute),
		ChatGroupSend.IPScope():     rule(300, minute),

		ScopeMapsIP: rule(30, minute),

		ScopeChatWSConnectIP: rule(30, minute),
		ScopeCallWSConnectIP: rule(30, minute),

		ScopeCallStartPhone:  rule(10, minute),
		ScopeCallStartIP:     rule(30, minute),
		ScopeCallStartTarget: rule(10, minute),

		ScopeDeviceLoginStartIP: rule(10, minute),

		ScopeLiveKitTokenPhone: rule(30, minute),
		ScopeLiveKitTokenIP:    rule(60, minute),
	}
}

// WSConfig caps concurrently open websockets. A cap <= 0 disables it.
type WSConfig struct {
	MaxActivePerIP     int `yaml:"max_active_per_ip"`
	MaxActivePerDevice int `yaml:"max_active_per_device"`
}

// Config holds the guard configuration. Start from DefaultConfig: the zero
// value disables every store (MaxKeys 0 keeps them empty).
type Config struct {
	// Rules maps scope name to its window and maximum hits.
	// Scopes missing from the map are not limited.
	Rules map[string]security.Rule `yaml:"rules"`

	// MapsAuthenticatedMax is the maps_ip ceiling for authenticated callers.
	// Anonymous callers use Rules[maps_ip].Max. Default: 120
	MapsAuthenticatedMax int `yaml:"maps_authenticated_max"`

	// MaxKeys caps the keys of every sliding-window store (default: 20000,
	// clamped to [0, 200000]). 0 disables rate bookkeeping entirely.
	MaxKeys int `yaml:"max_keys"`

	// CleanupInterval is how often each store drops cold keys in the background.
	// Default: 5 minutes. Negative disables the janitor.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// Guardrails configures the payment amount and velocity guardrails
	Guardrails security.GuardrailConfig `yaml:"guardrails"`

	// ChatWS and CallWS cap concurrent websocket connections
	ChatWS WSConfig `yaml:"chat_ws"`
	CallWS WSConfig `yaml:"call_ws"`

	// Alerts configures the security alert webhook
	Alerts security.AlertConfig `yaml:"alerts"`

	// AuditCapacity is the number of audit events kept in memory (default: 2000)
	AuditCapacity int `yaml:"audit_capacity"`

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool `yaml:"trust_proxy"`

	// TrustedProxyCount is the number of our own proxies in X-Forwarded-For
	TrustedProxyCount int `yaml:"trusted_proxy_count"`

	// Instrumentation configures metrics and tracing
	Instrumentation instrumentation.Config `yaml:"instrumentation"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Rules:                DefaultRules(),
		MapsAuthenticatedMax: DefaultMapsAuthenticatedMax,
		MaxKeys:              security.DefaultMaxKeys,
		CleanupInterval:      security.DefaultCleanupInterval,
		Guardrails:           security.DefaultGuardrailConfig(),
		ChatWS: WSConfig{
			MaxActivePerIP:     DefaultWSMaxActivePerIP,
			MaxActivePerDevice: DefaultWSMaxActivePerDevice,
		},
		CallWS: WSConfig{
			MaxActivePerIP:     DefaultWSMaxActivePerIP,
			MaxActivePerDevice: DefaultWSMaxActivePerDevice,
		},
		Alerts:        security.AlertConfig{}.Normalize(),
		AuditCapacity: security.DefaultAuditCapacity,
		Instrumentation: instrumentation.Config{
			Enabled:         true,
			MetricsExporter: instrumentation.MetricsExporterPrometheus,
		},
	}
}

// normalize applies defaults and bounds. Out-of-range values are corrected
// with a warning rather than rejected.
func (c Config) normalize(logger *slog.Logger) Config {
	c.Rules = maps.Clone(c.Rules)

	if clamped := security.ClampMaxKeys(c.MaxKeys); clamped != c.MaxKeys {
		logger.Warn("Rate store max keys out of range, clamping",
			"configured", c.MaxKeys,
			"clamped", clamped)
		c.MaxKeys = clamped
	}
	if c.MaxKeys == 0 {
		logger.Warn("Rate store max keys is 0, rate bookkeeping is disabled")
	}

	if c.CleanupInterval == 0 {
		c.CleanupInterval = security.DefaultCleanupInterval
	}

	if anon, ok := c.Rules[ScopeMapsIP]; ok && anon.Enabled() && c.MapsAuthenticatedMax < anon.Max {
		logger.Warn("Maps authenticated max below anonymous max, raising",
			"authenticated_max", c.MapsAuthenticatedMax,
			"anonymous_max", anon.Max)
		c.MapsAuthenticatedMax = anon.Max
	}

	if c.AuditCapacity <= 0 {
		c.AuditCapacity = security.DefaultAuditCapacity
	}
	if c.TrustProxy {
		logger.Warn("Trusting proxy headers for client IP",
			"risk", "IP spoofing if the proxy chain is not configured correctly",
			"trusted_proxy_count", c.TrustedProxyCount)
	}
	if c.TrustedProxyCount < 0 {
		logger.Warn("Negative trusted proxy count, using 0", "configured", c.TrustedProxyCount)
		c.TrustedProxyCount = 0
	}

	c.Alerts = c.Alerts.Normalize()
	return c
}
