package guard

import (
	"log/slog"
	"testing"
	"time"

	"github.com/giantswarm/bff-guard/security"
)

func TestDefaultRules(t *testing.T) {
	rules := DefaultRules()

	tests := []struct {
		scope  string
		max    int
		window time.Duration
	}{
		{ScopeAuthCodePhone, 5, 5 * time.Minute},
		{ScopeAuthCodeIP, 40, 5 * time.Minute},
		{"payments_write_wallet", 30, time.Minute},
		{"payments_resolve_phone_ip", 60, time.Minute},
		{"chat_register_device", 10, 5 * time.Minute},
		{"chat_group_send_ip", 300, time.Minute},
		{ScopeMapsIP, 30, time.Minute},
		{ScopeChatWSConnectIP, 30, time.Minute},
		{ScopeCallWSConnectIP, 30, time.Minute},
		{ScopeCallStartTarget, 10, time.Minute},
		{ScopeDeviceLoginStartIP, 10, time.Minute},
		{ScopeLiveKitTokenIP, 60, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			rule, ok := rules[tt.scope]
			if !ok {
				t.Fatalf("scope %q has no default rule", tt.scope)
			}
			if rule.Max != tt.max {
				t.Errorf("Max = %d, want %d", rule.Max, tt.max)
			}
			if rule.Window != tt.window {
				t.Errorf("Window = %v, want %v", rule.Window, tt.window)
			}
		})
	}
}

func TestDefaultRules_EveryOperationHasBothDimensions(t *testing.T) {
	rules := DefaultRules()
	for _, op := range []PaymentsOp{PaymentsWrite, PaymentsRead, PaymentsFavoritesRead, PaymentsFavoritesWrite, PaymentsResolvePhone} {
		for _, scope := range []string{op.WalletScope(), op.IPScope()} {
			if _, ok := rules[scope]; !ok {
				t.Errorf("missing default rule for %q", scope)
			}
		}
	}
	for _, op := range []ChatOp{ChatRegister, ChatSend, ChatGroupSend} {
		for _, scope := range []string{op.DeviceScope(), op.IPScope()} {
			if _, ok := rules[scope]; !ok {
				t.Errorf("missing default rule for %q", scope)
			}
		}
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MaxKeys != security.DefaultMaxKeys {
		t.Errorf("MaxKeys = %d, want %d", cfg.MaxKeys, security.DefaultMaxKeys)
	}
	if cfg.MapsAuthenticatedMax != DefaultMapsAuthenticatedMax {
		t.Errorf("MapsAuthenticatedMax = %d, want %d", cfg.MapsAuthenticatedMax, DefaultMapsAuthenticatedMax)
	}
	if cfg.ChatWS.MaxActivePerDevice != 3 || cfg.CallWS.MaxActivePerIP != 20 {
		t.Errorf("websocket caps = %+v / %+v", cfg.ChatWS, cfg.CallWS)
	}
	if cfg.Guardrails.MaxPerTxnCents != 0 {
		t.Errorf("amount guardrail should be disabled by default, got %d", cfg.Guardrails.MaxPerTxnCents)
	}
	if cfg.Alerts.Window != security.DefaultAlertWindow || cfg.Alerts.Cooldown != security.DefaultAlertCooldown {
		t.Errorf("alert window/cooldown = %v/%v", cfg.Alerts.Window, cfg.Alerts.Cooldown)
	}
	if cfg.TrustProxy {
		t.Error("TrustProxy should be false by default")
	}
}

func TestConfig_Normalize(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	tests := []struct {
		name   string
		mutate func(*Config)
		check  func(t *testing.T, cfg Config)
	}{
		{
			name:   "max keys above ceiling",
			mutate: func(c *Config) { c.MaxKeys = 1_000_000 },
			check: func(t *testing.T, cfg Config) {
				if cfg.MaxKeys != security.MaxKeysCeiling {
					t.Errorf("MaxKeys = %d, want %d", cfg.MaxKeys, security.MaxKeysCeiling)
				}
			},
		},
		{
			name:   "negative max keys",
			mutate: func(c *Config) { c.MaxKeys = -5 },
			check: func(t *testing.T, cfg Config) {
				if cfg.MaxKeys != 0 {
					t.Errorf("MaxKeys = %d, want 0", cfg.MaxKeys)
				}
			},
		},
		{
			name:   "authenticated maps max below anonymous",
			mutate: func(c *Config) { c.MapsAuthenticatedMax = 10 },
			check: func(t *testing.T, cfg Config) {
				if cfg.MapsAuthenticatedMax != 30 {
					t.Errorf("MapsAuthenticatedMax = %d, want 30", cfg.MapsAuthenticatedMax)
				}
			},
		},
		{
			name:   "zero audit capacity",
			mutate: func(c *Config) { c.AuditCapacity = 0 },
			check: func(t *testing.T, cfg Config) {
				if cfg.AuditCapacity != security.DefaultAuditCapacity {
					t.Errorf("AuditCapacity = %d, want %d", cfg.AuditCapacity, security.DefaultAuditCapacity)
				}
			},
		},
		{
			name:   "alert floors",
			mutate: func(c *Config) { c.Alerts.Window = 5 * time.Second; c.Alerts.Cooldown = time.Second },
			check: func(t *testing.T, cfg Config) {
				if cfg.Alerts.Window != security.MinAlertWindow || cfg.Alerts.Cooldown != security.MinAlertWindow {
					t.Errorf("alert window/cooldown = %v/%v, want %v", cfg.Alerts.Window, cfg.Alerts.Cooldown, security.MinAlertWindow)
				}
			},
		},
		{
			name:   "negative trusted proxy count",
			mutate: func(c *Config) { c.TrustedProxyCount = -1 },
			check: func(t *testing.T, cfg Config) {
				if cfg.TrustedProxyCount != 0 {
					t.Errorf("TrustedProxyCount = %d, want 0", cfg.TrustedProxyCount)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			tt.check(t, cfg.normalize(logger))
		})
	}
}

func TestConfig_NormalizeDoesNotAliasRules(t *testing.T) {
	cfg := DefaultConfig()
	normalized := cfg.normalize(slog.New(slog.DiscardHandler))

	normalized.Rules[ScopeMapsIP] = security.Rule{Max: 1, Window: time.Second}
	if cfg.Rules[ScopeMapsIP].Max != 30 {
		t.Error("normalize must copy the rules map")
	}
}
