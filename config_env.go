package guard

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/giantswarm/bff-guard/security"
)

// Environment variable names. Per-scope limits use BFF_RL_<SCOPE>_MAX and
// BFF_RL_<SCOPE>_WINDOW_SECS with the scope name upper-cased.
const (
	EnvPayMaxPerTxnCents     = "PAY_MAX_PER_TXN_CENTS"
	EnvPayVelocityWindowSecs = "PAY_VELOCITY_WINDOW_SECS"
	EnvPayMaxPerWallet       = "PAY_VELOCITY_MAX_PER_WALLET"
	EnvPayMaxPerDevice       = "PAY_VELOCITY_MAX_PER_DEVICE"

	EnvChatWSMaxPerIP     = "CHAT_WS_MAX_ACTIVE_PER_IP"
	EnvChatWSMaxPerDevice = "CHAT_WS_MAX_ACTIVE_PER_DEVICE"
	EnvCallWSMaxPerIP     = "CALL_WS_MAX_ACTIVE_PER_IP"
	EnvCallWSMaxPerDevice = "CALL_WS_MAX_ACTIVE_PER_DEVICE"

	EnvAlertWebhookURL   = "SECURITY_ALERT_WEBHOOK_URL"
	EnvAlertThresholds   = "SECURITY_ALERT_THRESHOLDS"
	EnvAlertWindowSecs   = "SECURITY_ALERT_WINDOW_SECS"
	EnvAlertCooldownSecs = "SECURITY_ALERT_COOLDOWN_SECS"
	EnvAlertSource       = "SECURITY_ALERT_SOURCE"

	EnvMapsAuthenticatedMax = "BFF_MAPS_AUTHENTICATED_MAX"
	EnvRateStoreMaxKeys     = "BFF_RATE_STORE_MAX_KEYS"
	EnvRateStoreCleanupSecs = "BFF_RATE_STORE_CLEANUP_SECS"
	EnvAuditCapacity        = "BFF_AUDIT_CAPACITY"
	EnvTrustProxy           = "BFF_TRUST_PROXY"
	EnvTrustedProxyCount    = "BFF_TRUSTED_PROXY_COUNT"
	EnvMetricsEnabled       = "BFF_METRICS_ENABLED"
	EnvMetricsExporter      = "BFF_METRICS_EXPORTER"

	envRulePrefix = "BFF_RL_"
)

// LoadConfigFromEnv returns DefaultConfig overridden by the environment.
// getenv is usually os.Getenv. Every malformed variable is reported; a
// non-nil error means the configuration must not be used.
func LoadConfigFromEnv(getenv func(string) string) (Config, error) {
	return applyEnv(DefaultConfig(), getenv)
}

// LoadConfigFile decodes a YAML file over DefaultConfig and then applies the
// environment, so environment variables win over the file.
func LoadConfigFile(path string, getenv func(string) string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := ParseConfigYAML(data)
	if err != nil {
		return Config{}, err
	}
	return applyEnv(cfg, getenv)
}

// ParseConfigYAML decodes YAML over DefaultConfig. Rules listed in the
// document replace the default rule of their scope; a rule without a window
// keeps the default window.
//
// Durations are Go duration strings ("90s", "5m"); the decoder rejects bare
// numbers for them. Alert thresholds must be positive counts.
func ParseConfigYAML(data []byte) (Config, error) {
	cfg := DefaultConfig()
	defaults := cfg.Rules
	cfg.Rules = nil

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := validateFileConfig(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config file: %w", err)
	}

	rules := make(map[string]security.Rule, len(defaults))
	for scope, rule := range defaults {
		rules[scope] = rule
	}
	for scope, rule := range cfg.Rules {
		scope = strings.ToLower(strings.TrimSpace(scope))
		if rule.Window <= 0 {
			rule.Window = defaults[scope].Window
		}
		rules[scope] = rule
	}
	cfg.Rules = rules
	return cfg, nil
}

// validateFileConfig applies the alert threshold rules of
// security.ParseAlertThresholds to thresholds read from a file.
func validateFileConfig(cfg Config) error {
	actions := slices.Sorted(maps.Keys(cfg.Alerts.Thresholds))

	var errs []error
	for _, action := range actions {
		if strings.TrimSpace(action) == "" {
			errs = append(errs, errors.New("alerts.thresholds: empty action"))
			continue
		}
		if count := cfg.Alerts.Thresholds[action]; count <= 0 {
			errs = append(errs, fmt.Errorf("alerts.thresholds.%s: count must be a positive integer, got %d", action, count))
		}
	}
	return errors.Join(errs...)
}

// envReader collects parse errors while reading typed variables.
type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) lookup(name string) (string, bool) {
	v := strings.TrimSpace(e.getenv(name))
	return v, v != ""
}

func (e *envReader) intVar(name string, dst *int) {
	raw, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", name, raw))
		return
	}
	*dst = n
}

func (e *envReader) int64Var(name string, dst *int64) {
	raw, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", name, raw))
		return
	}
	*dst = n
}

func (e *envReader) secondsVar(name string, dst *time.Duration) {
	raw, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a number of seconds", name, raw))
		return
	}
	*dst = time.Duration(n) * time.Second
}

func (e *envReader) boolVar(name string, dst *bool) {
	raw, ok := e.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a boolean", name, raw))
		return
	}
	*dst = b
}

func (e *envReader) stringVar(name string, dst *string) {
	if raw, ok := e.lookup(name); ok {
		*dst = raw
	}
}

func applyEnv(cfg Config, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := &envReader{getenv: getenv}

	rules := make(map[string]security.Rule, len(cfg.Rules))
	for scope, rule := range cfg.Rules {
		prefix := envRulePrefix + strings.ToUpper(scope)
		env.intVar(prefix+"_MAX", &rule.Max)
		env.secondsVar(prefix+"_WINDOW_SECS", &rule.Window)
		rules[scope] = rule
	}
	cfg.Rules = rules

	env.intVar(EnvMapsAuthenticatedMax, &cfg.MapsAuthenticatedMax)
	env.intVar(EnvRateStoreMaxKeys, &cfg.MaxKeys)
	env.secondsVar(EnvRateStoreCleanupSecs, &cfg.CleanupInterval)

	env.int64Var(EnvPayMaxPerTxnCents, &cfg.Guardrails.MaxPerTxnCents)
	env.secondsVar(EnvPayVelocityWindowSecs, &cfg.Guardrails.VelocityWindow)
	env.intVar(EnvPayMaxPerWallet, &cfg.Guardrails.MaxPerWallet)
	env.intVar(EnvPayMaxPerDevice, &cfg.Guardrails.MaxPerDevice)

	env.intVar(EnvChatWSMaxPerIP, &cfg.ChatWS.MaxActivePerIP)
	env.intVar(EnvChatWSMaxPerDevice, &cfg.ChatWS.MaxActivePerDevice)
	env.intVar(EnvCallWSMaxPerIP, &cfg.CallWS.MaxActivePerIP)
	env.intVar(EnvCallWSMaxPerDevice, &cfg.CallWS.MaxActivePerDevice)

	env.stringVar(EnvAlertWebhookURL, &cfg.Alerts.WebhookURL)
	env.secondsVar(EnvAlertWindowSecs, &cfg.Alerts.Window)
	env.secondsVar(EnvAlertCooldownSecs, &cfg.Alerts.Cooldown)
	env.stringVar(EnvAlertSource, &cfg.Alerts.Source)
	if raw, ok := env.lookup(EnvAlertThresholds); ok {
		thresholds, err := security.ParseAlertThresholds(raw)
		if err != nil {
			env.errs = append(env.errs, fmt.Errorf("%s: %w", EnvAlertThresholds, err))
		}
		cfg.Alerts.Thresholds = thresholds
	}

	env.intVar(EnvAuditCapacity, &cfg.AuditCapacity)
	env.boolVar(EnvTrustProxy, &cfg.TrustProxy)
	env.intVar(EnvTrustedProxyCount, &cfg.TrustedProxyCount)
	env.boolVar(EnvMetricsEnabled, &cfg.Instrumentation.Enabled)
	env.stringVar(EnvMetricsExporter, &cfg.Instrumentation.MetricsExporter)

	if err := errors.Join(env.errs...); err != nil {
		return Config{}, fmt.Errorf("invalid environment configuration: %w", err)
	}
	return cfg, nil
}
