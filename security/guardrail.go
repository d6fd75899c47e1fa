package security

import (
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultVelocityWindow is the default payment velocity window
	DefaultVelocityWindow = 60 * time.Second

	// DefaultMaxPerWallet is the default number of payments per wallet per window
	DefaultMaxPerWallet = 20

	// DefaultMaxPerDevice is the default number of payments per device per window
	DefaultMaxPerDevice = 40
)

// GuardrailReason identifies which guardrail blocked a payment.
type GuardrailReason string

const (
	ReasonAmount         GuardrailReason = "amount"
	ReasonWalletVelocity GuardrailReason = "wallet_velocity"
	ReasonDeviceVelocity GuardrailReason = "device_velocity"
)

// GuardrailError is returned when a payment breaches a guardrail.
type GuardrailError struct {
	Reason   GuardrailReason
	Limit    int64
	Observed int64
}

// Error implements the error interface
func (e *GuardrailError) Error() string {
	switch e.Reason {
	case ReasonAmount:
		return "amount exceeds guardrail"
	case ReasonWalletVelocity:
		return "wallet velocity guardrail exceeded"
	case ReasonDeviceVelocity:
		return "device velocity guardrail exceeded"
	default:
		return "payment guardrail exceeded"
	}
}

// GuardrailConfig configures payment guardrails. All amounts are minor units.
type GuardrailConfig struct {
	// MaxPerTxnCents blocks single payments above this amount. 0 disables the check.
	MaxPerTxnCents int64 `yaml:"max_per_txn_cents"`

	// VelocityWindow is the window for wallet and device velocity (default: 60s)
	VelocityWindow time.Duration `yaml:"velocity_window"`

	// MaxPerWallet is the number of payments a wallet may start per window (default: 20)
	MaxPerWallet int `yaml:"max_per_wallet"`

	// MaxPerDevice is the number of payments a device may start per window (default: 40)
	MaxPerDevice int `yaml:"max_per_device"`
}

// DefaultGuardrailConfig returns the default guardrail thresholds.
func DefaultGuardrailConfig() GuardrailConfig {
	return GuardrailConfig{
		VelocityWindow: DefaultVelocityWindow,
		MaxPerWallet:   DefaultMaxPerWallet,
		MaxPerDevice:   DefaultMaxPerDevice,
	}
}

// PaymentAttempt describes a payment-mutating operation (transfer, topup).
type PaymentAttempt struct {
	FromWalletID string
	DeviceID     string
	Phone        string
	AmountCents  int64
	// Extra is copied into the audit event of a rejection
	Extra map[string]any
}

// PaymentGuardrails blocks payments that exceed the per-transaction maximum or
// the wallet/device velocity. Only explicit threshold breaches reject; faults
// in the bookkeeping let the payment through.
type PaymentGuardrails struct {
	cfg     GuardrailConfig
	wallets *WindowStore
	devices *WindowStore
	auditor *Auditor
	logger  *slog.Logger
}

// NewPaymentGuardrails creates the guardrail engine. auditor may be nil.
func NewPaymentGuardrails(cfg GuardrailConfig, maxKeys int, auditor *Auditor, logger *slog.Logger, opts ...Option) *PaymentGuardrails {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPerTxnCents < 0 {
		cfg.MaxPerTxnCents = 0
	}
	cfg.VelocityWindow = normalizeWindow(cfg.VelocityWindow)

	return &PaymentGuardrails{
		cfg:     cfg,
		wallets: NewWindowStore(maxKeys, logger.With("store", "pay_velocity_wallet"), opts...),
		devices: NewWindowStore(maxKeys, logger.With("store", "pay_velocity_device"), opts...),
		auditor: auditor,
		logger:  logger,
	}
}

// Check runs the guardrails in order: amount, wallet velocity, device velocity.
// It returns a *GuardrailError on a breach and nil otherwise.
func (g *PaymentGuardrails) Check(attempt PaymentAttempt) error {
	blocked, err := g.check(attempt)
	if err != nil {
		g.logger.Debug("Payment guardrail bookkeeping fault swallowed", "error", err)
		return nil
	}
	if blocked != nil {
		return blocked
	}
	return nil
}

func (g *PaymentGuardrails) check(attempt PaymentAttempt) (blocked *GuardrailError, err error) {
	defer recoverBookkeeping(&err)

	amount := attempt.AmountCents
	if amount < 0 {
		amount = 0
	}
	walletID := strings.TrimSpace(attempt.FromWalletID)
	deviceID := strings.TrimSpace(attempt.DeviceID)

	if g.cfg.MaxPerTxnCents > 0 && amount > g.cfg.MaxPerTxnCents {
		g.audit(ActionPayAmountGuardrail, attempt, map[string]any{
			"from_wallet_id": walletID,
			"amount_cents":   amount,
			"max":            g.cfg.MaxPerTxnCents,
		})
		return &GuardrailError{Reason: ReasonAmount, Limit: g.cfg.MaxPerTxnCents, Observed: amount}, nil
	}

	if walletID != "" {
		count, allowed := g.wallets.CheckAndRecord(walletID, g.cfg.VelocityWindow, g.cfg.MaxPerWallet)
		if !allowed {
			g.audit(ActionPayVelocityWallet, attempt, map[string]any{
				"from_wallet_id": walletID,
				"amount_cents":   amount,
				"hits":           count,
				"max":            g.cfg.MaxPerWallet,
			})
			return &GuardrailError{Reason: ReasonWalletVelocity, Limit: int64(g.cfg.MaxPerWallet), Observed: int64(count)}, nil
		}
	}

	if deviceID != "" {
		count, allowed := g.devices.CheckAndRecord(deviceID, g.cfg.VelocityWindow, g.cfg.MaxPerDevice)
		if !allowed {
			g.audit(ActionPayVelocityDevice, attempt, map[string]any{
				"from_wallet_id": walletID,
				"device_id":      deviceID,
				"amount_cents":   amount,
				"hits":           count,
				"max":            g.cfg.MaxPerDevice,
			})
			return &GuardrailError{Reason: ReasonDeviceVelocity, Limit: int64(g.cfg.MaxPerDevice), Observed: int64(count)}, nil
		}
	}

	g.wallets.Prune(g.cfg.VelocityWindow)
	g.devices.Prune(g.cfg.VelocityWindow)
	return nil, nil
}

func (g *PaymentGuardrails) audit(action string, attempt PaymentAttempt, fields map[string]any) {
	if g.auditor == nil {
		return
	}
	extra := make(map[string]any, len(attempt.Extra)+len(fields))
	for k, v := range attempt.Extra {
		extra[k] = v
	}
	for k, v := range fields {
		extra[k] = v
	}
	g.auditor.Record(action, attempt.Phone, extra)
}

// WalletCount returns the wallet's payments inside the velocity window.
func (g *PaymentGuardrails) WalletCount(walletID string) int {
	return g.wallets.Count(strings.TrimSpace(walletID), g.cfg.VelocityWindow)
}

// DeviceCount returns the device's payments inside the velocity window.
func (g *PaymentGuardrails) DeviceCount(deviceID string) int {
	return g.devices.Count(strings.TrimSpace(deviceID), g.cfg.VelocityWindow)
}

// Config returns the active guardrail configuration.
func (g *PaymentGuardrails) Config() GuardrailConfig {
	return g.cfg
}

// GetStats returns the wallet and device store statistics.
func (g *PaymentGuardrails) GetStats() (wallets, devices Stats) {
	return g.wallets.GetStats(), g.devices.GetStats()
}

// Stop stops the janitors of both velocity stores.
func (g *PaymentGuardrails) Stop() {
	g.wallets.Stop()
	g.devices.Stop()
}

// CoerceAmountCents converts a decoded JSON amount into non-negative minor units.
// Values that are neither finite numbers nor numeric strings become 0.
func CoerceAmountCents(v any) int64 {
	var f float64
	switch val := v.(type) {
	case int:
		return clampAmount(int64(val))
	case int32:
		return clampAmount(int64(val))
	case int64:
		return clampAmount(val)
	case uint32:
		return int64(val)
	case float32:
		f = float64(val)
	case float64:
		f = val
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return clampAmount(n)
		}
		parsed, err := val.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case string:
		s := strings.TrimSpace(val)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return clampAmount(n)
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0
	}
	if f >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(f)
}

func clampAmount(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
