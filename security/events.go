package security

// Audit action constants.
// Action names are also the keys of the alert threshold configuration, so they
// must stay stable across releases.
const (
	// Payment guardrails

	// ActionPayAmountGuardrail is recorded when a payment exceeds the per-transaction maximum
	ActionPayAmountGuardrail = "pay_amount_guardrail"

	// ActionPayVelocityWallet is recorded when a wallet exceeds its payment velocity
	ActionPayVelocityWallet = "pay_velocity_guardrail_wallet"

	// ActionPayVelocityDevice is recorded when a device exceeds its payment velocity
	ActionPayVelocityDevice = "pay_velocity_guardrail_device"

	// ActionPaymentsWalletMismatch is recorded when a caller moves funds from a wallet it does not own
	ActionPaymentsWalletMismatch = "payments_transfer_wallet_mismatch"

	// Connection admission

	// ActionWSConnectionCap is recorded when a websocket exceeds the active connection cap
	ActionWSConnectionCap = "ws_connection_cap"

	// ActionWSMissingDevice is recorded when a websocket is opened without a device id
	ActionWSMissingDevice = "ws_missing_device_id"

	// Security alerting

	// ActionSecurityAlertSent is the event name carried by outbound alert payloads
	ActionSecurityAlertSent = "security_alert"
)

// RateLimitActionPrefix prefixes the action of every rate-limit rejection.
// The full action is RateLimitActionPrefix + scope, e.g. "rate_limit_chat_send_device".
const RateLimitActionPrefix = "rate_limit_"

// GuardrailActionMarker is the substring shared by all guardrail actions.
const GuardrailActionMarker = "guardrail"

// RateLimitAction returns the audit action for a rejection in scope.
func RateLimitAction(scope string) string {
	return RateLimitActionPrefix + normalizeScope(scope)
}
