// Package security provides the in-memory guardrail subsystem of the BFF:
// sliding-window rate limiting, payment fraud guardrails, connection admission,
// audit logging and threshold-based security alerting.
//
// # Sliding windows
//
// WindowStore keeps a list of event timestamps per key. Writes filter the key
// down to the trailing window, append, and then prune the store back under
// its key cap in two tiers:
//
//  1. keys whose most recent event is older than the window (cold keys)
//  2. if still oversized, the keys with the oldest most-recent event
//
// A key that was touched inside the window therefore survives as long as any
// colder key exists. The cap is clamped to [0, MaxKeysCeiling]; a cap of 0
// keeps the store empty.
//
// # Rate limiting
//
// Limiter maps scope names (e.g. "chat_send_device") to a Rule and a private
// WindowStore:
//
//	limiter := security.NewLimiter(map[string]security.Rule{
//	    "auth_code_phone": {Window: 5 * time.Minute, Max: 5},
//	}, security.DefaultMaxKeys, logger)
//	defer limiter.Stop()
//
//	if _, ok := limiter.Allow("auth_code_phone", phone); !ok {
//	    return http.StatusTooManyRequests
//	}
//
// # Payment guardrails
//
// PaymentGuardrails rejects transfers above a per-transaction amount and
// enforces check-before-append velocity per wallet and per device. A caller
// exactly at the limit is rejected and the rejected attempt is not recorded.
//
// # Fail-open bookkeeping
//
// A fault inside the in-memory bookkeeping never rejects a request and never
// surfaces to the caller. It is counted in Stats.TotalFaults and logged at
// debug level. Only an explicit threshold breach blocks.
//
// # Audit and alerting
//
// Auditor keeps the last DefaultAuditCapacity events in a ring buffer and
// forwards each one to slog with the phone number hashed. An AlertDispatcher
// wired through SetAlerter counts events per action and posts a webhook when
// an action reaches its threshold, then stays quiet for the cooldown.
package security
