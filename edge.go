package guard

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/bff-guard/instrumentation"
	"github.com/giantswarm/bff-guard/security"
)

// DeviceIDHeader carries the caller's device id on HTTP requests
const DeviceIDHeader = "X-Device-ID"

// Identity dimensions used as audit extra keys
const (
	dimIP          = "ip"
	dimPhone       = "phone"
	dimDeviceID    = "device_id"
	dimWalletID    = "wallet_id"
	dimTargetPhone = "target_phone"
)

// ClientIP returns the rate-limit IP identity of r, honouring the proxy trust settings.
func (g *Guard) ClientIP(r *http.Request) string {
	return security.GetClientIP(r, g.cfg.TrustProxy, g.cfg.TrustedProxyCount)
}

// limitCheck is one scope evaluated for one identity.
type limitCheck struct {
	scope     string
	dimension string
	identity  string
	// ceiling overrides the rule's Max when > 0
	ceiling int
}

// enforce evaluates checks in order and stops at the first rejection.
// Checks with an empty or unresolvable identity are skipped.
func (g *Guard) enforce(ctx context.Context, phone string, checks ...limitCheck) error {
	for _, c := range checks {
		identity := strings.TrimSpace(c.identity)
		if identity == "" {
			continue
		}
		if c.dimension == dimIP && !security.IsResolvableIP(identity) {
			continue
		}

		rule, ok := g.limiter.Rule(c.scope)
		if !ok || !rule.Enabled() {
			continue
		}
		limit := rule.Max
		if c.ceiling > 0 {
			limit = c.ceiling
		}

		hits := g.limiter.Hit(c.scope, identity)
		if hits <= limit {
			continue
		}

		g.Audit(ctx, security.RateLimitAction(c.scope), phone, map[string]any{
			"scope":     c.scope,
			c.dimension: identity,
			"hits":      hits,
			"max":       limit,
		})
		g.metrics.RecordRateLimitExceeded(ctx, c.scope)
		return ErrRateLimited(c.scope, rule.Window)
	}
	return nil
}

// CheckAuthCode limits one-time auth code requests per phone and per IP.
func (g *Guard) CheckAuthCode(ctx context.Context, phone, ip string) error {
	return g.enforce(ctx, phone,
		limitCheck{scope: ScopeAuthCodePhone, dimension: dimPhone, identity: phone},
		limitCheck{scope: ScopeAuthCodeIP, dimension: dimIP, identity: ip},
	)
}

// CheckPayments limits a payments edge operation per wallet and per IP.
func (g *Guard) CheckPayments(ctx context.Context, op PaymentsOp, phone, walletID, ip string) error {
	return g.enforce(ctx, phone,
		limitCheck{scope: op.WalletScope(), dimension: dimWalletID, identity: walletID},
		limitCheck{scope: op.IPScope(), dimension: dimIP, identity: ip},
	)
}

// CheckChat limits a chat edge operation per device and per IP.
func (g *Guard) CheckChat(ctx context.Context, op ChatOp, deviceID, ip string) error {
	return g.enforce(ctx, "",
		limitCheck{scope: op.DeviceScope(), dimension: dimDeviceID, identity: deviceID},
		limitCheck{scope: op.IPScope(), dimension: dimIP, identity: ip},
	)
}

// CheckMaps limits maps requests per IP. Authenticated callers share the
// anonymous window but get the higher MapsAuthenticatedMax ceiling.
func (g *Guard) CheckMaps(ctx context.Context, ip string, authenticated bool) error {
	check := limitCheck{scope: ScopeMapsIP, dimension: dimIP, identity: ip}
	if authenticated {
		check.ceiling = g.cfg.MapsAuthenticatedMax
	}
	return g.enforce(ctx, "", check)
}

// CheckCallStart limits call starts per caller phone, per IP and per callee.
func (g *Guard) CheckCallStart(ctx context.Context, phone, ip, targetPhone string) error {
	return g.enforce(ctx, phone,
		limitCheck{scope: ScopeCallStartPhone, dimension: dimPhone, identity: phone},
		limitCheck{scope: ScopeCallStartIP, dimension: dimIP, identity: ip},
		limitCheck{scope: ScopeCallStartTarget, dimension: dimTargetPhone, identity: targetPhone},
	)
}

// CheckDeviceLoginStart limits device login starts per IP.
func (g *Guard) CheckDeviceLoginStart(ctx context.Context, ip string) error {
	return g.enforce(ctx, "",
		limitCheck{scope: ScopeDeviceLoginStartIP, dimension: dimIP, identity: ip},
	)
}

// CheckLiveKitToken limits media token issuance per phone and per IP.
func (g *Guard) CheckLiveKitToken(ctx context.Context, phone, ip string) error {
	return g.enforce(ctx, phone,
		limitCheck{scope: ScopeLiveKitTokenPhone, dimension: dimPhone, identity: phone},
		limitCheck{scope: ScopeLiveKitTokenIP, dimension: dimIP, identity: ip},
	)
}

// CheckPayment runs the payment guardrails for a payment-mutating request.
// Only explicit threshold breaches reject.
func (g *Guard) CheckPayment(ctx context.Context, attempt security.PaymentAttempt) error {
	ctx, span := g.tracer.Start(ctx, "guardrail.check")
	defer span.End()

	instrumentation.AddPaymentAttributes(span, attempt.FromWalletID, attempt.DeviceID, attempt.AmountCents)
	instrumentation.AddRequestID(span, security.GetRequestID(ctx))

	if requestID := security.GetRequestID(ctx); requestID != "" {
		extra := make(map[string]any, len(attempt.Extra)+1)
		for k, v := range attempt.Extra {
			extra[k] = v
		}
		extra["request_id"] = requestID
		attempt.Extra = extra
	}

	start := time.Now()
	err := g.guardrails.Check(attempt)
	g.metrics.RecordGuardrailCheck(ctx, float64(time.Since(start).Microseconds())/1000, err != nil)

	var gerr *security.GuardrailError
	if !errors.As(err, &gerr) {
		instrumentation.AddGuardrailOutcome(span, "")
		instrumentation.SetSpanSuccess(span)
		return nil
	}

	instrumentation.AddGuardrailOutcome(span, string(gerr.Reason))
	instrumentation.RecordError(span, gerr)
	g.metrics.RecordGuardrailBlocked(ctx, string(gerr.Reason))
	return guardrailError(gerr, g.guardrails.Config().VelocityWindow)
}

// CheckWalletOwnership rejects a payment whose source wallet is not the
// caller's own wallet. An empty fromWalletID means the caller's wallet is used.
func (g *Guard) CheckWalletOwnership(ctx context.Context, phone, fromWalletID, ownWalletID string) error {
	fromWalletID = strings.TrimSpace(fromWalletID)
	ownWalletID = strings.TrimSpace(ownWalletID)
	if fromWalletID == "" || fromWalletID == ownWalletID {
		return nil
	}
	g.Audit(ctx, security.ActionPaymentsWalletMismatch, phone, map[string]any{
		"from_wallet_id": fromWalletID,
		"wallet_id":      ownWalletID,
	})
	return ErrWalletMismatch()
}

// ReleaseFunc releases an admitted websocket. It is safe to call more than once.
type ReleaseFunc func()

// AdmitChatWebSocket admits a chat websocket from ip/deviceID.
func (g *Guard) AdmitChatWebSocket(ctx context.Context, ip, deviceID string) (ReleaseFunc, error) {
	return g.admit(ctx, SocketChat, ScopeChatWSConnectIP, g.chatWS, g.cfg.ChatWS, ip, deviceID)
}

// AdmitCallWebSocket admits a call signalling websocket from ip/deviceID.
func (g *Guard) AdmitCallWebSocket(ctx context.Context, ip, deviceID string) (ReleaseFunc, error) {
	return g.admit(ctx, SocketCall, ScopeCallWSConnectIP, g.callWS, g.cfg.CallWS, ip, deviceID)
}

// admit requires a device id, applies the connect-rate scope and then the
// active connection caps. The caller must invoke the returned ReleaseFunc when
// the socket closes.
func (g *Guard) admit(ctx context.Context, socket, connectScope string, gate *security.Admission, caps WSConfig, ip, deviceID string) (ReleaseFunc, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		g.Audit(ctx, security.ActionWSMissingDevice, "", map[string]any{
			"socket": socket,
			"ip":     ip,
		})
		g.metrics.RecordWSRejected(ctx, socket, "missing_device")
		return nil, ErrMissingDeviceID()
	}

	if err := g.enforce(ctx, "", limitCheck{scope: connectScope, dimension: dimIP, identity: ip}); err != nil {
		g.metrics.RecordWSRejected(ctx, socket, "rate")
		rl, _ := AsError(err)
		return nil, ErrConnectionRateLimited(rl.Scope, rl.RetryAfter)
	}

	gateIP := ip
	if !security.IsResolvableIP(gateIP) {
		gateIP = ""
	}
	ticket, err := gate.Acquire(gateIP, deviceID)
	if err != nil {
		kind, limit := "device", caps.MaxActivePerDevice
		if errors.Is(err, security.ErrTooManyConnectionsIP) {
			kind, limit = "ip", caps.MaxActivePerIP
		}
		g.Audit(ctx, security.ActionWSConnectionCap, "", map[string]any{
			"socket":    socket,
			"kind":      kind,
			"ip":        ip,
			"device_id": deviceID,
			"max":       limit,
		})
		g.metrics.RecordWSRejected(ctx, socket, kind)
		return nil, ErrConnectionLimited(kind)
	}

	g.metrics.RecordWSOpened(ctx, socket)

	var once sync.Once
	return func() {
		once.Do(func() {
			gate.Release(ticket)
			g.metrics.RecordWSClosed(context.Background(), socket)
		})
	}, nil
}

// ActiveWebSockets returns the open chat and call connections of ip/deviceID.
func (g *Guard) ActiveWebSockets(socket, ip, deviceID string) (perIP, perDevice int) {
	switch socket {
	case SocketChat:
		return g.chatWS.Active(ip, deviceID)
	case SocketCall:
		return g.callWS.Active(ip, deviceID)
	default:
		return 0, 0
	}
}
