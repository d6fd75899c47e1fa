package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attribute keys.
//
// Never attach raw phone numbers, wallet balances or device secrets. Wallet and
// device identifiers are opaque ids and safe to record.
const (
	AttrRateLimitScope   attribute.Key = "bff.rate_limit.scope"
	AttrStoreName        attribute.Key = "bff.store"
	AttrGuardrailReason  attribute.Key = "bff.guardrail.reason"
	AttrGuardrailBlocked attribute.Key = "bff.guardrail.blocked"
	AttrWalletID         attribute.Key = "bff.payment.wallet_id"
	AttrDeviceID         attribute.Key = "bff.device_id"
	AttrAmountCents      attribute.Key = "bff.payment.amount_cents"
	AttrWSSocket         attribute.Key = "bff.ws.socket"
	AttrWSRejectKind     attribute.Key = "bff.ws.reject_kind"
	AttrAuditAction      attribute.Key = "bff.audit.action"
	AttrAlertOutcome     attribute.Key = "bff.alert.outcome"
	AttrRequestID        attribute.Key = "bff.request_id"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddPaymentAttributes adds the payment identity of a guardrail check (nil-safe)
func AddPaymentAttributes(span trace.Span, walletID, deviceID string, amountCents int64) {
	attrs := []attribute.KeyValue{AttrAmountCents.Int64(amountCents)}
	if walletID != "" {
		attrs = append(attrs, AttrWalletID.String(walletID))
	}
	if deviceID != "" {
		attrs = append(attrs, AttrDeviceID.String(deviceID))
	}
	SetSpanAttributes(span, attrs...)
}

// AddGuardrailOutcome records whether and why a guardrail blocked (nil-safe)
func AddGuardrailOutcome(span trace.Span, reason string) {
	if reason == "" {
		SetSpanAttributes(span, AttrGuardrailBlocked.Bool(false))
		return
	}
	SetSpanAttributes(span,
		AttrGuardrailBlocked.Bool(true),
		AttrGuardrailReason.String(reason),
	)
}

// AddRequestID links a span to the X-Request-ID of the request (nil-safe)
func AddRequestID(span trace.Span, requestID string) {
	if requestID != "" {
		SetSpanAttributes(span, AttrRequestID.String(requestID))
	}
}
