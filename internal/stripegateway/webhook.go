package stripegateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mailcredit/pkg/credits"
)

// Webhook delivery outcomes. Ignored and invalid events are acknowledged to
// the gateway so it stops redelivering them; signature and payload failures
// are the caller's fault and get a 4xx.
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
	ErrInvalidEvent     = errors.New("invalid webhook event")
	ErrEventIgnored     = errors.New("webhook event ignored")
)

const (
	eventTypeInvoicePaid       = "invoice.paid"
	eventTypeCheckoutCompleted = "checkout.session.completed"

	metadataKeyTenant  = "user_id"
	metadataKeyCredits = "credits"

	defaultSignatureTolerance = 5 * time.Minute
)

// Event is one verified, parsed webhook delivery. Exactly one of the two
// pointers is set.
type Event struct {
	Type        string
	InvoicePaid *credits.InvoicePaidEvent
	Topup       *credits.TopupCompletedEvent
}

// Webhook verifies and parses Stripe webhook deliveries into billing events.
type Webhook struct {
	secret    string
	client    *Client
	tolerance time.Duration
	nowFn     func() time.Time
}

// WebhookOption configures a Webhook instance.
type WebhookOption func(*Webhook)

// WithSignatureTolerance overrides the accepted signature timestamp skew.
func WithSignatureTolerance(tolerance time.Duration) WebhookOption {
	return func(webhook *Webhook) {
		if tolerance > 0 {
			webhook.tolerance = tolerance
		}
	}
}

// WithClock overrides the clock used for signature timestamp checks.
func WithClock(now func() time.Time) WebhookOption {
	return func(webhook *Webhook) {
		if now != nil {
			webhook.nowFn = now
		}
	}
}

// NewWebhook returns a Webhook bound to the signing secret. The client is
// used for the invoice and subscription refetch fallbacks during parsing.
func NewWebhook(secret string, client *Client, options ...WebhookOption) (*Webhook, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty signing secret", ErrInvalidSignature)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: nil gateway client", ErrInvalidPayload)
	}
	webhook := &Webhook{
		secret:    trimmed,
		client:    client,
		tolerance: defaultSignatureTolerance,
		nowFn:     time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(webhook)
		}
	}
	return webhook, nil
}

// Verify checks the Stripe-Signature header against the payload. The signed
// message is "<timestamp>.<payload>" and any listed v1 signature may match.
func (webhook *Webhook) Verify(payload []byte, signatureHeader string) error {
	header := strings.TrimSpace(signatureHeader)
	if header == "" {
		return ErrInvalidSignature
	}
	timestampText, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return ErrInvalidSignature
	}
	timestamp, err := strconv.ParseInt(timestampText, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	skew := webhook.nowFn().UTC().Sub(time.Unix(timestamp, 0).UTC())
	if skew < 0 {
		skew = -skew
	}
	if skew > webhook.tolerance {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(webhook.secret))
	_, _ = mac.Write([]byte(timestampText))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// ParseEvent maps a verified payload to a billing event. Event types the
// service does not react to come back as ErrEventIgnored.
func (webhook *Webhook) ParseEvent(ctx context.Context, payload []byte) (Event, error) {
	var envelope stripeEventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Event{}, ErrInvalidPayload
	}
	if strings.TrimSpace(envelope.ID) == "" {
		return Event{}, ErrInvalidEvent
	}
	switch strings.TrimSpace(envelope.Type) {
	case eventTypeInvoicePaid:
		return webhook.parseInvoicePaid(ctx, envelope, payload)
	case eventTypeCheckoutCompleted:
		return webhook.parseCheckoutCompleted(envelope)
	default:
		return Event{}, ErrEventIgnored
	}
}

func (webhook *Webhook) parseInvoicePaid(ctx context.Context, envelope stripeEventEnvelope, payload []byte) (Event, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(envelope.Data.Object, &invoice); err != nil {
		return Event{}, ErrInvalidPayload
	}
	if strings.TrimSpace(invoice.ID) == "" {
		return Event{}, ErrInvalidEvent
	}
	if len(invoice.Lines.Data) == 0 {
		return Event{}, fmt.Errorf("%w: invoice %s has no lines", ErrInvalidEvent, invoice.ID)
	}
	line := invoice.Lines.Data[0]

	subscriptionID := webhook.resolveSubscriptionID(ctx, invoice, line)
	if subscriptionID == "" {
		return Event{}, fmt.Errorf("%w: invoice %s has no subscription reference", ErrInvalidEvent, invoice.ID)
	}

	tenantValue, priceValue, periodStart, periodEnd := webhook.resolveTenantAndPrice(ctx, subscriptionID, line)
	if tenantValue == "" {
		return Event{}, fmt.Errorf("%w: invoice %s has no tenant metadata", ErrInvalidEvent, invoice.ID)
	}
	if priceValue == "" {
		return Event{}, fmt.Errorf("%w: invoice %s has no price reference", ErrInvalidEvent, invoice.ID)
	}
	if periodStart <= 0 {
		return Event{}, fmt.Errorf("%w: invoice %s has no billing period", ErrInvalidEvent, invoice.ID)
	}

	invoiceID, err := credits.NewInvoiceID(invoice.ID)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	tenantID, err := credits.NewTenantID(tenantValue)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	priceID, err := credits.NewPriceID(priceValue)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return Event{
		Type: eventTypeInvoicePaid,
		InvoicePaid: &credits.InvoicePaidEvent{
			InvoiceID:          invoiceID,
			TenantID:           tenantID,
			CustomerID:         strings.TrimSpace(invoice.Customer),
			SubscriptionID:     subscriptionID,
			PriceID:            priceID,
			PeriodStartUnixUTC: periodStart,
			PeriodEndUnixUTC:   periodEnd,
			PayloadJSON:        string(payload),
		},
	}, nil
}

// resolveSubscriptionID tries the invoice field, then the line parent, then
// an invoice refetch. Webhook payloads across API versions disagree on where
// the subscription reference lives.
func (webhook *Webhook) resolveSubscriptionID(ctx context.Context, invoice stripeInvoice, line stripeInvoiceLine) string {
	if value := strings.TrimSpace(invoice.Subscription); value != "" {
		return value
	}
	if value := strings.TrimSpace(line.Parent.SubscriptionItemDetails.Subscription); value != "" {
		return value
	}
	refetched, err := webhook.client.GetInvoice(ctx, invoice.ID)
	if err != nil {
		return ""
	}
	if value := strings.TrimSpace(refetched.Subscription); value != "" {
		return value
	}
	for _, refetchedLine := range refetched.Lines.Data {
		if value := strings.TrimSpace(refetchedLine.Parent.SubscriptionItemDetails.Subscription); value != "" {
			return value
		}
	}
	return ""
}

func (webhook *Webhook) resolveTenantAndPrice(ctx context.Context, subscriptionID string, line stripeInvoiceLine) (string, string, int64, int64) {
	tenantValue := ""
	priceValue := strings.TrimSpace(line.Price.ID)
	periodStart := int64(0)
	periodEnd := int64(0)

	subscription, err := webhook.client.GetSubscription(ctx, subscriptionID)
	if err == nil {
		tenantValue = strings.TrimSpace(subscription.Metadata[metadataKeyTenant])
		if priceValue == "" && len(subscription.Items.Data) > 0 {
			priceValue = strings.TrimSpace(subscription.Items.Data[0].Price.ID)
		}
		periodStart = subscription.CurrentPeriodStart
		periodEnd = subscription.CurrentPeriodEnd
	}
	if tenantValue == "" {
		tenantValue = strings.TrimSpace(line.Metadata[metadataKeyTenant])
	}
	// The subscription's current period wins; payloads from subscriptions the
	// refetch cannot see fall back to the invoice line period.
	if periodStart <= 0 {
		periodStart = line.Period.Start
		periodEnd = line.Period.End
	}
	return tenantValue, priceValue, periodStart, periodEnd
}

func (webhook *Webhook) parseCheckoutCompleted(envelope stripeEventEnvelope) (Event, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(envelope.Data.Object, &session); err != nil {
		return Event{}, ErrInvalidPayload
	}
	if strings.TrimSpace(session.ID) == "" {
		return Event{}, ErrInvalidEvent
	}
	// Subscription checkouts and other products share the same event type;
	// only sessions we opened for credit top-ups are processed here.
	if session.Mode != "payment" || session.Metadata["purpose"] != metadataPurposeTopup {
		return Event{}, ErrEventIgnored
	}

	sessionID, err := credits.NewCheckoutSessionID(session.ID)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	tenantID, err := credits.NewTenantID(session.Metadata[metadataKeyTenant])
	if err != nil {
		return Event{}, fmt.Errorf("%w: session %s has no tenant metadata", ErrInvalidEvent, session.ID)
	}
	creditsValue, err := strconv.ParseInt(strings.TrimSpace(session.Metadata[metadataKeyCredits]), 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("%w: session %s has malformed credits metadata", ErrInvalidEvent, session.ID)
	}
	amount, err := credits.NewCreditAmount(creditsValue)
	if err != nil {
		return Event{}, fmt.Errorf("%w: session %s grants no credits", ErrInvalidEvent, session.ID)
	}
	return Event{
		Type: eventTypeCheckoutCompleted,
		Topup: &credits.TopupCompletedEvent{
			CheckoutSessionID: sessionID,
			TenantID:          tenantID,
			Credits:           amount,
		},
	}, nil
}

type stripeEventEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := make([]string, 0, 1)
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		key, value, found := strings.Cut(piece, "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "t":
			timestamp = strings.TrimSpace(value)
		case "v1":
			signatures = append(signatures, strings.TrimSpace(value))
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("malformed signature header")
	}
	return timestamp, signatures, nil
}
