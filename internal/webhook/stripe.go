package webhook

import (
	"encoding/json"
	"net/http"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/fitjourney/subscriptions/internal/reconcile"
)

const (
	ProviderStripe = "stripe"

	stripeCheckoutCompleted = "checkout.session.completed"
)

type stripeAdapter struct {
	secret string
}

// NewStripeHandler serves Stripe checkout webhooks signed with secret.
func NewStripeHandler(secret string, processor Processor) *Handler {
	return &Handler{adapter: &stripeAdapter{secret: secret}, processor: processor}
}

// checkoutSession is a minimal representation of a Stripe Checkout session.
type checkoutSession struct {
	ID              string `json:"id"`
	PaymentStatus   string `json:"payment_status"`
	AmountTotal     int64  `json:"amount_total"`
	Currency        string `json:"currency"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

func (a *stripeAdapter) name() string { return ProviderStripe }

func (a *stripeAdapter) configured() bool { return strings.TrimSpace(a.secret) != "" }

func (a *stripeAdapter) verify(header http.Header, payload []byte) error {
	sigHeader := header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		return errMissingSignature
	}
	if err := stripewebhook.ValidatePayload(payload, sigHeader, a.secret); err != nil {
		return errInvalidSignature
	}
	return nil
}

func (a *stripeAdapter) parse(payload []byte) (string, *reconcile.PurchaseEvent, error) {
	var event stripelib.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return "", nil, malformed(ProviderStripe, "invalid JSON: "+err.Error())
	}
	eventType := string(event.Type)
	if eventType != stripeCheckoutCompleted {
		return eventType, nil, nil
	}
	if event.Data == nil {
		return eventType, nil, malformed(ProviderStripe, "event has no data object")
	}

	var session checkoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return eventType, nil, malformed(ProviderStripe, "decode checkout.session: "+err.Error())
	}
	email := firstNonEmpty(session.CustomerDetails.Email, session.CustomerEmail)
	if email == "" {
		return eventType, nil, malformed(ProviderStripe, "checkout session has no customer email")
	}

	status := session.PaymentStatus
	switch status {
	case "paid", "no_payment_required":
		status = reconcile.PaymentStatusPaid
	}

	return eventType, &reconcile.PurchaseEvent{
		Provider:     ProviderStripe,
		SaleID:       session.ID,
		Email:        email,
		AmountMinor:  session.AmountTotal,
		Currency:     strings.ToUpper(session.Currency),
		VariantLabel: firstNonEmpty(session.Metadata["variant"], session.Metadata["plan"]),
		ProductLabel: session.Metadata["product"],
		Status:       status,
		Raw:          event.Data.Raw,
	}, nil
}
