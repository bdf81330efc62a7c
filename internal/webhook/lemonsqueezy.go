package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/fitjourney/subscriptions/internal/reconcile"
)

const (
	ProviderLemonSqueezy = "lemonsqueezy"

	lemonSqueezyOrderCreated = "order_created"
)

type lemonSqueezyAdapter struct {
	secret string
}

// NewLemonSqueezyHandler serves Lemon Squeezy order webhooks signed with secret.
func NewLemonSqueezyHandler(secret string, processor Processor) *Handler {
	return &Handler{adapter: &lemonSqueezyAdapter{secret: secret}, processor: processor}
}

type lemonSqueezyPayload struct {
	Meta struct {
		EventName string `json:"event_name"`
	} `json:"meta"`
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			UserEmail      string `json:"user_email"`
			Total          amount `json:"total"`
			Currency       string `json:"currency"`
			Status         string `json:"status"`
			FirstOrderItem struct {
				VariantName string `json:"variant_name"`
				ProductName string `json:"product_name"`
			} `json:"first_order_item"`
		} `json:"attributes"`
	} `json:"data"`
}

func (a *lemonSqueezyAdapter) name() string { return ProviderLemonSqueezy }

func (a *lemonSqueezyAdapter) configured() bool { return strings.TrimSpace(a.secret) != "" }

// verify checks the hex HMAC-SHA256 of the raw body in X-Signature.
func (a *lemonSqueezyAdapter) verify(header http.Header, payload []byte) error {
	sig := strings.TrimSpace(header.Get("X-Signature"))
	if sig == "" {
		return errMissingSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return errInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errInvalidSignature
	}
	return nil
}

func (a *lemonSqueezyAdapter) parse(payload []byte) (string, *reconcile.PurchaseEvent, error) {
	var p lemonSqueezyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", nil, malformed(ProviderLemonSqueezy, "invalid JSON: "+err.Error())
	}
	event := p.Meta.EventName
	if event != lemonSqueezyOrderCreated {
		return event, nil, nil
	}

	attrs := p.Data.Attributes
	if strings.TrimSpace(attrs.UserEmail) == "" {
		return event, nil, malformed(ProviderLemonSqueezy, "order has no user_email")
	}
	var total int64
	if attrs.Total.set {
		total = wholeMinor(attrs.Total.value)
	}
	return event, &reconcile.PurchaseEvent{
		Provider:     ProviderLemonSqueezy,
		SaleID:       p.Data.ID,
		Email:        attrs.UserEmail,
		AmountMinor:  total,
		Currency:     strings.ToUpper(attrs.Currency),
		VariantLabel: attrs.FirstOrderItem.VariantName,
		ProductLabel: attrs.FirstOrderItem.ProductName,
		Status:       attrs.Status,
		Raw:          json.RawMessage(payload),
	}, nil
}
