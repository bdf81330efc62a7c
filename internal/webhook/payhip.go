package webhook

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/fitjourney/subscriptions/internal/reconcile"
)

const ProviderPayhip = "payhip"

type payhipAdapter struct {
	apiKey string
}

// NewPayhipHandler serves Payhip sale webhooks for the store owning apiKey.
func NewPayhipHandler(apiKey string, processor Processor) *Handler {
	return &Handler{adapter: &payhipAdapter{apiKey: apiKey}, processor: processor}
}

type payhipPayload struct {
	Type        string `json:"type"`
	Signature   string `json:"signature"`
	ID          string `json:"id"`
	SaleID      string `json:"sale_id"`
	Email       string `json:"email"`
	BuyerEmail  string `json:"buyer_email"`
	Amount      amount `json:"amount"` // major units
	Price       amount `json:"price"`  // cents
	Currency    string `json:"currency"`
	VariantName string `json:"variant_name"`
	ProductName string `json:"product_name"`
	Items       []struct {
		ProductName string `json:"product_name"`
	} `json:"items"`
}

func (a *payhipAdapter) name() string { return ProviderPayhip }

func (a *payhipAdapter) configured() bool { return strings.TrimSpace(a.apiKey) != "" }

// verify compares the body's signature field with sha256(api key).
func (a *payhipAdapter) verify(_ http.Header, payload []byte) error {
	var p struct {
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		// Leave malformed bodies to parse so they map to 400.
		return nil
	}
	sig := strings.ToLower(strings.TrimSpace(p.Signature))
	if sig == "" {
		return errMissingSignature
	}
	sum := sha256.Sum256([]byte(a.apiKey))
	want := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(sig), []byte(want)) != 1 {
		return errInvalidSignature
	}
	return nil
}

func (a *payhipAdapter) parse(payload []byte) (string, *reconcile.PurchaseEvent, error) {
	var p payhipPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", nil, malformed(ProviderPayhip, "invalid JSON: "+err.Error())
	}

	status := strings.ToLower(strings.TrimSpace(p.Type))
	if status == "" {
		status = reconcile.PaymentStatusPaid
	}

	email := firstNonEmpty(p.BuyerEmail, p.Email)
	if email == "" {
		return status, nil, malformed(ProviderPayhip, "sale has no buyer_email")
	}

	var cents int64
	switch {
	case p.Amount.set:
		cents = majorToMinor(p.Amount.value)
	case p.Price.set:
		cents = wholeMinor(p.Price.value)
	}

	product := p.ProductName
	if product == "" && len(p.Items) > 0 {
		product = p.Items[0].ProductName
	}

	return status, &reconcile.PurchaseEvent{
		Provider:     ProviderPayhip,
		SaleID:       firstNonEmpty(p.SaleID, p.ID),
		Email:        email,
		AmountMinor:  cents,
		Currency:     strings.ToUpper(p.Currency),
		VariantLabel: p.VariantName,
		ProductLabel: product,
		Status:       status,
		Raw:          json.RawMessage(payload),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
