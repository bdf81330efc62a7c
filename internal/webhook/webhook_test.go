package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	internalerrors "github.com/fitjourney/subscriptions/internal/errors"
	"github.com/fitjourney/subscriptions/internal/metrics"
	"github.com/fitjourney/subscriptions/internal/reconcile"
	"github.com/fitjourney/subscriptions/internal/registry"
	"github.com/fitjourney/subscriptions/internal/tiers"
)

type recordingProcessor struct {
	events []reconcile.PurchaseEvent
	result reconcile.Result
	err    error
}

func (p *recordingProcessor) HandlePurchase(_ context.Context, ev reconcile.PurchaseEvent) (reconcile.Result, error) {
	p.events = append(p.events, ev)
	if p.err != nil {
		return reconcile.Result{}, p.err
	}
	res := p.result
	if res.Status == "" {
		res = reconcile.Result{Status: reconcile.StatusPending, Tier: tiers.Pro, Email: strings.ToLower(ev.Email)}
	}
	return res, nil
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body=%s", rec.Body.String())
	return out
}

// --- Lemon Squeezy ---------------------------------------------------------

const lsSecret = "ls_test_secret"

func lemonSqueezyRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/lemonsqueezy", strings.NewReader(payload))
	req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set("Content-Type", "application/json")
	return req
}

const lsOrderPayload = `{
  "meta": {"event_name": "order_created"},
  "data": {
    "id": "1234",
    "attributes": {
      "user_email": "Buyer@Example.com",
      "total": 9999,
      "currency": "usd",
      "status": "paid",
      "first_order_item": {"variant_name": "Pro Plan", "product_name": "FitJourney"}
    }
  }
}`

func TestLemonSqueezy_OrderCreated(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewLemonSqueezyHandler(lsSecret, proc)

	rec := serve(h, lemonSqueezyRequest(t, lsSecret, lsOrderPayload))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "pro", body["tier"])
	assert.Equal(t, "buyer@example.com", body["email"])

	require.Len(t, proc.events, 1)
	ev := proc.events[0]
	assert.Equal(t, ProviderLemonSqueezy, ev.Provider)
	assert.Equal(t, "1234", ev.SaleID)
	assert.Equal(t, "Buyer@Example.com", ev.Email)
	assert.Equal(t, int64(9999), ev.AmountMinor)
	assert.Equal(t, "USD", ev.Currency)
	assert.Equal(t, "Pro Plan", ev.VariantLabel)
	assert.Equal(t, "FitJourney", ev.ProductLabel)
	assert.Equal(t, "paid", ev.Status)
	assert.JSONEq(t, lsOrderPayload, string(ev.Raw))
}

func TestLemonSqueezy_RejectsBadSignature(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewLemonSqueezyHandler(lsSecret, proc)

	rec := serve(h, lemonSqueezyRequest(t, "wrong-secret", lsOrderPayload))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := lemonSqueezyRequest(t, lsSecret, lsOrderPayload)
	req.Header.Del("X-Signature")
	rec = serve(h, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = lemonSqueezyRequest(t, lsSecret, lsOrderPayload)
	req.Header.Set("X-Signature", "not-hex")
	rec = serve(h, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Empty(t, proc.events)
}

func TestLemonSqueezy_OtherEventsSkipped(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewLemonSqueezyHandler(lsSecret, proc)

	payload := `{"meta":{"event_name":"subscription_updated"},"data":{"id":"1"}}`
	rec := serve(h, lemonSqueezyRequest(t, lsSecret, payload))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, true, body["skipped"])
	assert.Equal(t, "subscription_updated", body["event"])
	assert.Empty(t, proc.events)
}

func TestLemonSqueezy_MissingEmailIsBadRequest(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewLemonSqueezyHandler(lsSecret, proc)

	payload := `{"meta":{"event_name":"order_created"},"data":{"id":"9","attributes":{"status":"paid","total":500}}}`
	rec := serve(h, lemonSqueezyRequest(t, lsSecret, payload))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, lemonSqueezyRequest(t, lsSecret, `{not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, proc.events)
}

func TestHandler_UnconfiguredSecret(t *testing.T) {
	h := NewLemonSqueezyHandler("  ", &recordingProcessor{})
	rec := serve(h, lemonSqueezyRequest(t, "", lsOrderPayload))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_Methods(t *testing.T) {
	h := NewPayhipHandler("key", &recordingProcessor{})

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/webhooks/payhip", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "payhip", body["provider"])

	rec = serve(h, httptest.NewRequest(http.MethodPut, "/api/webhooks/payhip", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_BodyLimit(t *testing.T) {
	h := NewLemonSqueezyHandler(lsSecret, &recordingProcessor{})
	big := bytes.Repeat([]byte("a"), webhookBodyLimit+1)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/lemonsqueezy", bytes.NewReader(big))
	rec := serve(h, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandler_ProcessorErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"transient", internalerrors.WrapStoreError("find_user", "x", errors.New("db down")), http.StatusServiceUnavailable},
		{"validation", internalerrors.NewValidationError("handle_purchase", "", "purchase has no buyer email"), http.StatusBadRequest},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewLemonSqueezyHandler(lsSecret, &recordingProcessor{err: tc.err})
			rec := serve(h, lemonSqueezyRequest(t, lsSecret, lsOrderPayload))
			assert.Equal(t, tc.want, rec.Code)
			if tc.want >= http.StatusInternalServerError {
				assert.Equal(t, "processing failed", decodeBody(t, rec)["error"])
			}
		})
	}
}

func TestHandler_RecordsMetrics(t *testing.T) {
	h := NewLemonSqueezyHandler(lsSecret, &recordingProcessor{})
	counter := metrics.WebhookRequestsTotal.WithLabelValues(ProviderLemonSqueezy, "401")
	before := testutil.ToFloat64(counter)

	serve(h, lemonSqueezyRequest(t, "bad", lsOrderPayload))

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

// --- Payhip ----------------------------------------------------------------

const payhipKey = "payhip_api_key"

func payhipSignature(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func payhipRequest(t *testing.T, fields map[string]any) *http.Request {
	t.Helper()
	if _, ok := fields["signature"]; !ok {
		fields["signature"] = payhipSignature(payhipKey)
	}
	body, err := json.Marshal(fields)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payhip", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestPayhip_AmountNormalization(t *testing.T) {
	cases := []struct {
		name   string
		fields map[string]any
		want   int64
	}{
		{"string major units", map[string]any{"amount": "99.99"}, 9999},
		{"number major units", map[string]any{"amount": 150}, 15000},
		{"fractional rounding", map[string]any{"amount": "4.995"}, 500},
		{"dollar sign", map[string]any{"amount": "$12.50"}, 1250},
		{"price in cents fallback", map[string]any{"price": 4999}, 4999},
		{"empty amount", map[string]any{"amount": ""}, 0},
		{"coupon", map[string]any{"amount": 0}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			proc := &recordingProcessor{}
			fields := map[string]any{"buyer_email": "p@x.com", "sale_id": "S1"}
			for k, v := range tc.fields {
				fields[k] = v
			}
			rec := serve(NewPayhipHandler(payhipKey, proc), payhipRequest(t, fields))
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			require.Len(t, proc.events, 1)
			assert.Equal(t, tc.want, proc.events[0].AmountMinor)
		})
	}
}

func TestPayhip_FieldFallbacks(t *testing.T) {
	proc := &recordingProcessor{}
	rec := serve(NewPayhipHandler(payhipKey, proc), payhipRequest(t, map[string]any{
		"id":       "fallback-id",
		"email":    "Alt@X.com",
		"currency": "eur",
		"items":    []map[string]any{{"product_name": "Elite Coaching"}},
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, proc.events, 1)
	ev := proc.events[0]
	assert.Equal(t, "fallback-id", ev.SaleID)
	assert.Equal(t, "Alt@X.com", ev.Email)
	assert.Equal(t, "Elite Coaching", ev.ProductLabel)
	assert.Equal(t, "EUR", ev.Currency)
	assert.Equal(t, "paid", ev.Status, "missing type defaults to paid")
}

func TestPayhip_RefundPassesStatusThrough(t *testing.T) {
	proc := &recordingProcessor{result: reconcile.Result{Status: reconcile.StatusSkipped, Email: "r@x.com"}}
	rec := serve(NewPayhipHandler(payhipKey, proc), payhipRequest(t, map[string]any{
		"type": "Refunded", "buyer_email": "r@x.com", "amount": "9.99",
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, proc.events, 1)
	assert.Equal(t, "refunded", proc.events[0].Status)
	assert.Equal(t, "skipped", decodeBody(t, rec)["status"])
}

func TestPayhip_Signature(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewPayhipHandler(payhipKey, proc)

	rec := serve(h, payhipRequest(t, map[string]any{"buyer_email": "p@x.com", "signature": payhipSignature("other")}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(h, payhipRequest(t, map[string]any{"buyer_email": "p@x.com", "signature": ""}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(h, payhipRequest(t, map[string]any{
		"buyer_email": "p@x.com", "signature": strings.ToUpper(payhipSignature(payhipKey)),
	}))
	assert.Equal(t, http.StatusOK, rec.Code, "signature comparison ignores hex case")

	assert.Len(t, proc.events, 1)
}

func TestPayhip_InvalidAmountIsBadRequest(t *testing.T) {
	proc := &recordingProcessor{}
	rec := serve(NewPayhipHandler(payhipKey, proc), payhipRequest(t, map[string]any{
		"buyer_email": "p@x.com", "amount": "twelve",
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, proc.events)
}

func TestPayhip_UnlabeledSaleResolvesByPayhipPrice(t *testing.T) {
	ctx := context.Background()
	reg, err := registry.New(ctx, registry.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	require.NoError(t, reg.CreateUser(ctx, &registry.User{Email: "member@x.com"}))

	h := NewPayhipHandler(payhipKey, reconcile.New(reg, tiers.MustDefaultResolver()))

	rec := serve(h, payhipRequest(t, map[string]any{
		"sale_id": "PH-10", "buyer_email": "member@x.com", "amount": "10.00", "product_name": "FitJourney",
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "activated", body["status"])
	assert.Equal(t, "elite", body["tier"])

	user, err := reg.FindUserByEmail(ctx, "member@x.com")
	require.NoError(t, err)
	assert.Equal(t, tiers.Elite, user.Tier)

	rec = serve(h, payhipRequest(t, map[string]any{
		"sale_id": "PH-5", "buyer_email": "newcomer@x.com", "amount": "5.00", "product_name": "FitJourney",
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decodeBody(t, rec)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "pro", body["tier"])
}

// --- Stripe ----------------------------------------------------------------

const stripeSecret = "whsec_test_secret"

func signedStripeRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestStripe_CheckoutCompleted(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewStripeHandler(stripeSecret, proc)

	payload := `{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{
		"id":"cs_test_1","payment_status":"paid","amount_total":15000,"currency":"usd",
		"customer_email":"fallback@x.com","customer_details":{"email":"Stripe@X.com"},
		"metadata":{"plan":"Elite 12 months","product":"FitJourney"}}}}`
	rec := serve(h, signedStripeRequest(t, stripeSecret, payload))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, proc.events, 1)
	ev := proc.events[0]
	assert.Equal(t, ProviderStripe, ev.Provider)
	assert.Equal(t, "cs_test_1", ev.SaleID)
	assert.Equal(t, "Stripe@X.com", ev.Email)
	assert.Equal(t, int64(15000), ev.AmountMinor)
	assert.Equal(t, "Elite 12 months", ev.VariantLabel)
	assert.Equal(t, "FitJourney", ev.ProductLabel)
	assert.Equal(t, "paid", ev.Status)
}

func TestStripe_FreeCheckoutCountsAsPaid(t *testing.T) {
	proc := &recordingProcessor{}
	payload := `{"id":"evt_2","object":"event","type":"checkout.session.completed","data":{"object":{
		"id":"cs_free","payment_status":"no_payment_required","amount_total":0,"customer_email":"free@x.com"}}}`
	rec := serve(NewStripeHandler(stripeSecret, proc), signedStripeRequest(t, stripeSecret, payload))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, proc.events, 1)
	assert.Equal(t, "paid", proc.events[0].Status)
	assert.Equal(t, "free@x.com", proc.events[0].Email)
}

func TestStripe_UnhandledTypeAndBadSignature(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewStripeHandler(stripeSecret, proc)

	payload := `{"id":"evt_3","object":"event","type":"invoice.paid","data":{"object":{"id":"in_1"}}}`
	rec := serve(h, signedStripeRequest(t, stripeSecret, payload))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["skipped"])

	rec = serve(h, signedStripeRequest(t, "whsec_other", payload))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := signedStripeRequest(t, stripeSecret, payload)
	req.Header.Del("Stripe-Signature")
	rec = serve(h, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Empty(t, proc.events)
}
