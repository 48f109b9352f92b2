package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"rally/internal/pkg/httpclient"
	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

func newTestGateway(t *testing.T, h http.HandlerFunc) *GatewayHTTPAdapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client := httpclient.NewClient(noop.NewTracerProvider().Tracer("test"))
	return NewGatewayHTTPAdapter(client, srv.URL+"/", "sk_test", time.Second)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestGatewayHTTPAdapter_CreateIntent(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "intent:p-1:1800:r-10", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "1800", r.PostForm.Get("amount"))
		assert.Equal(t, "usd", r.PostForm.Get("currency"))
		assert.Equal(t, "88", r.PostForm.Get("application_fee_amount"))
		assert.Equal(t, "p-1", r.PostForm.Get("metadata[purchase_id]"))
		writeJSON(w, http.StatusOK, map[string]any{
			"id": "pi_1", "client_secret": "pi_1_secret", "amount": 1800, "currency": "usd",
			"status": "requires_payment_method", "metadata": map[string]string{"purchase_id": "p-1"},
		})
	})

	h, err := gw.CreateIntent(context.Background(), port.CreateIntentRequest{
		PurchaseID: "p-1", DiscountedAmountMin: 1800, OriginalAmountMin: 2000, ApplicationFeeMin: 88,
		Currency: "USD", Metadata: map[string]string{domain.MetaPurchaseID: "p-1"},
		IdempotencyKey: "intent:p-1:1800:r-10",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", h.ID)
	assert.Equal(t, "pi_1_secret", h.ClientSecret)
	assert.Equal(t, int64(1800), h.AmountMinor)
	assert.Equal(t, port.PaymentRequiresMethod, h.Status)
	assert.Equal(t, "p-1", h.Metadata[domain.MetaPurchaseID])
}

func TestGatewayHTTPAdapter_ConfirmCardDeclined(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/v1/payment_intents/pi_1/confirm", r.URL.Path)
		assert.Equal(t, "pm_card_visa", r.PostForm.Get("payment_method"))
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error": map[string]string{
				"type": "card_error", "code": "card_declined", "decline_code": "generic_decline",
				"message": "Your card was declined.",
			},
		})
	})

	_, err := gw.ConfirmCard(context.Background(), "pi_1", "pm_card_visa")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPaymentGateway))

	var ge *domain.GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, http.StatusPaymentRequired, ge.StatusCode)
	assert.Equal(t, "card_declined", ge.Code)
	assert.Equal(t, "generic_decline", ge.DeclineCode)
	assert.Equal(t, "Your card was declined.", ge.BuyerMessage())
}

func TestGatewayHTTPAdapter_NonJSONErrorIsGeneric(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	})

	_, err := gw.RetrieveIntent(context.Background(), "pi_1")
	var ge *domain.GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "http_502", ge.Code)
	assert.False(t, ge.Actionable())
	assert.Equal(t, "Payment could not be completed. Please try again.", ge.BuyerMessage())
}

func TestGatewayHTTPAdapter_ConfirmWallet(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "tok_apple", r.PostForm.Get("payment_method_data[card][token]"))
		assert.Equal(t, string(domain.RailApplePay), r.PostForm.Get("payment_method_data[wallet][type]"))
		writeJSON(w, http.StatusOK, map[string]any{"id": "pi_2", "status": "succeeded", "amount": 2000, "currency": "usd"})
	})

	h, err := gw.ConfirmWallet(context.Background(), "pi_2", domain.RailApplePay, "tok_apple")
	require.NoError(t, err)
	assert.Equal(t, port.PaymentSucceeded, h.Status)
}

func TestGatewayHTTPAdapter_HostedCheckout(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
			assert.Equal(t, "payment", r.PostForm.Get("mode"))
			assert.Equal(t, "Friday Social", r.PostForm.Get("line_items[0][price_data][product_data][name]"))
			assert.Equal(t, "1800", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
			assert.Equal(t, "88", r.PostForm.Get("payment_intent_data[application_fee_amount]"))
			assert.Equal(t, "p-1", r.PostForm.Get("payment_intent_data[metadata][purchase_id]"))
			writeJSON(w, http.StatusOK, map[string]any{
				"id": "cs_1", "url": "https://pay.test/cs_1", "status": "open", "payment_status": "unpaid",
			})
		case http.MethodGet:
			assert.Equal(t, "/v1/checkout/sessions/cs_1", r.URL.Path)
			writeJSON(w, http.StatusOK, map[string]any{
				"id": "cs_1", "status": "complete", "payment_status": "paid", "payment_intent": "pi_9",
				"amount_total": 1800, "currency": "usd", "metadata": map[string]string{"purchase_id": "p-1"},
			})
		}
	})

	cs, err := gw.CreateHostedCheckout(context.Background(), port.HostedCheckoutRequest{
		PurchaseID: "p-1", EventTitle: "Friday Social", DiscountedAmountMin: 1800, OriginalAmountMin: 2000,
		ApplicationFeeMin: 88, Currency: "usd",
		SuccessURL: "https://rally.test/api/v1/checkout/p-1/return?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  "https://rally.test/api/v1/checkout/p-1/cancel",
		Metadata:   map[string]string{domain.MetaPurchaseID: "p-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://pay.test/cs_1", cs.URL)
	assert.False(t, cs.Paid())

	cs, err = gw.RetrieveCheckout(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.True(t, cs.Paid())
	assert.Equal(t, "pi_9", cs.PaymentIntentID)
}

func TestGatewayHTTPAdapter_Unreachable(t *testing.T) {
	client := httpclient.NewClient(noop.NewTracerProvider().Tracer("test"))
	gw := NewGatewayHTTPAdapter(client, "http://127.0.0.1:1", "", 200*time.Millisecond)

	_, err := gw.RetrieveIntent(context.Background(), "pi_1")
	var ge *domain.GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "gateway_unreachable", ge.Code)
}
