package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"rally/internal/pkg/httpclient"
	"rally/internal/pkg/metrics"
	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

// GatewayHTTPAdapter 实现 port.PaymentGateway，对接 Stripe 兼容的表单 API。
// 连接账户模式下平台手续费通过 application_fee_amount 收取。
type GatewayHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
	apiKey  string
	timeout time.Duration
}

func NewGatewayHTTPAdapter(client *httpclient.Client, baseURL, apiKey string, timeout time.Duration) *GatewayHTTPAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GatewayHTTPAdapter{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
	}
}

type intentPayload struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata"`
}

func (p *intentPayload) handle() *port.IntentHandle {
	return &port.IntentHandle{
		ID:           p.ID,
		ClientSecret: p.ClientSecret,
		AmountMinor:  p.Amount,
		Currency:     p.Currency,
		Status:       port.PaymentStatus(p.Status),
		Metadata:     p.Metadata,
	}
}

type checkoutPayload struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	PaymentIntent string            `json:"payment_intent"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

func (p *checkoutPayload) checkout() *port.HostedCheckout {
	return &port.HostedCheckout{
		ID:              p.ID,
		URL:             p.URL,
		Status:          p.Status,
		PaymentStatus:   p.PaymentStatus,
		PaymentIntentID: p.PaymentIntent,
		AmountMinor:     p.AmountTotal,
		Currency:        p.Currency,
		Metadata:        p.Metadata,
	}
}

// gatewayErrorBody 网关的错误响应
type gatewayErrorBody struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

func (a *GatewayHTTPAdapter) call(ctx context.Context, operation, method, path string, form url.Values, idempotencyKey string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	header := http.Header{}
	if a.apiKey != "" {
		header.Set("Authorization", "Bearer "+a.apiKey)
	}
	if idempotencyKey != "" {
		header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	err := a.client.Do(ctx, method, a.baseURL+path, form, header, out)
	metrics.GatewayLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	return translateGatewayError(err)
}

// translateGatewayError 把下游错误映射成 *domain.GatewayError。
func translateGatewayError(err error) error {
	if err == nil {
		return nil
	}
	var se *httpclient.StatusError
	if !errors.As(err, &se) {
		return &domain.GatewayError{Code: "gateway_unreachable", Message: err.Error()}
	}
	var body gatewayErrorBody
	if jerr := json.Unmarshal(se.Body, &body); jerr != nil || body.Error.Message == "" {
		return &domain.GatewayError{StatusCode: se.StatusCode, Code: "http_" + strconv.Itoa(se.StatusCode), Message: strings.TrimSpace(string(se.Body))}
	}
	return &domain.GatewayError{
		StatusCode:  se.StatusCode,
		Code:        body.Error.Code,
		DeclineCode: body.Error.DeclineCode,
		Message:     body.Error.Message,
	}
}

func setMetadata(form url.Values, prefix string, meta map[string]string) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		form.Set(prefix+"["+k+"]", meta[k])
	}
}

func (a *GatewayHTTPAdapter) CreateIntent(ctx context.Context, req port.CreateIntentRequest) (*port.IntentHandle, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.DiscountedAmountMin, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("application_fee_amount", strconv.FormatInt(req.ApplicationFeeMin, 10))
	form.Set("automatic_payment_methods[enabled]", "true")
	setMetadata(form, "metadata", req.Metadata)

	var out intentPayload
	if err := a.call(ctx, "create_intent", http.MethodPost, "/v1/payment_intents", form, req.IdempotencyKey, &out); err != nil {
		return nil, err
	}
	return out.handle(), nil
}

func (a *GatewayHTTPAdapter) ConfirmCard(ctx context.Context, intentID, paymentMethodID string) (*port.IntentHandle, error) {
	form := url.Values{}
	form.Set("payment_method", paymentMethodID)

	var out intentPayload
	path := "/v1/payment_intents/" + url.PathEscape(intentID) + "/confirm"
	if err := a.call(ctx, "confirm_card", http.MethodPost, path, form, "", &out); err != nil {
		return nil, err
	}
	return out.handle(), nil
}

func (a *GatewayHTTPAdapter) ConfirmWallet(ctx context.Context, intentID string, wallet domain.RailKind, walletToken string) (*port.IntentHandle, error) {
	form := url.Values{}
	form.Set("payment_method_data[type]", "card")
	form.Set("payment_method_data[card][token]", walletToken)
	form.Set("payment_method_data[wallet][type]", string(wallet))

	var out intentPayload
	path := "/v1/payment_intents/" + url.PathEscape(intentID) + "/confirm"
	if err := a.call(ctx, "confirm_wallet", http.MethodPost, path, form, "", &out); err != nil {
		return nil, err
	}
	return out.handle(), nil
}

func (a *GatewayHTTPAdapter) RetrieveIntent(ctx context.Context, intentID string) (*port.IntentHandle, error) {
	var out intentPayload
	if err := a.call(ctx, "retrieve_intent", http.MethodGet, "/v1/payment_intents/"+url.PathEscape(intentID), nil, "", &out); err != nil {
		return nil, err
	}
	return out.handle(), nil
}

func (a *GatewayHTTPAdapter) CreateHostedCheckout(ctx context.Context, req port.HostedCheckoutRequest) (*port.HostedCheckout, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("client_reference_id", req.PurchaseID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.DiscountedAmountMin, 10))
	form.Set("line_items[0][price_data][product_data][name]", req.EventTitle)
	form.Set("payment_intent_data[application_fee_amount]", strconv.FormatInt(req.ApplicationFeeMin, 10))
	setMetadata(form, "metadata", req.Metadata)
	// 意图上也带一份，webhook 只看得到意图
	setMetadata(form, "payment_intent_data[metadata]", req.Metadata)

	var out checkoutPayload
	key := "checkout:" + req.PurchaseID + ":" + strconv.FormatInt(req.DiscountedAmountMin, 10) + ":" + req.Metadata[domain.MetaRewardID]
	if err := a.call(ctx, "create_checkout", http.MethodPost, "/v1/checkout/sessions", form, key, &out); err != nil {
		return nil, err
	}
	return out.checkout(), nil
}

func (a *GatewayHTTPAdapter) RetrieveCheckout(ctx context.Context, sessionID string) (*port.HostedCheckout, error) {
	var out checkoutPayload
	if err := a.call(ctx, "retrieve_checkout", http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(sessionID), nil, "", &out); err != nil {
		return nil, err
	}
	return out.checkout(), nil
}
