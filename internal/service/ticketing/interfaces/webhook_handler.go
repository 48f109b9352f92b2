package interfaces

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"rally/internal/pkg/logger"
	"rally/internal/pkg/metrics"
	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

const (
	SignatureHeader = "Rally-Signature"

	eventIntentSucceeded = "payment_intent.succeeded"
	eventCheckoutDone    = "checkout.session.completed"

	maxWebhookBody = 1 << 20
)

var (
	errMissingSignature = errors.New("missing signature header")
	errBadSignature     = errors.New("signature mismatch")
	errStaleSignature   = errors.New("signature timestamp outside tolerance")
)

// SignPayload 生成 Rally-Signature 头：t=<unix>,v1=hex(hmac_sha256(secret, "<t>.<body>"))
func SignPayload(secret string, ts time.Time, body []byte) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + t + ",v1=" + computeSignature(secret, t, body)
}

func computeSignature(secret, t string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(t))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature 校验签名和时间戳。header 里可以有多个 v1（密钥轮换），任意一个匹配即可。
func VerifySignature(secret, header string, body []byte, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return errMissingSignature
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return errMissingSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errors.Wrap(errBadSignature, "bad timestamp")
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(unix, 0))
		if skew > tolerance || skew < -tolerance {
			return errStaleSignature
		}
	}
	expected := computeSignature(secret, ts, body)
	for _, s := range sigs {
		if hmac.Equal([]byte(s), []byte(expected)) {
			return nil
		}
	}
	return errBadSignature
}

type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type webhookIntent struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

type webhookSession struct {
	ID            string            `json:"id"`
	PaymentStatus string            `json:"payment_status"`
	PaymentIntent string            `json:"payment_intent"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

// WebhookHandler 接收网关 webhook。只做验签、去重和投递，结算交给确认消费者。
type WebhookHandler struct {
	secret    string
	tolerance time.Duration
	events    port.WebhookEventStore
	publisher port.ConfirmationPublisher
	tracer    trace.Tracer
	now       func() time.Time
}

func NewWebhookHandler(secret string, tolerance time.Duration, events port.WebhookEventStore, publisher port.ConfirmationPublisher) *WebhookHandler {
	return &WebhookHandler{
		secret:    secret,
		tolerance: tolerance,
		events:    events,
		publisher: publisher,
		tracer:    otel.Tracer(serviceName),
		now:       time.Now,
	}
}

func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/webhooks/gateway", h.handle)
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.GatewayWebhook")
	defer span.End()
	log := logger.Ctx(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	if err := VerifySignature(h.secret, r.Header.Get(SignatureHeader), body, h.tolerance, h.now()); err != nil {
		log.Warn().Err(err).Msg("rejected webhook with invalid signature")
		metrics.WebhookEvents.WithLabelValues("unknown", "bad_signature").Inc()
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil || event.ID == "" {
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("webhook.id", event.ID), attribute.String("webhook.type", event.Type))

	conf, ok, err := confirmationFrom(event)
	if err != nil {
		// 不是我们创建的支付，或者 metadata 不完整，重发也没用
		log.Warn().Err(err).Str("event", event.ID).Str("type", event.Type).Msg("webhook event cannot be settled")
		metrics.WebhookEvents.WithLabelValues(event.Type, "invalid").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}
	if !ok {
		metrics.WebhookEvents.WithLabelValues(event.Type, "ignored").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	fresh, err := h.events.Record(ctx, event.ID, event.Type, body)
	if err != nil {
		log.Error().Err(err).Str("event", event.ID).Msg("failed to record webhook event")
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	if !fresh {
		log.Info().Str("event", event.ID).Msg("duplicate webhook delivery")
		metrics.WebhookEvents.WithLabelValues(event.Type, "duplicate").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.publisher.PublishConfirmation(ctx, conf); err != nil {
		log.Error().Err(err).Str("event", event.ID).Str("payment_ref", conf.PaymentRef).Msg("failed to publish payment confirmation")
		if ferr := h.events.Forget(ctx, event.ID); ferr != nil {
			log.Error().Err(ferr).Str("event", event.ID).Msg("failed to forget webhook event")
		}
		metrics.WebhookEvents.WithLabelValues(event.Type, "publish_failed").Inc()
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	metrics.WebhookEvents.WithLabelValues(event.Type, "accepted").Inc()
	log.Info().Str("event", event.ID).Str("payment_ref", conf.PaymentRef).Str("purchase", conf.PurchaseID).Msg("payment confirmation accepted")
	w.WriteHeader(http.StatusOK)
}

// confirmationFrom 从事件里还原确认信息。ok 为 false 表示这个事件不需要处理。
func confirmationFrom(event webhookEvent) (domain.PaymentConfirmation, bool, error) {
	switch event.Type {
	case eventIntentSucceeded:
		var pi webhookIntent
		if err := json.Unmarshal(event.Data.Object, &pi); err != nil {
			return domain.PaymentConfirmation{}, false, fmt.Errorf("decode payment intent: %w", err)
		}
		if pi.Status != "" && pi.Status != "succeeded" {
			return domain.PaymentConfirmation{}, false, nil
		}
		c, err := domain.ConfirmationFromMetadata(pi.ID, pi.Amount, pi.Currency, pi.Metadata, domain.SourceWebhook)
		return c, err == nil, err
	case eventCheckoutDone:
		var cs webhookSession
		if err := json.Unmarshal(event.Data.Object, &cs); err != nil {
			return domain.PaymentConfirmation{}, false, fmt.Errorf("decode checkout session: %w", err)
		}
		if cs.PaymentStatus != "paid" {
			return domain.PaymentConfirmation{}, false, nil
		}
		if cs.PaymentIntent == "" {
			return domain.PaymentConfirmation{}, false, fmt.Errorf("checkout session %s has no payment intent", cs.ID)
		}
		c, err := domain.ConfirmationFromMetadata(cs.PaymentIntent, cs.AmountTotal, cs.Currency, cs.Metadata, domain.SourceWebhook)
		return c, err == nil, err
	default:
		return domain.PaymentConfirmation{}, false, nil
	}
}
