package interfaces

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"rally/internal/pkg/logger"
	"rally/internal/service/ticketing/application"
	"rally/internal/service/ticketing/domain"
)

const serviceName = "ticketing-service"

// CheckoutHandler 结账 API
type CheckoutHandler struct {
	service *application.CheckoutService
	tracer  trace.Tracer
}

func NewCheckoutHandler(service *application.CheckoutService) *CheckoutHandler {
	return &CheckoutHandler{service: service, tracer: otel.Tracer(serviceName)}
}

// RegisterRoutes 注册结账和积分相关的路由
func (h *CheckoutHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/checkout", func(r chi.Router) {
		r.Post("/", h.open)
		r.Route("/{purchaseID}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Delete("/", h.close)
			r.Get("/rewards", h.listRewards)
			r.Put("/reward", h.applyReward)
			r.Delete("/reward", h.removeReward)
			r.Get("/fees", h.preview)
			r.Post("/pay", h.pay)
			r.Get("/return", h.redirectReturn)
			r.Get("/cancel", h.redirectCancel)
		})
	})
	r.Get("/api/v1/clubs/{clubID}/members/{userID}/credits", h.balance)
	r.Get("/api/v1/clubs/{clubID}/members/{userID}/credits/history", h.history)
}

// errBadRequest 请求体无法解析
var errBadRequest = errors.New("bad request")

// errorBody 统一的错误响应
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Available *int64 `json:"availableCredits,omitempty"`
	Required  *int64 `json:"requiredCredits,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 把领域错误映射成 HTTP 状态码和买家可见的文案
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	body := errorBody{Error: string(kind), Message: err.Error()}
	status := http.StatusInternalServerError

	var ice *domain.InsufficientCreditsError
	var ge *domain.GatewayError
	switch {
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
		body.Error = "BAD_REQUEST"
	case errors.As(err, &ice):
		status = http.StatusConflict
		body.Error = string(domain.KindInsufficientCredits)
		body.Available, body.Required = &ice.Available, &ice.Required
	case errors.As(err, &ge):
		status = http.StatusPaymentRequired
		body.Message = ge.BuyerMessage()
	default:
		switch kind {
		case domain.KindInvalidRewardDefinition:
			status = http.StatusUnprocessableEntity
			body.Message = "This reward can't be used right now. Please try again."
		case domain.KindRailInProgress, domain.KindInvalidState, domain.KindSettlementAttemptsExceeded:
			status = http.StatusConflict
		case domain.KindRailUnavailable:
			status = http.StatusServiceUnavailable
		case domain.KindNotFound, domain.KindIntentNotFound:
			status = http.StatusNotFound
		case domain.KindPaymentGateway:
			status = http.StatusPaymentRequired
			body.Message = domain.FailureMessage(err)
		default:
			body.Error = "INTERNAL"
			body.Message = "Something went wrong. Please try again."
		}
	}

	log := logger.Ctx(r.Context())
	if status >= 500 {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	} else {
		log.Info().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request rejected")
	}
	writeJSON(w, status, body)
}

func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("%w: request body is required", errBadRequest)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", errBadRequest, err)
	}
	return nil
}

func (h *CheckoutHandler) start(r *http.Request, name string) (*http.Request, trace.Span) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.Start(ctx, name)
	if id := chi.URLParam(r, "purchaseID"); id != "" {
		span.SetAttributes(attribute.String("intent.id", id))
	}
	return r.WithContext(ctx), span
}

func (h *CheckoutHandler) open(w http.ResponseWriter, r *http.Request) {
	r, span := h.start(r, "http.OpenCheckout")
	defer span.End()

	var req application.OpenCheckoutRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.service.Open(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *CheckoutHandler) get(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Get(r.Context(), chi.URLParam(r, "purchaseID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *CheckoutHandler) close(w http.ResponseWriter, r *http.Request) {
	r, span := h.start(r, "http.CloseCheckout")
	defer span.End()

	if err := h.service.Close(r.Context(), chi.URLParam(r, "purchaseID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CheckoutHandler) listRewards(w http.ResponseWriter, r *http.Request) {
	r, span := h.start(r, "http.ListRewards")
	defer span.End()

	list, err := h.service.ListRewards(r.Context(), chi.URLParam(r, "purchaseID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *CheckoutHandler) applyReward(w http.ResponseWriter, r *http.Request) {
	r, span := h.start(r, "http.ApplyReward")
	defer span.End()

	var req struct {
		RewardID string `json:"rewardId"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.service.ApplyReward(r.Context(), chi.URLParam(r, "purchaseID"), req.RewardID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *CheckoutHandler) removeReward(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.RemoveReward(r.Context(), chi.URLParam(r, "purchaseID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *CheckoutHandler) preview(w http.ResponseWriter, r *http.Request) {
	fees, err := h.service.Preview(r.Context(), chi.URLParam(r, "purchaseID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fees)
}

// payRequest 设备上传的支付输入。钱包和支付面板的结果由设备先拿到再带上来。
type payRequest struct {
	Rail            domain.RailKind `json:"rail"`
	PaymentMethodID string          `json:"paymentMethodId,omitempty"`
	Wallet          *walletResult   `json:"wallet,omitempty"`
	Sheet           *sheetResult    `json:"sheet,omitempty"`
}

func (h *CheckoutHandler) pay(w http.ResponseWriter, r *http.Request) {
	r, span := h.start(r, "http.Pay")
	defer span.End()

	var req payRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("rail.kind", string(req.Rail)))

	res, err := h.service.Pay(r.Context(), application.PayCommand{
		IntentID:        chi.URLParam(r, "purchaseID"),
		Rail:            req.Rail,
		PaymentMethodID: req.PaymentMethodID,
		Bridge:          newRequestBridge(req.Wallet, req.Sheet),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *CheckoutHandler) redirectReturn(w http.ResponseWriter, r *http.Request) {
	r, span := h.start(r, "http.RedirectReturn")
	defer span.End()

	res, err := h.service.CompleteRedirect(r.Context(), chi.URLParam(r, "purchaseID"), r.URL.Query().Get("session_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *CheckoutHandler) redirectCancel(w http.ResponseWriter, r *http.Request) {
	r, span := h.start(r, "http.RedirectCancel")
	defer span.End()

	res, err := h.service.CancelRedirect(r.Context(), chi.URLParam(r, "purchaseID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *CheckoutHandler) balance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.service.Balance(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "clubID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (h *CheckoutHandler) history(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.service.LedgerHistory(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "clubID"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
