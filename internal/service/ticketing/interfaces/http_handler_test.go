package interfaces

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"rally/internal/service/ticketing/application"
	"rally/internal/service/ticketing/application/rail"
	"rally/internal/service/ticketing/application/settlement"
	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
	"rally/internal/service/ticketing/infrastructure/inmem"
)

const (
	testClub  = "club-1"
	testBuyer = "user-1"
)

type apiFixture struct {
	catalog    *inmem.Catalog
	ledger     *inmem.Ledger
	gateway    *inmem.Gateway
	attendance *inmem.Attendance
	router     chi.Router
}

type allowAll struct{}

func (allowAll) Evaluate(context.Context, string, port.Facts) (bool, error) { return true, nil }

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	tracer := otel.Tracer("interfaces-test")
	f := &apiFixture{
		catalog:    inmem.NewCatalog(),
		ledger:     inmem.NewLedger(),
		gateway:    inmem.NewGateway(),
		attendance: inmem.NewAttendance(),
	}
	intents := inmem.NewIntentStore()
	settlements := inmem.NewSettlementStore()
	notifier := &inmem.Notifier{}
	coordinator := settlement.NewCoordinator(settlement.Deps{
		Store:      settlements,
		Ledger:     f.ledger,
		Attendance: f.attendance,
		RetryQueue: &inmem.RetryQueue{},
		Notifier:   notifier,
	}, settlement.Options{MaxAttempts: 5, AttendanceRetries: 1})

	fees, err := application.ParseFeeSchedule("2.9", "0.30")
	require.NoError(t, err)
	builder := application.NewPurchaseIntentBuilder(fees, "https://rally.test/")
	selector := application.NewRedemptionSelector(f.catalog, f.ledger, f.catalog, settlements, allowAll{}, intents, tracer)
	caps := rail.Capabilities{Card: true, ApplePay: true, GooglePay: true, PaymentSheet: true, Redirect: true}
	dispatcher := application.NewPaymentRailDispatcher(intents, f.catalog, f.gateway, rail.NewRegistry(caps, f.gateway),
		builder, coordinator, notifier, tracer)
	svc := application.NewCheckoutService(application.CheckoutDeps{
		Events: f.catalog, Intents: intents, Ledger: f.ledger,
		Selector: selector, Dispatcher: dispatcher, Builder: builder, Settler: coordinator,
	}, tracer)

	r := chi.NewRouter()
	NewCheckoutHandler(svc).RegisterRoutes(r)
	f.router = r

	f.catalog.PutEvent(domain.Event{ID: "ev-1", ClubID: testClub, Title: "Club night", TicketPrice: decimal.RequireFromString("20.00"), Currency: "USD"})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) open(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/checkout/", application.OpenCheckoutRequest{EventID: "ev-1", BuyerID: testBuyer})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var view struct {
		Intent domain.PurchaseIntent `json:"intent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.NotEmpty(t, view.Intent.ID)
	return view.Intent.ID
}

func TestCheckoutAPI_FreeAdmissionClaim(t *testing.T) {
	f := newAPIFixture(t)
	f.catalog.PutReward(domain.RewardDefinition{
		ID: "r-free", ClubID: testClub, Title: "Free entry", Type: domain.RewardEventFreeAdmission,
		CreditsRequired: 100, IsActive: true,
	})
	f.ledger.SetBalance(testBuyer, testClub, 120)
	id := f.open(t)

	rec := f.do(t, http.MethodGet, "/api/v1/checkout/"+id+"/rewards", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list application.RewardList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, int64(120), list.Balance)
	require.Len(t, list.Rewards, 1)

	rec = f.do(t, http.MethodPut, "/api/v1/checkout/"+id+"/reward", map[string]string{"rewardId": "r-free"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/checkout/"+id+"/pay", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res struct {
		Outcome rail.Outcome `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, rail.ResultSucceeded, res.Outcome.Result)

	bal, _ := f.ledger.Balance(context.Background(), testBuyer, testClub)
	assert.Equal(t, int64(20), bal)
	attending, _ := f.attendance.IsAttending(context.Background(), "ev-1", testBuyer)
	assert.True(t, attending)

	rec = f.do(t, http.MethodGet, "/api/v1/clubs/"+testClub+"/members/"+testBuyer+"/credits/history?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Entries []domain.LedgerEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	assert.NotEmpty(t, hist.Entries)
}

func TestCheckoutAPI_InsufficientCreditsIsConflict(t *testing.T) {
	f := newAPIFixture(t)
	f.catalog.PutReward(domain.RewardDefinition{
		ID: "r-free", ClubID: testClub, Title: "Free entry", Type: domain.RewardEventFreeAdmission,
		CreditsRequired: 100, IsActive: true,
	})
	f.ledger.SetBalance(testBuyer, testClub, 80)
	id := f.open(t)

	rec := f.do(t, http.MethodPut, "/api/v1/checkout/"+id+"/reward", map[string]string{"rewardId": "r-free"})
	require.Equal(t, http.StatusConflict, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(domain.KindInsufficientCredits), body.Error)
	require.NotNil(t, body.Available)
	require.NotNil(t, body.Required)
	assert.Equal(t, int64(80), *body.Available)
	assert.Equal(t, int64(100), *body.Required)
}

func TestCheckoutAPI_CardDeclineShowsBuyerMessage(t *testing.T) {
	f := newAPIFixture(t)
	f.gateway.DeclineWith = &domain.GatewayError{StatusCode: 402, Code: "card_declined", Message: "Your card was declined."}
	id := f.open(t)

	rec := f.do(t, http.MethodPost, "/api/v1/checkout/"+id+"/pay", map[string]any{"rail": domain.RailCard, "paymentMethodId": "pm_card"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Your card was declined.", body.Message)
}

func TestCheckoutAPI_TransportErrorHidesInternalText(t *testing.T) {
	f := newAPIFixture(t)
	f.gateway.CreateErr = errors.New("dial tcp 10.0.0.7:443: connect: connection refused")
	id := f.open(t)

	rec := f.do(t, http.MethodPost, "/api/v1/checkout/"+id+"/pay", map[string]any{"rail": domain.RailCard, "paymentMethodId": "pm_card"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(domain.KindPaymentGateway), body.Error)
	assert.Equal(t, "Payment could not be completed. Please try again.", body.Message)
	assert.NotContains(t, rec.Body.String(), "10.0.0.7")
}

func TestCheckoutAPI_WalletClosedIsCancelled(t *testing.T) {
	f := newAPIFixture(t)
	id := f.open(t)

	// 设备没有带回钱包结果
	rec := f.do(t, http.MethodPost, "/api/v1/checkout/"+id+"/pay", map[string]any{"rail": domain.RailApplePay})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res struct {
		Outcome rail.Outcome `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, rail.ResultCancelled, res.Outcome.Result)

	attending, _ := f.attendance.IsAttending(context.Background(), "ev-1", testBuyer)
	assert.False(t, attending)
}

func TestCheckoutAPI_UnknownIntent(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/checkout/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/checkout/missing/fees", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckoutAPI_MalformedBody(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckoutAPI_Balance(t *testing.T) {
	f := newAPIFixture(t)
	f.ledger.SetBalance(testBuyer, testClub, 42)

	rec := f.do(t, http.MethodGet, "/api/v1/clubs/"+testClub+"/members/"+testBuyer+"/credits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bal domain.CreditBalance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	assert.Equal(t, int64(42), bal.AvailableCredits)
}
