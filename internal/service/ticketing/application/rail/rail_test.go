package rail

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
	"rally/internal/service/ticketing/infrastructure/inmem"
)

type fakeBridge struct {
	wallet port.WalletResult
	sheet  port.SheetResult
	err    error
}

func (b *fakeBridge) PresentWallet(context.Context, domain.RailKind, *port.IntentHandle) (port.WalletResult, error) {
	return b.wallet, b.err
}

func (b *fakeBridge) PresentPaymentSheet(context.Context, *port.IntentHandle) (port.SheetResult, error) {
	return b.sheet, b.err
}

func newHandle(t *testing.T, gw *inmem.Gateway) *port.IntentHandle {
	t.Helper()
	h, err := gw.CreateIntent(context.Background(), port.CreateIntentRequest{
		PurchaseID: "p-1", DiscountedAmountMin: 1800, OriginalAmountMin: 2000, Currency: "USD",
		Metadata: map[string]string{domain.MetaPurchaseID: "p-1"},
	})
	require.NoError(t, err)
	return h
}

func intent() *domain.PurchaseIntent {
	return &domain.PurchaseIntent{ID: "p-1", Currency: "USD"}
}

func TestCardRail(t *testing.T) {
	t.Run("ok, confirmed", func(t *testing.T) {
		gw := inmem.NewGateway()
		out, err := NewCardRail(gw).Pay(context.Background(), PayRequest{Intent: intent(), Handle: newHandle(t, gw), PaymentMethodID: "pm_card_visa"})
		require.NoError(t, err)
		assert.Equal(t, ResultSucceeded, out.Result)
		assert.Equal(t, "pi_1", out.PaymentRef)
	})

	t.Run("fail, declined", func(t *testing.T) {
		gw := inmem.NewGateway()
		h := newHandle(t, gw)
		gw.DeclineWith = &domain.GatewayError{StatusCode: 402, Code: "card_declined", Message: "Your card was declined."}
		_, err := NewCardRail(gw).Pay(context.Background(), PayRequest{Intent: intent(), Handle: h, PaymentMethodID: "pm_card_visa"})
		require.ErrorIs(t, err, domain.ErrPaymentGateway)
	})

	t.Run("fail, missing payment method", func(t *testing.T) {
		gw := inmem.NewGateway()
		_, err := NewCardRail(gw).Pay(context.Background(), PayRequest{Intent: intent(), Handle: newHandle(t, gw)})
		require.ErrorIs(t, err, domain.ErrInvalidState)
	})
}

func TestWalletRail(t *testing.T) {
	t.Run("ok, token confirmed against same intent", func(t *testing.T) {
		gw := inmem.NewGateway()
		h := newHandle(t, gw)
		out, err := NewWalletRail(domain.RailApplePay, gw).Pay(context.Background(), PayRequest{
			Intent: intent(), Handle: h, Bridge: &fakeBridge{wallet: port.WalletResult{Token: "tok_apple"}},
		})
		require.NoError(t, err)
		assert.Equal(t, ResultSucceeded, out.Result)
		assert.Equal(t, h.ID, out.PaymentRef)
		assert.Len(t, gw.CreatedIntents, 1)
	})

	t.Run("ok, cancel is not an error", func(t *testing.T) {
		gw := inmem.NewGateway()
		out, err := NewWalletRail(domain.RailGooglePay, gw).Pay(context.Background(), PayRequest{
			Intent: intent(), Handle: newHandle(t, gw), Bridge: &fakeBridge{wallet: port.WalletResult{Cancelled: true}},
		})
		require.NoError(t, err)
		assert.Equal(t, ResultCancelled, out.Result)
	})

	t.Run("fail, no device bridge", func(t *testing.T) {
		gw := inmem.NewGateway()
		_, err := NewWalletRail(domain.RailApplePay, gw).Pay(context.Background(), PayRequest{Intent: intent(), Handle: newHandle(t, gw)})
		require.ErrorIs(t, err, domain.ErrInvalidState)
	})
}

func TestSheetRail(t *testing.T) {
	t.Run("ok, completion verified with gateway", func(t *testing.T) {
		gw := inmem.NewGateway()
		h := newHandle(t, gw)
		gw.MarkIntentSucceeded(h.ID)
		out, err := NewSheetRail(gw).Pay(context.Background(), PayRequest{
			Intent: intent(), Handle: h, Bridge: &fakeBridge{sheet: port.SheetResult{Completed: true}},
		})
		require.NoError(t, err)
		assert.Equal(t, ResultSucceeded, out.Result)
	})

	t.Run("fail, sheet completed but intent not paid", func(t *testing.T) {
		gw := inmem.NewGateway()
		_, err := NewSheetRail(gw).Pay(context.Background(), PayRequest{
			Intent: intent(), Handle: newHandle(t, gw), Bridge: &fakeBridge{sheet: port.SheetResult{Completed: true}},
		})
		var gwErr *domain.GatewayError
		require.ErrorAs(t, err, &gwErr)
		assert.Equal(t, "payment_incomplete", gwErr.Code)
	})

	t.Run("ok, dismissed", func(t *testing.T) {
		gw := inmem.NewGateway()
		out, err := NewSheetRail(gw).Pay(context.Background(), PayRequest{
			Intent: intent(), Handle: newHandle(t, gw), Bridge: &fakeBridge{sheet: port.SheetResult{Cancelled: true}},
		})
		require.NoError(t, err)
		assert.Equal(t, ResultCancelled, out.Result)
	})
}

func TestRedirectRail(t *testing.T) {
	gw := inmem.NewGateway()
	r := NewRedirectRail(gw)
	out, err := r.Pay(context.Background(), PayRequest{
		Intent: intent(),
		Checkout: &port.HostedCheckoutRequest{
			PurchaseID: "p-1", DiscountedAmountMin: 1800, OriginalAmountMin: 2000, Currency: "USD",
			SuccessURL: "https://rally.test/checkout/p-1/return?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:  "https://rally.test/checkout/p-1/cancel",
			Metadata:   map[string]string{domain.MetaPurchaseID: "p-1"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ResultPending, out.Result)
	assert.NotEmpty(t, out.RedirectURL)

	_, err = r.Verify(context.Background(), out.SessionID, "p-1")
	require.ErrorIs(t, err, domain.ErrPaymentGateway, "unpaid session must not settle")

	pi := gw.CompleteCheckout(out.SessionID)
	ref, err := r.Verify(context.Background(), out.SessionID, "p-1")
	require.NoError(t, err)
	assert.Equal(t, pi, ref)

	_, err = r.Verify(context.Background(), out.SessionID, "p-other")
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRegistry(t *testing.T) {
	gw := inmem.NewGateway()

	t.Run("ok, falls back to redirect", func(t *testing.T) {
		reg := NewRegistry(Capabilities{Card: true, Redirect: true}, gw)
		r, err := reg.Resolve(context.Background(), domain.RailApplePay)
		require.NoError(t, err)
		assert.Equal(t, domain.RailRedirect, r.Kind())
		assert.Equal(t, []domain.RailKind{domain.RailCard, domain.RailRedirect}, reg.Available())
	})

	t.Run("fail, nothing to fall back to", func(t *testing.T) {
		reg := NewRegistry(Capabilities{Card: true}, gw)
		_, err := reg.Resolve(context.Background(), domain.RailPaymentSheet)
		require.ErrorIs(t, err, domain.ErrRailUnavailable)
		assert.Nil(t, reg.Redirect())
	})
}
