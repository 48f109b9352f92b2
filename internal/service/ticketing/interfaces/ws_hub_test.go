package interfaces

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rally/internal/service/ticketing/domain"
)

func TestStatusHub_PushesToWatchersOfPurchase(t *testing.T) {
	hub := NewStatusHub()
	r := chi.NewRouter()
	hub.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/checkout/pur-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Watchers("pur-1") == 1 }, time.Second, 10*time.Millisecond)

	// 其他购票的状态不会推给这个连接
	require.NoError(t, hub.PurchaseStatusChanged(context.Background(), domain.PurchaseStatusEvent{PurchaseID: "pur-2", Status: domain.IntentFailed}))
	require.NoError(t, hub.PurchaseStatusChanged(context.Background(), domain.PurchaseStatusEvent{
		PurchaseID: "pur-1", Status: domain.IntentSettled, PaymentRef: "pi_1",
	}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got domain.PurchaseStatusEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "pur-1", got.PurchaseID)
	assert.Equal(t, domain.IntentSettled, got.Status)
	assert.Equal(t, "pi_1", got.PaymentRef)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Watchers("pur-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStatusHub_NoWatchers(t *testing.T) {
	hub := NewStatusHub()
	assert.NoError(t, hub.PurchaseStatusChanged(context.Background(), domain.PurchaseStatusEvent{PurchaseID: "nobody"}))
}
