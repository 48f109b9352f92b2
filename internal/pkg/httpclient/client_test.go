package httpclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

type staticResolver struct {
	host string
	port int
}

func (r staticResolver) DiscoverServiceInstance(string) (string, int, error) {
	return r.host, r.port, nil
}

func TestClient_DoDecodesJSONAndSendsForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "1800", r.PostForm.Get("amount"))
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123"}`))
	}))
	defer srv.Close()

	c := NewClient(noop.NewTracerProvider().Tracer("test"))
	var out struct {
		ID string `json:"id"`
	}
	err := c.Do(context.Background(), http.MethodPost, srv.URL+"/v1/payment_intents",
		url.Values{"amount": {"1800"}}, http.Header{"Authorization": {"Bearer sk_test"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, "pi_123", out.ID)
}

func TestClient_DoReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"code":"card_declined"}}`))
	}))
	defer srv.Close()

	c := NewClient(noop.NewTracerProvider().Tracer("test"))
	err := c.Do(context.Background(), http.MethodPost, srv.URL, nil, nil, nil)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusPaymentRequired, se.StatusCode)
	assert.Contains(t, string(se.Body), "card_declined")
}

func TestClient_ResolvesNacosScheme(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ping", r.URL.Path)
		assert.Equal(t, "x", r.URL.Query().Get("q"))
	}))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	c := NewClient(noop.NewTracerProvider().Tracer("test")).WithResolver(staticResolver{host: host, port: port})
	require.NoError(t, c.Do(context.Background(), http.MethodGet, "nacos://payment-gateway/v1/ping", url.Values{"q": {"x"}}, nil, nil))
}
