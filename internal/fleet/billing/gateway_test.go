package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBill(t *testing.T) {
	var gotMethod, gotAuth, gotPath string
	var gotBody createBillRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(map[string]any{
			"billId": "bill-123",
			"payUrl": "https://pay.example/bill-123",
			"status": map[string]string{"value": "WAITING"},
		})
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, "secret-token", "RUB", 10*time.Minute, time.Second)

	ref, err := gw.CreateBill(context.Background(), 500)
	require.NoError(t, err)

	assert.Equal(t, "bill-123", ref.ID)
	assert.Equal(t, "https://pay.example/bill-123", ref.PayURL)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), ref.ExpiresAt, time.Minute)

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.True(t, strings.HasPrefix(gotPath, "/bills/"), "bill id goes in the path")
	assert.Equal(t, int64(500), gotBody.Amount.Value)
	assert.Equal(t, "RUB", gotBody.Amount.Currency)
	assert.NotEmpty(t, gotBody.ExpirationDateTime)
}

func TestCreateBillGatewayRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, "bad-token", "RUB", 0, time.Second)

	_, err := gw.CreateBill(context.Background(), 500)
	assert.Error(t, err)
}

func TestCheckStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bills/bill-123", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"billId": "bill-123",
			"status": map[string]string{"value": "PAID"},
		})
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, "secret-token", "RUB", 0, time.Second)

	status, err := gw.CheckStatus(context.Background(), "bill-123")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, status)
}

func TestCheckStatusThrottledIsIndeterminate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, "secret-token", "RUB", 0, time.Second)

	_, err := gw.CheckStatus(context.Background(), "bill-123")
	require.Error(t, err)
	assert.True(t, IsIndeterminate(err))
}

func TestCheckStatusTransportErrorIsIndeterminate(t *testing.T) {
	gw := NewHTTPGateway("http://127.0.0.1:1", "secret-token", "RUB", 0, 100*time.Millisecond)

	_, err := gw.CheckStatus(context.Background(), "bill-123")
	require.Error(t, err)
	assert.True(t, IsIndeterminate(err))
}
