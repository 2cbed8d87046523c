package clob

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashhedge/crashbot/internal/crypto"
	"github.com/crashhedge/crashbot/internal/domain"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.NewSigner(testKeyHex, 137)
	require.NoError(t, err)
	return s
}

func testCreds() *crypto.APICreds {
	return &crypto.APICreds{
		Key:        "api-key-1",
		Secret:     "c3VwZXItc2VjcmV0LWhtYWMta2V5",
		Passphrase: "pass-1",
	}
}

func TestDeriveAPIKey(t *testing.T) {
	signer := testSigner(t)
	var gotAuth http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/derive-api-key", r.URL.Path)
		gotAuth = r.Header.Clone()
		json.NewEncoder(w).Encode(map[string]string{
			"apiKey":     "derived-key",
			"secret":     "c2VjcmV0",
			"passphrase": "derived-pass",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, signer, nil)
	require.NoError(t, c.DeriveAPIKey(context.Background()))

	assert.Equal(t, signer.Address().Hex(), gotAuth.Get("POLY_ADDRESS"))
	assert.NotEmpty(t, gotAuth.Get("POLY_SIGNATURE"))
	assert.NotEmpty(t, gotAuth.Get("POLY_TIMESTAMP"))
	assert.Equal(t, "derived-key", c.creds.Key)
}

func TestPlaceOrder(t *testing.T) {
	signer := testSigner(t)
	var gotBody map[string]any
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/order", r.URL.Path)
		gotHeaders = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(OrderResult{Success: true, OrderID: "0xorder1", Status: "live"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, signer, testCreds())
	res, err := c.PlaceOrder(context.Background(), OrderRequest{
		TokenID:       "123456",
		ClientOrderID: "ord-1",
		Side:          domain.OrderSideBuy,
		Price:         0.34,
		Size:          50,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "0xorder1", res.OrderID)

	// HMAC headers accompanied the request.
	assert.Equal(t, "api-key-1", gotHeaders.Get("POLY_API_KEY"))
	assert.NotEmpty(t, gotHeaders.Get("POLY_SIGNATURE"))

	order, ok := gotBody["order"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "GTC", gotBody["orderType"])
	assert.Equal(t, signer.Address().Hex(), order["maker"])
	assert.Equal(t, "123456", order["tokenID"])
	assert.Equal(t, "17000000", order["makerAmount"])
	assert.Equal(t, "50000000", order["takerAmount"])
	assert.Equal(t, "BUY", order["side"])
	assert.NotEmpty(t, order["signature"])
}

func TestPlaceOrderRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(OrderResult{Success: false, Message: "not enough balance"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(t), testCreds())
	_, err := c.PlaceOrder(context.Background(), OrderRequest{
		TokenID: "123456", ClientOrderID: "ord-1", Side: domain.OrderSideBuy, Price: 0.34, Size: 50,
	})
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err), "venue rejections are final")
}

func TestPlaceOrderValidation(t *testing.T) {
	c := NewClient("http://unreachable.invalid", testSigner(t), testCreds())

	_, err := c.PlaceOrder(context.Background(), OrderRequest{
		TokenID: "123456", ClientOrderID: "ord-1", Side: domain.OrderSideBuy, Price: 0, Size: 50,
	})
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err), "no request is made for a bad order")
}

func TestCancelOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["orderID"] == "0xorder1" {
			json.NewEncoder(w).Encode(map[string]any{"success": true})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": false, "errorMsg": "unknown order"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(t), testCreds())
	assert.NoError(t, c.CancelOrder(context.Background(), "0xorder1"))
	assert.Error(t, c.CancelOrder(context.Background(), "0xother"))
}

func TestGetOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/order/0xorder1", r.URL.Path)
		json.NewEncoder(w).Encode(apiOrder{
			ID:           "0xorder1",
			Status:       "live",
			Price:        "0.34",
			OriginalSize: "50",
			SizeMatched:  "20",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(t), testCreds())
	state, err := c.GetOrder(context.Background(), "0xorder1")
	require.NoError(t, err)
	assert.Equal(t, "0xorder1", state.OrderID)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, state.Status)
	assert.Equal(t, 0.34, state.Price)
	assert.Equal(t, 20.0, state.SizeMatched)
}

func TestStatusError(t *testing.T) {
	assert.NoError(t, statusError(200, nil))
	assert.NoError(t, statusError(204, nil))

	err := statusError(429, []byte("slow down"))
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))

	err = statusError(503, nil)
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))

	err = statusError(400, []byte("bad order"))
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err))

	err = statusError(401, nil)
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err))
}

func TestServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(t), testCreds())
	_, err := c.PlaceOrder(context.Background(), OrderRequest{
		TokenID: "123456", ClientOrderID: "ord-1", Side: domain.OrderSideBuy, Price: 0.34, Size: 50,
	})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}
