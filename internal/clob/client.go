// Package clob is the REST client for the exchange's central limit order
// book API: API-key derivation, order placement, cancellation, and queries.
package clob

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/crashhedge/crashbot/internal/crypto"
	"github.com/crashhedge/crashbot/internal/domain"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// Client talks to the CLOB REST API. Orders are EIP-712 signed and requests
// HMAC authenticated once DeriveAPIKey has run.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *crypto.Signer
	creds   *crypto.APICreds
}

// NewClient builds a Client for the given API root, e.g.
// "https://clob.polymarket.com". creds may be nil; call DeriveAPIKey before
// placing orders.
func NewClient(baseURL string, signer *crypto.Signer, creds *crypto.APICreds) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		signer:  signer,
		creds:   creds,
	}
}

// DeriveAPIKey runs the L1 auth flow: sign a ClobAuth message and exchange
// it for HMAC credentials used on all later requests.
func (c *Client) DeriveAPIKey(ctx context.Context) error {
	ts := time.Now().Unix()
	sig, err := c.signer.SignAuth(ts, 0)
	if err != nil {
		return fmt.Errorf("clob: sign auth: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("clob: auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", c.signer.Address().Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("POLY_NONCE", "0")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("clob: auth request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("clob: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("clob: auth failed (HTTP %d): %s", resp.StatusCode, body)
	}

	var out struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("clob: decode auth response: %w", err)
	}
	c.creds = &crypto.APICreds{Key: out.APIKey, Secret: out.Secret, Passphrase: out.Passphrase}
	return nil
}

// PlaceOrder signs and submits a GTC limit order.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	signable, err := c.buildSignable(req)
	if err != nil {
		return OrderResult{}, err
	}
	sig, err := c.signer.SignOrder(signable)
	if err != nil {
		return OrderResult{}, fmt.Errorf("clob: sign order: %w", err)
	}

	wallet := c.signer.Address().Hex()
	payload := map[string]any{
		"order": map[string]any{
			"salt":          signable.Salt,
			"maker":         wallet,
			"signer":        wallet,
			"taker":         zeroAddress,
			"tokenID":       signable.TokenID,
			"makerAmount":   signable.MakerAmount,
			"takerAmount":   signable.TakerAmount,
			"expiration":    "0",
			"nonce":         "0",
			"feeRateBps":    "0",
			"side":          sideString(req.Side),
			"signatureType": 0,
			"signature":     sig,
		},
		"owner":     wallet,
		"orderType": "GTC",
	}

	body, err := c.do(ctx, http.MethodPost, "/order", payload)
	if err != nil {
		return OrderResult{}, fmt.Errorf("clob: place order %s: %w", req.ClientOrderID, err)
	}
	var res OrderResult
	if err := json.Unmarshal(body, &res); err != nil {
		return OrderResult{}, fmt.Errorf("clob: decode order result: %w", err)
	}
	if !res.Success {
		return res, &domain.SubmissionError{
			ClientOrderID: req.ClientOrderID,
			Reason:        res.Message,
			Retryable:     false,
		}
	}
	return res, nil
}

// CancelOrder cancels one order by its exchange id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	body, err := c.do(ctx, http.MethodDelete, "/order", map[string]any{"orderID": orderID})
	if err != nil {
		return fmt.Errorf("clob: cancel %s: %w", orderID, err)
	}
	var res struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("clob: decode cancel response: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("clob: cancel %s refused: %s", orderID, res.ErrorMsg)
	}
	return nil
}

// GetOrder fetches the current state of one order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (OrderState, error) {
	body, err := c.do(ctx, http.MethodGet, "/order/"+orderID, nil)
	if err != nil {
		return OrderState{}, fmt.Errorf("clob: get order %s: %w", orderID, err)
	}
	var raw apiOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return OrderState{}, fmt.Errorf("clob: decode order: %w", err)
	}

	price, _ := strconv.ParseFloat(raw.Price, 64)
	size, _ := strconv.ParseFloat(raw.OriginalSize, 64)
	matched, _ := strconv.ParseFloat(raw.SizeMatched, 64)
	return OrderState{
		OrderID:     raw.ID,
		Status:      MapStatus(raw.Status, matched, size),
		Price:       price,
		Size:        size,
		SizeMatched: matched,
	}, nil
}

func (c *Client) buildSignable(req OrderRequest) (crypto.SignableOrder, error) {
	if req.Price <= 0 || req.Price > 1 || req.Size <= 0 {
		return crypto.SignableOrder{}, &domain.SubmissionError{
			ClientOrderID: req.ClientOrderID,
			Reason:        fmt.Sprintf("invalid order: price=%.4f size=%.2f", req.Price, req.Size),
			Retryable:     false,
		}
	}
	salt, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return crypto.SignableOrder{}, fmt.Errorf("clob: salt: %w", err)
	}
	maker, taker := amounts(req.Side, req.Price, req.Size)
	wallet := c.signer.Address().Hex()
	return crypto.SignableOrder{
		Salt:        salt.String(),
		Maker:       wallet,
		Signer:      wallet,
		Taker:       zeroAddress,
		TokenID:     req.TokenID,
		MakerAmount: maker.String(),
		TakerAmount: taker.String(),
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
		Side:        sideInt(req.Side),
	}, nil
}

func sideString(s domain.OrderSide) string {
	if s == domain.OrderSideSell {
		return "SELL"
	}
	return "BUY"
}

func sideInt(s domain.OrderSide) int {
	if s == domain.OrderSideSell {
		return 1
	}
	return 0
}

// do sends one authenticated request and returns the body. Non-2xx statuses
// map to SubmissionError with retryability decided by the status class.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reader io.Reader
	var bodyStr string
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		bodyStr = string(raw)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		for k, v := range c.creds.RequestHeaders(c.signer.Address().Hex(), method, path, bodyStr) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network failures are worth a resubmit.
		return nil, &domain.SubmissionError{Reason: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.SubmissionError{Reason: err.Error(), Retryable: true}
	}
	if err := statusError(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// statusError classifies HTTP failures. Rate limits and server errors are
// retryable; auth and validation failures are not.
func statusError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	retryable := code == http.StatusTooManyRequests || code >= 500
	return &domain.SubmissionError{
		Reason:    fmt.Sprintf("HTTP %d: %s", code, body),
		Retryable: retryable,
	}
}
