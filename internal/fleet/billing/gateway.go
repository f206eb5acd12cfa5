// Package billing reconciles outstanding payment bills against the gateway
// and turns settled bills into active VPN leases.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/ig-rudenko/axo-vpn-bot/internal/shared/errors"
)

// Status is the gateway's view of a bill.
type Status string

const (
	StatusPaid     Status = "PAID"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
	StatusWaiting  Status = "WAITING"
)

// BillRef identifies a bill created at the gateway.
type BillRef struct {
	ID        string
	PayURL    string
	ExpiresAt time.Time
}

// Gateway is the payment provider client surface.
type Gateway interface {
	CreateBill(ctx context.Context, amount int64) (BillRef, error)
	CheckStatus(ctx context.Context, billID string) (Status, error)
}

// The gateway quotes expiration timestamps in Moscow time.
var gatewayZone = time.FixedZone("MSK", 3*60*60)

// HTTPGateway talks to a QIWI style bill API over HTTP JSON.
type HTTPGateway struct {
	baseURL    string
	token      string
	currency   string
	comment    string
	billExpiry time.Duration
	client     *http.Client
}

// NewHTTPGateway creates a gateway client.
func NewHTTPGateway(baseURL, token, currency string, billExpiry, requestTimeout time.Duration) *HTTPGateway {
	if currency == "" {
		currency = "RUB"
	}
	if billExpiry <= 0 {
		billExpiry = 10 * time.Minute
	}
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &HTTPGateway{
		baseURL:    baseURL,
		token:      token,
		currency:   currency,
		comment:    "Axo VPN",
		billExpiry: billExpiry,
		client:     &http.Client{Timeout: requestTimeout},
	}
}

type billAmount struct {
	Currency string `json:"currency"`
	Value    int64  `json:"value"`
}

type createBillRequest struct {
	Amount             billAmount `json:"amount"`
	Comment            string     `json:"comment"`
	ExpirationDateTime string     `json:"expirationDateTime"`
}

type billResponse struct {
	BillID string `json:"billId"`
	PayURL string `json:"payUrl"`
	Status struct {
		Value string `json:"value"`
	} `json:"status"`
}

// CreateBill registers a new bill and returns its id and payment URL. The
// payment form stays open for the configured expiry window.
func (g *HTTPGateway) CreateBill(ctx context.Context, amount int64) (BillRef, error) {
	expiresAt := time.Now().Add(g.billExpiry)

	body, err := json.Marshal(createBillRequest{
		Amount:             billAmount{Currency: g.currency, Value: amount},
		Comment:            g.comment,
		ExpirationDateTime: expiresAt.In(gatewayZone).Format(time.RFC3339),
	})
	if err != nil {
		return BillRef{}, apperrors.NewGatewayError(apperrors.ErrCodeBillCreate,
			"failed to encode bill request", false, err)
	}

	url := fmt.Sprintf("%s/bills/%s", g.baseURL, uuid.New().String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return BillRef{}, apperrors.NewGatewayError(apperrors.ErrCodeBillCreate,
			"failed to build bill request", false, err)
	}
	g.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return BillRef{}, unavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return BillRef{}, apperrors.NewGatewayError(apperrors.ErrCodeBillCreate,
			fmt.Sprintf("gateway rejected bill creation with status %d", resp.StatusCode), true, nil)
	}

	var parsed billResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return BillRef{}, apperrors.NewGatewayError(apperrors.ErrCodeBillCreate,
			"failed to decode bill response", false, err)
	}
	if parsed.BillID == "" {
		return BillRef{}, apperrors.NewGatewayError(apperrors.ErrCodeBillCreate,
			"gateway returned no bill id", false, nil)
	}

	return BillRef{ID: parsed.BillID, PayURL: parsed.PayURL, ExpiresAt: expiresAt}, nil
}

// CheckStatus asks the gateway for the bill's current status. Transport
// failures and throttling surface as a retryable gateway error; callers back
// off and leave the bill untouched.
func (g *HTTPGateway) CheckStatus(ctx context.Context, billID string) (Status, error) {
	url := fmt.Sprintf("%s/bills/%s", g.baseURL, billID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", apperrors.NewGatewayError(apperrors.ErrCodeGatewayStatus,
			"failed to build status request", false, err)
	}
	g.setHeaders(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", unavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", unavailable(fmt.Errorf("gateway returned status %d", resp.StatusCode))
	}

	var parsed billResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", apperrors.NewGatewayError(apperrors.ErrCodeGatewayStatus,
			"failed to decode status response", false, err)
	}

	return Status(parsed.Status.Value), nil
}

func (g *HTTPGateway) setHeaders(req *http.Request) {
	req.Header.Set("accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.token)
}

func unavailable(cause error) error {
	return apperrors.NewGatewayError(apperrors.ErrCodeGatewayUnavailable,
		"payment gateway unavailable", true, cause)
}

// IsIndeterminate reports whether err means the bill's status is unknown
// rather than decided.
func IsIndeterminate(err error) bool {
	return apperrors.GetErrorCode(err) == apperrors.ErrCodeGatewayUnavailable
}
