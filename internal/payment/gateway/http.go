// Package gateway implements the payment gateway client.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/voxlabs/voxbill/internal/payment/domain"
)

type Config struct {
	BaseURL string
	APIKey  string
}

type httpGateway struct {
	cfg    Config
	client *http.Client
}

func NewHTTP(cfg Config) domain.Gateway {
	return &httpGateway{
		cfg: cfg,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type createIntentRequest struct {
	SubscriptionID string `json:"subscription_id"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
}

type createIntentResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

func (g *httpGateway) CreateChargeIntent(ctx context.Context, req domain.CreateChargeIntentRequest) (domain.ChargeIntent, error) {
	payload, err := json.Marshal(createIntentRequest{
		SubscriptionID: req.SubscriptionID.String(),
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
	})
	if err != nil {
		return domain.ChargeIntent{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/charge_intents", bytes.NewReader(payload))
	if err != nil {
		return domain.ChargeIntent{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return domain.ChargeIntent{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.ChargeIntent{}, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var out createIntentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.ChargeIntent{}, err
	}

	return domain.ChargeIntent{
		ID:             out.ID,
		SubscriptionID: req.SubscriptionID,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		CreatedAt:      out.CreatedAt,
	}, nil
}
