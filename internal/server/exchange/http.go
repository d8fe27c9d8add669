package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dmvolov/exvault/internal/server/models"
)

// HTTPClient talks to the exchange's REST account endpoint. Credentials are
// passed per call; the client itself holds no secrets.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient builds a client for the given base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type accountInfoResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Timezone string `json:"timezone"`
}

// AccountInfo fetches the account profile for a credential pair. Any non-200
// response counts as a credential rejection.
func (c *HTTPClient) AccountInfo(ctx context.Context, apiKey, apiSecret string) (*models.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/account", nil)
	if err != nil {
		return nil, fmt.Errorf("building account request: %w", err)
	}
	req.Header.Set("X-API-Key", apiKey)
	req.Header.Set("X-API-Secret", apiSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("account request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange returned status %d", resp.StatusCode)
	}

	var body accountInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding account response: %w", err)
	}

	return &models.Profile{
		ExternalID: body.ID,
		Email:      body.Email,
		Username:   body.Username,
		Timezone:   body.Timezone,
	}, nil
}
