package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/scenefuse/backend/internal/ledger"
)

// Domain-level error values returned by the checkout client.
var (
	ErrCheckoutAPI           = errors.New("checkout api failure")
	ErrInvalidCheckoutConfig = errors.New("invalid checkout client config")
)

const (
	defaultTimeout    = 15 * time.Second
	maxErrorBodyBytes = 4 << 10
	checkoutsPath     = "/v1/checkouts"
	headerAPIKey      = "x-api-key"
)

// Config aggregates the payment provider settings.
type Config struct {
	BaseURL string
	APIKey  string
	SiteURL string
	Timeout time.Duration
}

// Client creates hosted checkout sessions. The metadata placed on the
// session is the only linkage between a completed purchase and the credit
// grant applied by the webhook reconciler.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	siteURL    string
}

// New validates the configuration and returns a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidCheckoutConfig)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidCheckoutConfig)
	}
	if strings.TrimSpace(cfg.SiteURL) == "" {
		return nil, fmt.Errorf("%w: site url is required", ErrInvalidCheckoutConfig)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		siteURL:    strings.TrimRight(cfg.SiteURL, "/"),
	}, nil
}

type customerPayload struct {
	Email string `json:"email"`
}

type metadataPayload struct {
	UserID  string `json:"userId"`
	Credits string `json:"credits"`
}

type sessionRequest struct {
	RequestID  string          `json:"request_id"`
	ProductID  string          `json:"product_id"`
	Units      int             `json:"units"`
	Customer   customerPayload `json:"customer"`
	SuccessURL string          `json:"success_url"`
	Metadata   metadataPayload `json:"metadata"`
}

type sessionResponse struct {
	CheckoutURL string `json:"checkout_url"`
	URL         string `json:"url"`
	RedirectURL string `json:"redirect_url"`
}

// CreateSession asks the provider for a hosted checkout and returns the
// redirect URL.
func (client *Client) CreateSession(ctx context.Context, userID string, userEmail string, productID string, credits ledger.Credits) (string, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(userEmail) == "" {
		return "", fmt.Errorf("%w: user id and email are required", ErrInvalidCheckoutConfig)
	}
	if strings.TrimSpace(productID) == "" {
		return "", fmt.Errorf("%w: product id is required", ErrInvalidCheckoutConfig)
	}
	if credits <= 0 {
		return "", fmt.Errorf("%w: credits must be positive", ErrInvalidCheckoutConfig)
	}

	payload, err := json.Marshal(sessionRequest{
		RequestID:  uuid.NewString(),
		ProductID:  productID,
		Units:      1,
		Customer:   customerPayload{Email: userEmail},
		SuccessURL: client.siteURL + "/pricing?status=success",
		Metadata: metadataPayload{
			UserID:  userID,
			Credits: strconv.FormatInt(int64(credits), 10),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrCheckoutAPI, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+checkoutsPath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrCheckoutAPI, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(headerAPIKey, client.apiKey)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCheckoutAPI, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return "", fmt.Errorf("%w: status %d: %s", ErrCheckoutAPI, response.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded sessionResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrCheckoutAPI, err)
	}
	for _, candidate := range []string{decoded.CheckoutURL, decoded.URL, decoded.RedirectURL} {
		if candidate != "" {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no checkout url in response", ErrCheckoutAPI)
}
