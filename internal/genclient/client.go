package genclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Domain-level error values returned by the generation client.
var (
	ErrGenerationAPI       = errors.New("generation api failure")
	ErrInvalidClientConfig = errors.New("invalid generation client config")
)

const (
	defaultTimeout     = 90 * time.Second
	maxErrorBodyBytes  = 4 << 10
	headerAPIKey       = "x-goog-api-key"
	modalityImage      = "IMAGE"
	modalityText       = "TEXT"
	generateContentFmt = "%s/v1beta/models/%s:generateContent"
)

// ImagePart is one inline image attached to a generation request. Part
// order is preserved on the wire; the composed prompt refers to images by
// position.
type ImagePart struct {
	Data     []byte
	MIMEType string
}

// Config aggregates the settings for the external generation API.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client calls the external image generation model over REST.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// New validates the configuration and returns a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidClientConfig)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidClientConfig)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidClientConfig)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
	}, nil
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type contentPart struct {
	InlineData *inlineData `json:"inlineData,omitempty"`
	Text       string      `json:"text,omitempty"`
}

type content struct {
	Parts []contentPart `json:"parts"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type candidate struct {
	Content content `json:"content"`
}

type generateResponse struct {
	Candidates []candidate `json:"candidates"`
}

// Generate sends the prompt plus image parts and returns the first inline
// image of the response. A successful response without any image part
// yields (nil, "", nil): the model declined, which the caller treats as a
// refundable outcome rather than a failure.
func (client *Client) Generate(ctx context.Context, prompt string, parts []ImagePart) ([]byte, string, error) {
	requestParts := make([]contentPart, 0, len(parts)+1)
	for _, part := range parts {
		requestParts = append(requestParts, contentPart{
			InlineData: &inlineData{
				MIMEType: part.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(part.Data),
			},
		})
	}
	requestParts = append(requestParts, contentPart{Text: prompt})

	payload, err := json.Marshal(generateRequest{
		Contents:         []content{{Parts: requestParts}},
		GenerationConfig: generationConfig{ResponseModalities: []string{modalityImage, modalityText}},
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: encode request: %v", ErrGenerationAPI, err)
	}

	url := fmt.Sprintf(generateContentFmt, client.baseURL, client.model)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("%w: build request: %v", ErrGenerationAPI, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(headerAPIKey, client.apiKey)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrGenerationAPI, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return nil, "", fmt.Errorf("%w: status %d: %s", ErrGenerationAPI, response.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded generateResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return nil, "", fmt.Errorf("%w: decode response: %v", ErrGenerationAPI, err)
	}

	for _, cand := range decoded.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			imageBytes, decodeErr := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if decodeErr != nil {
				return nil, "", fmt.Errorf("%w: decode image payload: %v", ErrGenerationAPI, decodeErr)
			}
			return imageBytes, part.InlineData.MIMEType, nil
		}
	}
	return nil, "", nil
}
