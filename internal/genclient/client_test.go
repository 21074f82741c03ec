package genclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateReturnsFirstInlineImage(t *testing.T) {
	t.Parallel()
	imageBytes := []byte("png-data")
	var captured generateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-goog-api-key"); got != "key-123" {
			t.Errorf("missing api key header, got %q", got)
		}
		if !strings.HasSuffix(r.URL.Path, "/v1beta/models/test-model:generateContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		respond(w, generateResponse{Candidates: []candidate{{
			Content: content{Parts: []contentPart{
				{Text: "some narration"},
				{InlineData: &inlineData{MIMEType: "image/png", Data: base64.StdEncoding.EncodeToString(imageBytes)}},
			}},
		}}})
	}))
	defer server.Close()
	client := mustClient(t, server.URL)

	image, mimeType, err := client.Generate(context.Background(), "a prompt", []ImagePart{
		{Data: []byte("user"), MIMEType: "image/jpeg"},
		{Data: []byte("reference"), MIMEType: "image/png"},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(image) != "png-data" || mimeType != "image/png" {
		t.Fatalf("unexpected result: %q %q", image, mimeType)
	}

	parts := captured.Contents[0].Parts
	if len(parts) != 3 {
		t.Fatalf("expected 2 image parts plus text, got %d", len(parts))
	}
	if parts[0].InlineData == nil || parts[0].InlineData.MIMEType != "image/jpeg" {
		t.Fatalf("first part must be the user image, got %+v", parts[0])
	}
	if parts[1].InlineData == nil || parts[1].InlineData.MIMEType != "image/png" {
		t.Fatalf("second part must be the reference image, got %+v", parts[1])
	}
	if parts[2].Text != "a prompt" {
		t.Fatalf("prompt must be the trailing part, got %+v", parts[2])
	}
	modalities := captured.GenerationConfig.ResponseModalities
	if len(modalities) != 2 || modalities[0] != "IMAGE" || modalities[1] != "TEXT" {
		t.Fatalf("unexpected modalities: %v", modalities)
	}
}

func TestGenerateTextOnlyResponseYieldsNoImage(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, generateResponse{Candidates: []candidate{{
			Content: content{Parts: []contentPart{{Text: "I cannot draw that"}}},
		}}})
	}))
	defer server.Close()
	client := mustClient(t, server.URL)

	image, mimeType, err := client.Generate(context.Background(), "a prompt", nil)
	if err != nil {
		t.Fatalf("text-only response is not an error: %v", err)
	}
	if image != nil || mimeType != "" {
		t.Fatalf("expected empty result, got %q %q", image, mimeType)
	}
}

func TestGenerateEmptyCandidatesYieldsNoImage(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, generateResponse{})
	}))
	defer server.Close()
	client := mustClient(t, server.URL)

	image, _, err := client.Generate(context.Background(), "a prompt", nil)
	if err != nil {
		t.Fatalf("empty candidates is not an error: %v", err)
	}
	if image != nil {
		t.Fatalf("expected no image, got %d bytes", len(image))
	}
}

func TestGenerateNonSuccessStatusFails(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate limited"}`)
	}))
	defer server.Close()
	client := mustClient(t, server.URL)

	_, _, err := client.Generate(context.Background(), "a prompt", nil)
	if !errors.Is(err, ErrGenerationAPI) {
		t.Fatalf("expected ErrGenerationAPI, got %v", err)
	}
	if !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestGenerateCorruptImagePayloadFails(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, generateResponse{Candidates: []candidate{{
			Content: content{Parts: []contentPart{
				{InlineData: &inlineData{MIMEType: "image/png", Data: "not base64 !!!"}},
			}},
		}}})
	}))
	defer server.Close()
	client := mustClient(t, server.URL)

	_, _, err := client.Generate(context.Background(), "a prompt", nil)
	if !errors.Is(err, ErrGenerationAPI) {
		t.Fatalf("expected ErrGenerationAPI, got %v", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	cases := []Config{
		{APIKey: "k", Model: "m"},
		{BaseURL: "http://api", Model: "m"},
		{BaseURL: "http://api", APIKey: "k"},
	}
	for _, cfg := range cases {
		if _, err := New(cfg); !errors.Is(err, ErrInvalidClientConfig) {
			t.Fatalf("expected ErrInvalidClientConfig for %+v, got %v", cfg, err)
		}
	}
}

// --- helpers ---

func mustClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := New(Config{BaseURL: baseURL, APIKey: "key-123", Model: "test-model"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func respond(w http.ResponseWriter, payload generateResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
