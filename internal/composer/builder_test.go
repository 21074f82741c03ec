package composer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/scenefuse/backend/internal/catalog"
)

func TestBuildSoloUsesPersonaPrompt(t *testing.T) {
	t.Parallel()
	builder := NewBuilder(nil)

	request, err := builder.Build(context.Background(), Input{
		Persona: catalog.Persona{Prompt: "A photorealistic portrait of Aiko"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if request.Composite {
		t.Fatalf("solo build reported composite")
	}
	if len(request.Parts) != 0 {
		t.Fatalf("solo build must carry no image parts, got %d", len(request.Parts))
	}
	if request.Prompt != "A photorealistic portrait of Aiko" {
		t.Fatalf("unexpected prompt: %q", request.Prompt)
	}
}

func TestBuildSoloAppendsCustomText(t *testing.T) {
	t.Parallel()
	builder := NewBuilder(nil)

	request, err := builder.Build(context.Background(), Input{
		Persona:    catalog.Persona{Prompt: "A portrait"},
		CustomText: "  at golden hour  ",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if request.Prompt != "A portrait, at golden hour" {
		t.Fatalf("unexpected prompt: %q", request.Prompt)
	}
}

func TestBuildCompositeOrdersUserImageFirst(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("reference-bytes"))
	}))
	defer server.Close()
	builder := NewBuilder(server.Client())

	request, err := builder.Build(context.Background(), Input{
		Persona:       catalog.Persona{Prompt: "unused for composite", AvatarURL: server.URL},
		UserImage:     []byte("user-bytes"),
		UserImageMIME: "image/jpeg",
		CustomText:    "on a rooftop",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !request.Composite {
		t.Fatalf("expected composite request")
	}
	if len(request.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(request.Parts))
	}
	if string(request.Parts[0].Data) != "user-bytes" || request.Parts[0].MIMEType != "image/jpeg" {
		t.Fatalf("first part must be the user image, got %+v", request.Parts[0])
	}
	if string(request.Parts[1].Data) != "reference-bytes" || request.Parts[1].MIMEType != "image/png" {
		t.Fatalf("second part must be the persona reference, got %+v", request.Parts[1])
	}
	if !strings.Contains(request.Prompt, `Additional user-provided details for the scene: "on a rooftop".`) {
		t.Fatalf("custom text missing from prompt: %q", request.Prompt)
	}
	if strings.Contains(request.Prompt, "unused for composite") {
		t.Fatalf("composite prompt must not reuse the persona prompt")
	}
}

func TestBuildCompositeWithoutCustomTextOmitsSuffix(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("reference-bytes"))
	}))
	defer server.Close()
	builder := NewBuilder(server.Client())

	request, err := builder.Build(context.Background(), Input{
		Persona:       catalog.Persona{AvatarURL: server.URL},
		UserImage:     []byte("user-bytes"),
		UserImageMIME: "image/jpeg",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if strings.Contains(request.Prompt, "Additional user-provided details") {
		t.Fatalf("unexpected custom suffix in prompt: %q", request.Prompt)
	}
}

func TestValidateRejectsImageWithoutMIMEType(t *testing.T) {
	t.Parallel()
	err := Validate(Input{UserImage: []byte("raw"), UserImageMIME: " "})
	if !errors.Is(err, ErrMissingMIMEType) {
		t.Fatalf("expected ErrMissingMIMEType, got %v", err)
	}
	if err := Validate(Input{}); err != nil {
		t.Fatalf("empty input must validate: %v", err)
	}
}

func TestBuildCompositeRequiresReferenceImage(t *testing.T) {
	t.Parallel()
	builder := NewBuilder(nil)

	_, err := builder.Build(context.Background(), Input{
		Persona:       catalog.Persona{Prompt: "no avatar"},
		UserImage:     []byte("user-bytes"),
		UserImageMIME: "image/jpeg",
	})
	if !errors.Is(err, ErrMissingReferenceImage) {
		t.Fatalf("expected ErrMissingReferenceImage, got %v", err)
	}
}

func TestBuildCompositeReferenceFetchFailure(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()
	builder := NewBuilder(server.Client())

	_, err := builder.Build(context.Background(), Input{
		Persona:       catalog.Persona{AvatarURL: server.URL},
		UserImage:     []byte("user-bytes"),
		UserImageMIME: "image/jpeg",
	})
	if !errors.Is(err, ErrReferenceFetch) {
		t.Fatalf("expected ErrReferenceFetch, got %v", err)
	}
}

func TestFetchReferenceSniffsMissingContentType(t *testing.T) {
	t.Parallel()
	pngHeader := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(pngHeader)
	}))
	defer server.Close()
	builder := NewBuilder(server.Client())

	request, err := builder.Build(context.Background(), Input{
		Persona:       catalog.Persona{AvatarURL: server.URL},
		UserImage:     []byte("user-bytes"),
		UserImageMIME: "image/jpeg",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if request.Parts[1].MIMEType != "image/png" {
		t.Fatalf("expected sniffed image/png, got %q", request.Parts[1].MIMEType)
	}
}
