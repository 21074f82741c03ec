package composer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/scenefuse/backend/internal/catalog"
	"github.com/scenefuse/backend/internal/genclient"
)

// Domain-level error values returned by the request builder.
var (
	ErrMissingMIMEType       = errors.New("user image mime type is missing")
	ErrMissingReferenceImage = errors.New("persona has no reference image")
	ErrReferenceFetch        = errors.New("reference image fetch failed")
)

const (
	defaultFetchTimeout    = 15 * time.Second
	maxReferenceImageBytes = 20 << 20

	// The instruction names the images by position, so the part order
	// [user image, persona reference] is a correctness requirement.
	compositeInstruction = "Create a single, photorealistic, high-resolution image that seamlessly combines the people from the two provided images into one cohesive scene. The person from the first image is the user. The person from the second image is their chosen companion. It is critical to maintain the exact appearance, facial features, and style of both individuals as they appear in their respective photos. Place them together in a natural setting, interacting plausibly (e.g., standing side-by-side, smiling at the camera). The final image must have consistent lighting, shadows, and perspective, making it look like a real photograph taken of both of them together."
)

// Input carries everything the builder needs for one generation attempt.
type Input struct {
	Persona       catalog.Persona
	UserImage     []byte
	UserImageMIME string
	CustomText    string
}

// Request is the assembled multi-part generation request.
type Request struct {
	Prompt    string
	Parts     []genclient.ImagePart
	Composite bool
}

// Builder assembles generation requests, fetching persona reference
// images over HTTP when a composite is needed.
type Builder struct {
	httpClient *http.Client
}

// NewBuilder returns a Builder; a nil client gets a sane default.
func NewBuilder(httpClient *http.Client) *Builder {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &Builder{httpClient: httpClient}
}

// Validate performs the checks that must pass before any credit activity:
// an uploaded image without a resolvable mime type fails fast.
func Validate(input Input) error {
	if len(input.UserImage) > 0 && strings.TrimSpace(input.UserImageMIME) == "" {
		return ErrMissingMIMEType
	}
	return nil
}

// Build assembles the request. Without a user photo the persona's own
// prompt drives a solo generation; with one, the persona's reference image
// is fetched and a fixed composite instruction is used.
func (builder *Builder) Build(ctx context.Context, input Input) (Request, error) {
	if err := Validate(input); err != nil {
		return Request{}, err
	}

	if len(input.UserImage) == 0 {
		prompt := input.Persona.Prompt
		if custom := strings.TrimSpace(input.CustomText); custom != "" {
			prompt += ", " + custom
		}
		return Request{Prompt: prompt}, nil
	}

	if strings.TrimSpace(input.Persona.AvatarURL) == "" {
		return Request{}, ErrMissingReferenceImage
	}
	referenceBytes, referenceMIME, err := builder.fetchReference(ctx, input.Persona.AvatarURL)
	if err != nil {
		return Request{}, err
	}

	prompt := compositeInstruction
	if custom := strings.TrimSpace(input.CustomText); custom != "" {
		prompt += fmt.Sprintf(" Additional user-provided details for the scene: %q.", custom)
	}
	return Request{
		Prompt: prompt,
		Parts: []genclient.ImagePart{
			{Data: input.UserImage, MIMEType: input.UserImageMIME},
			{Data: referenceBytes, MIMEType: referenceMIME},
		},
		Composite: true,
	}, nil
}

func (builder *Builder) fetchReference(ctx context.Context, url string) ([]byte, string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrReferenceFetch, err)
	}
	response, err := builder.httpClient.Do(request)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrReferenceFetch, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, "", fmt.Errorf("%w: status %d from %s", ErrReferenceFetch, response.StatusCode, url)
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxReferenceImageBytes))
	if err != nil {
		return nil, "", fmt.Errorf("%w: read body: %v", ErrReferenceFetch, err)
	}
	if len(body) == 0 {
		return nil, "", fmt.Errorf("%w: empty body from %s", ErrReferenceFetch, url)
	}
	mimeType := response.Header.Get("Content-Type")
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = mimeType[:idx]
	}
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(body)
	}
	return body, mimeType, nil
}
