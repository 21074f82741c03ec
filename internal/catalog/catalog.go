package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/scenefuse/backend/internal/storage"
)

// Domain-level error values returned by the catalog service.
var (
	ErrUnknownPersona = errors.New("unknown persona")
	ErrPersonaExists  = errors.New("persona already exists")
	ErrInvalidPersona = errors.New("invalid persona")
)

// Persona is a selectable generation template: a base prompt plus an
// optional reference avatar. OwnerID is empty for built-in catalog
// entries.
type Persona struct {
	ID             string
	OwnerID        string
	Name           string
	Description    string
	Prompt         string
	AvatarURL      string
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service.
type Store interface {
	InsertPersona(ctx context.Context, persona Persona) error
	ListPersonas(ctx context.Context, ownerID string) ([]Persona, error)
	GetPersona(ctx context.Context, personaID string) (Persona, error)
}

// CreateInput carries the fields of a user-created persona.
type CreateInput struct {
	Name        string
	Description string
	Prompt      string
	Avatar      []byte
	AvatarMIME  string
}

// Service exposes the persona catalog: built-in entries plus per-user
// creations. Personas are immutable once created.
type Service struct {
	store Store
	blobs storage.BlobStore
	nowFn func() int64
}

// NewService wires a Service.
func NewService(store Store, blobs storage.BlobStore, now func() int64) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidPersona)
	}
	if blobs == nil {
		return nil, fmt.Errorf("%w: blob store dependency is nil", ErrInvalidPersona)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidPersona)
	}
	return &Service{store: store, blobs: blobs, nowFn: now}, nil
}

// List returns the built-in catalog followed by the user's own personas.
func (service *Service) List(ctx context.Context, userID string) ([]Persona, error) {
	return service.store.ListPersonas(ctx, userID)
}

// Get resolves a persona the user may generate with: a built-in entry or
// one of their own creations.
func (service *Service) Get(ctx context.Context, userID string, personaID string) (Persona, error) {
	persona, err := service.store.GetPersona(ctx, personaID)
	if err != nil {
		return Persona{}, err
	}
	if persona.OwnerID != "" && persona.OwnerID != userID {
		return Persona{}, ErrUnknownPersona
	}
	return persona, nil
}

// Create uploads the avatar and persists the persona for userID.
func (service *Service) Create(ctx context.Context, userID string, input CreateInput) (Persona, error) {
	if strings.TrimSpace(userID) == "" {
		return Persona{}, fmt.Errorf("%w: empty owner", ErrInvalidPersona)
	}
	if strings.TrimSpace(input.Name) == "" {
		return Persona{}, fmt.Errorf("%w: name is required", ErrInvalidPersona)
	}
	if strings.TrimSpace(input.Prompt) == "" {
		return Persona{}, fmt.Errorf("%w: prompt is required", ErrInvalidPersona)
	}
	if len(input.Avatar) == 0 {
		return Persona{}, fmt.Errorf("%w: avatar image is required", ErrInvalidPersona)
	}
	if strings.TrimSpace(input.AvatarMIME) == "" {
		return Persona{}, fmt.Errorf("%w: avatar mime type is required", ErrInvalidPersona)
	}

	now := service.nowFn()
	path := fmt.Sprintf("%s/%d-%s", userID, now, sanitizeFileName(input.Name))
	if err := service.blobs.Upload(ctx, path, input.Avatar, input.AvatarMIME, true); err != nil {
		return Persona{}, fmt.Errorf("upload avatar: %w", err)
	}

	persona := Persona{
		ID:             uuid.NewString(),
		OwnerID:        userID,
		Name:           strings.TrimSpace(input.Name),
		Description:    strings.TrimSpace(input.Description),
		Prompt:         strings.TrimSpace(input.Prompt),
		AvatarURL:      service.blobs.PublicURL(path),
		CreatedUnixUTC: now,
	}
	if err := service.store.InsertPersona(ctx, persona); err != nil {
		return Persona{}, err
	}
	return persona, nil
}

// SeedBuiltins inserts the built-in catalog, ignoring entries that are
// already present.
func (service *Service) SeedBuiltins(ctx context.Context, personas []Persona) error {
	for _, persona := range personas {
		if persona.OwnerID != "" {
			return fmt.Errorf("%w: built-in persona %q carries an owner", ErrInvalidPersona, persona.ID)
		}
		err := service.store.InsertPersona(ctx, persona)
		if err != nil && !errors.Is(err, ErrPersonaExists) {
			return err
		}
	}
	return nil
}

var unsafeFileNameChars = regexp.MustCompile(`[^a-zA-Z0-9.\-_]`)

func sanitizeFileName(name string) string {
	cleaned := unsafeFileNameChars.ReplaceAllString(name, "_")
	if cleaned == "" {
		cleaned = "avatar"
	}
	return cleaned
}
