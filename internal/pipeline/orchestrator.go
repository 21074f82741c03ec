package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/scenefuse/backend/internal/catalog"
	"github.com/scenefuse/backend/internal/composer"
	"github.com/scenefuse/backend/internal/genclient"
	"github.com/scenefuse/backend/internal/ledger"
	"go.uber.org/zap"
)

// Domain-level error values returned by the orchestrator.
var (
	ErrNoSession            = errors.New("authentication required")
	ErrValidation           = errors.New("invalid generation input")
	ErrEmptyResult          = errors.New("model produced no image")
	ErrLedger               = errors.New("ledger operation failed")
	ErrInvalidPipelineSetup = errors.New("invalid pipeline config")
)

const (
	DefaultGenerationCost = 10

	idempotencyPrefixHold    = "hold:"
	idempotencyPrefixRelease = "release:"
)

// CreditLedger is the slice of the ledger the orchestrator needs.
type CreditLedger interface {
	Reserve(ctx context.Context, userID string, amount ledger.Credits, reservationID string, idempotencyKey string, metadataJSON string) (ledger.Credits, error)
	Release(ctx context.Context, userID string, amount ledger.Credits, reservationID string, idempotencyKey string, metadataJSON string) (ledger.Credits, error)
}

// RequestBuilder assembles the multi-part generation request.
type RequestBuilder interface {
	Build(ctx context.Context, input composer.Input) (composer.Request, error)
}

// Generator invokes the external image model.
type Generator interface {
	Generate(ctx context.Context, prompt string, parts []genclient.ImagePart) ([]byte, string, error)
}

// Config tunes one orchestrator instance.
type Config struct {
	Cost ledger.Credits
	// RefundOnEmpty controls whether a successful model response that
	// carried no image refunds the reservation. The product has shipped
	// both behaviors; this keeps the choice explicit.
	RefundOnEmpty bool
}

// Request is one user-initiated generation attempt.
type Request struct {
	UserID        string
	Persona       *catalog.Persona
	UserImage     []byte
	UserImageMIME string
	CustomText    string
}

// Result is a committed, paid-for generation.
type Result struct {
	Image     []byte
	MIMEType  string
	Composite bool
	Balance   ledger.Credits
}

// Orchestrator runs a single generation attempt: validate, reserve
// credits, build the request, invoke the model, and commit or refund the
// reservation before reporting the outcome.
type Orchestrator struct {
	ledger        CreditLedger
	builder       RequestBuilder
	generator     Generator
	logger        *zap.Logger
	cost          ledger.Credits
	refundOnEmpty bool
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(creditLedger CreditLedger, builder RequestBuilder, generator Generator, logger *zap.Logger, cfg Config) (*Orchestrator, error) {
	if creditLedger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidPipelineSetup)
	}
	if builder == nil {
		return nil, fmt.Errorf("%w: builder dependency is nil", ErrInvalidPipelineSetup)
	}
	if generator == nil {
		return nil, fmt.Errorf("%w: generator dependency is nil", ErrInvalidPipelineSetup)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cost := cfg.Cost
	if cost == 0 {
		cost = DefaultGenerationCost
	}
	if cost < 0 {
		return nil, fmt.Errorf("%w: negative cost", ErrInvalidPipelineSetup)
	}
	return &Orchestrator{
		ledger:        creditLedger,
		builder:       builder,
		generator:     generator,
		logger:        logger,
		cost:          cost,
		refundOnEmpty: cfg.RefundOnEmpty,
	}, nil
}

// Run executes one attempt. Every successful reservation is resolved to
// exactly one of committed or released before Run returns.
func (orchestrator *Orchestrator) Run(ctx context.Context, request Request) (Result, error) {
	if strings.TrimSpace(request.UserID) == "" {
		return Result{}, ErrNoSession
	}
	if request.Persona == nil {
		return Result{}, fmt.Errorf("%w: no persona selected", ErrValidation)
	}
	input := composer.Input{
		Persona:       *request.Persona,
		UserImage:     request.UserImage,
		UserImageMIME: request.UserImageMIME,
		CustomText:    request.CustomText,
	}
	if err := composer.Validate(input); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// The hold must be resolved even when the caller hangs up mid-flight,
	// so everything past validation runs detached from the request's
	// cancellation.
	runCtx := context.WithoutCancel(ctx)

	reservationID := uuid.NewString()
	metadata := marshalMetadata(map[string]string{
		"action":     "generation",
		"persona_id": request.Persona.ID,
	})

	balance, err := orchestrator.ledger.Reserve(runCtx, request.UserID, orchestrator.cost, reservationID, idempotencyPrefixHold+reservationID, metadata)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: reserve: %v", ErrLedger, err)
	}

	built, err := orchestrator.builder.Build(runCtx, input)
	if err != nil {
		if releaseErr := orchestrator.release(runCtx, request, reservationID, metadata, err); releaseErr != nil {
			return Result{}, releaseErr
		}
		return Result{}, err
	}

	image, mimeType, err := orchestrator.generator.Generate(runCtx, built.Prompt, built.Parts)
	if err != nil {
		if releaseErr := orchestrator.release(runCtx, request, reservationID, metadata, err); releaseErr != nil {
			return Result{}, releaseErr
		}
		return Result{}, err
	}
	if image == nil {
		if orchestrator.refundOnEmpty {
			if releaseErr := orchestrator.release(runCtx, request, reservationID, metadata, ErrEmptyResult); releaseErr != nil {
				return Result{}, releaseErr
			}
		} else {
			orchestrator.logger.Info("generation produced no image; reservation kept per policy",
				zap.String("user_id", request.UserID),
				zap.String("reservation_id", reservationID),
			)
		}
		return Result{}, ErrEmptyResult
	}

	if mimeType == "" {
		mimeType = "image/png"
	}
	return Result{
		Image:     image,
		MIMEType:  mimeType,
		Composite: built.Composite,
		Balance:   balance,
	}, nil
}

// Cost reports the per-generation price in credits.
func (orchestrator *Orchestrator) Cost() ledger.Credits {
	return orchestrator.cost
}

func (orchestrator *Orchestrator) release(ctx context.Context, request Request, reservationID string, metadata string, cause error) error {
	_, err := orchestrator.ledger.Release(ctx, request.UserID, orchestrator.cost, reservationID, idempotencyPrefixRelease+reservationID, metadata)
	if err == nil {
		return nil
	}
	// A lost compensation is a financial incident, not a generic error:
	// the user paid for nothing and only manual reconciliation can fix it.
	orchestrator.logger.Error("credit release failed; manual reconciliation required",
		zap.String("user_id", request.UserID),
		zap.String("reservation_id", reservationID),
		zap.Int64("credits", int64(orchestrator.cost)),
		zap.NamedError("cause", cause),
		zap.Error(err),
	)
	return fmt.Errorf("%w: release after %v: %v", ErrLedger, cause, err)
}

func marshalMetadata(metadata map[string]string) string {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
