package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/scenefuse/backend/internal/ledger"
	"go.uber.org/zap"
)

// Domain-level error values returned by the reconciler.
var (
	ErrBadSignature        = errors.New("webhook signature verification failed")
	ErrBadPayload          = errors.New("webhook payload is malformed")
	ErrInvalidWebhookSetup = errors.New("invalid webhook config")
)

const (
	eventTypeCheckoutCompleted = "checkout.completed"
	idempotencyPrefixPurchase  = "purchase:"
)

// CreditGranter is the slice of the ledger the reconciler needs.
type CreditGranter interface {
	Grant(ctx context.Context, userID string, amount ledger.Credits, idempotencyKey string, metadataJSON string) (ledger.Credits, error)
}

// Outcome reports what a delivery did to the ledger.
type Outcome struct {
	Applied   bool
	Duplicate bool
	UserID    string
	Credits   ledger.Credits
	Balance   ledger.Credits
}

// Reconciler turns payment provider deliveries into idempotent credit
// grants. Deliveries are at-least-once; the grant is keyed on the
// provider's event id so redelivery can never double-credit.
type Reconciler struct {
	secret []byte
	ledger CreditGranter
	logger *zap.Logger
}

// NewReconciler wires a Reconciler. The shared secret gates every ledger
// write, so an empty secret is a configuration error, not a soft default.
func NewReconciler(secret string, granter CreditGranter, logger *zap.Logger) (*Reconciler, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: webhook secret is required", ErrInvalidWebhookSetup)
	}
	if granter == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidWebhookSetup)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{secret: []byte(secret), ledger: granter, logger: logger}, nil
}

type eventMetadata struct {
	UserID  string `json:"userId"`
	Credits string `json:"credits"`
}

type eventObject struct {
	ID       string        `json:"id"`
	Metadata eventMetadata `json:"metadata"`
}

type event struct {
	ID        string      `json:"id"`
	EventType string      `json:"eventType"`
	Object    eventObject `json:"object"`
}

// Process verifies and applies one delivery. Unrecognized event types are
// acknowledged as no-ops; duplicates of an applied event succeed without a
// second grant.
func (reconciler *Reconciler) Process(ctx context.Context, signature string, body []byte) (Outcome, error) {
	if err := reconciler.verifySignature(signature, body); err != nil {
		return Outcome{}, err
	}

	var delivered event
	if err := json.Unmarshal(body, &delivered); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if delivered.EventType != eventTypeCheckoutCompleted {
		reconciler.logger.Debug("ignoring webhook event", zap.String("event_type", delivered.EventType))
		return Outcome{}, nil
	}

	eventID := delivered.ID
	if eventID == "" {
		eventID = delivered.Object.ID
	}
	if eventID == "" {
		return Outcome{}, fmt.Errorf("%w: missing event id", ErrBadPayload)
	}
	userID := strings.TrimSpace(delivered.Object.Metadata.UserID)
	if userID == "" {
		return Outcome{}, fmt.Errorf("%w: missing userId in metadata", ErrBadPayload)
	}
	creditsGranted, err := strconv.ParseInt(delivered.Object.Metadata.Credits, 10, 64)
	if err != nil || creditsGranted <= 0 {
		return Outcome{}, fmt.Errorf("%w: invalid credits in metadata: %q", ErrBadPayload, delivered.Object.Metadata.Credits)
	}

	metadata := marshalMetadata(map[string]string{
		"action":   "purchase",
		"event_id": eventID,
	})
	balance, err := reconciler.ledger.Grant(ctx, userID, ledger.Credits(creditsGranted), idempotencyPrefixPurchase+eventID, metadata)
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		reconciler.logger.Info("webhook event already applied",
			zap.String("event_id", eventID),
			zap.String("user_id", userID),
		)
		return Outcome{Applied: true, Duplicate: true, UserID: userID, Credits: ledger.Credits(creditsGranted)}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	reconciler.logger.Info("purchase credited",
		zap.String("event_id", eventID),
		zap.String("user_id", userID),
		zap.Int64("credits", creditsGranted),
		zap.Int64("balance", int64(balance)),
	)
	return Outcome{Applied: true, UserID: userID, Credits: ledger.Credits(creditsGranted), Balance: balance}, nil
}

func (reconciler *Reconciler) verifySignature(signature string, body []byte) error {
	if strings.TrimSpace(signature) == "" {
		return fmt.Errorf("%w: missing signature header", ErrBadSignature)
	}
	mac := hmac.New(sha256.New, reconciler.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
		return fmt.Errorf("%w: signature mismatch", ErrBadSignature)
	}
	return nil
}

func marshalMetadata(metadata map[string]string) string {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
