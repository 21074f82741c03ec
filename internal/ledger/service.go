package ledger

import (
	"context"
	"fmt"
	"strings"
)

const (
	operationGrant   = "grant"
	operationReserve = "reserve"
	operationRelease = "release"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)

// Service contains the credit accounting logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the user's current credit balance, creating the account
// with a zero balance on first access.
func (service *Service) Balance(ctx context.Context, userID string) (Credits, error) {
	normalizedUserID, err := normalizeUserID(userID)
	if err != nil {
		return 0, err
	}
	accountID, err := service.store.GetOrCreateAccountID(ctx, normalizedUserID)
	if err != nil {
		return 0, err
	}
	return service.store.GetBalance(ctx, accountID)
}

// Reserve atomically decrements the balance by amount and appends a hold
// entry. A balance below amount fails with ErrInsufficientFunds and leaves
// the account untouched.
func (service *Service) Reserve(ctx context.Context, userID string, amount Credits, reservationID string, idempotencyKey string, metadataJSON string) (Credits, error) {
	normalizedUserID, err := normalizeUserID(userID)
	if err != nil {
		return 0, err
	}
	if err := validateAmount(amount); err != nil {
		return 0, err
	}
	if err := validateIdempotencyKey(idempotencyKey); err != nil {
		return 0, err
	}
	var newBalance Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		accountID, err := transactionStore.GetOrCreateAccountID(ctx, normalizedUserID)
		if err != nil {
			return err
		}
		newBalance, err = transactionStore.DecrementBalance(ctx, accountID, amount)
		if err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, Entry{
			AccountID:      accountID,
			Type:           EntryHold,
			Credits:        -amount,
			ReservationID:  reservationID,
			IdempotencyKey: idempotencyKey,
			MetadataJSON:   metadataJSON,
			CreatedUnixUTC: service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationReserve,
		UserID:         normalizedUserID,
		ReservationID:  reservationID,
		Credits:        amount,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return newBalance, nil
}

// Release restores amount credits to the user and appends a reverse-hold
// entry. It compensates a reservation whose generation produced nothing
// deliverable, so it carries no balance precondition.
func (service *Service) Release(ctx context.Context, userID string, amount Credits, reservationID string, idempotencyKey string, metadataJSON string) (Credits, error) {
	normalizedUserID, err := normalizeUserID(userID)
	if err != nil {
		return 0, err
	}
	if err := validateAmount(amount); err != nil {
		return 0, err
	}
	if err := validateIdempotencyKey(idempotencyKey); err != nil {
		return 0, err
	}
	var newBalance Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		accountID, err := transactionStore.GetOrCreateAccountID(ctx, normalizedUserID)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertEntry(ctx, Entry{
			AccountID:      accountID,
			Type:           EntryReverseHold,
			Credits:        amount,
			ReservationID:  reservationID,
			IdempotencyKey: idempotencyKey,
			MetadataJSON:   metadataJSON,
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		newBalance, err = transactionStore.IncrementBalance(ctx, accountID, amount)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationRelease,
		UserID:         normalizedUserID,
		ReservationID:  reservationID,
		Credits:        amount,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return newBalance, nil
}

// Grant credits the user. The entry is inserted before the balance is
// touched, so a duplicate idempotency key fails with
// ErrDuplicateIdempotencyKey and never double-credits. Webhook redelivery
// and signup bonuses both lean on this.
func (service *Service) Grant(ctx context.Context, userID string, amount Credits, idempotencyKey string, metadataJSON string) (Credits, error) {
	normalizedUserID, err := normalizeUserID(userID)
	if err != nil {
		return 0, err
	}
	if err := validateAmount(amount); err != nil {
		return 0, err
	}
	if err := validateIdempotencyKey(idempotencyKey); err != nil {
		return 0, err
	}
	var newBalance Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		accountID, err := transactionStore.GetOrCreateAccountID(ctx, normalizedUserID)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertEntry(ctx, Entry{
			AccountID:      accountID,
			Type:           EntryGrant,
			Credits:        amount,
			IdempotencyKey: idempotencyKey,
			MetadataJSON:   metadataJSON,
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		newBalance, err = transactionStore.IncrementBalance(ctx, accountID, amount)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrant,
		UserID:         normalizedUserID,
		Credits:        amount,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return newBalance, nil
}

// Entries lists ledger entries for a user before a cutoff time.
func (service *Service) Entries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	normalizedUserID, err := normalizeUserID(userID)
	if err != nil {
		return nil, err
	}
	accountID, err := service.store.GetOrCreateAccountID(ctx, normalizedUserID)
	if err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func normalizeUserID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return trimmed, nil
}

func validateAmount(amount Credits) error {
	if amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return nil
}

func validateIdempotencyKey(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return nil
}
