package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/scenefuse/backend/internal/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintEntryIdempotencyKey = "uniq_entry_idem"
	defaultMetadataJSON           = "{}"
	pgUniqueViolationCode         = "23505"
	sqliteConstraintCode          = 19
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectBalance           = "balance"
	errorSubjectEntry             = "entry"
	errorCodeDecrement            = "decrement"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeIncrement            = "increment"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeLookup               = "lookup"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccountID(ctx context.Context, userID string) (string, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"user_id": clause.Expr{SQL: "excluded.user_id"},
			}),
		}).
		FirstOrCreate(&account, Account{UserID: userID}).Error
	if err != nil {
		return "", wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account.AccountID, nil
}

func (store *Store) GetBalance(ctx context.Context, accountID string) (ledger.Credits, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return ledger.Credits(account.Balance), nil
}

// DecrementBalance runs the check-then-decrement as one conditional UPDATE.
// Zero rows affected means the balance was below amount (or the account is
// unknown); either way nothing was mutated.
func (store *Store) DecrementBalance(ctx context.Context, accountID string, amount ledger.Credits) (ledger.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND balance >= ?", accountID, int64(amount)).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance - ?", int64(amount)),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDecrement, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&Account{}).Where("account_id = ?", accountID).Count(&count).Error; err != nil {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeDecrement, err)
		}
		if count == 0 {
			return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDecrement, ledger.ErrInsufficientFunds)
	}
	return store.GetBalance(ctx, accountID)
}

func (store *Store) IncrementBalance(ctx context.Context, accountID string, amount ledger.Credits) (ledger.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", int64(amount)),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeIncrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
	}
	return store.GetBalance(ctx, accountID)
}

func (store *Store) InsertEntry(ctx context.Context, entryInput ledger.Entry) error {
	var reservationID *string
	if entryInput.ReservationID != "" {
		value := entryInput.ReservationID
		reservationID = &value
	}
	entry := LedgerEntry{
		AccountID:      entryInput.AccountID,
		Type:           string(entryInput.Type),
		Credits:        int64(entryInput.Credits),
		ReservationID:  reservationID,
		IdempotencyKey: entryInput.IdempotencyKey,
		Metadata:       datatypesJSON(entryInput.MetadataJSON),
		CreatedAt:      time.Unix(entryInput.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&entry).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapLedgerEntry(row))
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapLedgerEntry(row LedgerEntry) ledger.Entry {
	var reservationID string
	if row.ReservationID != nil {
		reservationID = *row.ReservationID
	}
	return ledger.Entry{
		EntryID:        row.EntryID,
		AccountID:      row.AccountID,
		Type:           ledger.EntryType(row.Type),
		Credits:        ledger.Credits(row.Credits),
		ReservationID:  reservationID,
		IdempotencyKey: row.IdempotencyKey,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintEntryIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
