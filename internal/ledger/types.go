package ledger

import "context"

// Credits is an integer amount of generation credits.
type Credits int64

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryGrant       EntryType = "grant"
	EntryHold        EntryType = "hold"
	EntryReverseHold EntryType = "reverse_hold"
)

// A single immutable line in the ledger.
type Entry struct {
	EntryID        string
	AccountID      string
	Type           EntryType
	Credits        Credits
	ReservationID  string
	IdempotencyKey string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service.
//
// DecrementBalance must be a single conditional update: it fails with
// ErrInsufficientFunds and leaves the row untouched when the balance is
// below amount. Concurrency safety of reserve/release rests entirely on
// that statement, never on caller-side read-modify-write.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccountID(ctx context.Context, userID string) (string, error)
	GetBalance(ctx context.Context, accountID string) (Credits, error)
	DecrementBalance(ctx context.Context, accountID string, amount Credits) (Credits, error)
	IncrementBalance(ctx context.Context, accountID string, amount Credits) (Credits, error)
	InsertEntry(ctx context.Context, entry Entry) error
	ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error)
}
