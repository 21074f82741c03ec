package gormstore

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/scenefuse/backend/internal/catalog"
	"github.com/scenefuse/backend/internal/ledger"
	"gorm.io/gorm"
)

func TestGetOrCreateAccountIDIsStable(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.GetOrCreateAccountID(ctx, "user-1")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	second, err := store.GetOrCreateAccountID(ctx, "user-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if first == "" || first != second {
		t.Fatalf("expected stable account id, got %q and %q", first, second)
	}

	other, err := store.GetOrCreateAccountID(ctx, "user-2")
	if err != nil {
		t.Fatalf("create other account: %v", err)
	}
	if other == first {
		t.Fatalf("distinct users must get distinct accounts")
	}
}

func TestDecrementBalanceIsConditional(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	accountID := mustAccountWithBalance(t, store, "user-3", 10)

	balance, err := store.DecrementBalance(ctx, accountID, 10)
	if err != nil {
		t.Fatalf("decrement to zero: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected balance 0, got %d", balance)
	}

	_, err = store.DecrementBalance(ctx, accountID, 1)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	balance, err = store.GetBalance(ctx, accountID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("failed decrement must not mutate balance, got %d", balance)
	}
}

func TestDecrementBalanceUnknownAccount(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, err := store.DecrementBalance(context.Background(), "00000000-0000-0000-0000-000000000000", 5)
	if !errors.Is(err, ledger.ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestInsertEntryRejectsDuplicateIdempotencyKey(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	accountID := mustAccountWithBalance(t, store, "user-4", 0)

	entry := ledger.Entry{
		AccountID:      accountID,
		Type:           ledger.EntryGrant,
		Credits:        50,
		IdempotencyKey: "purchase:evt-1",
		MetadataJSON:   `{"action":"purchase"}`,
		CreatedUnixUTC: 1700000000,
	}
	if err := store.InsertEntry(ctx, entry); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := store.InsertEntry(ctx, entry)
	if !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
}

func TestInsertEntryAllowsSameKeyAcrossAccounts(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	firstAccount := mustAccountWithBalance(t, store, "user-5", 0)
	secondAccount := mustAccountWithBalance(t, store, "user-6", 0)

	for _, accountID := range []string{firstAccount, secondAccount} {
		err := store.InsertEntry(ctx, ledger.Entry{
			AccountID:      accountID,
			Type:           ledger.EntryGrant,
			Credits:        30,
			IdempotencyKey: "signup:shared-key",
		})
		if err != nil {
			t.Fatalf("insert for %s: %v", accountID, err)
		}
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	accountID := mustAccountWithBalance(t, store, "user-7", 100)

	sentinel := errors.New("abort")
	err := store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		if _, err := txStore.DecrementBalance(ctx, accountID, 40); err != nil {
			t.Fatalf("decrement in tx: %v", err)
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	balance, err := store.GetBalance(ctx, accountID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != 100 {
		t.Fatalf("expected rollback to 100, got %d", balance)
	}
}

func TestListEntriesOrdersNewestFirst(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	accountID := mustAccountWithBalance(t, store, "user-8", 0)

	timestamps := []int64{1700000000, 1700000100, 1700000200}
	for index, createdAt := range timestamps {
		err := store.InsertEntry(ctx, ledger.Entry{
			AccountID:      accountID,
			Type:           ledger.EntryGrant,
			Credits:        10,
			IdempotencyKey: "grant:" + string(rune('a'+index)),
			CreatedUnixUTC: createdAt,
		})
		if err != nil {
			t.Fatalf("insert %d: %v", index, err)
		}
	}

	entries, err := store.ListEntries(ctx, accountID, 0, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].CreatedUnixUTC != 1700000200 || entries[1].CreatedUnixUTC != 1700000100 {
		t.Fatalf("unexpected ordering: %+v", entries)
	}
}

func TestPersonaRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	builtin := catalog.Persona{
		ID:     "11111111-1111-1111-1111-111111111111",
		Name:   "Aiko",
		Prompt: "A photorealistic portrait",
	}
	owned := catalog.Persona{
		ID:        "22222222-2222-2222-2222-222222222222",
		OwnerID:   "user-9",
		Name:      "My Persona",
		Prompt:    "Another portrait",
		AvatarURL: "https://example.com/a.png",
	}
	foreign := catalog.Persona{
		ID:      "33333333-3333-3333-3333-333333333333",
		OwnerID: "someone-else",
		Name:    "Hidden",
		Prompt:  "Not yours",
	}
	for _, persona := range []catalog.Persona{builtin, owned, foreign} {
		if err := store.InsertPersona(ctx, persona); err != nil {
			t.Fatalf("insert %s: %v", persona.Name, err)
		}
	}

	if err := store.InsertPersona(ctx, builtin); !errors.Is(err, catalog.ErrPersonaExists) {
		t.Fatalf("expected ErrPersonaExists on reseed, got %v", err)
	}

	personas, err := store.ListPersonas(ctx, "user-9")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(personas) != 2 {
		t.Fatalf("expected builtin + owned, got %d: %+v", len(personas), personas)
	}
	if personas[0].ID != builtin.ID || personas[1].ID != owned.ID {
		t.Fatalf("unexpected listing order: %+v", personas)
	}

	got, err := store.GetPersona(ctx, owned.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OwnerID != "user-9" || got.AvatarURL != owned.AvatarURL {
		t.Fatalf("unexpected persona: %+v", got)
	}

	if _, err := store.GetPersona(ctx, "44444444-4444-4444-4444-444444444444"); !errors.Is(err, catalog.ErrUnknownPersona) {
		t.Fatalf("expected ErrUnknownPersona, got %v", err)
	}
}

// --- helpers ---

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// The pool must not hand out a second connection: each in-memory
	// sqlite connection is its own database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Account{}, &LedgerEntry{}, &Persona{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func mustAccountWithBalance(t *testing.T, store *Store, userID string, balance int64) string {
	t.Helper()
	ctx := context.Background()
	accountID, err := store.GetOrCreateAccountID(ctx, userID)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if balance > 0 {
		if _, err := store.IncrementBalance(ctx, accountID, ledger.Credits(balance)); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}
	return accountID
}
