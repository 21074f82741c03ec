package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balance is the single shared
// mutable resource of the whole system; it is only ever touched through
// the conditional update statements in this package.
type Account struct {
	AccountID string    `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"not null;uniqueIndex:idx_accounts_user"`
	Balance   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	AccountID      string         `gorm:"type:uuid;not null;index:idx_ledger_account_created,priority:1;index:uniq_entry_idem,unique,priority:1"`
	Type           string         `gorm:"not null"`
	Credits        int64          `gorm:"not null"`
	ReservationID  *string        `gorm:"index:idx_ledger_account_reservation"`
	IdempotencyKey string         `gorm:"not null;index:uniq_entry_idem,unique,priority:2"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Persona mirrors the personas table. Rows with an empty owner_id are the
// built-in catalog; user-created rows carry the creator's id. Rows are
// never updated after creation.
type Persona struct {
	PersonaID   string    `gorm:"type:uuid;primaryKey"`
	OwnerID     string    `gorm:"not null;default:'';index:idx_personas_owner"`
	Name        string    `gorm:"not null"`
	Description string    `gorm:"not null;default:''"`
	Prompt      string    `gorm:"type:text;not null"`
	AvatarURL   string    `gorm:"not null;default:''"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (Persona) TableName() string { return "personas" }

func (persona *Persona) BeforeCreate(tx *gorm.DB) error {
	if persona.PersonaID == "" {
		persona.PersonaID = uuid.NewString()
	}
	return nil
}
