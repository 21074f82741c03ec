package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/scenefuse/backend/internal/catalog"
	"gorm.io/gorm"
)

const errorSubjectPersona = "persona"

// InsertPersona persists a catalog row; duplicate primary keys map to
// catalog.ErrPersonaExists so built-in seeding can be re-run.
func (store *Store) InsertPersona(ctx context.Context, persona catalog.Persona) error {
	model := Persona{
		PersonaID:   persona.ID,
		OwnerID:     persona.OwnerID,
		Name:        persona.Name,
		Description: persona.Description,
		Prompt:      persona.Prompt,
		AvatarURL:   persona.AvatarURL,
		CreatedAt:   createdAtOrNow(persona.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isPersonaConflict(err) {
		return catalog.ErrPersonaExists
	}
	if err != nil {
		return wrapStoreError(errorSubjectPersona, errorCodeInsert, err)
	}
	return nil
}

// ListPersonas returns built-in rows followed by the owner's rows.
func (store *Store) ListPersonas(ctx context.Context, ownerID string) ([]catalog.Persona, error) {
	var rows []Persona
	err := store.db.WithContext(ctx).
		Where("owner_id = '' OR owner_id = ?", ownerID).
		Order("owner_id ASC, created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPersona, errorCodeList, err)
	}
	personas := make([]catalog.Persona, 0, len(rows))
	for _, row := range rows {
		personas = append(personas, mapPersona(row))
	}
	return personas, nil
}

func (store *Store) GetPersona(ctx context.Context, personaID string) (catalog.Persona, error) {
	var row Persona
	err := store.db.WithContext(ctx).
		Where("persona_id = ?", personaID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return catalog.Persona{}, catalog.ErrUnknownPersona
		}
		return catalog.Persona{}, wrapStoreError(errorSubjectPersona, errorCodeGet, err)
	}
	return mapPersona(row), nil
}

func mapPersona(row Persona) catalog.Persona {
	return catalog.Persona{
		ID:             row.PersonaID,
		OwnerID:        row.OwnerID,
		Name:           row.Name,
		Description:    row.Description,
		Prompt:         row.Prompt,
		AvatarURL:      row.AvatarURL,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
}

func createdAtOrNow(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func isPersonaConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
