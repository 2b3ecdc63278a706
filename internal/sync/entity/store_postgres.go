package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"caretrack/internal/sync/ports"
	"caretrack/pkg/platform/sentinel"
)

// PostgresGenericStore persists generic versioned documents in a single
// JSONB table keyed by (entity_type, entity_id).
type PostgresGenericStore struct {
	db *sql.DB
}

func NewPostgresGeneric(db *sql.DB) *PostgresGenericStore {
	return &PostgresGenericStore{db: db}
}

func (s *PostgresGenericStore) Get(ctx context.Context, entityType, entityID string) (*ports.EntityState, error) {
	query := `SELECT payload, version, updated_at FROM sync_entities WHERE entity_type = $1 AND entity_id = $2`
	var (
		payload   []byte
		version   int64
		updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, query, entityType, entityID).Scan(&payload, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return &ports.EntityState{Payload: payload, Version: version, UpdatedAt: updatedAt}, nil
}

func (s *PostgresGenericStore) Create(ctx context.Context, entityType, entityID string, payload json.RawMessage) error {
	query := `
		INSERT INTO sync_entities (entity_type, entity_id, payload, version, updated_at)
		VALUES ($1, $2, $3, 1, now())
	`
	_, err := s.db.ExecContext(ctx, query, entityType, entityID, []byte(payload))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create entity: %w", err)
	}
	return nil
}

func (s *PostgresGenericStore) Update(ctx context.Context, entityType, entityID string, payload json.RawMessage, expectedVersion int64) error {
	query := `
		UPDATE sync_entities SET payload = $1, version = version + 1, updated_at = now()
		WHERE entity_type = $2 AND entity_id = $3 AND version = $4
	`
	res, err := s.db.ExecContext(ctx, query, []byte(payload), entityType, entityID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	return checkAffected(ctx, s.db, res, entityType, entityID)
}

func (s *PostgresGenericStore) Delete(ctx context.Context, entityType, entityID string, expectedVersion int64) error {
	query := `DELETE FROM sync_entities WHERE entity_type = $1 AND entity_id = $2 AND version = $3`
	res, err := s.db.ExecContext(ctx, query, entityType, entityID, expectedVersion)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	return checkAffected(ctx, s.db, res, entityType, entityID)
}

func checkAffected(ctx context.Context, db *sql.DB, res sql.Result, entityType, entityID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		var exists bool
		query := `SELECT EXISTS(SELECT 1 FROM sync_entities WHERE entity_type = $1 AND entity_id = $2)`
		if err := db.QueryRowContext(ctx, query, entityType, entityID).Scan(&exists); err != nil {
			return fmt.Errorf("existence check: %w", err)
		}
		if !exists {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrConflict
	}
	return nil
}
