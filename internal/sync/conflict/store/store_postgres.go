package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"caretrack/internal/sync/models"
	id "caretrack/pkg/domain"
	"caretrack/pkg/platform/sentinel"
)

// PostgresConflictStore persists sync conflicts in PostgreSQL. Both payload
// sides are JSONB; divergent fields are a text array.
type PostgresConflictStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresConflictStore {
	return &PostgresConflictStore{db: db}
}

const conflictColumns = `
	id, entry_id, entity_type, entity_id, device_id, conflict_type,
	local_payload, remote_payload, local_version, remote_version,
	remote_updated_at, local_received_at, divergent_fields, status, resolution,
	resolved_payload, resolved_by, detected_at, resolved_at
`

func (s *PostgresConflictStore) Get(ctx context.Context, conflictID id.ConflictID) (*models.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE id = $1`
	conflict, err := scanConflict(s.db.QueryRowContext(ctx, query, conflictID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	return conflict, nil
}

func (s *PostgresConflictStore) Create(ctx context.Context, conflict *models.SyncConflict) error {
	query := `
		INSERT INTO sync_conflicts (` + conflictColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	var resolvedBy any
	if !conflict.ResolvedBy.IsNil() {
		resolvedBy = conflict.ResolvedBy.String()
	}
	_, err := s.db.ExecContext(ctx, query,
		conflict.ID.String(), conflict.EntryID.String(),
		conflict.EntityType, conflict.EntityID, string(conflict.DeviceID), string(conflict.Type),
		[]byte(conflict.LocalPayload), []byte(conflict.RemotePayload),
		conflict.LocalVersion, conflict.RemoteVersion,
		conflict.RemoteUpdatedAt, conflict.LocalReceivedAt, pq.Array(conflict.DivergentFields),
		string(conflict.Status), string(conflict.Resolution),
		[]byte(conflict.ResolvedPayload), resolvedBy,
		conflict.DetectedAt, conflict.ResolvedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create conflict: %w", err)
	}
	return nil
}

func (s *PostgresConflictStore) Update(ctx context.Context, conflict *models.SyncConflict) error {
	query := `
		UPDATE sync_conflicts SET
			status = $1, resolution = $2, resolved_payload = $3,
			resolved_by = $4, resolved_at = $5
		WHERE id = $6
	`
	var resolvedBy any
	if !conflict.ResolvedBy.IsNil() {
		resolvedBy = conflict.ResolvedBy.String()
	}
	res, err := s.db.ExecContext(ctx, query,
		string(conflict.Status), string(conflict.Resolution),
		[]byte(conflict.ResolvedPayload), resolvedBy, conflict.ResolvedAt,
		conflict.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update conflict: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update conflict rows affected: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresConflictStore) ListOpen(ctx context.Context) ([]*models.SyncConflict, error) {
	query := `
		SELECT ` + conflictColumns + ` FROM sync_conflicts
		WHERE status IN ('DETECTED', 'PENDING_MANUAL')
		ORDER BY detected_at
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list open conflicts: %w", err)
	}
	defer rows.Close()

	var out []*models.SyncConflict
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		out = append(out, conflict)
	}
	return out, rows.Err()
}

func scanConflict(row rowScanner) (*models.SyncConflict, error) {
	var (
		conflict        models.SyncConflict
		conflictID      string
		entryID         string
		device          string
		conflictType    string
		local           []byte
		remote          []byte
		divergent       pq.StringArray
		status          string
		resolution      sql.NullString
		resolvedPayload []byte
		resolvedBy      sql.NullString
	)
	err := row.Scan(
		&conflictID, &entryID,
		&conflict.EntityType, &conflict.EntityID, &device, &conflictType,
		&local, &remote,
		&conflict.LocalVersion, &conflict.RemoteVersion,
		&conflict.RemoteUpdatedAt, &conflict.LocalReceivedAt, &divergent,
		&status, &resolution,
		&resolvedPayload, &resolvedBy,
		&conflict.DetectedAt, &conflict.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedConflict, err := id.ParseConflictID(conflictID)
	if err != nil {
		return nil, err
	}
	parsedEntry, err := id.ParseEntryID(entryID)
	if err != nil {
		return nil, err
	}
	conflict.ID = parsedConflict
	conflict.EntryID = parsedEntry
	conflict.DeviceID = id.DeviceID(device)
	conflict.Type = models.ConflictType(conflictType)
	conflict.LocalPayload = local
	conflict.RemotePayload = remote
	conflict.DivergentFields = divergent
	conflict.Status = models.ConflictStatus(status)
	if resolution.Valid {
		conflict.Resolution = models.ResolutionStrategy(resolution.String)
	}
	conflict.ResolvedPayload = resolvedPayload
	if resolvedBy.Valid {
		parsed, err := id.ParseCaregiverID(resolvedBy.String)
		if err != nil {
			return nil, err
		}
		conflict.ResolvedBy = parsed
	}
	return &conflict, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
