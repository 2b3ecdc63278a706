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

// PostgresQueueStore persists sync queue entries in PostgreSQL. The
// depends_on column is a uuid array; a companion sequence table hands out
// per-device sequence numbers atomically.
type PostgresQueueStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresQueueStore {
	return &PostgresQueueStore{db: db}
}

const entryColumns = `
	id, device_id, entity_type, entity_id, operation, payload,
	base_version, sequence_number, depends_on, priority,
	status, retry_count, next_attempt_at, last_error,
	version, created_at, updated_at
`

func (s *PostgresQueueStore) Get(ctx context.Context, entryID id.EntryID) (*models.SyncQueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM sync_queue_entries WHERE id = $1`
	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, entryID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get queue entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresQueueStore) Create(ctx context.Context, entry *models.SyncQueueEntry) error {
	entry.Version = 1
	query := `
		INSERT INTO sync_queue_entries (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID.String(), string(entry.DeviceID), entry.EntityType, entry.EntityID,
		string(entry.Operation), []byte(entry.Payload),
		entry.BaseVersion, entry.SequenceNumber, pq.Array(dependsOnStrings(entry.DependsOn)),
		string(entry.Priority), string(entry.Status), entry.RetryCount,
		entry.NextAttemptAt, entry.LastError,
		entry.Version, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create queue entry: %w", err)
	}
	return nil
}

func (s *PostgresQueueStore) Update(ctx context.Context, entry *models.SyncQueueEntry, expectedVersion int64) error {
	query := `
		UPDATE sync_queue_entries SET
			status = $1, retry_count = $2, next_attempt_at = $3,
			last_error = $4, version = version + 1, updated_at = $5
		WHERE id = $6 AND version = $7
	`
	res, err := s.db.ExecContext(ctx, query,
		string(entry.Status), entry.RetryCount, entry.NextAttemptAt,
		entry.LastError, entry.UpdatedAt,
		entry.ID.String(), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update queue entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update queue entry rows affected: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sync_queue_entries WHERE id = $1)`, entry.ID.String()).Scan(&exists); err != nil {
			return fmt.Errorf("update queue entry existence check: %w", err)
		}
		if !exists {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrConflict
	}
	entry.Version = expectedVersion + 1
	return nil
}

func (s *PostgresQueueStore) NextSequence(ctx context.Context, deviceID id.DeviceID) (int64, error) {
	query := `
		INSERT INTO sync_device_sequences (device_id, sequence)
		VALUES ($1, 1)
		ON CONFLICT (device_id) DO UPDATE SET sequence = sync_device_sequences.sequence + 1
		RETURNING sequence
	`
	var seq int64
	if err := s.db.QueryRowContext(ctx, query, string(deviceID)).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return seq, nil
}

func (s *PostgresQueueStore) ListOpenByDevice(ctx context.Context, deviceID id.DeviceID) ([]*models.SyncQueueEntry, error) {
	query := `
		SELECT ` + entryColumns + ` FROM sync_queue_entries
		WHERE device_id = $1
		  AND status NOT IN ('COMPLETED', 'FAILED', 'CONFLICT', 'NEEDS_RECONCILIATION')
		ORDER BY sequence_number
	`
	rows, err := s.db.QueryContext(ctx, query, string(deviceID))
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	defer rows.Close()

	var out []*models.SyncQueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresQueueStore) ListNeedsReconciliation(ctx context.Context, deviceID id.DeviceID) ([]*models.SyncQueueEntry, error) {
	query := `
		SELECT ` + entryColumns + ` FROM sync_queue_entries
		WHERE device_id = $1 AND status = 'NEEDS_RECONCILIATION'
		ORDER BY sequence_number
	`
	rows, err := s.db.QueryContext(ctx, query, string(deviceID))
	if err != nil {
		return nil, fmt.Errorf("list reconciliation entries: %w", err)
	}
	defer rows.Close()

	var out []*models.SyncQueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresQueueStore) PendingDevices(ctx context.Context) ([]id.DeviceID, error) {
	query := `
		SELECT device_id,
		       bool_or(priority = 'CRITICAL') AS has_critical,
		       min(created_at) AS oldest
		FROM sync_queue_entries
		WHERE status NOT IN ('COMPLETED', 'FAILED', 'CONFLICT', 'NEEDS_RECONCILIATION')
		GROUP BY device_id
		ORDER BY has_critical DESC, oldest
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pending devices: %w", err)
	}
	defer rows.Close()

	var out []id.DeviceID
	for rows.Next() {
		var (
			device      string
			hasCritical bool
			oldest      sql.NullTime
		)
		if err := rows.Scan(&device, &hasCritical, &oldest); err != nil {
			return nil, fmt.Errorf("scan pending device: %w", err)
		}
		out = append(out, id.DeviceID(device))
	}
	return out, rows.Err()
}

func dependsOnStrings(deps []id.EntryID) []string {
	out := make([]string, len(deps))
	for i, dep := range deps {
		out[i] = dep.String()
	}
	return out
}

func scanEntry(row rowScanner) (*models.SyncQueueEntry, error) {
	var (
		entry     models.SyncQueueEntry
		entryID   string
		device    string
		operation string
		payload   []byte
		dependsOn pq.StringArray
		priority  string
		status    string
	)
	err := row.Scan(
		&entryID, &device, &entry.EntityType, &entry.EntityID,
		&operation, &payload,
		&entry.BaseVersion, &entry.SequenceNumber, &dependsOn,
		&priority, &status, &entry.RetryCount,
		&entry.NextAttemptAt, &entry.LastError,
		&entry.Version, &entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedEntry, err := id.ParseEntryID(entryID)
	if err != nil {
		return nil, err
	}
	entry.ID = parsedEntry
	entry.DeviceID = id.DeviceID(device)
	entry.Operation = models.Operation(operation)
	entry.Payload = payload
	entry.Priority = models.Priority(priority)
	entry.Status = models.EntryStatus(status)
	for _, dep := range dependsOn {
		parsedDep, err := id.ParseEntryID(dep)
		if err != nil {
			return nil, err
		}
		entry.DependsOn = append(entry.DependsOn, parsedDep)
	}
	return &entry, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
