package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"caretrack/internal/evv/models"
	id "caretrack/pkg/domain"
	"caretrack/pkg/platform/sentinel"
)

// PostgresRecordStore persists EVV records in PostgreSQL. Verifications are
// JSONB; the checksum column is written at finalize and only the
// checksum_invalidated flag moves afterwards.
type PostgresRecordStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

const recordColumns = `
	id, visit_id, client_id, caregiver_id, jurisdiction, service_code,
	scheduled_start, scheduled_end, clock_in_at, clock_out_at,
	clock_in_verification, clock_out_verification, geofence_override_reason,
	status, checksum, checksum_invalidated,
	submission_id, confirmation_id, last_error, version, created_at, updated_at
`

func (s *PostgresRecordStore) Get(ctx context.Context, recordID id.RecordID) (*models.EVVRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM evv_records WHERE id = $1`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, recordID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get evv record: %w", err)
	}
	return rec, nil
}

func (s *PostgresRecordStore) GetByVisit(ctx context.Context, visitID id.VisitID) (*models.EVVRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM evv_records WHERE visit_id = $1`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, visitID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get evv record by visit: %w", err)
	}
	return rec, nil
}

func (s *PostgresRecordStore) Create(ctx context.Context, record *models.EVVRecord) error {
	inVer, outVer, err := marshalVerifications(record)
	if err != nil {
		return err
	}
	record.Version = 1
	query := `
		INSERT INTO evv_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`
	_, err = s.db.ExecContext(ctx, query,
		record.ID.String(), record.VisitID.String(), record.ClientID.String(), record.CaregiverID.String(),
		record.Jurisdiction, record.ServiceCode,
		record.ScheduledStart, record.ScheduledEnd, record.ClockInAt, record.ClockOutAt,
		inVer, outVer, record.GeofenceOverrideReason,
		string(record.Status), record.Checksum, record.ChecksumInvalidated,
		record.SubmissionID, record.ConfirmationID, record.LastError,
		record.Version, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// id or visit_id unique constraint: one record per visit.
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create evv record: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) Update(ctx context.Context, record *models.EVVRecord, expectedVersion int64) error {
	inVer, outVer, err := marshalVerifications(record)
	if err != nil {
		return err
	}
	query := `
		UPDATE evv_records SET
			clock_in_at = $1, clock_out_at = $2,
			clock_in_verification = $3, clock_out_verification = $4,
			geofence_override_reason = $5, status = $6,
			checksum = $7, checksum_invalidated = $8,
			submission_id = $9, confirmation_id = $10, last_error = $11,
			version = version + 1, updated_at = $12
		WHERE id = $13 AND version = $14
	`
	res, err := s.db.ExecContext(ctx, query,
		record.ClockInAt, record.ClockOutAt, inVer, outVer,
		record.GeofenceOverrideReason, string(record.Status),
		record.Checksum, record.ChecksumInvalidated,
		record.SubmissionID, record.ConfirmationID, record.LastError,
		record.UpdatedAt,
		record.ID.String(), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update evv record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update evv record rows affected: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM evv_records WHERE id = $1)`, record.ID.String()).Scan(&exists); err != nil {
			return fmt.Errorf("update evv record existence check: %w", err)
		}
		if !exists {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrConflict
	}
	record.Version = expectedVersion + 1
	return nil
}

func marshalVerifications(record *models.EVVRecord) ([]byte, []byte, error) {
	var inVer, outVer []byte
	var err error
	if record.ClockInVerification != nil {
		if inVer, err = json.Marshal(record.ClockInVerification); err != nil {
			return nil, nil, fmt.Errorf("marshal clock-in verification: %w", err)
		}
	}
	if record.ClockOutVerification != nil {
		if outVer, err = json.Marshal(record.ClockOutVerification); err != nil {
			return nil, nil, fmt.Errorf("marshal clock-out verification: %w", err)
		}
	}
	return inVer, outVer, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.EVVRecord, error) {
	var (
		rec      models.EVVRecord
		recID    string
		visitID  string
		clientID string
		careID   string
		status   string
		inVer    []byte
		outVer   []byte
	)
	err := row.Scan(
		&recID, &visitID, &clientID, &careID, &rec.Jurisdiction, &rec.ServiceCode,
		&rec.ScheduledStart, &rec.ScheduledEnd, &rec.ClockInAt, &rec.ClockOutAt,
		&inVer, &outVer, &rec.GeofenceOverrideReason,
		&status, &rec.Checksum, &rec.ChecksumInvalidated,
		&rec.SubmissionID, &rec.ConfirmationID, &rec.LastError,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedRec, err := id.ParseRecordID(recID)
	if err != nil {
		return nil, err
	}
	parsedVisit, err := id.ParseVisitID(visitID)
	if err != nil {
		return nil, err
	}
	parsedClient, err := id.ParseClientID(clientID)
	if err != nil {
		return nil, err
	}
	parsedCaregiver, err := id.ParseCaregiverID(careID)
	if err != nil {
		return nil, err
	}
	rec.ID = parsedRec
	rec.VisitID = parsedVisit
	rec.ClientID = parsedClient
	rec.CaregiverID = parsedCaregiver
	rec.Status = models.RecordStatus(status)
	if len(inVer) > 0 {
		rec.ClockInVerification = &models.LocationVerification{}
		if err := json.Unmarshal(inVer, rec.ClockInVerification); err != nil {
			return nil, fmt.Errorf("unmarshal clock-in verification: %w", err)
		}
	}
	if len(outVer) > 0 {
		rec.ClockOutVerification = &models.LocationVerification{}
		if err := json.Unmarshal(outVer, rec.ClockOutVerification); err != nil {
			return nil, fmt.Errorf("unmarshal clock-out verification: %w", err)
		}
	}
	return &rec, nil
}
