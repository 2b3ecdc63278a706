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

// PostgresVisitStore persists visits in PostgreSQL. The status history is
// a JSONB column: it is read and appended as a unit, never updated in place.
// This store is pure I/O; transition rules live in the lifecycle service.
type PostgresVisitStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresVisitStore {
	return &PostgresVisitStore{db: db}
}

const visitColumns = `
	id, client_id, caregiver_id, jurisdiction, service_code,
	address_lat, address_lon, scheduled_start, scheduled_end,
	actual_start, actual_end, status, status_history, version,
	created_at, updated_at
`

func (s *PostgresVisitStore) Get(ctx context.Context, visitID id.VisitID) (*models.Visit, error) {
	query := `SELECT ` + visitColumns + ` FROM visits WHERE id = $1`
	visit, err := scanVisit(s.db.QueryRowContext(ctx, query, visitID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get visit: %w", err)
	}
	return visit, nil
}

func (s *PostgresVisitStore) Create(ctx context.Context, visit *models.Visit) error {
	history, err := json.Marshal(visit.StatusHistory)
	if err != nil {
		return fmt.Errorf("marshal status history: %w", err)
	}
	visit.Version = 1
	query := `
		INSERT INTO visits (` + visitColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = s.db.ExecContext(ctx, query,
		visit.ID.String(), visit.ClientID.String(), visit.CaregiverID.String(),
		visit.Jurisdiction, visit.ServiceCode,
		visit.Address.Latitude, visit.Address.Longitude,
		visit.ScheduledStart, visit.ScheduledEnd,
		visit.ActualStart, visit.ActualEnd,
		string(visit.Status), history, visit.Version,
		visit.CreatedAt, visit.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create visit: %w", err)
	}
	return nil
}

func (s *PostgresVisitStore) Update(ctx context.Context, visit *models.Visit, expectedVersion int64) error {
	history, err := json.Marshal(visit.StatusHistory)
	if err != nil {
		return fmt.Errorf("marshal status history: %w", err)
	}
	query := `
		UPDATE visits SET
			actual_start = $1, actual_end = $2, status = $3,
			status_history = $4, version = version + 1, updated_at = $5
		WHERE id = $6 AND version = $7
	`
	res, err := s.db.ExecContext(ctx, query,
		visit.ActualStart, visit.ActualEnd, string(visit.Status),
		history, visit.UpdatedAt,
		visit.ID.String(), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update visit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update visit rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish "gone" from "stale version" for conflict handling.
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM visits WHERE id = $1)`, visit.ID.String()).Scan(&exists); err != nil {
			return fmt.Errorf("update visit existence check: %w", err)
		}
		if !exists {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrConflict
	}
	visit.Version = expectedVersion + 1
	return nil
}

func (s *PostgresVisitStore) ListByCaregiver(ctx context.Context, caregiverID id.CaregiverID) ([]*models.Visit, error) {
	query := `SELECT ` + visitColumns + ` FROM visits WHERE caregiver_id = $1 ORDER BY scheduled_start`
	rows, err := s.db.QueryContext(ctx, query, caregiverID.String())
	if err != nil {
		return nil, fmt.Errorf("list visits: %w", err)
	}
	defer rows.Close()

	var out []*models.Visit
	for rows.Next() {
		visit, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		out = append(out, visit)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVisit(row rowScanner) (*models.Visit, error) {
	var (
		visit    models.Visit
		visitID  string
		clientID string
		careID   string
		status   string
		history  []byte
	)
	err := row.Scan(
		&visitID, &clientID, &careID, &visit.Jurisdiction, &visit.ServiceCode,
		&visit.Address.Latitude, &visit.Address.Longitude,
		&visit.ScheduledStart, &visit.ScheduledEnd,
		&visit.ActualStart, &visit.ActualEnd,
		&status, &history, &visit.Version,
		&visit.CreatedAt, &visit.UpdatedAt,
	)
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
	visit.ID = parsedVisit
	visit.ClientID = parsedClient
	visit.CaregiverID = parsedCaregiver
	visit.Status = models.VisitStatus(status)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &visit.StatusHistory); err != nil {
			return nil, fmt.Errorf("unmarshal status history: %w", err)
		}
	}
	return &visit, nil
}
