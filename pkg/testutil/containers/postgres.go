//go:build integration

package containers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PostgresContainer wraps a testcontainers PostgreSQL instance with the
// caretrack schema applied.
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string
	DB        *sql.DB
}

// schema mirrors the tables the postgres stores expect.
const schema = `
CREATE TABLE IF NOT EXISTS visits (
	id uuid PRIMARY KEY,
	client_id uuid NOT NULL,
	caregiver_id uuid NOT NULL,
	jurisdiction text NOT NULL,
	service_code text NOT NULL,
	address_lat double precision NOT NULL,
	address_lon double precision NOT NULL,
	scheduled_start timestamptz NOT NULL,
	scheduled_end timestamptz NOT NULL,
	actual_start timestamptz,
	actual_end timestamptz,
	status text NOT NULL,
	status_history jsonb NOT NULL DEFAULT '[]',
	version bigint NOT NULL,
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS evv_records (
	id uuid PRIMARY KEY,
	visit_id uuid NOT NULL UNIQUE,
	client_id uuid NOT NULL,
	caregiver_id uuid NOT NULL,
	jurisdiction text NOT NULL,
	service_code text NOT NULL,
	scheduled_start timestamptz NOT NULL,
	scheduled_end timestamptz NOT NULL,
	clock_in_at timestamptz,
	clock_out_at timestamptz,
	clock_in_verification jsonb,
	clock_out_verification jsonb,
	geofence_override_reason text NOT NULL DEFAULT '',
	status text NOT NULL,
	checksum text NOT NULL DEFAULT '',
	checksum_invalidated boolean NOT NULL DEFAULT false,
	submission_id text NOT NULL DEFAULT '',
	confirmation_id text NOT NULL DEFAULT '',
	last_error text NOT NULL DEFAULT '',
	version bigint NOT NULL,
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_queue_entries (
	id uuid PRIMARY KEY,
	device_id text NOT NULL,
	entity_type text NOT NULL,
	entity_id text NOT NULL,
	operation text NOT NULL,
	payload jsonb,
	base_version bigint NOT NULL,
	sequence_number bigint NOT NULL,
	depends_on text[] NOT NULL DEFAULT '{}',
	priority text NOT NULL,
	status text NOT NULL,
	retry_count int NOT NULL DEFAULT 0,
	next_attempt_at timestamptz NOT NULL,
	last_error text NOT NULL DEFAULT '',
	version bigint NOT NULL,
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL,
	UNIQUE (device_id, sequence_number)
);

CREATE TABLE IF NOT EXISTS sync_device_sequences (
	device_id text PRIMARY KEY,
	sequence bigint NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
	id uuid PRIMARY KEY,
	entry_id uuid NOT NULL,
	entity_type text NOT NULL,
	entity_id text NOT NULL,
	device_id text NOT NULL,
	conflict_type text NOT NULL,
	local_payload jsonb,
	remote_payload jsonb,
	local_version bigint NOT NULL,
	remote_version bigint NOT NULL,
	remote_updated_at timestamptz NOT NULL,
	local_received_at timestamptz NOT NULL,
	divergent_fields text[] NOT NULL DEFAULT '{}',
	status text NOT NULL,
	resolution text,
	resolved_payload jsonb,
	resolved_by text,
	detected_at timestamptz NOT NULL,
	resolved_at timestamptz
);

CREATE TABLE IF NOT EXISTS sync_entities (
	entity_type text NOT NULL,
	entity_id text NOT NULL,
	payload jsonb NOT NULL,
	version bigint NOT NULL,
	updated_at timestamptz NOT NULL,
	PRIMARY KEY (entity_type, entity_id)
);
`

// NewPostgresContainer starts a PostgreSQL container and applies the schema.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("caretrack_test"),
		tcpostgres.WithUsername("caretrack"),
		tcpostgres.WithPassword("caretrack"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to open postgres: %v", err)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to apply schema: %v", err)
	}

	pc := &PostgresContainer{Container: container, DSN: dsn, DB: db}
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(context.Background())
	})
	return pc
}

// TruncateTables empties the given tables between tests.
func (p *PostgresContainer) TruncateTables(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		return nil
	}
	_, err := p.DB.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s", strings.Join(tables, ", ")))
	return err
}
