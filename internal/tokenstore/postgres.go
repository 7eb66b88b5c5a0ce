package tokenstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"github.com/sjifire/mcp-gateway/internal/identity"
)

// PostgresBackend stores records as JSONB documents keyed by
// (kind, id). Postgres has no native TTL; expiry is enforced on the
// read path and expired rows are swept opportunistically on writes.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend opens the database, tunes the pool from the
// environment, and ensures the schema exists.
func NewPostgresBackend(connString string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(parseEnvInt("OAUTH_DB_MAX_OPEN_CONNS", 5))
	db.SetMaxIdleConns(parseEnvInt("OAUTH_DB_MAX_IDLE_CONNS", 2))
	db.SetConnMaxLifetime(parseEnvDuration("OAUTH_DB_CONN_MAX_LIFETIME", 5*time.Minute))

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	backend := &PostgresBackend{db: db}
	if err := backend.initSchema(); err != nil {
		return nil, err
	}
	return backend, nil
}

func (p *PostgresBackend) Get(ctx context.Context, kind Kind, id string) (*Record, error) {
	query := `
		SELECT doc
		FROM oauth_records
		WHERE kind = $1 AND id = $2
	`
	var doc []byte
	err := p.db.QueryRowContext(ctx, query, string(kind), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalRecord(doc)
}

func (p *PostgresBackend) Set(ctx context.Context, rec *Record, _ time.Duration) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO oauth_records (kind, id, client_id, expires_at, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (kind, id)
		DO UPDATE SET
			client_id = EXCLUDED.client_id,
			expires_at = EXCLUDED.expires_at,
			doc = EXCLUDED.doc
	`
	if _, err := p.db.ExecContext(ctx, query, string(rec.Kind), rec.ID, rec.ClientID, rec.ExpiresAt, doc); err != nil {
		return err
	}

	// Sweep rows whose expiry has long passed; cheap substitute for a
	// native TTL, done off the read path.
	_, _ = p.db.ExecContext(ctx,
		`DELETE FROM oauth_records WHERE expires_at > 0 AND expires_at < $1`,
		time.Now().Add(-time.Hour).Unix())

	return nil
}

func (p *PostgresBackend) Delete(ctx context.Context, kind Kind, id string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM oauth_records WHERE kind = $1 AND id = $2`,
		string(kind), id)
	return err
}

// Consume reads and deletes the record in one transaction so that two
// racing consumers observe exactly one success.
func (p *PostgresBackend) Consume(ctx context.Context, kind Kind, id string) (*Record, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var doc []byte
	query := `
		SELECT doc
		FROM oauth_records
		WHERE kind = $1 AND id = $2
		FOR UPDATE
	`
	err = tx.QueryRowContext(ctx, query, string(kind), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM oauth_records WHERE kind = $1 AND id = $2`,
		string(kind), id); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return unmarshalRecord(doc)
}

func (p *PostgresBackend) DeleteByClient(ctx context.Context, kind Kind, clientID string) (*identity.Identity, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var doc []byte
	query := `
		SELECT doc
		FROM oauth_records
		WHERE kind = $1 AND client_id = $2
		ORDER BY id
		LIMIT 1
		FOR UPDATE
	`
	scanErr := tx.QueryRowContext(ctx, query, string(kind), clientID).Scan(&doc)
	if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
		err = scanErr
		return nil, err
	}

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM oauth_records WHERE kind = $1 AND client_id = $2`,
		string(kind), clientID); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}

	if doc == nil {
		return nil, nil
	}
	rec, err := unmarshalRecord(doc)
	if err != nil {
		return nil, err
	}
	return rec.Identity, nil
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresBackend) Close() error {
	return p.db.Close()
}

func (p *PostgresBackend) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS oauth_records (
		kind VARCHAR(32) NOT NULL,
		id TEXT NOT NULL,
		client_id TEXT,
		expires_at BIGINT NOT NULL DEFAULT 0,
		doc JSONB NOT NULL,
		PRIMARY KEY (kind, id)
	);

	CREATE INDEX IF NOT EXISTS idx_oauth_records_client ON oauth_records(kind, client_id);
	CREATE INDEX IF NOT EXISTS idx_oauth_records_expires ON oauth_records(expires_at);
	`
	_, err := p.db.Exec(query)
	return err
}

func unmarshalRecord(doc []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func parseEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
