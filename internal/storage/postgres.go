package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/facelock/internal/config"
	"github.com/your-org/facelock/internal/identity"
	"github.com/your-org/facelock/internal/session"
)

// PostgresStore is an identity backend and the shared active_session record
// other processes read.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS identities (
			seq        BIGSERIAL PRIMARY KEY,
			label      TEXT NOT NULL UNIQUE,
			embedding  vector NOT NULL,
			image_key  TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS active_session (
			session_id       TEXT PRIMARY KEY,
			status           TEXT NOT NULL,
			current_identity TEXT,
			confidence       TEXT NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		);`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// --- Identities ---

func (s *PostgresStore) Load(ctx context.Context) ([]identity.Identity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT label, embedding, image_key, created_at, updated_at FROM identities ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []identity.Identity
	for rows.Next() {
		var id identity.Identity
		var vec pgvector.Vector
		if err := rows.Scan(&id.Label, &vec, &id.ImageKey, &id.CreatedAt, &id.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		id.Embedding = vec.Slice()
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Commit(ctx context.Context, change identity.Change, _ []identity.Identity) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		id := change.Identity
		var query string
		var args []interface{}

		switch change.Op {
		case identity.OpInsert:
			query = `INSERT INTO identities (label, embedding, image_key, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`
			args = []interface{}{id.Label, pgvector.NewVector(id.Embedding), id.ImageKey, id.CreatedAt, id.UpdatedAt}
		case identity.OpRename:
			query = `UPDATE identities SET label = $1, image_key = $2, updated_at = $3 WHERE label = $4`
			args = []interface{}{change.NewLabel, id.ImageKey, id.UpdatedAt, change.Label}
		case identity.OpRemove:
			query = `DELETE FROM identities WHERE label = $1`
			args = []interface{}{change.Label}
		default:
			return fmt.Errorf("unknown op %q", change.Op)
		}

		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s %q: %w", change.Op, change.Label, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("%s %q: %d rows affected", change.Op, change.Label, tag.RowsAffected())
		}
		return nil
	})
}

// --- Active session ---

// Publish upserts the shared active_session row for u.SessionID.
func (s *PostgresStore) Publish(ctx context.Context, u session.Update) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO active_session (session_id, status, current_identity, confidence, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id) DO UPDATE
		 SET status = EXCLUDED.status,
		     current_identity = EXCLUDED.current_identity,
		     confidence = EXCLUDED.confidence,
		     updated_at = EXCLUDED.updated_at`,
		u.SessionID, string(u.Status), u.CurrentIdentity, string(u.Confidence), u.At)
	if err != nil {
		return fmt.Errorf("upsert active session: %w", err)
	}
	return nil
}
