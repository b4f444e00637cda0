package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/your-org/facelock/internal/identity"
)

// SQLiteBackend stores identities as rows in a local SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS identities (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		label      TEXT NOT NULL UNIQUE,
		embedding  BLOB NOT NULL,
		image_key  TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := b.db.Exec(schema)
	return err
}

func (b *SQLiteBackend) Load(ctx context.Context) ([]identity.Identity, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT label, embedding, image_key, created_at, updated_at FROM identities ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []identity.Identity
	for rows.Next() {
		var (
			id                   identity.Identity
			blob                 []byte
			createdAt, updatedAt string
		)
		if err := rows.Scan(&id.Label, &blob, &id.ImageKey, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		if id.Embedding, err = decodeEmbedding(blob); err != nil {
			return nil, fmt.Errorf("identity %q: %w", id.Label, err)
		}
		id.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		id.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, id)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Commit(ctx context.Context, change identity.Change, _ []identity.Identity) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	id := change.Identity
	var res sql.Result
	switch change.Op {
	case identity.OpInsert:
		res, err = tx.ExecContext(ctx,
			`INSERT INTO identities (label, embedding, image_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			id.Label, encodeEmbedding(id.Embedding), id.ImageKey,
			id.CreatedAt.UTC().Format(time.RFC3339Nano), id.UpdatedAt.UTC().Format(time.RFC3339Nano))
	case identity.OpRename:
		res, err = tx.ExecContext(ctx,
			`UPDATE identities SET label = ?, image_key = ?, updated_at = ? WHERE label = ?`,
			change.NewLabel, id.ImageKey, id.UpdatedAt.UTC().Format(time.RFC3339Nano), change.Label)
	case identity.OpRemove:
		res, err = tx.ExecContext(ctx, `DELETE FROM identities WHERE label = ?`, change.Label)
	default:
		return fmt.Errorf("unknown op %q", change.Op)
	}
	if err != nil {
		return fmt.Errorf("%s %q: %w", change.Op, change.Label, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%s %q: %d rows affected", change.Op, change.Label, n)
	}
	return tx.Commit()
}

func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding blob of %d bytes", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}
