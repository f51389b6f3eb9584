package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tenant db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tenant db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bots (
			app_address      TEXT PRIMARY KEY,
			app_private_data TEXT NOT NULL,
			webhook_secret   TEXT NOT NULL,
			channel_ids      TEXT NOT NULL DEFAULT '[]',
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, address string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT app_address, app_private_data, webhook_secret, channel_ids, created_at, updated_at FROM bots WHERE app_address = ?", address,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) error {
	channels, err := json.Marshal(channelsOrEmpty(rec.ChannelIDs))
	if err != nil {
		return fmt.Errorf("marshal channel ids: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bots (app_address, app_private_data, webhook_secret, channel_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(app_address) DO UPDATE SET
			app_private_data = excluded.app_private_data,
			webhook_secret   = excluded.webhook_secret,
			channel_ids      = excluded.channel_ids,
			updated_at       = excluded.updated_at
	`, rec.Address, rec.AppPrivateData, rec.WebhookSecret, string(channels), now, now)
	return err
}

func (s *SQLiteStore) UpdatePartial(ctx context.Context, address string, patch Patch) error {
	existing, err := s.Get(ctx, address)
	if err == ErrNotFound {
		// Callers confirm existence before patching.
		return nil
	}
	if err != nil {
		return err
	}
	if patch.AppPrivateData != nil {
		existing.AppPrivateData = *patch.AppPrivateData
	}
	if patch.WebhookSecret != nil {
		existing.WebhookSecret = *patch.WebhookSecret
	}
	if patch.ChannelIDs != nil {
		existing.ChannelIDs = *patch.ChannelIDs
	}
	channels, err := json.Marshal(channelsOrEmpty(existing.ChannelIDs))
	if err != nil {
		return fmt.Errorf("marshal channel ids: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		UPDATE bots SET app_private_data = ?, webhook_secret = ?, channel_ids = ?, updated_at = ?
		WHERE app_address = ?
	`, existing.AppPrivateData, existing.WebhookSecret, string(channels), now, address)
	return err
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT app_address, app_private_data, webhook_secret, channel_ids, created_at, updated_at FROM bots ORDER BY created_at",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var channelsStr, createdStr, updatedStr string
	if err := row.Scan(&rec.Address, &rec.AppPrivateData, &rec.WebhookSecret, &channelsStr, &createdStr, &updatedStr); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(channelsStr), &rec.ChannelIDs); err != nil {
		return Record{}, fmt.Errorf("unmarshal channel ids: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return rec, nil
}

func channelsOrEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
