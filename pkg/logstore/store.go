// Package logstore is the durable, Postgres-backed home for entries and the
// logs they belong to.
package logstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/banyannet/bamboo-node/pkg/entry"
)

// ErrEntryNotFound is returned when a lookup finds no matching entry.
var ErrEntryNotFound = errors.New("logstore: entry not found")

// Config holds the connection and migration settings for a Store.
type Config struct {
	ConnectionString string
	MaxConnections   int32
	ConnectTimeout   time.Duration
	MigrationsPath   string
}

// Store provides Postgres-backed persistence for entries and logs.
type Store struct {
	pool   *pgxpool.Pool
	config *Config
}

// Open connects to the configured database and verifies connectivity.
func Open(ctx context.Context, config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("logstore: config is required")
	}
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("logstore: connection string is required")
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.MigrationsPath == "" {
		config.MigrationsPath = "file://pkg/logstore/migrations"
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("logstore: parse connection string: %w", err)
	}
	poolConfig.MaxConns = config.MaxConnections
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	timeoutCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("logstore: create connection pool: %w", err)
	}
	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("logstore: ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// MigrateToLatest applies every pending migration under the store's
// configured migrations path.
func (s *Store) MigrateToLatest(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("logstore: acquire connection for migration: %w", err)
	}
	defer conn.Release()

	migrationDB, err := sql.Open("postgres", s.config.ConnectionString)
	if err != nil {
		return fmt.Errorf("logstore: open migration connection: %w", err)
	}
	defer migrationDB.Close()

	driver, err := postgres.WithInstance(migrationDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("logstore: create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(s.config.MigrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("logstore: create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("logstore: apply migrations: %w", err)
	}
	return nil
}

// InsertEntry persists a signed entry. It fails if an entry already exists
// at the same (author, log id, seq num) — the append-only log's own
// duplicate-publish guard, one layer below pipeline's in-memory dedup.
func (s *Store) InsertEntry(ctx context.Context, e entry.Signed) error {
	var backlink, skiplink []byte
	if e.Entry.Backlink != nil {
		b := e.Entry.Backlink[:]
		backlink = b
	}
	if e.Entry.Skiplink != nil {
		b := e.Entry.Skiplink[:]
		skiplink = b
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO entries (
			author, log_id, seq_num, backlink, skiplink,
			payload_hash, payload, signature, entry_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.Entry.Author.String(),
		e.Entry.LogID,
		e.Entry.SeqNum,
		backlink,
		skiplink,
		e.Entry.PayloadHash[:],
		e.Entry.Payload,
		e.Signature,
		e.Hash[:],
	)
	if err != nil {
		return fmt.Errorf("logstore: insert entry: %w", err)
	}
	return nil
}

// EntryAtSeqNum returns the entry for author/logID at the given sequence
// number, or ErrEntryNotFound.
func (s *Store) EntryAtSeqNum(ctx context.Context, author string, logID, seqNum uint64) (entry.Signed, error) {
	return s.scanEntry(ctx, `
		SELECT author, log_id, seq_num, backlink, skiplink, payload_hash,
			payload, signature, entry_hash
		FROM entries
		WHERE author = $1 AND log_id = $2 AND seq_num = $3`,
		author, logID, seqNum)
}

// LatestEntry returns the highest-seq-num entry for author/logID, or
// ErrEntryNotFound if the log is empty.
func (s *Store) LatestEntry(ctx context.Context, author string, logID uint64) (entry.Signed, error) {
	return s.scanEntry(ctx, `
		SELECT author, log_id, seq_num, backlink, skiplink, payload_hash,
			payload, signature, entry_hash
		FROM entries
		WHERE author = $1 AND log_id = $2
		ORDER BY seq_num DESC
		LIMIT 1`,
		author, logID)
}

func (s *Store) scanEntry(ctx context.Context, query string, args ...interface{}) (entry.Signed, error) {
	row := s.pool.QueryRow(ctx, query, args...)

	var (
		authorStr               string
		logID, seqNum           uint64
		backlink, skiplink      []byte
		payloadHash             []byte
		payload, sig, entryHash []byte
	)

	err := row.Scan(&authorStr, &logID, &seqNum, &backlink, &skiplink, &payloadHash, &payload, &sig, &entryHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entry.Signed{}, ErrEntryNotFound
		}
		return entry.Signed{}, fmt.Errorf("logstore: scan entry: %w", err)
	}

	author, err := decodePeerID(authorStr)
	if err != nil {
		return entry.Signed{}, fmt.Errorf("logstore: decode author: %w", err)
	}

	e := entry.Entry{
		Author:  author,
		LogID:   logID,
		SeqNum:  seqNum,
		Payload: payload,
	}
	copy(e.PayloadHash[:], payloadHash)
	if backlink != nil {
		var h entry.Hash
		copy(h[:], backlink)
		e.Backlink = &h
	}
	if skiplink != nil {
		var h entry.Hash
		copy(h[:], skiplink)
		e.Skiplink = &h
	}

	var hash entry.Hash
	copy(hash[:], entryHash)

	return entry.Signed{Entry: e, Signature: sig, Hash: hash}, nil
}

// FindOrAllocateLogID returns the log id an author should use for the named
// topic, allocating a fresh one (one greater than the author's highest
// existing log id) the first time that topic is seen for that author.
// topic is an opaque caller-chosen string (a document id, a stream
// name, ...).
func (s *Store) FindOrAllocateLogID(ctx context.Context, author string, topic string) (uint64, error) {
	var logID uint64
	err := s.pool.QueryRow(ctx, `
		SELECT log_id FROM logs WHERE author = $1 AND topic = $2`,
		author, topic).Scan(&logID)
	if err == nil {
		return logID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("logstore: lookup log id: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("logstore: begin allocate log id: %w", err)
	}
	defer tx.Rollback(ctx)

	var maxLogID sql.NullInt64
	if err := tx.QueryRow(ctx, `SELECT MAX(log_id) FROM logs WHERE author = $1`, author).Scan(&maxLogID); err != nil {
		return 0, fmt.Errorf("logstore: find max log id: %w", err)
	}
	logID = uint64(maxLogID.Int64) + 1

	if _, err := tx.Exec(ctx, `
		INSERT INTO logs (author, log_id, topic) VALUES ($1, $2, $3)`,
		author, logID, topic,
	); err != nil {
		return 0, fmt.Errorf("logstore: allocate log id: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("logstore: commit allocate log id: %w", err)
	}
	return logID, nil
}
