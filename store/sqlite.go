package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-backed implementation of DocumentStore. Steps and
// snapshots are keyed by (doc_id, version); SubmitSteps runs inside an
// immediate transaction that re-reads the latest version and guards the bump
// with a conditional update, giving the per-document compare-and-swap.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral store. Transactions begin
// with BEGIN IMMEDIATE so concurrent submitters serialize at the start of
// SubmitSteps instead of failing mid-transaction.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT NOT NULL PRIMARY KEY,
			latest_version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			doc_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			client_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (doc_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			doc_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			content TEXT NOT NULL,
			PRIMARY KEY (doc_id, version)
		)`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, id, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id, latest_version, created_at, updated_at) VALUES (?, 0, ?, ?)`,
		id, now, now); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create %q: %w", id, ErrExists)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (doc_id, version, content) VALUES (?, 0, ?)`,
		id, content); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	// go-sqlite3 reports constraint failures in the error text; matching on
	// it avoids depending on the driver's error type directly.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

func (s *SQLiteStore) LatestVersion(ctx context.Context, id string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT latest_version FROM documents WHERE id = ?`, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("latest version of %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *SQLiteStore) GetSteps(ctx context.Context, id string, sinceVersion int) ([]Step, int, error) {
	// One statement reads the latest version and the retained steps, so a
	// commit landing between two separate queries cannot fake a history gap.
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.latest_version, s.version, s.client_id, s.payload
		 FROM documents d
		 LEFT JOIN steps s ON s.doc_id = d.id AND s.version > ?
		 WHERE d.id = ?
		 ORDER BY s.version ASC`,
		sinceVersion, id)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	latest := -1
	var steps []Step
	for rows.Next() {
		var version, stepVersion sql.NullInt64
		var clientID, payload sql.NullString
		if err := rows.Scan(&version, &stepVersion, &clientID, &payload); err != nil {
			return nil, 0, err
		}
		latest = int(version.Int64)
		if stepVersion.Valid {
			steps = append(steps, Step{
				Version:  int(stepVersion.Int64),
				ClientID: clientID.String,
				Payload:  payload.String,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if latest < 0 {
		return nil, 0, fmt.Errorf("get steps of %q: %w", id, ErrNotFound)
	}
	if sinceVersion < 0 || sinceVersion > latest {
		return nil, 0, fmt.Errorf("get steps of %q: invalid version %d (latest %d)", id, sinceVersion, latest)
	}
	// A gap between the requested range and what is retained means the
	// history was compacted; the caller must reconstruct from a snapshot.
	if len(steps) != latest-sinceVersion || (len(steps) > 0 && steps[0].Version != sinceVersion+1) {
		return nil, 0, fmt.Errorf("get steps of %q: %w", id, ErrHistoryPruned)
	}
	return steps, latest, nil
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string, atVersion int) (*Snapshot, error) {
	if _, err := s.LatestVersion(ctx, id); err != nil {
		return nil, err
	}

	query := `SELECT version, content FROM snapshots WHERE doc_id = ? ORDER BY version DESC LIMIT 1`
	args := []interface{}{id}
	if atVersion >= 0 {
		query = `SELECT version, content FROM snapshots WHERE doc_id = ? AND version <= ? ORDER BY version DESC LIMIT 1`
		args = append(args, atVersion)
	}

	var snap Snapshot
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&snap.Version, &snap.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SQLiteStore) SubmitSteps(ctx context.Context, id, clientID string, baseVersion int, payloads []string) (*SubmitResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var latest int
	err = tx.QueryRowContext(ctx,
		`SELECT latest_version FROM documents WHERE id = ?`, id).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submit steps to %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if baseVersion < 0 || baseVersion > latest {
		return nil, fmt.Errorf("submit steps to %q: invalid base version %d (latest %d)", id, baseVersion, latest)
	}

	if baseVersion != latest {
		rows, err := tx.QueryContext(ctx,
			`SELECT version, client_id, payload FROM steps WHERE doc_id = ? AND version > ? ORDER BY version ASC`,
			id, baseVersion)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var missed []Step
		for rows.Next() {
			var st Step
			if err := rows.Scan(&st.Version, &st.ClientID, &st.Payload); err != nil {
				return nil, err
			}
			missed = append(missed, st)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if len(missed) != latest-baseVersion {
			return nil, fmt.Errorf("submit steps to %q: %w", id, ErrHistoryPruned)
		}
		return &SubmitResult{Status: StatusNeedsRebase, Steps: missed}, nil
	}

	for i, payload := range payloads {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO steps (doc_id, version, client_id, payload) VALUES (?, ?, ?, ?)`,
			id, baseVersion+i+1, clientID, payload); err != nil {
			return nil, err
		}
	}
	// Conditional bump: if another writer slipped in, zero rows change, the
	// transaction rolls back, and the loser is told to rebase.
	res, err := tx.ExecContext(ctx,
		`UPDATE documents SET latest_version = ?, updated_at = ? WHERE id = ? AND latest_version = ?`,
		baseVersion+len(payloads), time.Now(), id, baseVersion)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		tx.Rollback()
		missed, _, err := s.GetSteps(ctx, id, baseVersion)
		if err != nil {
			return nil, fmt.Errorf("submit steps to %q: %w", id, err)
		}
		return &SubmitResult{Status: StatusNeedsRebase, Steps: missed}, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &SubmitResult{Status: StatusSynced}, nil
}

func (s *SQLiteStore) SubmitSnapshot(ctx context.Context, id string, version int, content string, pruneOlder bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var latest int
	err = tx.QueryRowContext(ctx,
		`SELECT latest_version FROM documents WHERE id = ?`, id).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("submit snapshot to %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if version > latest {
		return fmt.Errorf("submit snapshot to %q: version %d ahead of latest %d", id, version, latest)
	}

	var newest sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM snapshots WHERE doc_id = ?`, id).Scan(&newest); err != nil {
		return err
	}
	if newest.Valid && int(newest.Int64) >= version {
		return fmt.Errorf("submit snapshot to %q at v%d: %w", id, version, ErrStaleSnapshot)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (doc_id, version, content) VALUES (?, ?, ?)`,
		id, version, content); err != nil {
		return err
	}
	if pruneOlder {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM snapshots WHERE doc_id = ? AND version < ?`, id, version); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM steps WHERE doc_id = ? AND version <= ?`, id, version); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteSteps(ctx context.Context, id string, opts DeleteStepsOptions) error {
	if _, err := s.LatestVersion(ctx, id); err != nil {
		return err
	}

	query := `DELETE FROM steps WHERE doc_id = ?`
	args := []interface{}{id}
	if opts.BeforeVersion > 0 {
		query += ` AND version < ?`
		args = append(args, opts.BeforeVersion)
	}
	if opts.AfterVersion > 0 {
		query += ` AND version > ?`
		args = append(args, opts.AfterVersion)
	}
	if opts.NewerThanSnapshotOnly {
		query += ` AND version > (SELECT COALESCE(MAX(version), -1) FROM snapshots WHERE doc_id = ?)`
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLiteStore) DeleteSnapshots(ctx context.Context, id string, opts DeleteSnapshotsOptions) error {
	if _, err := s.LatestVersion(ctx, id); err != nil {
		return err
	}

	query := `DELETE FROM snapshots WHERE doc_id = ?`
	args := []interface{}{id}
	if opts.BeforeVersion > 0 {
		query += ` AND version < ?`
		args = append(args, opts.BeforeVersion)
	}
	if opts.AfterVersion > 0 {
		query += ` AND version > ?`
		args = append(args, opts.AfterVersion)
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("delete %q: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE doc_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE doc_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}
