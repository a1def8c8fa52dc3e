package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/iceweasel13/monplace/internal/grid"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is a single-node mirror. SQLite allows one writer, so the pool is
// capped at one connection and every admission runs in its own BEGIN IMMEDIATE
// transaction, which also serializes processes sharing the file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database file at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "monplace.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	// Immediate transactions take the write lock at BEGIN, so an admission
	// reads the actor record only once no other writer can change it.
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute ddl: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Cell(ctx context.Context, c grid.Coord) (grid.Cell, bool, error) {
	cell, err := scanCell(s.db.QueryRowContext(ctx, sqliteQuery(selectCellSQL), c.X, c.Y))
	if errors.Is(err, sql.ErrNoRows) {
		return grid.Cell{}, false, nil
	}
	if err != nil {
		return grid.Cell{}, false, fmt.Errorf("select cell: %w", err)
	}
	return cell, true, nil
}

func (s *SQLiteStore) Snapshot(ctx context.Context) ([]grid.Cell, error) {
	rows, err := s.db.QueryContext(ctx, selectSnapshotSQL)
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []grid.Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LastWrite(ctx context.Context, actor string) (time.Time, bool, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, sqliteQuery(selectActorSQL), actor).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !last.Valid) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("select actor: %w", err)
	}
	return fromNanos(last.Int64), true, nil
}

func (s *SQLiteStore) Admit(ctx context.Context, w Optimistic, check CheckFunc) (grid.Cell, error) {
	if err := validWrite(w.Coord, w.ColorIndex); err != nil {
		return grid.Cell{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return grid.Cell{}, fmt.Errorf("begin admission: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last sql.NullInt64
	err = tx.QueryRowContext(ctx, sqliteQuery(selectActorSQL), w.Actor).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return grid.Cell{}, fmt.Errorf("select actor: %w", err)
	}
	lastAt, seen := time.Time{}, last.Valid
	if seen {
		lastAt = fromNanos(last.Int64)
	}
	if err := check(lastAt, seen); err != nil {
		return grid.Cell{}, err
	}
	if _, err := tx.ExecContext(ctx, sqliteQuery(ensureActorSQL), w.Actor); err != nil {
		return grid.Cell{}, fmt.Errorf("ensure actor: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqliteQuery(updateActorSQL), w.Actor, toNanos(laterOf(lastAt, w.At))); err != nil {
		return grid.Cell{}, fmt.Errorf("update actor: %w", err)
	}

	cell, err := scanCell(tx.QueryRowContext(ctx, sqliteQuery(applyOptimisticSQL), optimisticArgs(w)...))
	if errors.Is(err, sql.ErrNoRows) {
		cell, err = scanCell(tx.QueryRowContext(ctx, sqliteQuery(selectCellSQL), w.X, w.Y))
	}
	if err != nil {
		return grid.Cell{}, fmt.Errorf("write optimistic cell: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return grid.Cell{}, fmt.Errorf("commit admission: %w", err)
	}
	return cell, nil
}

func (s *SQLiteStore) ApplyEvent(ctx context.Context, ev grid.PaintEvent) (grid.Cell, bool, error) {
	if err := validWrite(ev.Coord, ev.ColorIndex); err != nil {
		return grid.Cell{}, false, err
	}
	cell, err := scanCell(s.db.QueryRowContext(ctx, sqliteQuery(applyEventSQL), eventArgs(ev)...))
	if errors.Is(err, sql.ErrNoRows) {
		return grid.Cell{}, false, nil
	}
	if err != nil {
		return grid.Cell{}, false, fmt.Errorf("apply event: %w", err)
	}
	return cell, true, nil
}

func (s *SQLiteStore) ExpireOptimistic(ctx context.Context, cutoff time.Time) ([]grid.Change, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin expiry: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var changes []grid.Change
	deleted, err := tx.QueryContext(ctx, sqliteQuery(deleteExpiredSQL), cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("delete expired: %w", err)
	}
	for deleted.Next() {
		var c grid.Coord
		if err := deleted.Scan(&c.X, &c.Y); err != nil {
			_ = deleted.Close()
			return nil, fmt.Errorf("scan expired: %w", err)
		}
		changes = append(changes, clearedChange(c))
	}
	err = deleted.Err()
	_ = deleted.Close()
	if err != nil {
		return nil, fmt.Errorf("delete expired: %w", err)
	}

	reverted, err := tx.QueryContext(ctx, sqliteQuery(revertExpiredSQL), cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("revert expired: %w", err)
	}
	for reverted.Next() {
		c, err := scanCell(reverted)
		if err != nil {
			_ = reverted.Close()
			return nil, fmt.Errorf("scan reverted: %w", err)
		}
		changes = append(changes, grid.ChangeOf(c))
	}
	err = reverted.Err()
	_ = reverted.Close()
	if err != nil {
		return nil, fmt.Errorf("revert expired: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expiry: %w", err)
	}
	return changes, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
