package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iceweasel13/monplace/internal/grid"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore is the production mirror. Per-actor admission is serialized by
// a row lock on the actor record, so different actors proceed in parallel.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, verifies the connection and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore applies the schema on an existing pool. The store takes
// ownership of the pool and closes it on Close.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("execute ddl: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Cell(ctx context.Context, c grid.Coord) (grid.Cell, bool, error) {
	cell, err := scanCell(s.pool.QueryRow(ctx, selectCellSQL, c.X, c.Y))
	if errors.Is(err, pgx.ErrNoRows) {
		return grid.Cell{}, false, nil
	}
	if err != nil {
		return grid.Cell{}, false, fmt.Errorf("select cell: %w", err)
	}
	return cell, true, nil
}

func (s *PostgresStore) Snapshot(ctx context.Context) ([]grid.Cell, error) {
	rows, err := s.pool.Query(ctx, selectSnapshotSQL)
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	defer rows.Close()
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

func (s *PostgresStore) LastWrite(ctx context.Context, actor string) (time.Time, bool, error) {
	var last *int64
	err := s.pool.QueryRow(ctx, selectActorSQL, actor).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("select actor: %w", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return fromNanos(*last), true, nil
}

func (s *PostgresStore) Admit(ctx context.Context, w Optimistic, check CheckFunc) (grid.Cell, error) {
	if err := validWrite(w.Coord, w.ColorIndex); err != nil {
		return grid.Cell{}, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return grid.Cell{}, fmt.Errorf("begin admission: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The placeholder row gives first-time actors something to lock.
	if _, err := tx.Exec(ctx, ensureActorSQL, w.Actor); err != nil {
		return grid.Cell{}, fmt.Errorf("ensure actor: %w", err)
	}
	var last *int64
	if err := tx.QueryRow(ctx, selectActorSQL+` FOR UPDATE`, w.Actor).Scan(&last); err != nil {
		return grid.Cell{}, fmt.Errorf("lock actor: %w", err)
	}
	lastAt, seen := time.Time{}, last != nil
	if seen {
		lastAt = fromNanos(*last)
	}
	if err := check(lastAt, seen); err != nil {
		return grid.Cell{}, err
	}
	if _, err := tx.Exec(ctx, updateActorSQL, w.Actor, toNanos(laterOf(lastAt, w.At))); err != nil {
		return grid.Cell{}, fmt.Errorf("update actor: %w", err)
	}

	cell, err := scanCell(tx.QueryRow(ctx, applyOptimisticSQL, optimisticArgs(w)...))
	if errors.Is(err, pgx.ErrNoRows) {
		cell, err = scanCell(tx.QueryRow(ctx, selectCellSQL, w.X, w.Y))
	}
	if err != nil {
		return grid.Cell{}, fmt.Errorf("write optimistic cell: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return grid.Cell{}, fmt.Errorf("commit admission: %w", err)
	}
	return cell, nil
}

func (s *PostgresStore) ApplyEvent(ctx context.Context, ev grid.PaintEvent) (grid.Cell, bool, error) {
	if err := validWrite(ev.Coord, ev.ColorIndex); err != nil {
		return grid.Cell{}, false, err
	}
	cell, err := scanCell(s.pool.QueryRow(ctx, applyEventSQL, eventArgs(ev)...))
	if errors.Is(err, pgx.ErrNoRows) {
		return grid.Cell{}, false, nil
	}
	if err != nil {
		return grid.Cell{}, false, fmt.Errorf("apply event: %w", err)
	}
	return cell, true, nil
}

func (s *PostgresStore) ExpireOptimistic(ctx context.Context, cutoff time.Time) ([]grid.Change, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin expiry: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var changes []grid.Change
	rows, err := tx.Query(ctx, deleteExpiredSQL, cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("delete expired: %w", err)
	}
	for rows.Next() {
		var c grid.Coord
		if err := rows.Scan(&c.X, &c.Y); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired: %w", err)
		}
		changes = append(changes, clearedChange(c))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delete expired: %w", err)
	}

	rows, err = tx.Query(ctx, revertExpiredSQL, cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("revert expired: %w", err)
	}
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan reverted: %w", err)
		}
		changes = append(changes, grid.ChangeOf(c))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("revert expired: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit expiry: %w", err)
	}
	return changes, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
