package mirror

import (
	"strings"
	"time"

	"github.com/iceweasel13/monplace/internal/grid"
)

// schemaStatements is shared by the Postgres and SQLite backends. Timestamps
// are unix nanoseconds; admitted_at is 0 when the cell holds no optimistic value.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS pixels (
		x INTEGER NOT NULL,
		y INTEGER NOT NULL,
		color_index INTEGER NOT NULL,
		updated_by TEXT NOT NULL,
		seq BIGINT NOT NULL DEFAULT 0,
		pending BOOLEAN NOT NULL DEFAULT FALSE,
		admitted_at BIGINT NOT NULL DEFAULT 0,
		confirmed_color_index INTEGER NOT NULL DEFAULT 0,
		confirmed_by TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (x, y)
	)`,
	`CREATE INDEX IF NOT EXISTS pixels_pending_idx ON pixels (admitted_at) WHERE pending`,
	`CREATE TABLE IF NOT EXISTS actors (
		address TEXT PRIMARY KEY,
		last_write_at BIGINT
	)`,
}

const cellColumns = `x, y, color_index, updated_by, seq, pending, admitted_at, confirmed_color_index, confirmed_by`

const (
	selectCellSQL     = `SELECT ` + cellColumns + ` FROM pixels WHERE x = $1 AND y = $2`
	selectSnapshotSQL = `SELECT ` + cellColumns + ` FROM pixels ORDER BY y, x`
	selectActorSQL    = `SELECT last_write_at FROM actors WHERE address = $1`
	ensureActorSQL    = `INSERT INTO actors (address, last_write_at) VALUES ($1, NULL) ON CONFLICT (address) DO NOTHING`
	updateActorSQL    = `UPDATE actors SET last_write_at = $2 WHERE address = $1`

	// Last sequence wins; duplicates and stale events match no row.
	applyEventSQL = `INSERT INTO pixels (` + cellColumns + `)
		VALUES ($1, $2, $3, $4, $5, FALSE, 0, $3, $4)
		ON CONFLICT (x, y) DO UPDATE SET
			color_index = excluded.color_index,
			updated_by = excluded.updated_by,
			seq = excluded.seq,
			pending = FALSE,
			admitted_at = 0,
			confirmed_color_index = excluded.color_index,
			confirmed_by = excluded.updated_by
		WHERE pixels.seq < excluded.seq
		RETURNING ` + cellColumns

	// A later pending admission on the same cell is kept.
	applyOptimisticSQL = `INSERT INTO pixels (` + cellColumns + `)
		VALUES ($1, $2, $3, $4, 0, TRUE, $5, 0, '')
		ON CONFLICT (x, y) DO UPDATE SET
			color_index = excluded.color_index,
			updated_by = excluded.updated_by,
			pending = TRUE,
			admitted_at = excluded.admitted_at
		WHERE NOT (pixels.pending AND pixels.admitted_at > excluded.admitted_at)
		RETURNING ` + cellColumns

	deleteExpiredSQL = `DELETE FROM pixels WHERE pending AND admitted_at < $1 AND seq = 0 RETURNING x, y`
	revertExpiredSQL = `UPDATE pixels SET
			color_index = confirmed_color_index,
			updated_by = confirmed_by,
			pending = FALSE,
			admitted_at = 0
		WHERE pending AND admitted_at < $1
		RETURNING ` + cellColumns
)

// sqliteQuery rewrites $n placeholders into SQLite's ?n form.
func sqliteQuery(q string) string {
	return strings.ReplaceAll(q, "$", "?")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCell(row rowScanner) (grid.Cell, error) {
	var (
		c          grid.Cell
		seq        int64
		admittedAt int64
	)
	if err := row.Scan(&c.X, &c.Y, &c.ColorIndex, &c.UpdatedBy, &seq, &c.Pending, &admittedAt,
		&c.ConfirmedColorIndex, &c.ConfirmedBy); err != nil {
		return grid.Cell{}, err
	}
	c.Seq = uint64(seq)
	c.AdmittedAt = fromNanos(admittedAt)
	return c, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func optimisticArgs(w Optimistic) []any {
	return []any{w.X, w.Y, w.ColorIndex, w.Actor, toNanos(w.At)}
}

func eventArgs(ev grid.PaintEvent) []any {
	return []any{ev.X, ev.Y, ev.ColorIndex, ev.PaintedBy, int64(ev.SequenceID)}
}
