package storage

// This file implements the transactional dump loader. A whole dump file is
// written inside one transaction; rows are inserted one at a time with bound
// parameters. Every CheckpointEvery rows a savepoint is taken, and once
// FlushAfter savepoints are pending the oldest one is released, which
// releases the whole group. Savepoints only bound the bookkeeping the server
// keeps for the open transaction; nothing rolls back to them.
//
// Logging: one summary line per table, plus (Verbose) one progress line per
// savepoint flush with running totals and rows/sec since the previous flush.

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Skipper-116/cdr-automated/internal/metrics"
)

// DefaultCheckpointBatch is the default savepoint interval and group size.
const DefaultCheckpointBatch = 1000

// Loader writes parsed tables into a destination store.
type Loader struct {
	// CheckpointEvery is the number of rows between savepoints.
	CheckpointEvery int
	// FlushAfter is the number of pending savepoints that triggers a release.
	FlushAfter int
	// Verbose logs every savepoint flush.
	Verbose bool
	// Job labels metrics.
	Job string
}

// TableRows is one table handed to LoadDump.
type TableRows struct {
	Name string
	Rows [][]string
}

// TableStats summarizes one LoadTable call.
type TableStats struct {
	Table       string
	Rows        int
	Checkpoints int
	Flushes     int
	Elapsed     time.Duration
}

// LoadStats summarizes one LoadDump call.
type LoadStats struct {
	Tables      []TableStats
	Rows        int
	Checkpoints int
	Elapsed     time.Duration
}

func (l *Loader) every() int {
	if l.CheckpointEvery <= 0 {
		return DefaultCheckpointBatch
	}
	return l.CheckpointEvery
}

func (l *Loader) flushAfter() int {
	if l.FlushAfter <= 0 {
		return DefaultCheckpointBatch
	}
	return l.FlushAfter
}

// ScopeRow returns row with site prepended. row itself is not modified.
func ScopeRow(row []string, site string) []string {
	out := make([]string, 0, len(row)+1)
	out = append(out, site)
	return append(out, row...)
}

// rowArgs converts a row into bind arguments, prepending site when scoped.
// buf is reused between rows.
func rowArgs(buf []any, row []string, site string, scoped bool) []any {
	buf = buf[:0]
	if scoped {
		buf = append(buf, site)
	}
	for _, v := range row {
		buf = append(buf, v)
	}
	return buf
}

// LoadTable inserts rows into table inside tx. When scoped, every row is
// written with site as an extra leading value. All savepoints taken here are
// released before it returns successfully.
//
// On error the transaction is left open; the caller rolls it back.
func (l *Loader) LoadTable(
	ctx context.Context,
	tx Tx,
	d Dialect,
	table string,
	rows [][]string,
	site string,
	scoped bool,
) (TableStats, error) {
	var (
		stats   = TableStats{Table: table}
		every   = l.every()
		group   = l.flushAfter()
		start   = time.Now()
		pending []string
		seq     int
		stmts   = map[int]string{}
		args    []any

		lastFlushTS = start
		lastRows    int
	)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if d.CanRelease() {
			if err := tx.Exec(ctx, d.Release(pending[0])); err != nil {
				return &WriteError{Table: table, Row: stats.Rows, Op: "release", Err: err}
			}
		}
		pending = pending[:0]
		stats.Flushes++

		if l.Verbose {
			now := time.Now()
			sinceLast := now.Sub(lastFlushTS)
			rps := float64(0)
			if sinceLast > 0 {
				rps = float64(stats.Rows-lastRows) / sinceLast.Seconds()
			}
			log.Printf(
				"loader: table=%s flush #%d: rps=%.0f total_inserted=%s elapsed=%s since_last=%s",
				table,
				stats.Flushes,
				rps,
				humanize.Comma(int64(stats.Rows)),
				now.Sub(start).Truncate(time.Millisecond),
				sinceLast.Truncate(time.Millisecond),
			)
			lastFlushTS = now
			lastRows = stats.Rows
		}
		return nil
	}

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		args = rowArgs(args, row, site, scoped)
		q, ok := stmts[len(args)]
		if !ok {
			q = d.InsertSQL(table, len(args))
			stmts[len(args)] = q
		}
		if err := tx.Exec(ctx, q, args...); err != nil {
			return stats, &WriteError{Table: table, Row: i + 1, Op: "insert", Err: err}
		}
		stats.Rows++

		if stats.Rows%every != 0 {
			continue
		}
		seq++
		name := fmt.Sprintf("cp_%d", seq)
		if err := tx.Exec(ctx, d.Savepoint(name)); err != nil {
			return stats, &WriteError{Table: table, Row: i + 1, Op: "savepoint", Err: err}
		}
		stats.Checkpoints++
		pending = append(pending, name)
		if len(pending) >= group {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}

	stats.Elapsed = time.Since(start)
	return stats, nil
}

// LoadDump writes every table in order inside a single transaction on repo
// and commits only when all of them succeeded. Any failure rolls the whole
// transaction back, so a file is loaded completely or not at all.
//
// scoped names the tenant-scoped tables; their rows get site prepended.
func (l *Loader) LoadDump(
	ctx context.Context,
	repo Repository,
	tables []TableRows,
	scoped map[string]bool,
	site string,
) (LoadStats, error) {
	start := time.Now()
	d := repo.Dialect()

	var stats LoadStats
	tx, err := repo.Begin(ctx)
	if err != nil {
		var ce *ConnectionError
		if errors.As(err, &ce) {
			return stats, err
		}
		return stats, &ConnectionError{Kind: d.Name, Err: err}
	}

	abort := func(cause error) (LoadStats, error) {
		// Roll back even when ctx is already canceled.
		if rerr := tx.Rollback(context.WithoutCancel(ctx)); rerr != nil {
			log.Printf("loader: rollback failed err=%v cause=%v", rerr, cause)
		}
		metrics.RecordCheckpoints(l.Job, int64(stats.Checkpoints))
		stats.Elapsed = time.Since(start)
		return stats, cause
	}

	for _, t := range tables {
		ts, err := l.LoadTable(ctx, tx, d, t.Name, t.Rows, site, scoped[t.Name])
		stats.Tables = append(stats.Tables, ts)
		stats.Rows += ts.Rows
		stats.Checkpoints += ts.Checkpoints
		if err != nil {
			log.Printf("loader: table=%s failed after rows=%d err=%v", t.Name, ts.Rows, err)
			return abort(err)
		}
		rps := float64(0)
		if ts.Elapsed > 0 {
			rps = float64(ts.Rows) / ts.Elapsed.Seconds()
		}
		log.Printf("loader: table=%s rows=%s scoped=%t checkpoints=%d rps=%.0f elapsed=%s",
			t.Name, humanize.Comma(int64(ts.Rows)), scoped[t.Name], ts.Checkpoints, rps,
			ts.Elapsed.Truncate(time.Millisecond))
	}

	if err := tx.Commit(ctx); err != nil {
		return abort(&WriteError{Op: "commit", Err: err})
	}

	stats.Elapsed = time.Since(start)
	metrics.RecordRow(l.Job, "loaded", int64(stats.Rows))
	metrics.RecordCheckpoints(l.Job, int64(stats.Checkpoints))
	return stats, nil
}
