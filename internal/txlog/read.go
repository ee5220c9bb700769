package txlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/roach88/txmon/internal/xa"
)

const selectColumns = `gtrid, bqual, format, pid, state, started, updated, deadline`

// Scan yields every row ordered by start time. Each call runs a fresh query,
// so the sequence can be restarted. The caller must not write to the log
// while iterating: the single connection is held by the open rows.
func (l *Log) Scan(ctx context.Context) iter.Seq2[Entry, error] {
	return l.query(ctx, `SELECT `+selectColumns+` FROM trans ORDER BY started, gtrid, bqual`)
}

// Expired yields rows still in StateBegin whose deadline is before now.
func (l *Log) Expired(ctx context.Context, now time.Time) iter.Seq2[Entry, error] {
	return l.query(ctx, `
		SELECT `+selectColumns+` FROM trans
		WHERE state = ? AND deadline IS NOT NULL AND deadline < ?
		ORDER BY deadline
	`, int(StateBegin), now.UnixMicro())
}

// Select returns the row for xid. The boolean is false when there is none.
func (l *Log) Select(ctx context.Context, xid xa.XID) (Entry, bool, error) {
	row := l.conn().QueryRowContext(ctx, `
		SELECT `+selectColumns+` FROM trans WHERE gtrid = ? AND bqual = ?
	`, nonNil(xid.GTRID), nonNil(xid.BQUAL))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("select %s: %w", xid, err)
	}
	return e, true, nil
}

// Count returns the number of rows.
func (l *Log) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM trans`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (l *Log) query(ctx context.Context, query string, args ...any) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		rows, err := l.conn().QueryContext(ctx, query, args...)
		if err != nil {
			yield(Entry{}, fmt.Errorf("scan log: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				yield(Entry{}, fmt.Errorf("scan log: %w", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Entry{}, fmt.Errorf("scan log: %w", err))
		}
	}
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Entry, error]) ([]Entry, error) {
	var out []Entry
	for e, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e        Entry
		state    int
		started  int64
		updated  int64
		deadline sql.NullInt64
	)
	if err := s.Scan(&e.XID.GTRID, &e.XID.BQUAL, &e.XID.FormatID, &e.PID, &state, &started, &updated, &deadline); err != nil {
		return Entry{}, err
	}
	e.State = State(state)
	e.Started = time.UnixMicro(started)
	e.Updated = time.UnixMicro(updated)
	if deadline.Valid {
		e.Deadline = time.UnixMicro(deadline.Int64)
	}
	return e, nil
}
