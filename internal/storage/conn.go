package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Result describes the effect of a mutating statement.
type Result struct {
	RowsAffected int64
	// LastInsertID is zero when the engine does not report one (postgres).
	LastInsertID int64
}

// Conn is a connection-like handle, either pooled or bound to a transaction.
// Queries are written with ? placeholders and rebound per dialect; every
// caller-supplied value must travel as an argument, never inside the query text.
type Conn struct {
	q       Querier
	dialect Dialect
}

// Dialect reports the engine the handle talks to.
func (c Conn) Dialect() Dialect { return c.dialect }

// Get scans at most one row into dest. It reports false, without error, when
// the query matched nothing.
func (c Conn) Get(ctx context.Context, query string, args []any, dest ...any) (bool, error) {
	err := c.q.QueryRowContext(ctx, c.rebind(query), args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// All runs a query and calls scan once per row, in result order.
func (c Conn) All(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	rows, err := c.q.QueryContext(ctx, c.rebind(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Run executes a mutating statement.
func (c Conn) Run(ctx context.Context, query string, args ...any) (Result, error) {
	res, err := c.q.ExecContext(ctx, c.rebind(query), args...)
	if err != nil {
		return Result{}, err
	}
	out := Result{}
	out.RowsAffected, _ = res.RowsAffected()
	if c.dialect != DialectPostgres {
		out.LastInsertID, _ = res.LastInsertId()
	}
	return out, nil
}

// Exec runs one or more statements without parameter binding. It is meant
// for schema scripts only.
func (c Conn) Exec(ctx context.Context, script string) error {
	if _, err := c.q.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("exec script: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders into $n for postgres. Question marks inside
// single-quoted literals are left alone.
func (c Conn) rebind(query string) string {
	if c.dialect != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			b.WriteByte(ch)
		case ch == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
