// Package visitor owns the visitors and events tables: the upsert-on-visit and
// insert-or-ignore-on-event write paths and the paginated read paths.
package visitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/fpdemo/internal/storage"
)

// ErrVisitorNotFound is returned when no row exists for a visitor ID.
var ErrVisitorNotFound = errors.New("visitor not found")

// Store runs visitor/event statements on a pooled or transactional handle.
type Store struct {
	conn storage.Conn
}

// NewStore constructs a visitor data access object.
func NewStore(conn storage.Conn) *Store {
	return &Store{conn: conn}
}

// RecordVisitor inserts the visitor on first sight or bumps visit_count. The
// seen window only ever widens, so a late delivery of an older event cannot
// move last_seen backwards or first_seen forwards.
func (s *Store) RecordVisitor(ctx context.Context, visitorID string, ts time.Time) error {
	ms := ts.UnixMilli()
	_, err := s.conn.Run(ctx, `INSERT INTO visitors (visitor_id, first_seen, last_seen, visit_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (visitor_id) DO UPDATE SET
			first_seen = CASE WHEN excluded.first_seen < visitors.first_seen THEN excluded.first_seen ELSE visitors.first_seen END,
			last_seen = CASE WHEN excluded.last_seen > visitors.last_seen THEN excluded.last_seen ELSE visitors.last_seen END,
			visit_count = visitors.visit_count + 1`,
		visitorID, ms, ms)
	if err != nil {
		return fmt.Errorf("record visitor: %w", err)
	}
	return nil
}

// RecordEvent inserts the event and reports false when an event with the same
// request ID already exists.
func (s *Store) RecordEvent(ctx context.Context, ev NewEvent) (bool, error) {
	res, err := s.conn.Run(ctx, `INSERT INTO events
		(visitor_id, request_id, timestamp, event_time, ip, incognito, url, raw_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (request_id) DO NOTHING`,
		ev.VisitorID,
		nullIfEmpty(ev.RequestID),
		ev.Timestamp.UnixMilli(),
		ev.EventTime,
		nullIfEmpty(ev.IP),
		ev.Incognito,
		nullIfEmpty(ev.URL),
		ev.RawData,
	)
	if err != nil {
		return false, fmt.Errorf("record event: %w", err)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) where(f Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.VisitorID != "" {
		clauses = append(clauses, "e.visitor_id = ?")
		args = append(args, f.VisitorID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// CountEvents returns the number of events matching f.
func (s *Store) CountEvents(ctx context.Context, f Filter) (int, error) {
	where, args := s.where(f)
	var total int
	if _, err := s.conn.Get(ctx, `SELECT COUNT(*) FROM events e`+where, args, &total); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return total, nil
}

// ListEvents returns one page of events, newest first. Events with equal
// timestamps are ordered by descending id. The global feed carries the
// visitor summary of each event.
func (s *Store) ListEvents(ctx context.Context, f Filter, limit, offset int) ([]Event, error) {
	where, args := s.where(f)
	global := f.VisitorID == ""

	columns := `e.id, e.visitor_id, e.request_id, e.timestamp, e.event_time, e.ip, e.incognito, e.url, e.raw_data`
	from := `events e`
	if global {
		columns += `, v.first_seen, v.last_seen, v.visit_count`
		from += ` LEFT JOIN visitors v ON e.visitor_id = v.visitor_id`
	}
	query := `SELECT ` + columns + ` FROM ` + from + where + ` ORDER BY e.timestamp DESC, e.id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	events := make([]Event, 0, limit)
	err := s.conn.All(ctx, query, args, func(rows *sql.Rows) error {
		ev, err := scanEvent(rows, global)
		if err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows, withVisitor bool) (Event, error) {
	var (
		ev                  Event
		requestID, ip, url  sql.NullString
		firstSeen, lastSeen sql.NullInt64
		visitCount          sql.NullInt64
	)
	dest := []any{&ev.ID, &ev.VisitorID, &requestID, &ev.Timestamp, &ev.EventTime, &ip, &ev.Incognito, &url, &ev.RawData}
	if withVisitor {
		dest = append(dest, &firstSeen, &lastSeen, &visitCount)
	}
	if err := rows.Scan(dest...); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	ev.RequestID = stringPtr(requestID)
	ev.IP = stringPtr(ip)
	ev.URL = stringPtr(url)
	if firstSeen.Valid {
		t := fromMillis(firstSeen.Int64)
		ev.FirstSeen = &t
	}
	if lastSeen.Valid {
		t := fromMillis(lastSeen.Int64)
		ev.LastSeen = &t
	}
	if visitCount.Valid {
		n := int(visitCount.Int64)
		ev.VisitCount = &n
	}
	ev.enrich()
	return ev, nil
}

// GetVisitor returns one visitor or ErrVisitorNotFound.
func (s *Store) GetVisitor(ctx context.Context, visitorID string) (Visitor, error) {
	var (
		v                   Visitor
		firstSeen, lastSeen int64
	)
	found, err := s.conn.Get(ctx,
		`SELECT visitor_id, first_seen, last_seen, visit_count FROM visitors WHERE visitor_id = ?`,
		[]any{visitorID}, &v.VisitorID, &firstSeen, &lastSeen, &v.VisitCount)
	if err != nil {
		return Visitor{}, fmt.Errorf("get visitor: %w", err)
	}
	if !found {
		return Visitor{}, ErrVisitorNotFound
	}
	v.FirstSeen = fromMillis(firstSeen)
	v.LastSeen = fromMillis(lastSeen)
	return v, nil
}

// ListVisitors returns every visitor with its stored event count, most
// recently seen first.
func (s *Store) ListVisitors(ctx context.Context) ([]Visitor, error) {
	var visitors []Visitor
	err := s.conn.All(ctx, `SELECT v.visitor_id, v.first_seen, v.last_seen, v.visit_count, COUNT(e.id)
		FROM visitors v
		LEFT JOIN events e ON v.visitor_id = e.visitor_id
		GROUP BY v.visitor_id, v.first_seen, v.last_seen, v.visit_count
		ORDER BY v.last_seen DESC, v.visitor_id`, nil, func(rows *sql.Rows) error {
		var (
			v                   Visitor
			firstSeen, lastSeen int64
			count               int
		)
		if err := rows.Scan(&v.VisitorID, &firstSeen, &lastSeen, &v.VisitCount, &count); err != nil {
			return fmt.Errorf("scan visitor: %w", err)
		}
		v.FirstSeen = fromMillis(firstSeen)
		v.LastSeen = fromMillis(lastSeen)
		v.EventCount = &count
		visitors = append(visitors, v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list visitors: %w", err)
	}
	return visitors, nil
}

// DeleteVisitor removes a visitor and its events. It returns the number of
// events deleted, or ErrVisitorNotFound. Callers run it inside a transaction.
func (s *Store) DeleteVisitor(ctx context.Context, visitorID string) (int64, error) {
	events, err := s.conn.Run(ctx, `DELETE FROM events WHERE visitor_id = ?`, visitorID)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	res, err := s.conn.Run(ctx, `DELETE FROM visitors WHERE visitor_id = ?`, visitorID)
	if err != nil {
		return 0, fmt.Errorf("delete visitor: %w", err)
	}
	if res.RowsAffected == 0 {
		return 0, ErrVisitorNotFound
	}
	return events.RowsAffected, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
