package visitor

import (
	"context"
	"errors"
	"log/slog"

	"example.com/fpdemo/internal/apperr"
	"example.com/fpdemo/internal/storage"
)

// QueryService serves the dashboard read paths and the operator commands.
type QueryService struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewQueryService creates the read side over db.
func NewQueryService(db *storage.DB, logger *slog.Logger) *QueryService {
	return &QueryService{db: db, logger: logger}
}

// Events returns one page of the feed. The count and the page are read in the
// same transaction so the metadata describes the rows returned.
func (q *QueryService) Events(ctx context.Context, f Filter, limit, offset int) (Page, error) {
	limit, offset = ClampPage(limit, offset)
	var page Page
	err := q.db.WithTx(ctx, func(c storage.Conn) error {
		store := NewStore(c)
		total, err := store.CountEvents(ctx, f)
		if err != nil {
			return err
		}
		events, err := store.ListEvents(ctx, f, limit, offset)
		if err != nil {
			return err
		}
		page = Page{
			Events: events,
			Pagination: Pagination{
				Total:   total,
				Limit:   limit,
				Offset:  offset,
				HasMore: offset+len(events) < total,
			},
		}
		return nil
	})
	if err != nil {
		q.logger.Error("list events failed", "visitor_id", f.VisitorID, "limit", limit, "offset", offset, "error", err)
		return Page{}, apperr.Storage("StorageError", err)
	}
	q.logger.Debug("events listed", "visitor_id", f.VisitorID, "count", len(page.Events), "total", page.Pagination.Total)
	return page, nil
}

// Visitor returns a visitor and its most recent events.
func (q *QueryService) Visitor(ctx context.Context, visitorID string) (Visitor, []Event, error) {
	var (
		v      Visitor
		events []Event
	)
	err := q.db.WithTx(ctx, func(c storage.Conn) error {
		store := NewStore(c)
		var err error
		if v, err = store.GetVisitor(ctx, visitorID); err != nil {
			return err
		}
		events, err = store.ListEvents(ctx, Filter{VisitorID: visitorID}, DetailEventLimit, 0)
		return err
	})
	if errors.Is(err, ErrVisitorNotFound) {
		return Visitor{}, nil, apperr.NotFound("VisitorNotFound", "visitor not found")
	}
	if err != nil {
		q.logger.Error("get visitor failed", "visitor_id", visitorID, "error", err)
		return Visitor{}, nil, apperr.Storage("StorageError", err)
	}
	return v, events, nil
}

// Visitors lists every visitor with its event count.
func (q *QueryService) Visitors(ctx context.Context) ([]Visitor, error) {
	visitors, err := NewStore(q.db.Conn()).ListVisitors(ctx)
	if err != nil {
		q.logger.Error("list visitors failed", "error", err)
		return nil, apperr.Storage("StorageError", err)
	}
	if visitors == nil {
		visitors = []Visitor{}
	}
	return visitors, nil
}

// DeleteVisitor removes a visitor and its events atomically.
func (q *QueryService) DeleteVisitor(ctx context.Context, visitorID string) (int64, error) {
	var deleted int64
	err := q.db.WithTx(ctx, func(c storage.Conn) error {
		var err error
		deleted, err = NewStore(c).DeleteVisitor(ctx, visitorID)
		return err
	})
	if errors.Is(err, ErrVisitorNotFound) {
		return 0, apperr.NotFound("VisitorNotFound", "visitor not found")
	}
	if err != nil {
		q.logger.Error("delete visitor failed", "visitor_id", visitorID, "error", err)
		return 0, apperr.Storage("StorageError", err)
	}
	q.logger.Info("visitor deleted", "visitor_id", visitorID, "events", deleted)
	return deleted, nil
}
