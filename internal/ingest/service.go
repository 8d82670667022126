// Package ingest records vendor webhook deliveries: one visitor upsert and one
// idempotent event insert per delivery, committed together or not at all.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"example.com/fpdemo/internal/apperr"
	"example.com/fpdemo/internal/storage"
	"example.com/fpdemo/internal/vendor"
	"example.com/fpdemo/internal/visitor"
)

// Result describes the outcome of one delivery.
type Result struct {
	VisitorID string `json:"visitorId"`
	RequestID string `json:"requestId,omitempty"`
	// Duplicate is set when the request ID had already been recorded.
	Duplicate bool `json:"duplicate"`
}

// Dispatcher hands a normalized event to whatever records it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev vendor.Event) (Result, error)
}

// errDuplicate aborts the transaction of a replayed delivery so the visitor
// row is not bumped a second time.
var errDuplicate = errors.New("duplicate delivery")

// Service records events synchronously against the store.
type Service struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewService creates an ingest service backed by db.
func NewService(db *storage.DB, logger *slog.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Dispatch implements Dispatcher by ingesting in the calling goroutine.
func (s *Service) Dispatch(ctx context.Context, ev vendor.Event) (Result, error) {
	return s.Ingest(ctx, ev)
}

// Ingest upserts the visitor and inserts the event in one transaction. A
// replayed request ID leaves the store untouched and reports Duplicate.
func (s *Service) Ingest(ctx context.Context, ev vendor.Event) (Result, error) {
	if ev.VisitorID == "" {
		return Result{}, apperr.MissingField("visitorId")
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	eventTime := ev.Time
	if eventTime == "" {
		eventTime = ts.UTC().Format(vendor.EventTimeLayout)
	}
	raw := string(ev.Raw)
	if raw == "" {
		raw = "{}"
	}

	result := Result{VisitorID: ev.VisitorID, RequestID: ev.RequestID}
	err := s.db.WithTx(ctx, func(c storage.Conn) error {
		store := visitor.NewStore(c)
		if err := store.RecordVisitor(ctx, ev.VisitorID, ts); err != nil {
			return err
		}
		inserted, err := store.RecordEvent(ctx, visitor.NewEvent{
			VisitorID: ev.VisitorID,
			RequestID: ev.RequestID,
			Timestamp: ts,
			EventTime: eventTime,
			IP:        ev.IP,
			Incognito: ev.Incognito,
			URL:       ev.URL,
			RawData:   raw,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return errDuplicate
		}
		return nil
	})
	switch {
	case errors.Is(err, errDuplicate):
		result.Duplicate = true
		s.logger.Info("duplicate webhook delivery ignored", "visitor_id", ev.VisitorID, "request_id", ev.RequestID)
		return result, nil
	case err != nil:
		s.logger.Error("ingest webhook event failed", "visitor_id", ev.VisitorID, "request_id", ev.RequestID, "error", err)
		return Result{}, apperr.Storage("ProcessingError", err)
	}
	s.logger.Info("stored webhook event", "visitor_id", ev.VisitorID, "request_id", ev.RequestID)
	return result, nil
}
