package httpapi

import (
	"net/http"

	"example.com/fpdemo/internal/apperr"
	"example.com/fpdemo/internal/vendor"
)

type proxyRequest struct {
	Action    string `json:"action"`
	VisitorID string `json:"visitorId"`
	RequestID string `json:"requestId"`
	Filters   struct {
		Limit         int    `json:"limit"`
		Before        int64  `json:"before"`
		VisitorID     string `json:"visitorId"`
		LinkedID      string `json:"linkedId"`
		PaginationKey string `json:"paginationKey"`
		Suspect       *bool  `json:"suspect"`
		Bot           string `json:"bot"`
		Start         int64  `json:"start"`
		End           int64  `json:"end"`
		Reverse       *bool  `json:"reverse"`
	} `json:"filters"`
}

// handleVendorProxy forwards one Server API call chosen by action and returns
// the vendor's JSON unchanged.
func (s *Server) handleVendorProxy(w http.ResponseWriter, r *http.Request) {
	var req proxyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Action == "" {
		writeError(w, apperr.MissingField("action"))
		return
	}
	if s.vendor == nil {
		writeError(w, apperr.Upstream(http.StatusServiceUnavailable, "vendor API key not configured", nil))
		return
	}

	ctx := r.Context()
	var (
		result any
		err    error
	)
	switch req.Action {
	case "getVisitorData":
		if req.VisitorID == "" {
			writeError(w, apperr.MissingField("visitorId"))
			return
		}
		limit := req.Filters.Limit
		if limit <= 0 {
			limit = 20
		}
		result, err = s.vendor.GetVisits(ctx, req.VisitorID, vendor.VisitsOptions{Limit: limit, Before: req.Filters.Before})
	case "getEvent":
		if req.RequestID == "" {
			writeError(w, apperr.MissingField("requestId"))
			return
		}
		result, err = s.vendor.GetEvent(ctx, req.RequestID)
	case "searchEvents":
		f := req.Filters
		result, err = s.vendor.SearchEvents(ctx, vendor.SearchFilters{
			Limit:         f.Limit,
			VisitorID:     f.VisitorID,
			LinkedID:      f.LinkedID,
			PaginationKey: f.PaginationKey,
			Suspect:       f.Suspect,
			Bot:           f.Bot,
			Start:         f.Start,
			End:           f.End,
			Reverse:       f.Reverse,
		})
	case "getVisitorSummary":
		if req.VisitorID == "" {
			writeError(w, apperr.MissingField("visitorId"))
			return
		}
		result, err = s.vendor.Summary(ctx, req.VisitorID)
	default:
		writeError(w, apperr.Invalid("InvalidAction", "action", "invalid action"))
		return
	}
	if err != nil {
		s.logger.Error("vendor api call failed", "action", req.Action, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
