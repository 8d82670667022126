package httpapi

import (
	"net/http"
	"strings"

	"example.com/fpdemo/internal/vendor"
	"example.com/fpdemo/internal/visitor"
)

// handleWebhook accepts one vendor delivery. Bodies not declared as JSON are
// treated as an empty object, which fails the visitorId check.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
		raw, err := readBody(w, r)
		if err != nil {
			writeError(w, err)
			return
		}
		body = raw
	}

	ev, err := vendor.Normalize(body, s.now())
	if err != nil {
		s.logger.Info("webhook rejected", "error", err)
		writeError(w, err)
		return
	}
	res, err := s.ingest.Dispatch(r.Context(), ev)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "Webhook received and stored",
		"duplicate": res.Duplicate,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := visitor.Filter{VisitorID: q.Get("visitorId")}
	limit := parseIntDefault(q.Get("limit"), visitor.DefaultPageSize)
	offset := parseIntDefault(q.Get("offset"), 0)

	page, err := s.queries.Events(r.Context(), filter, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleVisitors(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("visitorId"); id != "" {
		v, events, err := s.queries.Visitor(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"visitor": v,
			"events":  events,
		})
		return
	}

	visitors, err := s.queries.Visitors(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"visitorCount": len(visitors),
		"visitors":     visitors,
	})
}
