package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"example.com/fpdemo/internal/account"
	"example.com/fpdemo/internal/apperr"
	"example.com/fpdemo/internal/ingest"
	"example.com/fpdemo/internal/logging"
	"example.com/fpdemo/internal/testutil"
	"example.com/fpdemo/internal/vendor"
	"example.com/fpdemo/internal/visitor"
)

type fakeVendor struct {
	visitsFor string
	visits    vendor.VisitsOptions
	err       error
}

func (f *fakeVendor) GetVisits(_ context.Context, visitorID string, opts vendor.VisitsOptions) (vendor.VisitsResponse, error) {
	f.visitsFor, f.visits = visitorID, opts
	if f.err != nil {
		return vendor.VisitsResponse{}, f.err
	}
	return vendor.VisitsResponse{VisitorID: visitorID, Visits: []json.RawMessage{json.RawMessage(`{"requestId":"r1"}`)}}, nil
}

func (f *fakeVendor) GetEvent(_ context.Context, requestID string) (json.RawMessage, error) {
	return json.RawMessage(`{"requestId":"` + requestID + `"}`), f.err
}

func (f *fakeVendor) SearchEvents(_ context.Context, sf vendor.SearchFilters) (json.RawMessage, error) {
	return json.RawMessage(`{"events":[],"limit":` + jsonInt(sf.Limit) + `}`), f.err
}

func (f *fakeVendor) Summary(_ context.Context, visitorID string) (vendor.VisitorSummary, error) {
	return vendor.VisitorSummary{VisitorID: visitorID, VisitCount: 3}, f.err
}

func jsonInt(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

type harness struct {
	handler http.Handler
	vendor  *fakeVendor
}

func newHarness(t *testing.T, withVendor bool) *harness {
	t.Helper()
	db := testutil.OpenStore(t)
	logger := logging.Discard()
	clock := testutil.NewClock(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	accounts, err := account.NewService(db, account.Options{
		Sessions:   account.NewSessions("test-secret", time.Hour, clock.Now),
		BcryptCost: bcrypt.MinCost,
		Now:        clock.Now,
		Logger:     logger,
	})
	require.NoError(t, err)

	h := &harness{}
	deps := Deps{
		Ingest:   ingest.NewService(db, logger),
		Queries:  visitor.NewQueryService(db, logger),
		Accounts: accounts,
		Logger:   logger,
		Now:      clock.Now,
	}
	if withVendor {
		h.vendor = &fakeVendor{}
		deps.Vendor = h.vendor
	}
	h.handler = NewServer(deps).Router()
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return h.serve(t, req)
}

func (h *harness) serve(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, false)
	status, body := h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])
}

func TestWebhook_StoresAndReportsDuplicate(t *testing.T) {
	h := newHarness(t, false)
	payload := `{"visitorId":"v1","requestId":"r1","timestamp":1717236000000,"ip":"1.2.3.4","url":"https://x"}`

	status, body := h.do(t, http.MethodPost, "/api/webhook", payload)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Webhook received and stored", body["message"])
	assert.Equal(t, false, body["duplicate"])

	status, body = h.do(t, http.MethodPost, "/api/fingerprint-webhook", payload)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])

	status, body = h.do(t, http.MethodGet, "/api/events", "")
	require.Equal(t, http.StatusOK, status)
	events := body["events"].([]any)
	require.Len(t, events, 1)
	ev := events[0].(map[string]any)
	assert.Equal(t, "v1", ev["visitor_id"])
	assert.Equal(t, float64(1), ev["visit_count"])
	assert.Equal(t, "https://x", ev["data"].(map[string]any)["url"])
}

func TestWebhook_MissingVisitorID(t *testing.T) {
	h := newHarness(t, false)

	status, body := h.do(t, http.MethodPost, "/api/webhook", `{"requestId":"r1"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "MissingField", body["error"])
	assert.Equal(t, "visitorId", body["field"])

	req := httptest.NewRequest(http.MethodPost, "/api/webhook", strings.NewReader(`{"visitorId":"v1"}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_MalformedJSON(t *testing.T) {
	h := newHarness(t, false)
	status, body := h.do(t, http.MethodPost, "/api/webhook", `{"visitorId":`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "InvalidPayload", body["error"])
}

func TestListEvents_PaginationAndFilter(t *testing.T) {
	h := newHarness(t, false)
	for i, vid := range []string{"a", "a", "b", "a", "b"} {
		payload := `{"visitorId":"` + vid + `","requestId":"r` + jsonInt(i) + `","timestamp":` + jsonInt(1717236000000+i*1000) + `}`
		status, _ := h.do(t, http.MethodPost, "/api/webhook", payload)
		require.Equal(t, http.StatusOK, status)
	}

	status, body := h.do(t, http.MethodGet, "/api/webhook-events?limit=2&offset=1", "")
	require.Equal(t, http.StatusOK, status)
	p := body["pagination"].(map[string]any)
	assert.Equal(t, float64(5), p["total"])
	assert.Equal(t, float64(2), p["limit"])
	assert.Equal(t, float64(1), p["offset"])
	assert.Equal(t, true, p["hasMore"])
	events := body["events"].([]any)
	require.Len(t, events, 2)
	assert.Equal(t, "r3", events[0].(map[string]any)["request_id"])

	status, body = h.do(t, http.MethodGet, "/api/events?visitorId=a&limit=500&offset=-3", "")
	require.Equal(t, http.StatusOK, status)
	p = body["pagination"].(map[string]any)
	assert.Equal(t, float64(3), p["total"])
	assert.Equal(t, float64(visitor.MaxPageSize), p["limit"])
	assert.Equal(t, float64(0), p["offset"])
	assert.Equal(t, false, p["hasMore"])

	status, body = h.do(t, http.MethodGet, "/api/events?visitorId=nobody", "")
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["events"])
	assert.Equal(t, float64(0), body["pagination"].(map[string]any)["total"])
}

func TestVisitors(t *testing.T) {
	h := newHarness(t, false)
	h.do(t, http.MethodPost, "/api/webhook", `{"visitorId":"v1","requestId":"r1","timestamp":1717236000000}`)
	h.do(t, http.MethodPost, "/api/webhook", `{"visitorId":"v1","requestId":"r2","timestamp":1717236001000}`)
	h.do(t, http.MethodPost, "/api/webhook", `{"visitorId":"v2","requestId":"r3","timestamp":1717236002000}`)

	status, body := h.do(t, http.MethodGet, "/api/visitors", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["visitorCount"])

	status, body = h.do(t, http.MethodGet, "/api/visitors?visitorId=v1", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["visitor"].(map[string]any)["visit_count"])
	assert.Len(t, body["events"], 2)

	status, body = h.do(t, http.MethodGet, "/api/visitors?visitorId=ghost", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "VisitorNotFound", body["error"])
}

func TestAccountFlow(t *testing.T) {
	h := newHarness(t, false)

	status, body := h.do(t, http.MethodPost, "/api/account/register", `{"username":"alice","password":"pw1","fingerprint":"fpA"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Registration successful", body["message"])

	status, body = h.do(t, http.MethodPost, "/api/account-takeover-demo/register", `{"username":"alice","password":"x","fingerprint":"fpZ"}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "UsernameExists", body["error"])

	status, body = h.do(t, http.MethodPost, "/api/account/login", `{"username":"alice","password":"pw1","fingerprint":"fpA"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, account.StatusAuthenticated, body["status"])
	assert.NotEmpty(t, body["token"])

	status, body = h.do(t, http.MethodPost, "/api/account/login", `{"username":"alice","password":"pw1","fingerprint":"fpB"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, account.StatusVerificationRequired, body["status"])
	assert.Equal(t, false, body["fingerprintMatch"])
	challenge := body["challengeId"].(string)
	require.NotEmpty(t, challenge)

	status, body = h.do(t, http.MethodPost, "/api/account/verify-device", `{"challengeId":"`+challenge+`","confirm":true}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, account.StatusAuthenticated, body["status"])
	assert.Equal(t, float64(2), body["fingerprintsCount"])

	status, body = h.do(t, http.MethodPost, "/api/account/verify-device", `{"challengeId":"`+challenge+`","confirm":true}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "ChallengeNotFound", body["error"])

	status, body = h.do(t, http.MethodPost, "/api/account/add-fingerprint", `{"username":"alice","newFingerprint":"fpC"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), body["fingerprintsCount"])

	status, body = h.do(t, http.MethodPost, "/api/account/get-user-fingerprints", `{"username":"alice"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{"fpA", "fpB", "fpC"}, body["fingerprints"])
	assert.Equal(t, "fpA", body["currentFingerprint"])
}

func TestAccountSession(t *testing.T) {
	h := newHarness(t, false)
	h.do(t, http.MethodPost, "/api/account/register", `{"username":"alice","password":"pw1","fingerprint":"fpA"}`)
	_, body := h.do(t, http.MethodPost, "/api/account/login", `{"username":"alice","password":"pw1","fingerprint":"fpA"}`)
	token := body["token"].(string)

	session := func(header string) (int, map[string]any) {
		req := httptest.NewRequest(http.MethodGet, "/api/account/session", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		return h.serve(t, req)
	}

	status, body := session("Bearer " + token)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", body["username"])
	assert.Equal(t, "fpA", body["fingerprint"])

	for _, header := range []string{"", "Bearer ", "Bearer not-a-token", token} {
		status, body = session(header)
		assert.Equal(t, http.StatusUnauthorized, status, header)
		assert.Equal(t, "InvalidSession", body["error"], header)
	}
}

func TestAccount_UniformRejection(t *testing.T) {
	h := newHarness(t, false)
	h.do(t, http.MethodPost, "/api/account/register", `{"username":"alice","password":"pw1","fingerprint":"fpA"}`)

	wrongPass, b1 := h.do(t, http.MethodPost, "/api/account/login", `{"username":"alice","password":"nope","fingerprint":"fpA"}`)
	noUser, b2 := h.do(t, http.MethodPost, "/api/account/login", `{"username":"mallory","password":"nope","fingerprint":"fpA"}`)
	assert.Equal(t, http.StatusUnauthorized, wrongPass)
	assert.Equal(t, wrongPass, noUser)
	assert.Equal(t, b1, b2)
}

func TestAccount_Validation(t *testing.T) {
	h := newHarness(t, false)

	status, body := h.do(t, http.MethodPost, "/api/account/register", `{"username":"alice","password":"pw1"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "fingerprint", body["field"])

	status, body = h.do(t, http.MethodPost, "/api/account/add-fingerprint", `{"username":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "newFingerprint", body["field"])

	status, body = h.do(t, http.MethodPost, "/api/account/fingerprints", `{"username":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "UserNotFound", body["error"])

	status, _ = h.do(t, http.MethodPost, "/api/account/login", `not json`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestVendorProxy(t *testing.T) {
	h := newHarness(t, true)

	status, body := h.do(t, http.MethodPost, "/api/fingerprint", `{"action":"getVisitorData","visitorId":"v1"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "v1", body["visitorId"])
	assert.Equal(t, 20, h.vendor.visits.Limit)

	status, body = h.do(t, http.MethodPost, "/api/fingerprint", `{"action":"getEvent","requestId":"r9"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "r9", body["requestId"])

	status, body = h.do(t, http.MethodPost, "/api/fingerprint", `{"action":"searchEvents","filters":{"limit":5}}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(5), body["limit"])

	status, body = h.do(t, http.MethodPost, "/api/fingerprint", `{"action":"getVisitorSummary","visitorId":"v1"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), body["visitCount"])

	status, body = h.do(t, http.MethodPost, "/api/fingerprint", `{"action":"getEvent"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "requestId", body["field"])

	status, body = h.do(t, http.MethodPost, "/api/fingerprint", `{"action":"dropTables"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "InvalidAction", body["error"])

	h.vendor.err = apperr.Upstream(http.StatusForbidden, "secret key is invalid", nil)
	status, body = h.do(t, http.MethodPost, "/api/fingerprint", `{"action":"getVisitorData","visitorId":"v1"}`)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "UpstreamError", body["error"])
}

func TestVendorProxy_NotConfigured(t *testing.T) {
	h := newHarness(t, false)
	status, body := h.do(t, http.MethodPost, "/api/fingerprint", `{"action":"getEvent","requestId":"r1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "UpstreamError", body["error"])
}
