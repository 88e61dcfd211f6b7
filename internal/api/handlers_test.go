package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"oipulse/internal/collect"
	"oipulse/internal/metrics"
	"oipulse/internal/model"
	"oipulse/internal/session"
	"oipulse/internal/store/sqlite"
	"oipulse/pkg/optionchain"
)

const chainBody = `{
	"status": "success",
	"data": [
		{
			"expiry": "2026-08-27",
			"strike_price": 24000,
			"underlying_key": "NSE_INDEX|Nifty 50",
			"underlying_spot_price": 24100,
			"call_options": {
				"instrument_key": "NSE_FO|C24000",
				"market_data": {"ltp": 120, "volume": 10, "oi": 500, "prev_oi": 450, "close_price": 118}
			},
			"put_options": {
				"instrument_key": "NSE_FO|P24000",
				"market_data": {"ltp": 95, "volume": 8, "oi": 700, "prev_oi": 720, "close_price": 97}
			}
		}
	]
}`

type env struct {
	mux     *http.ServeMux
	store   *sqlite.Store
	sess    *session.Manager
	col     *collect.Collector
	logPath string
}

func newEnv(t *testing.T, chain http.HandlerFunc) *env {
	t.Helper()

	upstream := http.NewServeMux()
	upstream.HandleFunc("/v2/option/chain", chain)
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "api.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	client := optionchain.NewClient(optionchain.Config{
		RootURL: srv.URL,
		Limiter: rate.NewLimiter(rate.Inf, 0),
	})
	sess := session.New(store, client, session.Config{Expiry: "2026-08-27"})
	col := collect.New(client, store, sess, metrics.NewMetricsWith(prometheus.NewRegistry()), collect.Config{
		InstrumentKey: "NSE_INDEX|Nifty 50",
		LotSize:       1,
	})
	col.Now = func() time.Time { return time.Date(2026, 8, 20, 4, 30, 10, 0, time.UTC) }

	logPath := filepath.Join(dir, "service.log")
	s := NewServer(store, sess, col, logPath)
	return &env{mux: NewRouter(s), store: store, sess: sess, col: col, logPath: logPath}
}

func serveJSON(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
}

func (e *env) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestConnect(t *testing.T) {
	e := newEnv(t, serveJSON(chainBody))

	rec := e.do(t, "POST", "/api/connect", `{"token":"tok-test-0001","expiry_date":"2026-08-27"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeMap(t, rec)
	if resp["status"] != "connected" {
		t.Errorf("status = %v", resp["status"])
	}
	if resp["cleared"] != false {
		t.Errorf("cleared = %v, want false on first connect", resp["cleared"])
	}
	if !e.sess.Authorized() {
		t.Errorf("session not authorized after connect")
	}
}

func TestConnectRejectsEmptyToken(t *testing.T) {
	e := newEnv(t, serveJSON(chainBody))

	rec := e.do(t, "POST", "/api/connect", `{"token":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestConnectRejectsBadJSON(t *testing.T) {
	e := newEnv(t, serveJSON(chainBody))

	rec := e.do(t, "POST", "/api/connect", `{"token":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestConnectMethodNotAllowed(t *testing.T) {
	e := newEnv(t, serveJSON(chainBody))

	rec := e.do(t, "GET", "/api/connect", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestPreflight(t *testing.T) {
	e := newEnv(t, serveJSON(chainBody))

	rec := e.do(t, "OPTIONS", "/api/process", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
}

func TestProcess(t *testing.T) {
	e := newEnv(t, serveJSON(chainBody))
	e.do(t, "POST", "/api/connect", `{"token":"tok-test-0001"}`)

	rec := e.do(t, "POST", "/api/process", "{}")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var p model.Point
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode point: %v", err)
	}
	if p.Timestamp != "2026-08-20T04:30:10Z" {
		t.Errorf("timestamp = %q", p.Timestamp)
	}
	if p.TotalCEOIValue != 60000 || p.TotalPEOIValue != 66500 {
		t.Errorf("aggregates = %v / %v", p.TotalCEOIValue, p.TotalPEOIValue)
	}
}

func TestProcessEmptyBody(t *testing.T) {
	e := newEnv(t, serveJSON(chainBody))
	e.do(t, "POST", "/api/connect", `{"token":"tok-test-0001"}`)

	rec := e.do(t, "POST", "/api/process", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestProcessInlineSessionUpdate(t *testing.T) {
	e := newEnv(t, serveJSON(chainBody))

	rec := e.do(t, "POST", "/api/process", `{"token":"tok-test-0001","expiry_date":"2026-08-27"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !e.sess.Authorized() {
		t.Errorf("session not installed by process call")
	}
}

func TestProcessWithoutSession(t *testing.T) {
	e := newEnv(t, serveJSON(chainBody))

	rec := e.do(t, "POST", "/api/process", "{}")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestProcessUpstreamDown(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	e.do(t, "POST", "/api/connect", `{"token":"tok-test-0001"}`)

	rec := e.do(t, "POST", "/api/process", "{}")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestProcessRetryAfterPassthrough(t *testing.T) {
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	e.do(t, "POST", "/api/connect", `{"token":"tok-test-0001"}`)

	rec := e.do(t, "POST", "/api/process", "{}")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}
}

func TestProcessBadEnvelope(t *testing.T) {
	e := newEnv(t, serveJSON(`{"status":"error","data":[]}`))
	e.do(t, "POST", "/api/connect", `{"token":"tok-test-0001"}`)

	rec := e.do(t, "POST", "/api/process", "{}")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHistory(t *testing.T) {
	e := newEnv(t, serveJSON(chainBody))
	e.do(t, "POST", "/api/connect", `{"token":"tok-test-0001"}`)
	e.do(t, "POST", "/api/process", "{}")

	rec := e.do(t, "GET", "/api/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var points []model.Point
	if err := json.Unmarshal(rec.Body.Bytes(), &points); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(points) != 1 {
		t.Errorf("len = %d, want 1", len(points))
	}
}

func TestHistoryEmptyIsArray(t *testing.T) {
	e := newEnv(t, serveJSON(chainBody))

	rec := e.do(t, "GET", "/api/history", "")
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("body = %q, want []", body)
	}
}

func TestIndicatorsByDate(t *testing.T) {
	e := newEnv(t, serveJSON(chainBody))
	e.do(t, "POST", "/api/connect", `{"token":"tok-test-0001"}`)
	e.do(t, "POST", "/api/process", "{}")

	rec := e.do(t, "GET", "/api/indicators?date=2026-08-20", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeMap(t, rec)
	if resp["date"] != "2026-08-20" {
		t.Errorf("date = %v", resp["date"])
	}
	points, ok := resp["points"].([]any)
	if !ok || len(points) != 1 {
		t.Errorf("points = %v", resp["points"])
	}

	rec = e.do(t, "GET", "/api/indicators?date=2019-01-01", "")
	resp = decodeMap(t, rec)
	if points, _ := resp["points"].([]any); len(points) != 0 {
		t.Errorf("stale date points = %v", resp["points"])
	}
}

func TestExportCSV(t *testing.T) {
	e := newEnv(t, serveJSON(chainBody))
	e.do(t, "POST", "/api/connect", `{"token":"tok-test-0001"}`)
	e.do(t, "POST", "/api/process", "{}")

	rec := e.do(t, "GET", "/api/export?date=2026-08-20", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content-type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != "attachment; filename=indicators-2026-08-20.csv" {
		t.Errorf("content-disposition = %q", cd)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "timestamp_IST,") {
		t.Errorf("csv header missing: %q", body)
	}
	if !strings.Contains(body, "2026-08-20 10:00:10 IST") {
		t.Errorf("csv row missing IST timestamp: %q", body)
	}
}

func TestCustomIndicatorLifecycle(t *testing.T) {
	e := newEnv(t, serveJSON(chainBody))

	rec := e.do(t, "POST", "/api/custom-indicators", `{"name":"oi spread","formula":"total_ce_oi_value - total_pe_oi_value"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	created := decodeMap(t, rec)
	if created["color"] != defaultIndicatorColor {
		t.Errorf("color = %v, want default", created["color"])
	}
	id := int64(created["id"].(float64))
	if id <= 0 {
		t.Fatalf("id = %d", id)
	}

	rec = e.do(t, "GET", "/api/custom-indicators", "")
	var list []model.CustomIndicator
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].Name != "oi spread" {
		t.Errorf("list = %+v", list)
	}

	target := "/api/custom-indicators/" + strconv.FormatInt(id, 10)
	rec = e.do(t, "DELETE", target, "")
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	rec = e.do(t, "DELETE", target, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}

	rec = e.do(t, "GET", "/api/custom-indicators", "")
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("list after delete = %q, want []", body)
	}
}

func TestCustomIndicatorRejectsBadFormula(t *testing.T) {
	e := newEnv(t, serveJSON(chainBody))

	for _, formula := range []string{"nope + 1", "ce_oi +", ""} {
		rec := e.do(t, "POST", "/api/custom-indicators", `{"name":"x","formula":"`+formula+`"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("formula %q: status = %d, want 400", formula, rec.Code)
		}
	}
}

func TestCustomIndicatorDeleteInvalidID(t *testing.T) {
	e := newEnv(t, serveJSON(chainBody))

	rec := e.do(t, "DELETE", "/api/custom-indicators/abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestLogsTailAndTruncate(t *testing.T) {
	e := newEnv(t, serveJSON(chainBody))
	content := "one\ntwo\nthree\n"
	if err := os.WriteFile(e.logPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	rec := e.do(t, "GET", "/api/logs?lines=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeMap(t, rec)
	if resp["count"] != float64(2) {
		t.Errorf("count = %v, want 2", resp["count"])
	}
	lines := resp["lines"].([]any)
	if lines[0] != "two" || lines[1] != "three" {
		t.Errorf("lines = %v", lines)
	}

	rec = e.do(t, "GET", "/api/logs?lines=zero", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid lines status = %d, want 400", rec.Code)
	}

	rec = e.do(t, "DELETE", "/api/logs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("truncate status = %d", rec.Code)
	}
	info, err := os.Stat(e.logPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("size after truncate = %d", info.Size())
	}
}

func TestLogsMissingFile(t *testing.T) {
	e := newEnv(t, serveJSON(chainBody))

	rec := e.do(t, "GET", "/api/logs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeMap(t, rec)
	if resp["count"] != float64(0) {
		t.Errorf("count = %v, want 0", resp["count"])
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t, serveJSON(chainBody))

	rec := e.do(t, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeMap(t, rec)
	if resp["status"] != "ok" {
		t.Errorf("status = %v", resp["status"])
	}
	if _, err := time.Parse(time.RFC3339Nano, resp["timestamp"].(string)); err != nil {
		t.Errorf("timestamp not RFC3339Nano: %v", err)
	}
}
