// Package api exposes the snapshot pipeline over HTTP: session connect,
// on-demand poll cycles, history reads, CSV export, custom indicator CRUD
// and service log access.
//
// Handlers are registered on a plain ServeMux. Every route sets permissive
// CORS headers and answers OPTIONS preflight inline because the chart
// dashboard is served from a different origin.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"oipulse/internal/collect"
	"oipulse/internal/indicator"
	"oipulse/internal/logger"
	"oipulse/internal/marketday"
	"oipulse/internal/model"
	"oipulse/internal/session"
	"oipulse/internal/store/sqlite"
	"oipulse/pkg/optionchain"
)

const defaultIndicatorColor = "#e39ff6"

// Server bundles the dependencies the HTTP handlers need.
type Server struct {
	store   *sqlite.Store
	sess    *session.Manager
	col     *collect.Collector
	logPath string
}

// NewServer creates the handler set. logPath may be empty when no file
// sink is configured; the log endpoints then serve an empty tail.
func NewServer(store *sqlite.Store, sess *session.Manager, col *collect.Collector, logPath string) *Server {
	return &Server{store: store, sess: sess, col: col, logPath: logPath}
}

// SetCORS applies permissive CORS headers for browser clients.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type connectRequest struct {
	Token      string `json:"token"`
	ExpiryDate string `json:"expiry_date"`
}

// RegisterRoutes attaches all API endpoints to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// POST /api/connect installs a manually supplied access token and
	// optionally moves the contract expiry.
	mux.HandleFunc("/api/connect", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != "POST" {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}

		var req connectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
			return
		}
		if req.ExpiryDate != "" {
			s.sess.SetExpiry(req.ExpiryDate)
		}
		cleared, err := s.sess.Connect(req.Token)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[api] session connected, expiry=%s cleared=%v", s.sess.Expiry(), cleared)
		writeJSON(w, map[string]any{"status": "connected", "cleared": cleared})
	})

	// POST /api/process runs one snapshot cycle. The body may carry the
	// same fields as /api/connect to refresh the session in the same call.
	mux.HandleFunc("/api/process", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != "POST" {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}

		var req connectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
			return
		}
		if req.ExpiryDate != "" {
			s.sess.SetExpiry(req.ExpiryDate)
		}
		if req.Token != "" {
			if _, err := s.sess.Connect(req.Token); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}

		ctx := logger.WithTraceID(r.Context(), logger.GenerateTraceID("process", time.Now()))
		point, cached, err := s.col.Process(ctx)
		if err != nil {
			writeCycleError(w, err)
			return
		}
		args := append(logger.LogWithTrace(ctx),
			slog.Bool("cached", cached), slog.String("timestamp", point.Timestamp))
		slog.Info("process cycle complete", args...)
		writeJSON(w, point)
	})

	// GET /api/history returns every stored snapshot, oldest first.
	mux.HandleFunc("/api/history", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != "GET" {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		points, err := s.store.History()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if points == nil {
			points = []model.Point{}
		}
		writeJSON(w, points)
	})

	// GET /api/indicators?date=YYYY-MM-DD returns one trading day.
	// Missing date means the current IST day.
	mux.HandleFunc("/api/indicators", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != "GET" {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		date := r.URL.Query().Get("date")
		if date == "" {
			date = marketday.DateKey(time.Now())
		}
		points, err := s.store.ForDate(date)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if points == nil {
			points = []model.Point{}
		}
		writeJSON(w, map[string]any{"date": date, "points": points})
	})

	// GET /api/export?date=YYYY-MM-DD streams one day as a CSV attachment.
	mux.HandleFunc("/api/export", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != "GET" {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		date := r.URL.Query().Get("date")
		if date == "" {
			date = marketday.DateKey(time.Now())
		}
		var buf bytes.Buffer
		if err := s.store.ExportCSV(&buf, date); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=indicators-%s.csv", date))
		w.Write(buf.Bytes())
	})

	// GET lists saved custom indicators, POST creates or replaces one
	// by name after validating the formula.
	mux.HandleFunc("/api/custom-indicators", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		switch r.Method {
		case "OPTIONS":
			w.WriteHeader(http.StatusOK)
		case "GET":
			rows, err := s.store.ListCustom()
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if rows == nil {
				rows = []model.CustomIndicator{}
			}
			writeJSON(w, rows)
		case "POST":
			var req struct {
				Name    string `json:"name"`
				Formula string `json:"formula"`
				Color   string `json:"color"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
				return
			}
			req.Name = strings.TrimSpace(req.Name)
			req.Formula = strings.TrimSpace(req.Formula)
			if req.Name == "" || req.Formula == "" {
				http.Error(w, `{"error":"name and formula are required"}`, http.StatusBadRequest)
				return
			}
			if err := indicator.ValidateFormula(req.Formula); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if req.Color == "" {
				req.Color = defaultIndicatorColor
			}
			row, err := s.store.UpsertCustom(req.Name, req.Formula, req.Color)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			log.Printf("[api] custom indicator saved: %s", row.Name)
			writeJSON(w, row)
		default:
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		}
	})

	// DELETE /api/custom-indicators/{id}
	mux.HandleFunc("/api/custom-indicators/", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != "DELETE" {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/custom-indicators/"), 10, 64)
		if err != nil {
			http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
			return
		}
		deleted, err := s.store.DeleteCustom(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !deleted {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		log.Printf("[api] custom indicator %d deleted", id)
		writeJSON(w, map[string]string{"status": "deleted"})
	})

	// GET /api/logs?lines=N tails the service log, DELETE truncates it.
	mux.HandleFunc("/api/logs", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		switch r.Method {
		case "OPTIONS":
			w.WriteHeader(http.StatusOK)
		case "GET":
			n := 100
			if v := r.URL.Query().Get("lines"); v != "" {
				parsed, err := strconv.Atoi(v)
				if err != nil || parsed < 1 {
					http.Error(w, `{"error":"invalid lines"}`, http.StatusBadRequest)
					return
				}
				n = parsed
			}
			if n > 1000 {
				n = 1000
			}
			lines, err := logger.Tail(s.logPath, n)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if lines == nil {
				lines = []string{}
			}
			writeJSON(w, map[string]any{"lines": lines, "count": len(lines)})
		case "DELETE":
			if err := logger.Truncate(s.logPath); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			log.Printf("[api] service log truncated")
			writeJSON(w, map[string]string{"status": "truncated"})
		default:
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		}
	})

	// GET /health is the liveness probe target for the chart service.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		writeJSON(w, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}

// writeCycleError maps a Process failure onto an HTTP status: 409 while no
// session is installed, 400 for payload and validation problems, 500 for
// storage, 502 for everything upstream. Retryable upstream failures carry
// a Retry-After header so remote schedulers can honor the hint.
func writeCycleError(w http.ResponseWriter, err error) {
	log.Printf("[api] process cycle failed: %v", err)

	var retryable *optionchain.RetryableError
	var status *optionchain.StatusError
	switch {
	case errors.Is(err, collect.ErrNoSession):
		writeError(w, http.StatusConflict, "no session configured")
	case errors.Is(err, collect.ErrBadPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &status):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, collect.ErrStorage):
		writeError(w, http.StatusInternalServerError, err.Error())
	case errors.As(err, &retryable):
		secs := int(retryable.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
