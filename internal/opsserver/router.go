package opsserver

import (
	"context"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"notifyd/internal/domain"
	logx "notifyd/pkg/logx"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type HistoryReader interface {
	RecentHistory(ctx context.Context, limit int) ([]domain.HistoryEntry, error)
}

// Deps are the read-only views the server exposes.
type Deps struct {
	History HistoryReader
	// Stats returns a JSON-encodable snapshot of runtime counters.
	Stats func() any
}

type historyItem struct {
	ID             string    `json:"id"`
	EventKey       string    `json:"event_key"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	Target         string    `json:"target"`
	SentAt         time.Time `json:"sent_at"`
	RecipientCount *int      `json:"recipient_count,omitempty"`
	Tag            string    `json:"tag,omitempty"`
	Detail         string    `json:"detail,omitempty"`
}

type handler struct {
	deps Deps
	log  logx.Logger
}

// NewRouter builds the ops routes. token, when set, is required on every route
// except /healthz.
func NewRouter(deps Deps, token string, log logx.Logger) http.Handler {
	h := &handler{deps: deps, log: log}
	r := chi.NewRouter()
	r.Use(h.recoverMiddleware)

	r.Get("/healthz", h.healthz)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(token))
		r.Get("/v1/history", h.history)
		r.Get("/v1/stats", h.stats)

		r.Get("/debug/pprof/", hpprof.Index)
		r.Get("/debug/pprof/cmdline", hpprof.Cmdline)
		r.Get("/debug/pprof/profile", hpprof.Profile)
		r.Get("/debug/pprof/symbol", hpprof.Symbol)
		r.Get("/debug/pprof/trace", hpprof.Trace)
		r.Get("/debug/pprof/{profile}", func(w http.ResponseWriter, r *http.Request) {
			hpprof.Handler(chi.URLParam(r, "profile")).ServeHTTP(w, r)
		})
	})
	return r
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := h.deps.History.RecentHistory(r.Context(), limit)
	if err != nil {
		h.log.Warn("history read failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "history read failed")
		return
	}
	items := make([]historyItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, historyItem{
			ID:             e.ID,
			EventKey:       e.EventKey,
			Title:          e.Title,
			Body:           e.Body,
			Target:         e.TargetDescription,
			SentAt:         e.SentAt.UTC(),
			RecipientCount: e.RecipientCount,
			Tag:            e.Tag,
			Detail:         e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": items, "count": len(items)})
}

func (h *handler) stats(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Stats == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Stats())
}

func (h *handler) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.log.Error("ops handler panic", logx.String("path", r.URL.Path), logx.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware accepts "Authorization: Bearer <token>" or ?token=<token>.
func authMiddleware(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
