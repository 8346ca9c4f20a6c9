package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/docqa/internal/access"
	"github.com/kalambet/docqa/internal/qa"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// IndexInfo describes the published document index.
type IndexInfo interface {
	Stats() retrieval.Stats
	Documents() []string
}

// QueryLogLister reads the query audit log.
type QueryLogLister interface {
	ListQueryLogs(ctx context.Context, f storage.QueryLogFilter) ([]storage.QueryLog, error)
}

// Reindexer rebuilds the document index on demand.
type Reindexer interface {
	RunOnce(ctx context.Context) (retrieval.Stats, error)
}

// Deps holds the collaborators of the HTTP API.
type Deps struct {
	Orchestrator *qa.Orchestrator
	Access       *access.Table
	Index        IndexInfo
	Sessions     *Sessions
	AuditLog     QueryLogLister // optional; admin query listing returns 501 without it
	Reindexer    Reindexer      // optional; admin reindex returns 501 without it
	AdminToken   string
	Logger       *slog.Logger
}

// NewHandler returns the HTTP API. User routes authenticate with a session
// token from POST /v1/login; admin routes require the admin bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Sessions == nil {
		deps.Sessions = NewSessions(0)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))
	r.Post("/v1/login", handleLogin(deps))

	r.Group(func(r chi.Router) {
		r.Use(RequireSession(deps.Sessions))
		r.Post("/v1/logout", handleLogout(deps))
		r.Get("/v1/me", handleMe(deps))
		r.Post("/v1/query", handleQuery(deps))
		r.Get("/v1/conversation", handleGetConversation(deps))
		r.Post("/v1/conversation/clear", handleClearConversation(deps))
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(BearerAuth(deps.AdminToken))
		r.Get("/index", handleIndexStats(deps))
		r.Get("/queries", handleListQueries(deps))
		r.Post("/reindex", handleReindex(deps))
		r.Get("/users/{user}", handleAdminUser(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if deps.Index != nil && deps.Index.Stats().Chunks == 0 {
			status = "indexing"
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}

// writeQueryError maps pipeline failures to HTTP responses.
func writeQueryError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, qa.ErrInvalidQuery):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, access.ErrUnknownUser):
		httpError(w, http.StatusUnauthorized, "authentication_error", "%v", err)
	case errors.Is(err, retrieval.ErrEmbeddingUnavailable):
		w.Header().Set("Retry-After", "5")
		httpError(w, http.StatusServiceUnavailable, "service_unavailable", "embedding service unavailable, retry later")
	case errors.Is(err, retrieval.ErrIndexNotBuilt):
		w.Header().Set("Retry-After", "5")
		httpError(w, http.StatusServiceUnavailable, "service_unavailable", "document index is not ready")
	case errors.Is(err, context.DeadlineExceeded):
		httpError(w, http.StatusGatewayTimeout, "timeout_error", "query timed out")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		w.WriteHeader(499)
	default:
		logger.Error("query failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
