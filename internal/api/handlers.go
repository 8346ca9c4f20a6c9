package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docqa/internal/access"
	"github.com/kalambet/docqa/internal/conversation"
	"github.com/kalambet/docqa/internal/qa"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/storage"
)

type loginRequest struct {
	Email string `json:"email"`
}

type loginResponse struct {
	Token     string   `json:"token"`
	Email     string   `json:"email"`
	Documents []string `json:"documents"`
}

func handleLogin(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
			return
		}
		user := access.NormalizeUser(req.Email)
		if user == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "email is required")
			return
		}
		docs, err := deps.Access.Resolve(user)
		if err != nil {
			if errors.Is(err, access.ErrUnknownUser) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "no documents found for user")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		token := deps.Sessions.Create(user)
		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookie,
			Value:    token,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		deps.Logger.Info("user logged in", "user", user, "documents", len(docs))
		writeJSON(w, http.StatusOK, loginResponse{Token: token, Email: user, Documents: docs.Sorted()})
	}
}

func handleLogout(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := UserFromContext(r.Context())
		if tok, ok := r.Context().Value(tokenKey).(string); ok {
			deps.Sessions.Revoke(tok)
		}
		deps.Orchestrator.History().Clear(user)
		http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1})
		writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
	}
}

type meResponse struct {
	Email         string   `json:"email"`
	Documents     []string `json:"documents"`
	DocumentCount int      `json:"document_count"`
}

func handleMe(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := UserFromContext(r.Context())
		docs, err := deps.Access.Resolve(user)
		if err != nil {
			writeQueryError(w, deps.Logger, err)
			return
		}
		sorted := docs.Sorted()
		writeJSON(w, http.StatusOK, meResponse{Email: user, Documents: sorted, DocumentCount: len(sorted)})
	}
}

type queryRequest struct {
	Query      string `json:"query"`
	TopK       int    `json:"top_k,omitempty"`
	UseContext *bool  `json:"use_context,omitempty"`
}

type queryResponse struct {
	qa.Response
	Results []retrieval.SearchResult `json:"results"`
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
			return
		}
		if req.TopK < 0 || req.TopK > maxTopK {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "top_k must be between 1 and %d", maxTopK)
			return
		}

		user, _ := UserFromContext(r.Context())
		resp, err := deps.Orchestrator.Ask(r.Context(), qa.Query{
			UserID:      user,
			Text:        req.Query,
			TopK:        req.TopK,
			SkipContext: req.UseContext != nil && !*req.UseContext,
		})
		if err != nil {
			writeQueryError(w, deps.Logger, err)
			return
		}
		results := resp.Results
		if results == nil {
			results = []retrieval.SearchResult{}
		}
		writeJSON(w, http.StatusOK, queryResponse{Response: resp, Results: results})
	}
}

const maxTopK = 50

type conversationResponse struct {
	Window int                 `json:"window"`
	Turns  []conversation.Turn `json:"turns"`
}

func handleGetConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := UserFromContext(r.Context())
		hist := deps.Orchestrator.History()
		turns := hist.Recent(user, hist.Window())
		if turns == nil {
			turns = []conversation.Turn{}
		}
		writeJSON(w, http.StatusOK, conversationResponse{Window: hist.Window(), Turns: turns})
	}
}

func handleClearConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := UserFromContext(r.Context())
		deps.Orchestrator.History().Clear(user)
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

type indexResponse struct {
	retrieval.Stats
	DocumentIDs []string `json:"document_ids"`
}

func handleIndexStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Index == nil {
			httpError(w, http.StatusServiceUnavailable, "service_unavailable", "index not configured")
			return
		}
		docs := deps.Index.Documents()
		if docs == nil {
			docs = []string{}
		}
		writeJSON(w, http.StatusOK, indexResponse{Stats: deps.Index.Stats(), DocumentIDs: docs})
	}
}

func handleListQueries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.AuditLog == nil {
			httpError(w, http.StatusNotImplemented, "not_implemented", "query log not configured")
			return
		}
		f := storage.QueryLogFilter{
			UserID: access.NormalizeUser(r.URL.Query().Get("user")),
			Limit:  parseIntParam(r, "limit", 50, 500),
		}
		if s := r.URL.Query().Get("since"); s != "" {
			since, err := time.Parse(time.RFC3339, s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "since must be RFC 3339: %v", err)
				return
			}
			f.Since = since
		}
		logs, err := deps.AuditLog.ListQueryLogs(r.Context(), f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing queries: %v", err)
			return
		}
		if logs == nil {
			logs = []storage.QueryLog{}
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

func handleReindex(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Reindexer == nil {
			httpError(w, http.StatusNotImplemented, "not_implemented", "reindexing not configured")
			return
		}
		stats, err := deps.Reindexer.RunOnce(r.Context())
		if err != nil {
			switch {
			case errors.Is(err, retrieval.ErrEmptyCorpus):
				httpError(w, http.StatusConflict, "empty_corpus", "%v", err)
			case errors.Is(err, retrieval.ErrEmbeddingUnavailable):
				httpError(w, http.StatusServiceUnavailable, "service_unavailable", "%v", err)
			default:
				httpError(w, http.StatusInternalServerError, "api_error", "reindex: %v", err)
			}
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleAdminUser(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := access.NormalizeUser(chi.URLParam(r, "user"))
		docs, err := deps.Access.Resolve(user)
		if err != nil {
			if errors.Is(err, access.ErrUnknownUser) {
				httpError(w, http.StatusNotFound, "not_found", "unknown user %q", user)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		sorted := docs.Sorted()
		writeJSON(w, http.StatusOK, meResponse{
			Email:         user,
			Documents:     sorted,
			DocumentCount: len(sorted),
		})
	}
}
