// Package api serves the ledger and the review queue over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/cardflow/internal/ledger"
	"github.com/sells-group/cardflow/internal/model"
	"github.com/sells-group/cardflow/internal/pipeline"
)

// Reviewer is the slice of the pipeline the API drives.
type Reviewer interface {
	Resolve(ctx context.Context, identity string, c pipeline.Correction) (*model.CardAsset, error)
	Retry(ctx context.Context, identity string) (*model.CardAsset, error)
	Status(ctx context.Context) (*pipeline.Summary, error)
}

// Options configure the server.
type Options struct {
	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string
}

// Server holds the handler dependencies.
type Server struct {
	ledger   ledger.Ledger
	reviewer Reviewer
	opts     Options
}

// New creates a Server.
func New(l ledger.Ledger, r Reviewer, opts Options) *Server {
	return &Server{ledger: l, reviewer: r, opts: opts}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.status)
	r.Route("/assets", func(r chi.Router) {
		r.Get("/", s.listAssets)
		r.Get("/{id}", s.getAsset)
		r.Post("/{id}/review", s.review)
	})
	r.Get("/batches/{kind}", s.listBatch)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	sum, err := s.reviewer.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) listAssets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.AssetFilter{State: model.State(q.Get("state"))}
	if filter.State != "" && !filter.State.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown state " + string(filter.State)})
		return
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 100); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit: " + err.Error()})
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "offset: " + err.Error()})
		return
	}

	assets, err := s.ledger.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if assets == nil {
		assets = []*model.CardAsset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

func (s *Server) getAsset(w http.ResponseWriter, r *http.Request) {
	a, err := s.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// reviewRequest resolves with a correction or retries the flagged stage.
type reviewRequest struct {
	Action     string               `json:"action"`
	Correction *pipeline.Correction `json:"correction,omitempty"`
}

func (s *Server) review(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	id := chi.URLParam(r, "id")

	var (
		a   *model.CardAsset
		err error
	)
	switch req.Action {
	case "resolve":
		if req.Correction == nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "correction is required"})
			return
		}
		a, err = s.reviewer.Resolve(r.Context(), id, *req.Correction)
	case "retry":
		a, err = s.reviewer.Retry(r.Context(), id)
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: `action must be "resolve" or "retry"`})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) listBatch(w http.ResponseWriter, r *http.Request) {
	kind := model.BatchKind(chi.URLParam(r, "kind"))
	if kind != model.BatchListing && kind != model.BatchSubmission {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown batch " + string(kind)})
		return
	}
	pendingOnly := r.URL.Query().Get("pending") == "true"
	entries, err := s.ledger.ListBatch(r.Context(), kind, pendingOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.BatchEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps ledger and pipeline errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ledger.ErrNotFound) {
		status = http.StatusNotFound
	} else if kind, ok := model.KindOf(err); ok && kind == model.KindValidation {
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("api: request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}
