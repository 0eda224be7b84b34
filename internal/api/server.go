package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/ratings-crawler/internal/metrics"
	"github.com/JakeFAU/ratings-crawler/internal/store"
)

const (
	requestTimeout = 30 * time.Second
	checkTimeout   = 3 * time.Second
)

// TermIndex answers lookups against the inverted index.
type TermIndex interface {
	Counts(ctx context.Context, term string) (map[string]int, error)
	IsIndexed(ctx context.Context, url string) (bool, error)
}

// RankStore reads persisted person page ranks.
type RankStore interface {
	PersonPageRanks(ctx context.Context) (map[int64]map[string]int, error)
}

// Normalizer maps a query word onto index terms.
type Normalizer interface {
	KeywordTerms(keyword string) []string
}

// Pinger is a readiness dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of a Server. Nil lookups disable their routes.
type Deps struct {
	Index      TermIndex
	Ranks      RankStore
	Normalizer Normalizer
	Checks     map[string]Pinger
}

// Server wires HTTP handlers to the index and scan state.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if deps.Index != nil {
			r.Get("/terms/{term}", s.termCounts)
			r.Get("/pages/indexed", s.pageIndexed)
		}
		if deps.Ranks != nil {
			r.Get("/persons/ranks", s.personRanks)
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := map[string]string{}
	for _, name := range names {
		if err := s.deps.Checks[name].Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type termCountsResponse struct {
	Term   string         `json:"term"`
	Counts map[string]int `json:"counts"`
}

func (s *Server) termCounts(w http.ResponseWriter, r *http.Request) {
	term := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "term")))
	if s.deps.Normalizer != nil {
		normalized := s.deps.Normalizer.KeywordTerms(term)
		if len(normalized) != 1 {
			s.writeError(w, http.StatusBadRequest, "term must be a single indexable word")
			return
		}
		term = normalized[0]
	}
	if term == "" {
		s.writeError(w, http.StatusBadRequest, "term required")
		return
	}
	counts, err := s.deps.Index.Counts(r.Context(), term)
	if err != nil {
		s.fail(w, "term counts", err)
		return
	}
	if counts == nil {
		counts = map[string]int{}
	}
	s.writeJSON(w, http.StatusOK, termCountsResponse{Term: term, Counts: counts})
}

func (s *Server) pageIndexed(w http.ResponseWriter, r *http.Request) {
	pageURL := strings.TrimSpace(r.URL.Query().Get("url"))
	if pageURL == "" {
		s.writeError(w, http.StatusBadRequest, "url query parameter required")
		return
	}
	indexed, err := s.deps.Index.IsIndexed(r.Context(), pageURL)
	if err != nil {
		s.fail(w, "page indexed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"url": pageURL, "indexed": indexed})
}

type pageRankDTO struct {
	URL  string `json:"url"`
	Rank int    `json:"rank"`
}

type personRanksDTO struct {
	PersonID int64         `json:"person_id"`
	Pages    []pageRankDTO `json:"pages"`
}

func (s *Server) personRanks(w http.ResponseWriter, r *http.Request) {
	ranks, err := s.deps.Ranks.PersonPageRanks(r.Context())
	if err != nil {
		s.fail(w, "person ranks", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"persons": toPersonRanksDTOs(ranks)})
}

// toPersonRanksDTOs orders persons by id and their pages by rank, highest
// first.
func toPersonRanksDTOs(ranks map[int64]map[string]int) []personRanksDTO {
	out := make([]personRanksDTO, 0, len(ranks))
	for id, pages := range ranks {
		dto := personRanksDTO{PersonID: id, Pages: make([]pageRankDTO, 0, len(pages))}
		for u, rank := range pages {
			dto.Pages = append(dto.Pages, pageRankDTO{URL: u, Rank: rank})
		}
		sort.Slice(dto.Pages, func(i, j int) bool {
			if dto.Pages[i].Rank != dto.Pages[j].Rank {
				return dto.Pages[i].Rank > dto.Pages[j].Rank
			}
			return dto.Pages[i].URL < dto.Pages[j].URL
		})
		out = append(out, dto)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersonID < out[j].PersonID })
	return out
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", zap.Error(err))
	if errors.Is(err, store.ErrUnavailable) {
		s.writeError(w, http.StatusServiceUnavailable, op+" unavailable")
		return
	}
	s.writeError(w, http.StatusInternalServerError, op+" failed")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = fmt.Fprint(w, `{"error":"internal server error"}`+"\n")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
