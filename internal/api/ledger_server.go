package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"storygate/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LedgerService is the slice of the ledger core the handlers call into.
type LedgerService interface {
	ApplySync(ctx context.Context, req types.SyncStatusRequest, presentedKey string) error
	Usage(ctx context.Context, deviceID, presentedKey, userID string) (*types.UsageRecord, error)
	RecordStory(ctx context.Context, deviceID, presentedKey, userID string, characters int) error
}

// LedgerServer exposes the usage ledger over HTTP. Responses are gzip
// compressed when the client accepts it.
type LedgerServer struct {
	svc      LedgerService
	validate *validator.Validate
	logger   *slog.Logger
	router   *chi.Mux
}

// NewLedgerServer builds the server and mounts its routes.
func NewLedgerServer(svc LedgerService, logger *slog.Logger) *LedgerServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &LedgerServer{
		svc:      svc,
		validate: validator.New(),
		logger:   logger,
		router:   chi.NewRouter(),
	}
	s.mountRoutes()
	return s
}

// Handler returns the mounted router wrapped in transparent compression.
func (s *LedgerServer) Handler() http.Handler {
	return gzhttp.GzipHandler(s.router)
}

func (s *LedgerServer) mountRoutes() {
	r := s.router
	r.Use(Recoverer(s.logger))
	r.Use(RequestID)
	r.Use(RequestLogger(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Method(http.MethodPost, "/sync", instrumented("sync", s.handleSync))
		r.Method(http.MethodGet, "/usage/{userID}", instrumented("get_usage", s.handleGetUsage))
		r.Method(http.MethodPost, "/usage/{userID}/stories", instrumented("record_story", s.handleRecordStory))
	})
}

func (s *LedgerServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// bearerKey extracts the device key from the Authorization header.
func bearerKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return ""
}

func (s *LedgerServer) handleSync(w http.ResponseWriter, r *http.Request) {
	var req types.SyncStatusRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"sync request failed validation",
			err,
		))
		return
	}

	if err := s.svc.ApplySync(r.Context(), req, bearerKey(r)); err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, types.SyncStatusResponse{Success: true})
}

func (s *LedgerServer) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Usage(
		r.Context(),
		r.Header.Get("X-Device-Id"),
		bearerKey(r),
		chi.URLParam(r, "userID"),
	)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, rec)
}

// recordStoryRequest reports one completed story generation.
type recordStoryRequest struct {
	Characters int `json:"characters" validate:"min=0"`
}

func (s *LedgerServer) handleRecordStory(w http.ResponseWriter, r *http.Request) {
	var req recordStoryRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"record request failed validation",
			err,
		))
		return
	}

	err := s.svc.RecordStory(
		r.Context(),
		r.Header.Get("X-Device-Id"),
		bearerKey(r),
		chi.URLParam(r, "userID"),
		req.Characters,
	)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{"status": "recorded"}})
}
