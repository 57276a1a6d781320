// Package api exposes the import queue and CalDAV sync operations over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"mealsync/internal/config"
	"mealsync/internal/models"

	"github.com/rs/zerolog"
)

type ImportQueue interface {
	AddImportJob(ctx context.Context, req models.ImportRequest) (models.ImportResult, error)
}

type JobInspector interface {
	JobState(ctx context.Context, queueName, jobID string) (models.JobState, error)
}

type CaldavSync interface {
	SyncAllFutureItems(ctx context.Context, userID string) (models.BulkSyncResult, error)
	RetryFailedSyncs(ctx context.Context, userID string) (models.RetryResult, error)
	TestConnection(ctx context.Context, userID string) error
	RemoveCaldavConfig(ctx context.Context, userID string) (int64, error)
	ListStatuses(ctx context.Context, userID string, status models.SyncStatus, page, pageSize int) (models.SyncStatusPage, error)
}

type Settings interface {
	GetRecipePermissionPolicy(ctx context.Context) (models.RecipePermissionPolicy, error)
	SetRecipePermissionPolicy(ctx context.Context, policy models.RecipePermissionPolicy) error
}

// Publisher delivers planning events to the bridge.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, name string, payload any) error
}

// Services bundles what the handlers call. A nil field disables its routes.
type Services struct {
	Imports   ImportQueue
	Jobs      JobInspector
	Caldav    CaldavSync
	Settings  Settings
	Publisher Publisher
}

// HTTPServer serves the public API.
type HTTPServer struct {
	cfg    config.APIConfig
	svc    Services
	auth   *HTTPAuth
	logger *zerolog.Logger
	server *http.Server
	now    func() time.Time
}

func NewHTTPServer(cfg config.APIConfig, svc Services, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &HTTPServer{
		cfg:    cfg,
		svc:    svc,
		auth:   NewHTTPAuth(cfg),
		logger: logger,
		now:    time.Now,
	}

	mux := http.NewServeMux()
	s.routes(mux)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           s.loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	return s
}

func (s *HTTPServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.svc.Imports != nil {
		mux.Handle("POST /api/v1/imports", s.auth.Require(permWriteImports, s.handleAddImport))
	}
	if s.svc.Jobs != nil {
		mux.Handle("GET /api/v1/queues/{queue}/jobs/{id}", s.auth.Require(permReadQueues, s.handleJobState))
	}
	if s.svc.Caldav != nil {
		mux.Handle("POST /api/v1/caldav/{user}/sync-all", s.auth.Require(permWriteCaldav, s.handleSyncAll))
		mux.Handle("POST /api/v1/caldav/{user}/retry-failed", s.auth.Require(permWriteCaldav, s.handleRetryFailed))
		mux.Handle("POST /api/v1/caldav/{user}/test", s.auth.Require(permWriteCaldav, s.handleTestConnection))
		mux.Handle("DELETE /api/v1/caldav/{user}", s.auth.Require(permWriteCaldav, s.handleRemoveConfig))
		mux.Handle("GET /api/v1/caldav/{user}/status", s.auth.Require(permReadCaldav, s.handleListStatuses))
		mux.Handle("GET /api/v1/caldav/{user}/status/export", s.auth.Require(permReadCaldav, s.handleExportStatuses))
	}
	if s.svc.Settings != nil {
		mux.Handle("GET /api/v1/settings/recipe-permissions", s.auth.Require(permAdminSettings, s.handleGetPolicy))
		mux.Handle("PUT /api/v1/settings/recipe-permissions", s.auth.Require(permAdminSettings, s.handlePutPolicy))
	}
	if s.svc.Publisher != nil {
		mux.Handle("POST /api/v1/events", s.auth.Require(permWriteEvents, s.handlePublishEvent))
	}
}

// Handler returns the root handler with middleware applied.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
