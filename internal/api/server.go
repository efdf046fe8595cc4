package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/depositd/internal/backend"
	"github.com/mattjoyce/depositd/internal/deposit"
	"github.com/mattjoyce/depositd/internal/location"
	"github.com/mattjoyce/depositd/internal/metrics"
	"github.com/mattjoyce/depositd/internal/space"
)

const apiPrefix = "/api/v1"

// Deposits is the deposit lifecycle the SWORD endpoints drive.
type Deposits interface {
	Create(ctx context.Context, req deposit.CreateRequest) (*deposit.Deposit, error)
	Get(ctx context.Context, depositUUID string) (*deposit.Deposit, error)
	Editable(ctx context.Context, depositUUID string) (*deposit.Deposit, error)
	List(ctx context.Context, spaceUUID string) (*location.Space, []deposit.Deposit, error)
	SubmitContent(ctx context.Context, depositUUID string, urls []string, finalize bool) (deposit.Progress, error)
	FinalizeOrDefer(ctx context.Context, depositUUID string) (deposit.Progress, error)
	Delete(ctx context.Context, depositUUID string) error
	DownloadingStatus(ctx context.Context, depositUUID string) (deposit.DownloadStatus, error)
	ImportFromLocation(ctx context.Context, req deposit.ImportRequest) (*deposit.Deposit, error)
	AddFile(ctx context.Context, depositUUID string, up deposit.Upload) error
	ReplaceFile(ctx context.Context, depositUUID string, up deposit.Upload) error
	DeleteFile(ctx context.Context, depositUUID, name string) error
	DeleteAllFiles(ctx context.Context, depositUUID string) error
	ListFiles(ctx context.Context, depositUUID string) ([]string, error)
}

// Spaces lists the inventory the service document and health check report on.
type Spaces interface {
	ListSpaces(ctx context.Context) ([]location.Space, error)
	ListSwordSpaces(ctx context.Context) ([]location.Space, error)
}

// VerificationCache returns recent space verifications without probing.
type VerificationCache interface {
	Cached(spaceUUID string) (backend.Verification, bool)
}

// FileStorer places packages into AIP storage.
type FileStorer interface {
	Store(ctx context.Context, req space.StoreRequest) (*location.File, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// BaseURL overrides the scheme and host used in IRIs, for servers behind a proxy.
	BaseURL        string
	ServiceTitle   string
	MaxUploadBytes int64
	MaxMETSBytes   int64
}

// Server is the SWORD v2 HTTP server.
type Server struct {
	config    Config
	deposits  Deposits
	spaces    Spaces
	verifier  VerificationCache
	files     FileStorer
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	now       func() time.Time
}

// New creates a new API server instance.
func New(config Config, deposits Deposits, spaces Spaces, verifier VerificationCache, files FileStorer, logger *slog.Logger) *Server {
	if config.ServiceTitle == "" {
		config.ServiceTitle = "Storage Service"
	}
	if config.MaxMETSBytes <= 0 {
		config.MaxMETSBytes = 16 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		deposits:  deposits,
		spaces:    spaces,
		verifier:  verifier,
		files:     files,
		logger:    logger,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Minute, // uploads stream through the request body
		// Finalization waits on the pipeline's watch delay and approval call.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)

	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(s.handleMethodNotAllowed)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Get(apiPrefix+"/sword/", s.handleServiceDocument)
	r.Get(apiPrefix+"/space/{uuid}/sword/", s.handleServiceDocument)

	r.Get(apiPrefix+"/space/{uuid}/sword/collection/", s.handleCollectionList)
	r.Post(apiPrefix+"/space/{uuid}/sword/collection/", s.handleCollectionCreate)

	r.Get(apiPrefix+"/location/{uuid}/sword/", s.handleDepositGet)
	r.Post(apiPrefix+"/location/{uuid}/sword/", s.handleDepositPost)
	r.Put(apiPrefix+"/location/{uuid}/sword/", s.handleDepositPut)
	r.Delete(apiPrefix+"/location/{uuid}/sword/", s.handleDepositDelete)

	r.Get(apiPrefix+"/location/{uuid}/sword/media/", s.handleMediaList)
	r.Post(apiPrefix+"/location/{uuid}/sword/media/", s.handleMediaAdd)
	r.Put(apiPrefix+"/location/{uuid}/sword/media/", s.handleMediaReplace)
	r.Delete(apiPrefix+"/location/{uuid}/sword/media/", s.handleMediaDelete)

	r.Get(apiPrefix+"/location/{uuid}/sword/state/", s.handleState)

	r.Post(apiPrefix+"/file/", s.handleStoreFile)

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
