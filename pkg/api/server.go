package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ippoc-labs/ippoc/pkg/economy"
	"github.com/ippoc-labs/ippoc/pkg/ledger"
	"github.com/ippoc-labs/ippoc/pkg/observability"
	"github.com/ippoc-labs/ippoc/pkg/orchestrator"
)

// Config holds the server's own settings.
type Config struct {
	Addr       string
	RequireTLS bool
	TLSCert    string
	TLSKey     string
	RateRPS    float64
	RateBurst  int
	Tokens     map[string][]string
	JWTSecret  string
}

// Deps are the runtime components the handlers expose.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Economy      *economy.Economy
	Ledger       ledger.Ledger
	Metrics      *observability.Metrics
	ExplainPath  string
	AuditPath    string
	AuditKey     []byte
	Version      string
}

// Server is the authenticated HTTP surface. Everything under /v1 requires
// a bearer credential; /healthz, /readyz and /metrics are public.
type Server struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	auth    *Authenticator
	limiter *RateLimiter
	handler http.Handler
	httpSrv *http.Server
	ready   atomic.Bool
}

// New builds the server and its route table. It does not listen yet.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if cfg.RequireTLS && (cfg.TLSCert == "" || cfg.TLSKey == "") {
		return nil, fmt.Errorf("api: TLS required but certificate or key path missing")
	}
	if deps.Orchestrator == nil || deps.Economy == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("api: orchestrator, economy and ledger are required")
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		auth:   NewAuthenticator(cfg.Tokens, cfg.JWTSecret),
	}

	v1 := http.NewServeMux()
	v1.HandleFunc("/v1/tools/execute", s.handleExecute)
	v1.HandleFunc("/v1/orchestrator/execute", s.handleExecute)
	v1.HandleFunc("/v1/orchestrator/execute:batch", s.handleExecuteBatch)
	v1.HandleFunc("/v1/orchestrator/execute:async", s.handleExecuteAsync)
	v1.HandleFunc("/v1/orchestrator/executions/", s.handleExecutionsRouter)
	v1.HandleFunc("/v1/orchestrator/timeline", s.handleTimeline)
	v1.HandleFunc("/v1/orchestrator/budget", s.handleBudget)
	v1.HandleFunc("/v1/orchestrator/explain/latest", s.handleExplainLatest)
	v1.HandleFunc("/v1/orchestrator/audit/verify", s.handleAuditVerify)

	// Auth runs before the limiter so buckets key on principals, not IPs.
	var protected http.Handler = v1
	if cfg.RateRPS > 0 {
		s.limiter = NewRateLimiter(cfg.RateRPS, cfg.RateBurst)
		protected = s.limiter.Middleware(protected)
	}
	protected = s.auth.Middleware(protected)

	root := http.NewServeMux()
	root.Handle("/v1/", protected)
	root.HandleFunc("/healthz", s.handleHealth)
	root.HandleFunc("/readyz", s.handleReady)
	if deps.Metrics != nil {
		root.Handle("/metrics", deps.Metrics.Handler())
	}
	root.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "Unknown endpoint")
	})

	s.handler = RequestID(AccessLog(logger, root))
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the full middleware chain for in-process tests.
func (s *Server) Handler() http.Handler { return s.handler }

// SetReady flips the readiness gate reported by /readyz.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening",
		slog.String("addr", s.cfg.Addr),
		slog.Bool("tls", s.cfg.RequireTLS))

	var err error
	if s.cfg.RequireTLS {
		err = s.httpSrv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		err = s.httpSrv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
// The server reports unready immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	if s.limiter != nil {
		s.limiter.Close()
	}
	return s.httpSrv.Shutdown(ctx)
}
