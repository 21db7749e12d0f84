package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/madvault/madserve/internal/bridge"
	"github.com/madvault/madserve/internal/config"
	"github.com/madvault/madserve/internal/logging"
	"github.com/spf13/afero"
)

// Analyzer runs one image through the worker. *bridge.Bridge implements it.
type Analyzer interface {
	Analyze(ctx context.Context, inputPath string) (*bridge.Result, error)
	IsReady() bool
	HasForensics() bool
	Pending() int
}

// Server is the HTTP front end for the analysis worker.
type Server struct {
	analyzer Analyzer
	fs       afero.Fs
	logger   *logging.Logger
	now      func() time.Time

	uploadDir    string
	maxBytes     int64
	allowedTypes *regexp.Regexp

	limiter *Limiter
	origins atomic.Pointer[map[string]bool]

	addr       string
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithFs sets the filesystem uploads are written to. Defaults to the OS.
func WithFs(fs afero.Fs) Option {
	return func(s *Server) {
		s.fs = fs
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock replaces time.Now for upload names and report timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a server for analyzer using the server and upload sections
// of cfg. The upload directory is created if missing.
func New(analyzer Analyzer, cfg *config.Config, opts ...Option) (*Server, error) {
	if analyzer == nil {
		return nil, errors.New("server: analyzer is required")
	}

	s := &Server{
		analyzer: analyzer,
		fs:       afero.NewOsFs(),
		logger:   logging.NopLogger(),
		now:      time.Now,
		maxBytes: cfg.Upload.MaxBytes,
		limiter:  NewLimiter(cfg.Server.MaxConcurrent),
		addr:     cfg.Server.ListenAddr(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("http")

	dir, err := filepath.Abs(cfg.Upload.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	s.uploadDir = dir
	s.sweepUploads(cfg.Upload.StaleAfter())

	s.allowedTypes, err = imageTypePattern(cfg.Upload.AllowedTypes)
	if err != nil {
		return nil, err
	}
	s.setOrigins(cfg.Server.Origins())

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		// Analyses may wait the full worker request timeout.
		WriteTimeout: cfg.Worker.RequestTimeout() + 30*time.Second,
		ErrorLog:     s.logger.StdLogger(logging.LevelWarn),
	}

	return s, nil
}

// Handler returns the routed handler with CORS and request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/analyze", s.handleAnalyze)
	mux.HandleFunc("POST /api/predict", s.handleAnalyze)
	mux.HandleFunc("/", s.handleNotFound)

	return s.logRequests(s.cors(mux))
}

// Limiter returns the admission limiter.
func (s *Server) Limiter() *Limiter {
	return s.limiter
}

// Reload applies the settings that may change while serving: the admission
// limit and the CORS allow-list.
func (s *Server) Reload(cfg *config.Config) {
	old := s.limiter.Limit()
	s.limiter.SetLimit(cfg.Server.MaxConcurrent)
	s.setOrigins(cfg.Server.Origins())
	s.logger.Info("configuration reloaded",
		"max_concurrent", cfg.Server.MaxConcurrent,
		"previous_max_concurrent", old,
		"origins", len(cfg.Server.Origins()),
	)
}

// Listen binds the configured address. Pass the listener to Serve.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return ln, nil
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server listening", "addr", ln.Addr().String(), "upload_dir", s.uploadDir)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setOrigins(origins []string) {
	set := make(map[string]bool, len(origins))
	for _, o := range origins {
		set[strings.TrimRight(o, "/")] = true
	}
	s.origins.Store(&set)
}

// imageTypePattern matches image/<subtype> for the allowed subtypes.
func imageTypePattern(subtypes []string) (*regexp.Regexp, error) {
	if len(subtypes) == 0 {
		return nil, errors.New("server: no allowed upload types")
	}
	quoted := make([]string, len(subtypes))
	for i, st := range subtypes {
		quoted[i] = regexp.QuoteMeta(st)
	}
	re, err := regexp.Compile(`^image/(` + strings.Join(quoted, "|") + `)$`)
	if err != nil {
		return nil, fmt.Errorf("server: allowed upload types: %w", err)
	}
	return re, nil
}
