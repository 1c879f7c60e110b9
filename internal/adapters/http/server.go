// Package httpadapter exposes audits over HTTP: the live event stream, queued
// audits, profiles, health and metrics.
package httpadapter

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oapi-codegen/runtime"

	"siteaudit/internal/domain"
	"siteaudit/internal/logger"
	"siteaudit/internal/metrics"
	"siteaudit/internal/ports"
	"siteaudit/internal/services/orchestrator"
	profilesvc "siteaudit/internal/services/profiles"
	"siteaudit/internal/workers/auditrunner"
)

const (
	headerCallerID   = "X-Caller-ID"
	headerAdminToken = "X-Admin-Token"
)

// Auditor prepares runs for the live stream.
type Auditor interface {
	Prepare(ctx context.Context, req domain.AuditRequest) (*orchestrator.Run, error)
}

// Scanner queues audits and reports their status.
type Scanner interface {
	Enqueue(ctx context.Context, req domain.AuditRequest) (string, error)
	Status(ctx context.Context, auditID string) (string, float64, error)
}

type Profiles interface {
	GetLatest(ctx context.Context, host string) (profilesvc.Profile, error)
}

// Options are the transport limits and access settings.
type Options struct {
	AdminToken     string
	UpgradeURL     string
	ConnectTimeout time.Duration
	RunTimeout     time.Duration
	Heartbeat      time.Duration
	WaitTimeout    time.Duration
}

type Server struct {
	auditor   Auditor
	scanner   Scanner
	profiles  Profiles
	jobs      ports.JobRepository
	processor auditrunner.Processor
	opts      Options
	logger    logger.Logger
	metrics   *metrics.Recorder
	ready     func(ctx context.Context) error
}

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Server) { s.metrics = m }
}

// WithReadiness sets the dependency check behind /readyz.
func WithReadiness(fn func(ctx context.Context) error) Option {
	return func(s *Server) { s.ready = fn }
}

func New(auditor Auditor, scanner Scanner, profiles Profiles, jobs ports.JobRepository, processor auditrunner.Processor, opts Options, options ...Option) *Server {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 5 * time.Minute
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 30 * time.Second
	}
	s := &Server{
		auditor:   auditor,
		scanner:   scanner,
		profiles:  profiles,
		jobs:      jobs,
		processor: processor,
		opts:      opts,
		logger:    logger.NewNop(),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Routes returns the chi router with every endpoint mounted.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/audit/stream", s.streamAudit)
		r.Post("/audits", s.postAudit)
		r.Get("/audits/{id}", s.getAudit)
		r.Get("/profiles/{domain}", s.getProfile)
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("Readiness check failed", logger.Error(err))
			writeError(w, &httpError{code: http.StatusServiceUnavailable, msg: "not ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type auditBody struct {
	URL        string   `json:"url"`
	Pages      int      `json:"pages"`
	Categories []string `json:"categories"`
	Admin      bool     `json:"admin"`
}

type auditAccepted struct {
	AuditID string `json:"auditId"`
}

type auditStatus struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
}

func (s *Server) postAudit(w http.ResponseWriter, r *http.Request) {
	var body auditBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &httpError{code: http.StatusBadRequest, msg: "invalid JSON body"})
		return
	}
	var (
		wait    bool
		timeout int
	)
	if err := runtime.BindQueryParameter("form", true, false, "wait", r.URL.Query(), &wait); err != nil {
		writeError(w, &httpError{code: http.StatusBadRequest, msg: "invalid wait parameter"})
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "timeout", r.URL.Query(), &timeout); err != nil {
		writeError(w, &httpError{code: http.StatusBadRequest, msg: "invalid timeout parameter"})
		return
	}

	req, herr := s.buildRequest(r, body.URL, body.Pages, body.Categories, body.Admin)
	if herr != nil {
		writeError(w, herr)
		return
	}
	id, err := s.scanner.Enqueue(r.Context(), req)
	if err != nil {
		s.writePrepareError(w, err)
		return
	}
	if !wait {
		writeJSON(w, http.StatusAccepted, auditAccepted{AuditID: id})
		return
	}

	d := s.opts.WaitTimeout
	if timeout > 0 {
		d = time.Duration(timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), d)
	defer cancel()
	if err := auditrunner.ProcessInline(ctx, s.jobs, s.processor, id, s.logger); err != nil {
		s.logger.Info("Inline audit did not complete", logger.String("audit_id", id), logger.Error(err))
	}
	status, progress, err := s.scanner.Status(context.WithoutCancel(ctx), id)
	if err != nil {
		writeError(w, statusError(err))
		return
	}
	writeJSON(w, http.StatusOK, auditStatus{ID: id, Status: status, Progress: progress})
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, progress, err := s.scanner.Status(r.Context(), id)
	if err != nil {
		writeError(w, statusError(err))
		return
	}
	writeJSON(w, http.StatusOK, auditStatus{ID: id, Status: status, Progress: progress})
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	prof, err := s.profiles.GetLatest(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		if errors.Is(err, profilesvc.ErrNotFound) {
			writeError(w, &httpError{code: http.StatusNotFound, msg: "no completed audit for this domain"})
			return
		}
		s.logger.Error("Profile lookup failed", logger.Error(err))
		writeError(w, &httpError{code: http.StatusInternalServerError, msg: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, prof)
}

// buildRequest validates access and assembles the domain request shared by
// the stream and queue endpoints.
func (s *Server) buildRequest(r *http.Request, rawURL string, pages int, categories []string, admin bool) (domain.AuditRequest, *httpError) {
	if admin && !s.adminAllowed(r) {
		return domain.AuditRequest{}, &httpError{code: http.StatusForbidden, msg: "admin access denied"}
	}
	cats, err := domain.ParseCategories(categories)
	if err != nil {
		return domain.AuditRequest{}, &httpError{code: http.StatusBadRequest, msg: err.Error()}
	}
	if len(cats) == 0 {
		cats = nil
	}
	if pages <= 0 {
		pages = 1
	}
	return domain.AuditRequest{
		URL:        rawURL,
		Pages:      pages,
		Categories: cats,
		Admin:      admin,
		CallerID:   strings.TrimSpace(r.Header.Get(headerCallerID)),
		SourceIP:   clientIP(r),
		UserAgent:  r.UserAgent(),
	}, nil
}

func (s *Server) adminAllowed(r *http.Request) bool {
	if s.opts.AdminToken == "" {
		return true
	}
	got := r.Header.Get(headerAdminToken)
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.AdminToken)) == 1
}

// writePrepareError maps validation and entitlement failures to pre-stream
// JSON responses.
func (s *Server) writePrepareError(w http.ResponseWriter, err error) {
	var (
		limit   *orchestrator.UsageLimitError
		unknown *domain.UnknownCategoryError
	)
	switch {
	case errors.As(err, &limit):
		ent := limit.Entitlement
		upgrade := ent.UpgradeURL
		if upgrade == "" {
			upgrade = s.opts.UpgradeURL
		}
		msg := ent.Reason
		if msg == "" {
			msg = "Monthly audit limit reached"
		}
		writeJSON(w, http.StatusForbidden, limitResponse{
			Error:           msg,
			UpgradeURL:      upgrade,
			AuditsRemaining: ent.AuditsRemaining,
			AuditsLimit:     ent.AuditsLimit,
		})
	case errors.Is(err, orchestrator.ErrUsageUnavailable):
		s.logger.Error("Usage service unavailable", logger.Error(err))
		writeError(w, &httpError{code: http.StatusServiceUnavailable, msg: "usage service unavailable, try again shortly"})
	case errors.Is(err, orchestrator.ErrMissingURL),
		errors.Is(err, orchestrator.ErrInvalidURL),
		errors.Is(err, orchestrator.ErrNoCategories),
		errors.As(err, &unknown):
		writeError(w, &httpError{code: http.StatusBadRequest, msg: err.Error()})
	default:
		s.logger.Error("Audit preparation failed", logger.Error(err))
		writeError(w, &httpError{code: http.StatusInternalServerError, msg: "internal error"})
	}
}

type limitResponse struct {
	Error           string `json:"error"`
	UpgradeURL      string `json:"upgradeUrl"`
	AuditsRemaining int    `json:"auditsRemaining"`
	AuditsLimit     int    `json:"auditsLimit"`
}

func statusError(err error) *httpError {
	if errors.Is(err, ports.ErrNotFound) {
		return &httpError{code: http.StatusNotFound, msg: "audit not found"}
	}
	return &httpError{code: http.StatusInternalServerError, msg: "internal error"}
}

type httpError struct {
	code int
	msg  string
}

func (e *httpError) Error() string { return e.msg }

func writeError(w http.ResponseWriter, e *httpError) {
	writeJSON(w, e.code, map[string]string{"error": e.msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("HTTP request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Duration("duration", time.Since(start)),
			logger.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
