// Package api serves the incident HTTP API, signed blob downloads and the
// incident websocket on the goa muxer.
package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"ppewatch/internal/app"
	"ppewatch/internal/auth"
	"ppewatch/internal/blob"
	"ppewatch/internal/logger"
	authmw "ppewatch/internal/middleware"
	"ppewatch/internal/pipeline"
	"ppewatch/internal/store"
)

// StatsSource reports the live pipeline counters
type StatsSource interface {
	Stats() app.Stats
}

// IngestSource reports the counters of one camera ingestor
type IngestSource interface {
	Stats() pipeline.IngestStats
}

// Deps are the collaborators of the server. WS may be nil.
type Deps struct {
	Store         store.Store
	Blobs         blob.Storage
	Signer        *blob.Signer
	Authenticator *auth.Authenticator
	Pipeline      StatsSource
	Ingestors     []IngestSource
	WS            http.Handler
}

// Config holds the server settings
type Config struct {
	SignedTTL    time.Duration
	StoreTimeout time.Duration
	// Debug logs request and response bodies to stderr
	Debug bool
}

// Server holds the HTTP handlers
type Server struct {
	deps    Deps
	cfg     Config
	log     zerolog.Logger
	started time.Time
	mux     goahttp.Muxer
}

// New creates the API server
func New(deps Deps, cfg Config, log zerolog.Logger) *Server {
	if cfg.SignedTTL <= 0 {
		cfg.SignedTTL = time.Hour
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	return &Server{
		deps:    deps,
		cfg:     cfg,
		log:     log.With().Str("component", "api").Logger(),
		started: time.Now(),
	}
}

// Handler mounts every route and wraps the muxer with the auth, log and
// request id middlewares.
func (s *Server) Handler() http.Handler {
	mux := goahttp.NewMuxer()
	s.mux = mux
	mux.Handle(http.MethodGet, "/health", s.health)
	mux.Handle(http.MethodGet, "/api/v1/incidents", s.listIncidents)
	mux.Handle(http.MethodGet, "/api/v1/incidents/{id}", s.getIncident)
	mux.Handle(http.MethodGet, "/api/v1/stats", s.stats)
	mux.Handle(http.MethodPost, "/api/v1/auth/login", s.login)
	mux.Handle(http.MethodGet, "/blobs/{*key}", s.getBlob)
	if s.deps.WS != nil {
		mux.Handle(http.MethodGet, "/ws/incidents", s.deps.WS.ServeHTTP)
	}

	var handler http.Handler = mux
	if s.cfg.Debug {
		handler = httpmdlwr.Debug(mux, os.Stderr)(handler)
	}
	if s.deps.Authenticator != nil {
		handler = authmw.AuthMiddleware(s.deps.Authenticator, "/health", "/api/v1/auth/login", "/blobs/")(handler)
	}
	handler = httpmdlwr.Log(logger.NewGoaAdapter(s.log))(handler)
	handler = httpmdlwr.RequestID()(handler)
	return handler
}

// IncidentsResponse is the body of the incident list
type IncidentsResponse struct {
	Incidents []*store.Record `json:"incidents"`
	Count     int             `json:"count"`
}

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.StoreTimeout)
	defer cancel()

	recs, err := s.deps.Store.GetRecent(ctx, limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	for _, rec := range recs {
		s.sign(rec)
	}
	s.write(w, r, http.StatusOK, &IncidentsResponse{Incidents: recs, Count: len(recs)})
}

func (s *Server) getIncident(w http.ResponseWriter, r *http.Request) {
	id := s.mux.Vars(r)["id"]

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.StoreTimeout)
	defer cancel()

	rec, err := s.deps.Store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, r, http.StatusNotFound, "incident not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.sign(rec)
	s.write(w, r, http.StatusOK, rec)
}

// sign swaps blob locators for signed URLs. A signing failure leaves the
// field empty rather than leaking the raw locator.
func (s *Server) sign(rec *store.Record) {
	for _, field := range []*string{&rec.OriginalImageURL, &rec.AnnotatedImageURL, &rec.ReportURL} {
		if *field == "" {
			continue
		}
		url, err := s.deps.Blobs.SignedURL(*field, s.cfg.SignedTTL)
		if err != nil {
			s.log.Warn().Err(err).Str("report_id", rec.ReportID).Msg("failed to sign blob url")
			url = ""
		}
		*field = url
	}
}

func (s *Server) getBlob(w http.ResponseWriter, r *http.Request) {
	key := s.mux.Vars(r)["key"]
	if err := s.deps.Signer.Verify(r.URL.Query().Get("token"), key); err != nil {
		s.writeError(w, r, http.StatusForbidden, "invalid or expired blob token")
		return
	}

	data, err := s.deps.Blobs.Get(r.Context(), key)
	switch {
	case errors.Is(err, blob.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, "blob not found")
		return
	case errors.Is(err, blob.ErrInvalidKey):
		s.writeError(w, r, http.StatusBadRequest, "invalid blob key")
		return
	case err != nil:
		s.internalError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// StatsResponse is the body of /api/v1/stats
type StatsResponse struct {
	Pipeline app.Stats              `json:"pipeline"`
	Cameras  []pipeline.IngestStats `json:"cameras"`
	ByStatus map[string]int         `json:"by_status"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.StoreTimeout)
	defer cancel()

	counts, err := s.deps.Store.CountByStatus(ctx)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	resp := &StatsResponse{
		Cameras:  make([]pipeline.IngestStats, 0, len(s.deps.Ingestors)),
		ByStatus: counts,
	}
	if s.deps.Pipeline != nil {
		resp.Pipeline = s.deps.Pipeline.Stats()
	}
	for _, in := range s.deps.Ingestors {
		resp.Cameras = append(resp.Cameras, in.Stats())
	}
	s.write(w, r, http.StatusOK, resp)
}

// HealthResponse is the body of /health
type HealthResponse struct {
	Status     string `json:"status"`
	Uptime     string `json:"uptime"`
	QueueLen   int    `json:"queue_len"`
	QueueCap   int    `json:"queue_cap"`
	WorkerBusy bool   `json:"worker_busy"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := &HealthResponse{
		Status: "healthy",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	if s.deps.Pipeline != nil {
		st := s.deps.Pipeline.Stats()
		resp.QueueLen = st.QueueLen
		resp.QueueCap = st.QueueCap
		resp.WorkerBusy = st.Worker.Busy
	}
	s.write(w, r, http.StatusOK, resp)
}

// LoginRequest is the body of POST /api/v1/auth/login
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the issued token
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid login request")
		return
	}
	if s.deps.Authenticator == nil {
		s.writeError(w, r, http.StatusBadRequest, "authentication is not enabled")
		return
	}

	token, expiresAt, err := s.deps.Authenticator.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		s.writeError(w, r, http.StatusBadRequest, "authentication is not enabled")
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.log.Warn().Str("username", req.Username).Msg("failed login attempt")
		s.writeError(w, r, http.StatusUnauthorized, "invalid username or password")
		return
	case err != nil:
		s.internalError(w, r, err)
		return
	}
	s.write(w, r, http.StatusOK, &LoginResponse{Token: token, ExpiresAt: expiresAt})
}

// ErrorResponse is the body of every non-2xx JSON answer
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) write(w http.ResponseWriter, r *http.Request, status int, body any) {
	enc := goahttp.ResponseEncoder(r.Context(), w)
	w.WriteHeader(status)
	if err := enc.Encode(body); err != nil {
		s.log.Error().Err(err).Str("request_id", requestID(r.Context())).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.write(w, r, status, &ErrorResponse{Error: msg, RequestID: requestID(r.Context())})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	id := requestID(r.Context())
	s.log.Error().Err(err).Str("request_id", id).Str("path", r.URL.Path).Msg("request failed")
	s.write(w, r, http.StatusInternalServerError, &ErrorResponse{Error: "internal error", RequestID: id})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(middleware.RequestIDKey).(string)
	return id
}
