// Package httpapi exposes the snapshot orchestrator as a small JSON RPC
// surface over HTTP.
//
// Identity is taken from the X-Workspace-ID and X-Actor-ID headers, which an
// upstream authentication proxy is expected to set. A request body naming a
// different workspace is rejected.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/tenantsnap/pkg/engine"
	"github.com/wilhg/tenantsnap/pkg/errmodel"
	"github.com/wilhg/tenantsnap/pkg/otel"
)

const (
	HeaderWorkspace = "X-Workspace-ID"
	HeaderActor     = "X-Actor-ID"

	maxBodyBytes = 1 << 20
)

// Server routes HTTP requests to an Orchestrator.
type Server struct {
	o       *engine.Orchestrator
	log     zerolog.Logger
	metrics http.Handler
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option { return func(s *Server) { s.log = l } }

// WithMetricsHandler serves h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

func New(o *engine.Orchestrator, opts ...Option) *Server {
	s := &Server{o: o, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the traced mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.HandleFunc("POST /capture", s.tenant(s.capture))
	mux.HandleFunc("POST /preview", s.tenant(s.preview))
	mux.HandleFunc("POST /restore", s.tenant(s.restore))
	mux.HandleFunc("POST /providers", s.tenant(s.providers))
	mux.HandleFunc("GET /export", s.tenant(s.export))
	mux.HandleFunc("GET /snapshots", s.tenant(s.snapshots))
	return otelhttp.NewHandler(s.logged(mux), "snapshotd")
}

type identity struct {
	workspace string
	actor     string
}

type tenantHandler func(w http.ResponseWriter, r *http.Request, id identity)

func (s *Server) tenant(h tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := identity{workspace: r.Header.Get(HeaderWorkspace), actor: r.Header.Get(HeaderActor)}
		if id.workspace == "" || id.actor == "" {
			errmodel.WriteHTTP(w, r, errmodel.Policy("unauthorized", "missing "+HeaderWorkspace+" or "+HeaderActor+" header", nil))
			return
		}
		h(w, r, id)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log := otel.LoggerWithTrace(r.Context(), s.log)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("workspace_id", r.Header.Get(HeaderWorkspace)).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

// decode reads a JSON body. An empty body leaves v unchanged.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errmodel.Validation("invalid_request", "malformed request body: "+err.Error(), nil)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sameTenant rejects a body workspace that does not match the caller's.
func sameTenant(id identity, bodyWorkspace string) error {
	if bodyWorkspace != "" && bodyWorkspace != id.workspace {
		return errmodel.Policy("forbidden", "workspace_id does not match the caller's workspace", map[string]any{"workspace_id": bodyWorkspace})
	}
	return nil
}

type captureRequest struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Type        string `json:"snapshot_type,omitempty"`
}

func (s *Server) capture(w http.ResponseWriter, r *http.Request, id identity) {
	var req captureRequest
	if err := decode(w, r, &req); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	if err := sameTenant(id, req.WorkspaceID); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	res, err := s.o.Capture(r.Context(), engine.CaptureRequest{
		WorkspaceID: id.workspace,
		Actor:       id.actor,
		Reason:      req.Reason,
		Type:        req.Type,
	})
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type snapshotRequest struct {
	SnapshotID        string `json:"snapshot_id"`
	ConfirmationToken string `json:"confirmation_token,omitempty"`
}

func (s *Server) preview(w http.ResponseWriter, r *http.Request, id identity) {
	var req snapshotRequest
	if err := decode(w, r, &req); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	res, err := s.o.Preview(r.Context(), engine.PreviewRequest{SnapshotID: req.SnapshotID, WorkspaceID: id.workspace, Actor: id.actor})
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) restore(w http.ResponseWriter, r *http.Request, id identity) {
	var req snapshotRequest
	if err := decode(w, r, &req); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	res, err := s.o.Restore(r.Context(), engine.RestoreRequest{
		SnapshotID:        req.SnapshotID,
		WorkspaceID:       id.workspace,
		Actor:             id.actor,
		ConfirmationToken: req.ConfirmationToken,
	})
	if err != nil {
		var extra map[string]any
		if res.State != "" {
			extra = map[string]any{"result": res}
		}
		errmodel.WriteHTTPWith(w, r, err, extra)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type providersRequest struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
}

type providersResponse struct {
	Providers []engine.EffectiveProvider `json:"providers"`
}

func (s *Server) providers(w http.ResponseWriter, r *http.Request, id identity) {
	var req providersRequest
	if err := decode(w, r, &req); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	if err := sameTenant(id, req.WorkspaceID); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	ps, err := s.o.Providers(r.Context(), id.workspace)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, providersResponse{Providers: ps})
}

func (s *Server) export(w http.ResponseWriter, r *http.Request, id identity) {
	res, err := s.o.Export(r.Context(), r.URL.Query().Get("snapshot_id"), id.workspace)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="snapshot-`+res.Snapshot.ID+`.json"`)
	writeJSON(w, http.StatusOK, res)
}

type snapshotsResponse struct {
	Snapshots []engine.SnapshotInfo `json:"snapshots"`
}

func (s *Server) snapshots(w http.ResponseWriter, r *http.Request, id identity) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errmodel.WriteHTTP(w, r, errmodel.Validation("invalid_request", "limit must be a non-negative integer", map[string]any{"limit": v}))
			return
		}
		limit = n
	}
	list, err := s.o.ListSnapshots(r.Context(), id.workspace, limit)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	if list == nil {
		list = []engine.SnapshotInfo{}
	}
	writeJSON(w, http.StatusOK, snapshotsResponse{Snapshots: list})
}
