package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/floegence/agent-console/internal/sessionstore"
	"github.com/floegence/agent-console/internal/sysmon"
)

type ServerOptions struct {
	Logger *slog.Logger
	Port   int

	Service *Service
	Sysmon  *sysmon.Service

	// Version is the build version (used by /api/health).
	Version string
}

// Server is the local HTTP API consumed by the dashboard. It binds loopback
// only; remote exposure belongs to the platform gateway, not to this service.
type Server struct {
	log *slog.Logger

	port    int
	version string

	svc *Service
	mon *sysmon.Service

	ln4 net.Listener
	ln6 net.Listener
	srv *http.Server
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("missing Service")
	}
	port := opts.Port
	if port == 0 {
		port = 24110
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid Port: %d", port)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &Server{
		log:     logger,
		port:    port,
		version: strings.TrimSpace(opts.Version),
		svc:     opts.Service,
		mon:     opts.Sysmon,
	}, nil
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.srv != nil {
		return nil
	}

	addr4 := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.port))
	ln4, err := net.Listen("tcp", addr4)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr4, err)
	}
	addr6 := net.JoinHostPort("::1", strconv.Itoa(s.port))
	ln6, err := net.Listen("tcp", addr6)
	if err != nil {
		_ = ln4.Close()
		return fmt.Errorf("listen %s: %w", addr6, err)
	}

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ln4 = ln4
	s.ln6 = ln6

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	go func() {
		if err := s.srv.Serve(ln4); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped (ipv4)", "error", err)
		}
	}()
	go func() {
		if err := s.srv.Serve(ln6); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped (ipv6)", "error", err)
		}
	}()

	s.log.Info("api listening", "port", s.port)
	return nil
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	if s.ln4 != nil {
		_ = s.ln4.Close()
	}
	if s.ln6 != nil {
		_ = s.ln6.Close()
	}
	s.srv = nil
	s.ln4 = nil
	s.ln6 = nil
	return nil
}

func (s *Server) Port() int {
	if s == nil {
		return 0
	}
	return s.port
}

// Handler builds the API mux. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/transcript", s.handleTranscript)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleAppendMessage)
	mux.HandleFunc("POST /api/sessions/{id}/agent_status", s.handleAgentStatus)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResp struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	msg := "request failed"
	if err != nil && strings.TrimSpace(err.Error()) != "" {
		msg = strings.TrimSpace(err.Error())
	}
	status := http.StatusBadRequest
	if errors.Is(err, ErrSessionNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, errorResp{Error: msg})
}

type listSessionsResp struct {
	Sessions   []sessionstore.Session `json:"sessions"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	sessions, next, err := s.svc.ListSessions(r.Context(), limit, r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []sessionstore.Session{}
	}
	writeJSON(w, http.StatusOK, listSessionsResp{Sessions: sessions, NextCursor: next})
}

type createSessionReq struct {
	Title string `json:"title"`
}

type createSessionResp struct {
	Session sessionstore.Session `json:"session"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("invalid json"))
		return
	}
	sess, err := s.svc.CreateSession(r.Context(), req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createSessionResp{Session: *sess})
}

type okResp struct {
	OK bool `json:"ok"`
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResp{OK: true})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Transcript(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var req AppendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("invalid json"))
		return
	}
	out, err := s.svc.AppendMessage(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type agentStatusReq struct {
	Status string `json:"status"`
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req agentStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("invalid json"))
		return
	}
	if err := s.svc.UpdateAgentStatus(r.Context(), r.PathValue("id"), req.Status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResp{OK: true})
}

type healthResp struct {
	Status  string          `json:"status"`
	Version string          `json:"version,omitempty"`
	Host    *sysmon.Snapshot `json:"host,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResp{Status: "ok", Version: s.version}
	if s.mon != nil {
		snap := s.mon.GetSnapshot(r.Context())
		resp.Host = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}
