// Package mockgateway provides an in-process fake Resource Fetch Gateway
// for tests and local development.
//
// It serves the children, status, create, sync and delete endpoints over
// httptest, with per-endpoint request counters and scripted status
// responses so tests can drive a scope from pending to settled.
//
// Usage:
//
//	s := mockgateway.New(
//		mockgateway.WithChildren("", rootNodes),
//		mockgateway.WithStatusScript("/docs", step1, step2),
//	)
//	defer s.Close()
//	client := gateway.New(gateway.Config{BaseURL: s.URL})
package mockgateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/google/uuid"

	"github.com/canopyhq/canopy/pkg/models"
	"github.com/canopyhq/canopy/pkg/protocol"
)

// Server wraps an httptest.Server with a preconfigured gateway backend.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	// children is keyed by parent node ID; "" is the drive root.
	children map[string][]models.Node

	// statusScripts maps a path prefix to the sequence of status maps
	// returned on successive polls of that scope. The last step repeats
	// once the script is exhausted.
	statusScripts map[string][]map[string]models.Status
	statusCalls   map[string]int

	childrenCalls map[string]int
	childrenFails map[string]int

	deleteOrder []string
	deleteFails map[string]bool

	kbs       map[string]protocol.CreateKBRequest
	syncCalls []string

	authToken string
}

// Option configures a mock gateway.
type Option func(*Server)

// WithChildren seeds the children fragment for a parent ID ("" = root).
func WithChildren(parentID string, nodes []models.Node) Option {
	return func(s *Server) {
		s.children[parentID] = nodes
	}
}

// WithStatusScript seeds the status responses for a path prefix. Each call
// to the status endpoint for that prefix consumes one step; the last step
// repeats.
func WithStatusScript(prefix string, steps ...map[string]models.Status) Option {
	return func(s *Server) {
		s.statusScripts[prefix] = steps
	}
}

// WithChildrenFailures makes the next n children requests for a parent
// fail with 500 before succeeding.
func WithChildrenFailures(parentID string, n int) Option {
	return func(s *Server) {
		s.childrenFails[parentID] = n
	}
}

// WithDeleteFailure makes deletion of the given full path fail with 500.
func WithDeleteFailure(fullPath string) Option {
	return func(s *Server) {
		s.deleteFails[fullPath] = true
	}
}

// WithAuthToken requires the given bearer token on every request.
func WithAuthToken(token string) Option {
	return func(s *Server) {
		s.authToken = token
	}
}

// New creates and starts a mock gateway.
func New(opts ...Option) *Server {
	s := NewUnstarted(opts...)
	s.Server = httptest.NewServer(s.Handler())
	return s
}

// NewUnstarted creates a mock gateway without starting an HTTP listener.
// The caller serves Handler() itself (the canopy mock-gateway command does
// this behind logging middleware).
func NewUnstarted(opts ...Option) *Server {
	s := &Server{
		children:      make(map[string][]models.Node),
		statusScripts: make(map[string][]map[string]models.Status),
		statusCalls:   make(map[string]int),
		childrenCalls: make(map[string]int),
		childrenFails: make(map[string]int),
		deleteFails:   make(map[string]bool),
		kbs:           make(map[string]protocol.CreateKBRequest),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the gateway's HTTP handler, usable standalone (the
// canopy mock-gateway command serves it behind logging middleware).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/children", s.handleChildren)
	mux.HandleFunc("GET /api/v1/kb/{kb}/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/kb", s.handleCreateKB)
	mux.HandleFunc("POST /api/v1/kb/{kb}/sync", s.handleSync)
	mux.HandleFunc("DELETE /api/v1/kb/{kb}/resource", s.handleDelete)
	return s.authenticated(mux)
}

func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" && r.Header.Get("Authorization") != "Bearer "+s.authToken {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	parentID := r.URL.Query().Get("parent_id")

	s.mu.Lock()
	s.childrenCalls[parentID]++
	if s.childrenFails[parentID] > 0 {
		s.childrenFails[parentID]--
		s.mu.Unlock()
		writeError(w, http.StatusInternalServerError, "injected failure")
		return
	}
	nodes, ok := s.children[parentID]
	s.mu.Unlock()

	if !ok && parentID != "" {
		writeError(w, http.StatusNotFound, "unknown parent")
		return
	}
	writeJSON(w, http.StatusOK, protocol.ChildrenResponse{Nodes: nodes})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	s.mu.Lock()
	call := s.statusCalls[prefix]
	s.statusCalls[prefix]++
	steps := s.statusScripts[prefix]
	s.mu.Unlock()

	var step map[string]models.Status
	if len(steps) > 0 {
		if call >= len(steps) {
			call = len(steps) - 1
		}
		step = steps[call]
	}

	resp := protocol.StatusResponse{Nodes: []protocol.NodeStatus{}}
	for id, st := range step {
		resp.Nodes = append(resp.Nodes, protocol.NodeStatus{ID: id, Status: st})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateKB(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateKBRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.kbs[id] = req
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, protocol.CreateKBResponse{ID: id})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.syncCalls = append(s.syncCalls, r.PathValue("kb"))
	s.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")

	s.mu.Lock()
	s.deleteOrder = append(s.deleteOrder, path)
	fail := s.deleteFails[path]
	s.mu.Unlock()

	if fail {
		writeError(w, http.StatusInternalServerError, "injected delete failure")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ChildrenCalls returns how many times the children endpoint was hit for a
// parent. Use this in tests that verify caching behavior.
func (s *Server) ChildrenCalls(parentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childrenCalls[parentID]
}

// StatusCalls returns how many times the status endpoint was polled for a
// prefix.
func (s *Server) StatusCalls(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCalls[prefix]
}

// DeleteOrder returns the full paths of deletion requests in arrival order.
func (s *Server) DeleteOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleteOrder...)
}

// SyncCalls returns the knowledge-base IDs that were synced, in order.
func (s *Server) SyncCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.syncCalls...)
}

// CreatedKB returns the creation request for a knowledge-base ID.
func (s *Server) CreatedKB(id string) (protocol.CreateKBRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.kbs[id]
	return req, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, protocol.ErrorResponse{Error: msg, Code: code})
}
