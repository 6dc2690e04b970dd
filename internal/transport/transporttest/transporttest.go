// Package transporttest provides a gorilla/mux-routed ingest server for
// exercising internal/sync against a real HTTP round trip instead of an
// in-process fake: mux.NewRouter, .Methods(...) gating, a small
// panic-recovery wrapper, and a gateway-style JSON error envelope.
package transporttest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/mux"

	"github.com/kioskops/edge-sdk/internal/transport"
)

// Responder decides how the server answers one batch request. Tests supply
// one to script accept/reject/error sequences.
type Responder func(req transport.BatchRequest) (status int, resp transport.BatchResponse)

// Server is an httptest-backed mock ingest endpoint.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	responder Responder
	requests  []transport.BatchRequest
}

// NewServer starts a mock ingest server routing POST <path> to responder.
// If responder is nil, every batch is accepted in full.
func NewServer(path string, responder Responder) *Server {
	if responder == nil {
		responder = AcceptAll
	}
	s := &Server{responder: responder}

	r := mux.NewRouter()
	r.HandleFunc(path, s.handleBatch).Methods(http.MethodPost)
	s.Server = httptest.NewServer(recoverer(r))
	return s
}

// AcceptAll is the default Responder: every item is accepted.
func AcceptAll(req transport.BatchRequest) (int, transport.BatchResponse) {
	ids := make([]string, 0, len(req.Items))
	for _, it := range req.Items {
		ids = append(ids, it.ID)
	}
	return http.StatusOK, transport.BatchResponse{Accepted: ids, Rejected: nil}
}

// Requests returns every batch request received so far, in arrival order.
func (s *Server) Requests() []transport.BatchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.BatchRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// SetResponder swaps the active Responder, for scripting a sequence of
// outcomes (e.g. transient failure then success) across retries.
func (s *Server) SetResponder(r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = r
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req transport.BatchRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed batch request")
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	responder := s.responder
	s.mu.Unlock()

	status, resp := responder(req)
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if status >= 200 && status <= 299 {
		_ = json.NewEncoder(w).Encode(resp)
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	var eb errorBody
	eb.Error.Code = code
	eb.Error.Message = message
	_ = json.NewEncoder(w).Encode(eb)
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
