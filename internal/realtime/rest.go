package realtime

import (
	"encoding/json"
	"log"
	"net/http"
)

type createSessionRequest struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd"`
}

type sessionInputRequest struct {
	Text string `json:"text"`
}

// restOperatorID extracts the caller identity, matching the WebSocket
// convention: `operator` query parameter, X-Operator-ID header as fallback.
func restOperatorID(r *http.Request) string {
	if op := r.URL.Query().Get("operator"); op != "" {
		return op
	}
	return r.Header.Get("X-Operator-ID")
}

// authorize rejects callers outside the operator allow-list before any side
// effect. Returns the operator id for audit attribution.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	op := restOperatorID(r)
	if !s.cfg.OperatorAllowed(op) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusForbidden)
		return "", false
	}
	return op, true
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Command == "" {
		http.Error(w, `{"error":"command is required"}`, http.StatusBadRequest)
		return
	}
	if req.Cwd == "" {
		http.Error(w, `{"error":"cwd is required"}`, http.StatusBadRequest)
		return
	}

	if s.registry.AtCapacity() {
		http.Error(w, `{"error":"maximum session limit reached"}`, http.StatusConflict)
		return
	}

	sess := s.registry.Create(req.Command, req.Cwd, envSummary())
	if err := s.registry.Start(sess.ID); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	if s.fileWatch != nil {
		if err := s.fileWatch.Watch(sess.ID, sess.Cwd); err != nil {
			log.Printf("session %s: watch workdir: %v", sess.ID, err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.registry.Get(id)
	if err != nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}

func (s *Server) handleSessionInput(w http.ResponseWriter, r *http.Request) {
	op, ok := s.authorize(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	var req sessionInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Text == "" {
		http.Error(w, `{"error":"text is required"}`, http.StatusBadRequest)
		return
	}

	if op == "" {
		op = "rest"
	}
	if err := s.registry.ForwardInput(id, req.Text, op); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"sent"}`))
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	id := r.PathValue("id")

	if err := s.registry.Cancel(id); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"cancelled"}`))
}
