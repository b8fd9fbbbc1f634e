package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/brianly1003/wsgate/internal/collab"
	"github.com/brianly1003/wsgate/internal/domain"
	"github.com/brianly1003/wsgate/internal/environment"
	"github.com/brianly1003/wsgate/internal/execution"
	"github.com/brianly1003/wsgate/internal/preview"
)

// maxPreviewWait caps the wait query parameter of the preview route.
const maxPreviewWait = time.Minute

// createEnvironmentRequest is the optional body of POST .../environment.
type createEnvironmentRequest struct {
	CPUPercent int `json:"cpuPercent"`
	MemoryMB   int `json:"memoryMB"`
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status       string         `json:"status"`
	Version      string         `json:"version"`
	Uptime       string         `json:"uptime"`
	Environments map[string]int `json:"environments"`
	PTYSessions  int            `json:"ptySessions"`
	Previews     map[string]int `json:"previews"`
	PortsInUse   int            `json:"portsInUse"`
	Connections  int            `json:"connections"`
}

// environmentStatus is the body of GET .../environment.
type environmentStatus struct {
	*environment.Info
	Clients []string `json:"clients"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		Version:      s.deps.Version,
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		Environments: make(map[string]int),
		Previews:     make(map[string]int),
	}
	for state, n := range s.deps.Environments.Counts() {
		resp.Environments[string(state)] = n
	}
	if s.deps.PTYSessions != nil {
		resp.PTYSessions = s.deps.PTYSessions()
	}
	if s.deps.PreviewCount != nil {
		for status, n := range s.deps.PreviewCount() {
			resp.Previews[string(status)] = n
		}
	}
	if s.deps.PortsInUse != nil {
		resp.PortsInUse = s.deps.PortsInUse()
	}
	if s.deps.Gateway != nil {
		resp.Connections = s.deps.Gateway.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleWebSocket handles GET /ws/projects/{projectId}
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}
	if s.deps.Gateway == nil {
		writeErrorCode(w, http.StatusServiceUnavailable, "UNAVAILABLE", "realtime gateway is not running")
		return
	}
	s.deps.Gateway.ServeProject(w, r, projectID)
}

// handleListEnvironments handles GET /api/environments
func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs := s.deps.Environments.List()
	if envs == nil {
		envs = []*environment.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": envs})
}

// handleGetEnvironment handles GET /api/projects/{projectId}/environment
func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}
	info, err := s.deps.Environments.Status(projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := environmentStatus{Info: info, Clients: []string{}}
	if s.deps.Gateway != nil {
		if clients := s.deps.Gateway.ProjectClients(projectID); len(clients) > 0 {
			resp.Clients = clients
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCreateEnvironment handles POST /api/projects/{projectId}/environment.
// It answers 201 for a new environment and 200 when one was already live.
func (s *Server) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}
	var req createEnvironmentRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	existed := false
	if prev, err := s.deps.Environments.Status(projectID); err == nil {
		existed = prev.State == environment.StateStarting || prev.State == environment.StateRunning
	}

	info, err := s.deps.Environments.Create(r.Context(), projectID, environment.Limits{
		CPUPercent: req.CPUPercent,
		MemoryMB:   req.MemoryMB,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	writeJSON(w, status, info)
}

// handleStopEnvironment handles POST .../environment/stop and DELETE .../environment
func (s *Server) handleStopEnvironment(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}
	info, err := s.deps.Environments.Stop(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleExec handles POST /api/projects/{projectId}/environment/exec
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}
	if s.deps.Executor == nil {
		writeErrorCode(w, http.StatusServiceUnavailable, "UNAVAILABLE", "exec is not enabled")
		return
	}
	var req execution.Request
	if !decodeBody(w, r, &req, false) {
		return
	}
	res, err := s.deps.Executor.Run(r.Context(), projectID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleGetPreview handles GET /api/projects/{projectId}/preview. With
// ?wait=<duration> a starting preview is held until it is ready, has failed
// or the wait ends.
func (s *Server) handleGetPreview(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}
	if s.deps.Previews == nil {
		writeErrorCode(w, http.StatusServiceUnavailable, "UNAVAILABLE", "previews are not enabled")
		return
	}
	wait, err := waitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	env, err := s.deps.Environments.Status(projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := s.deps.Previews.Get(env.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	if wait > 0 && info.Status == preview.StatusStarting {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		ready, err := s.deps.Previews.WaitReady(ctx, info.ID)
		switch {
		case err == nil:
			info = ready
		case ctx.Err() != nil && ready != nil:
			// Still starting when the wait ran out
			info = ready
		default:
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, info)
}

// waitParam parses the optional wait duration.
func waitParam(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, domain.NewValidationError("wait", "must be a non-negative duration such as 10s")
	}
	return min(d, maxPreviewWait), nil
}

// handleListDocuments handles GET /api/projects/{projectId}/documents
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}
	if s.deps.Documents == nil {
		writeErrorCode(w, http.StatusServiceUnavailable, "UNAVAILABLE", "documents are not enabled")
		return
	}
	docs, err := s.deps.Documents.Documents(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	if docs == nil {
		docs = []collab.DocumentInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// handleDiscardDocument handles DELETE /api/projects/{projectId}/documents/{fileId}
func (s *Server) handleDiscardDocument(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectParam(w, r)
	if !ok {
		return
	}
	if s.deps.Documents == nil {
		writeErrorCode(w, http.StatusServiceUnavailable, "UNAVAILABLE", "documents are not enabled")
		return
	}
	if err := s.deps.Documents.Discard(r.Context(), projectID, mux.Vars(r)["fileId"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// projectParam reads and validates the projectId route variable.
func projectParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	projectID := mux.Vars(r)["projectId"]
	if err := environment.ValidateProjectID(projectID); err != nil {
		writeError(w, err)
		return "", false
	}
	return projectID, true
}

// decodeBody parses a JSON body into v. An empty body is accepted when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(w, domain.NewValidationError("body", err.Error()))
	return false
}
