package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// taskRequest is the task portion of the submit body.
type taskRequest struct {
	Name     string `json:"name"`
	Script   string `json:"script"`
	WorkDir  string `json:"work_dir"`
	CPU      *int   `json:"cpu"`
	MemoryMB *int   `json:"memory_mb"`
}

// submitJobRequest is the JSON body for POST /api/v1/jobs.
type submitJobRequest struct {
	Backend string       `json:"backend"`
	Task    *taskRequest `json:"task"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Backend == "" {
		s.writeError(w, http.StatusBadRequest, "backend is required")
		return
	}
	if req.Task == nil || req.Task.Script == "" {
		s.writeError(w, http.StatusBadRequest, "task script is required")
		return
	}

	task := &model.Task{
		Name:     req.Task.Name,
		Script:   req.Task.Script,
		WorkDir:  req.Task.WorkDir,
		CPU:      req.Task.CPU,
		MemoryMB: req.Task.MemoryMB,
	}

	h, err := s.engine.Submit(r.Context(), task, req.Backend)
	if errors.Is(err, backend.ErrUnknownBackend) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		// The submission phase failed before a monitorable job existed. The
		// scheduler's own complaint is the useful part, so pass it through.
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	job, err := s.engine.PollState(h)
	if err != nil {
		s.logger.Error("snapshot submitted job", "job_id", h.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read submitted job")
		return
	}

	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.currentJob(r, id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, job)
}

// currentJob returns the live controller snapshot when the engine still holds
// the job, falling back to the stored record. Returns store.ErrNotFound when
// neither knows the id.
func (s *Server) currentJob(r *http.Request, id string) (*model.Job, error) {
	job, err := s.engine.PollState(engine.Handle{ID: id})
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, engine.ErrUnknownJob) {
		return nil, err
	}
	return s.store.GetJob(r.Context(), id)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	filter := store.JobFilter{
		State:   r.URL.Query().Get("state"),
		Backend: r.URL.Query().Get("backend"),
		Limit:   limit,
		Offset:  offset,
	}

	jobs, total, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.Cancel(engine.Handle{ID: id})
	if err == nil {
		job, perr := s.engine.PollState(engine.Handle{ID: id})
		if perr != nil {
			s.logger.Error("snapshot canceled job", "job_id", id, "error", perr)
			s.writeError(w, http.StatusInternalServerError, "failed to read job")
			return
		}
		s.writeJSON(w, http.StatusAccepted, job)
		return
	}
	if !errors.Is(err, engine.ErrUnknownJob) {
		s.logger.Error("cancel job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	// The engine no longer holds the job. A stored record means the job
	// already finished (or predates this process); cancel is a no-op on it.
	job, serr := s.store.GetJob(r.Context(), id)
	if errors.Is(serr, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if serr != nil {
		s.logger.Error("get job for cancel", "job_id", id, "error", serr)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
