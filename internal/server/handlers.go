package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/guidow/pyfarm-master/internal/query"
	"github.com/guidow/pyfarm-master/internal/store"
)

// apiResponse is the JSON envelope every REST endpoint responds
// with: either {"data": ...} on success or {"error": "..."} on failure.
type apiResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Error: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.hub, w, r)
}

func pathInt64(r *http.Request, key string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, key), 10, 64)
}

// withParam returns a shallow copy of r with "param.<key>" set in the query
// string, the convention internal/query's static view filters read scoping
// parameters from (see ViewSchema.Params).
func withParam(r *http.Request, key, value string) *http.Request {
	q := r.URL.Query()
	q.Set("param."+key, value)
	r2 := r.Clone(r.Context())
	u := *r.URL
	u.RawQuery = q.Encode()
	r2.URL = &u
	return r2
}

// respondQueryError maps a query.QueryError to 400; anything else is a
// server-side failure.
func respondQueryError(w http.ResponseWriter, err error) {
	if qerr, ok := err.(*query.QueryError); ok {
		respondError(w, http.StatusBadRequest, qerr.Message)
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

// --- Agents ---------------------------------------------------------------

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	page, err := s.runView(r, agentsView)
	if err != nil {
		respondQueryError(w, err)
		return
	}
	respond(w, http.StatusOK, page)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	agent, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "agent not found")
		return
	}
	respond(w, http.StatusOK, agent)
}

// handleUpsertAgent implements L1: POST/PUT with the same (hostname, port)
// twice produces one agent, updating the second time.
func (s *Server) handleUpsertAgent(w http.ResponseWriter, r *http.Request) {
	var agent store.Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if agent.State == "" {
		agent.State = store.AgentOnline
	}

	saved, err := s.store.UpsertAgent(r.Context(), &agent)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.hub.BroadcastToView("agents", saved)
	respond(w, http.StatusOK, saved)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	if err := s.dispatcher.UpdateAgent(r.Context(), id); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respond(w, http.StatusAccepted, nil)
}

// --- Job queues -------------------------------------------------------

func (s *Server) handleListJobQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.store.ChildQueues(r.Context(), nil)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, queues)
}

func (s *Server) handleGetJobQueue(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job queue id")
		return
	}
	q, err := s.store.GetJobQueue(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "job queue not found")
		return
	}
	respond(w, http.StatusOK, q)
}

func (s *Server) handleCreateJobQueue(w http.ResponseWriter, r *http.Request) {
	var q store.JobQueue
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := s.store.CreateJobQueue(r.Context(), &q)
	if err != nil {
		if err == store.ErrDuplicateName {
			respondError(w, http.StatusConflict, "a root job queue with that name already exists")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusCreated, created)
}

// handleDeleteJobQueue rejects deleting a queue that still has child
// queues or jobs attached.
func (s *Server) handleDeleteJobQueue(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job queue id")
		return
	}
	if err := s.store.DeleteJobQueue(r.Context(), id); err != nil {
		switch err {
		case store.ErrQueueHasChildren:
			respondError(w, http.StatusConflict, "job queue has child queues or jobs")
		case store.ErrNotFound:
			respondError(w, http.StatusNotFound, "job queue not found")
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respond(w, http.StatusNoContent, nil)
}

// --- Jobs --------------------------------------------------------------

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	queueIDParam := r.URL.Query().Get("job_queue_id")
	if queueIDParam == "" {
		respondError(w, http.StatusBadRequest, "job_queue_id is required")
		return
	}
	if _, err := strconv.ParseInt(queueIDParam, 10, 64); err != nil {
		respondError(w, http.StatusBadRequest, "invalid job_queue_id")
		return
	}

	page, err := s.runView(withParam(r, "job_queue_id", queueIDParam), jobsByQueueView)
	if err != nil {
		respondQueryError(w, err)
		return
	}
	respond(w, http.StatusOK, page)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "job_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respond(w, http.StatusOK, job)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var job store.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job.TimeSubmitted = time.Now()

	created, err := s.store.CreateJob(r.Context(), &job)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.hub.BroadcastToView("jobs", created)
	respond(w, http.StatusCreated, created)
}

// handleDeleteJob marks a job to_be_deleted; it's removed outright if it
// already has no tasks, otherwise removal happens once its last task
// finishes being deleted.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "job_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	deleted, err := s.store.MarkJobToBeDeleted(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			respondError(w, http.StatusNotFound, "job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		// The recheck runs after this request's context is gone, so it's
		// scheduled against a background context rather than r.Context().
		s.scheduler.ScheduleJobDeleteRecheck(context.Background(), id)
	}
	respond(w, http.StatusNoContent, nil)
}

// --- Tasks ---------------------------------------------------------------

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathInt64(r, "job_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	page, err := s.runView(withParam(r, "job_id", strconv.FormatInt(jobID, 10)), tasksByJobView)
	if err != nil {
		respondQueryError(w, err)
		return
	}
	respond(w, http.StatusOK, page)
}

// handleUpdateTask is an agent- or operator-driven task state update. It
// resolves the job strictly from the job_id path variable, so a task
// update never resolves against the wrong job.
func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathInt64(r, "job_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	taskID, err := pathInt64(r, "task_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}

	before, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}
	if before.JobID != job.ID {
		respondError(w, http.StatusNotFound, "task does not belong to job")
		return
	}

	var patch struct {
		State     *string `json:"state"`
		LastError *string `json:"last_error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	after := *before
	if patch.State != nil {
		after.State = store.WorkState(*patch.State)
		now := time.Now()
		switch after.State {
		case store.StateRunning:
			after.TimeStarted = &now
		case store.StateDone, store.StateFailed:
			after.TimeFinished = &now
		}
	}
	if patch.LastError != nil {
		after.LastError = patch.LastError
	}

	result, err := s.store.CommitTaskChange(r.Context(), *before, after, func(e store.Effect) {
		s.hub.BroadcastToView("tasks", e)
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathInt64(r, "task_id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	if err := s.dispatcher.DeleteTask(r.Context(), taskID); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respond(w, http.StatusNoContent, nil)
}

// --- Tags ------------------------------------------------------------------

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.store.ListTags(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, tags)
}

func (s *Server) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := s.store.UpsertTag(r.Context(), body.Name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]any{"id": id, "name": body.Name})
}

// --- Software ----------------------------------------------------------

func (s *Server) handleListSoftware(w http.ResponseWriter, r *http.Request) {
	software, err := s.store.ListSoftware(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, software)
}

func (s *Server) handleCreateSoftware(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Software string `json:"software"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Software == "" {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sw, err := s.store.UpsertSoftware(r.Context(), body.Software)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, sw)
}

// --- Job types ---------------------------------------------------------

func (s *Server) handleListJobTypes(w http.ResponseWriter, r *http.Request) {
	jobTypes, err := s.store.ListJobTypes(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, jobTypes)
}

func (s *Server) handleCreateJobType(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	jt, err := s.store.CreateJobType(r.Context(), body.Name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusCreated, jt)
}
