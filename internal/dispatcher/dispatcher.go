// Package dispatcher delivers assigned task batches to agents over HTTP,
// retries on transient failure, and reacts to unreachable or refusing
// agents. The dispatcher is an HTTP client only — agents are treated as
// remote peers with a documented protocol, never served locally.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/guidow/pyfarm-master/internal/store"
)

// userAgent is the fixed string every outbound request to an agent carries.
const userAgent = "pyfarm-master/1.0"

// ErrAgentUnavailable is returned when the target agent is offline or
// disabled at dispatch time.
var ErrAgentUnavailable = fmt.Errorf("agent unavailable")

// ErrUnexpectedResponse is returned when an agent responds with a status
// code outside the documented whitelist for the call made.
var ErrUnexpectedResponse = fmt.Errorf("unexpected response from agent")

// Dispatcher sends the agent HTTP protocol calls and implements the
// retry/offline-marking disposition and the documented response-code
// handling for each call.
type Dispatcher struct {
	store      *store.Store
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	maxRetries     int
	requestTimeout time.Duration
}

// Config configures a Dispatcher.
type Config struct {
	MaxRetries     int
	RequestTimeout time.Duration
	// RatePerSecond bounds outbound requests to agents; 0 disables limiting.
	RatePerSecond float64
	Logger        *slog.Logger
}

// New builds a Dispatcher.
func New(st *store.Store, cfg Config) *Dispatcher {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Dispatcher{
		store:          st,
		httpClient:     &http.Client{Timeout: cfg.RequestTimeout},
		limiter:        rate.NewLimiter(limit, 1),
		logger:         cfg.Logger,
		maxRetries:     cfg.MaxRetries,
		requestTimeout: cfg.RequestTimeout,
	}
}

// SetRatePerSecond updates the outbound rate limit in place, e.g. from a
// config hot-reload; a non-positive value means unlimited.
func (d *Dispatcher) SetRatePerSecond(perSecond float64) {
	if perSecond <= 0 {
		d.limiter.SetLimit(rate.Inf)
		return
	}
	d.limiter.SetLimit(rate.Limit(perSecond))
}

// assignMessage is the body POSTed to /assign, one per job among an
// agent's current tasks.
type assignMessage struct {
	Job struct {
		ID      int64          `json:"id"`
		Title   string         `json:"title"`
		Data    map[string]any `json:"data"`
		Environ map[string]any `json:"environ"`
		By      float64        `json:"by"`
	} `json:"job"`
	JobType struct {
		Name    string `json:"name"`
		Version int    `json:"version"`
	} `json:"jobtype"`
	Tasks []assignTask `json:"tasks"`
}

type assignTask struct {
	ID      int64   `json:"id"`
	Frame   float64 `json:"frame"`
	Attempt int     `json:"attempt"`
}

// SendTasksToAgent implements send_tasks_to_agent: it fetches the
// agent's current non-terminal tasks, groups them by job, and POSTs one
// message per job to <agent>/assign.
func (d *Dispatcher) SendTasksToAgent(ctx context.Context, agentID int64) error {
	agent, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("send tasks to agent: %w", err)
	}
	if agent.State == store.AgentOffline || agent.State == store.AgentDisabled {
		return ErrAgentUnavailable
	}
	if agent.UseAddress == store.UsePassive {
		return nil
	}

	tasks, err := d.store.TasksForAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("send tasks to agent: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}

	byJob := make(map[int64][]*store.Task)
	var jobOrder []int64
	for _, t := range tasks {
		if _, ok := byJob[t.JobID]; !ok {
			jobOrder = append(jobOrder, t.JobID)
		}
		byJob[t.JobID] = append(byJob[t.JobID], t)
	}

	for _, jobID := range jobOrder {
		job, err := d.store.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("send tasks to agent: %w", err)
		}
		jtv, err := d.store.GetJobTypeVersion(ctx, job.JobTypeVersionID)
		if err != nil {
			return fmt.Errorf("send tasks to agent: %w", err)
		}

		msg := assignMessage{}
		msg.Job.ID = job.ID
		msg.Job.Title = job.Title
		msg.Job.Data = job.Data
		msg.Job.Environ = job.Environ
		msg.Job.By = job.By
		msg.JobType.Version = jtv.Version
		for _, t := range byJob[jobID] {
			msg.Tasks = append(msg.Tasks, assignTask{ID: t.ID, Frame: t.Frame, Attempt: t.Attempts})
		}

		status, err := d.post(ctx, agent.APIURL()+"/assign", msg)
		if err != nil {
			if markErr := d.store.SetAgentState(ctx, agentID, store.AgentOffline); markErr != nil {
				d.logf("mark agent offline after unreachable: %v", markErr)
			}
			return fmt.Errorf("send tasks to agent: %w", err)
		}

		switch {
		case status == 200 || status == 201 || status == 202:
			// success
		case status == 503:
			if err := d.store.SetAgentState(ctx, agentID, store.AgentOffline); err != nil {
				return fmt.Errorf("send tasks to agent: mark offline: %w", err)
			}
			for _, t := range byJob[jobID] {
				t.AgentID = nil
				t.Attempts--
				if err := d.store.PersistTask(ctx, t); err != nil {
					return fmt.Errorf("send tasks to agent: unassign after 503: %w", err)
				}
			}
		default:
			d.logf("unexpected /assign response from agent %d: %d", agentID, status)
			return ErrUnexpectedResponse
		}
	}

	return nil
}

// StopTask implements stop_task: DELETE <agent>/tasks/<id>; on
// acceptance the task is cleared locally.
func (d *Dispatcher) StopTask(ctx context.Context, taskID int64) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("stop task: %w", err)
	}
	if task.State.IsTerminal() || task.AgentID == nil {
		return nil
	}

	agent, err := d.store.GetAgent(ctx, *task.AgentID)
	if err != nil {
		return fmt.Errorf("stop task: %w", err)
	}

	status, err := d.delete(ctx, fmt.Sprintf("%s/tasks/%d", agent.APIURL(), taskID))
	if err != nil {
		return fmt.Errorf("stop task: %w", err)
	}
	if !acceptable(status, 200, 202, 204, 404) {
		return ErrUnexpectedResponse
	}

	task.AgentID = nil
	task.State = store.StateQueued
	return d.store.PersistTask(ctx, task)
}

// DeleteTask implements delete_task: unassigned/terminal tasks are
// removed locally without contacting the agent; otherwise the agent is
// told first. When the owning job is to_be_deleted and empties out, the
// job is removed too.
func (d *Dispatcher) DeleteTask(ctx context.Context, taskID int64) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	if !task.State.IsTerminal() && task.AgentID != nil {
		agent, err := d.store.GetAgent(ctx, *task.AgentID)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		status, err := d.delete(ctx, fmt.Sprintf("%s/tasks/%d", agent.APIURL(), taskID))
		if err != nil {
			d.logf("delete task: agent unreachable, removing locally anyway: %v", err)
		} else if !acceptable(status, 200, 202, 204, 404) {
			return ErrUnexpectedResponse
		}
	}

	if err := d.store.DeleteTask(ctx, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	if _, err := d.store.DeleteJobIfEmpty(ctx, task.JobID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// agentTaskRef is one entry in the GET <agent>/tasks/ response: just
// enough of the agent-local task record to reconcile ids against the store.
type agentTaskRef struct {
	ID int64 `json:"id"`
}

// GetAgentTasks implements the documented GET <agent>/tasks/ call: it
// returns the task ids the agent currently holds, so the poller can diff
// them against what the store thinks is assigned.
func (d *Dispatcher) GetAgentTasks(ctx context.Context, agentID int64) ([]int64, error) {
	agent, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("get agent tasks: %w", err)
	}
	if agent.UseAddress == store.UsePassive {
		return nil, nil
	}

	status, body, err := d.get(ctx, agent.APIURL()+"/tasks/")
	if err != nil {
		return nil, fmt.Errorf("get agent tasks: %w", err)
	}
	if !acceptable(status, 200) {
		return nil, ErrUnexpectedResponse
	}

	var refs []agentTaskRef
	if err := json.Unmarshal(body, &refs); err != nil {
		return nil, fmt.Errorf("get agent tasks: decode response: %w", err)
	}

	ids := make([]int64, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	return ids, nil
}

// UpdateAgent implements update_agent: POST {version: upgrade_to}
// to <agent>/update.
func (d *Dispatcher) UpdateAgent(ctx context.Context, agentID int64) error {
	agent, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}

	body := map[string]string{"version": agent.UpgradeTo}
	status, err := d.post(ctx, agent.APIURL()+"/update", body)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if !acceptable(status, 200, 202) {
		return ErrUnexpectedResponse
	}
	return nil
}

// post issues a retried POST, honoring the configured rate limiter and
// per-request timeout.
func (d *Dispatcher) post(ctx context.Context, url string, body any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}
	status, _, err := d.doWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	return status, err
}

func (d *Dispatcher) delete(ctx context.Context, url string) (int, error) {
	status, _, err := d.doWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	})
	return status, err
}

// get issues a retried GET and returns the response body alongside the
// status, for calls like /tasks/ whose payload the caller needs to decode.
func (d *Dispatcher) get(ctx context.Context, url string) (int, []byte, error) {
	return d.doWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	})
}

// doWithRetry implements the connection-failure retry rule: build and
// fire the request up to maxRetries+1 times,
// returning the first response received at all, or the last error once
// the budget is exhausted.
func (d *Dispatcher) doWithRetry(ctx context.Context, build func(context.Context) (*http.Request, error)) (int, []byte, error) {
	var lastErr error
	attempts := d.maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return 0, nil, fmt.Errorf("rate limiter: %w", err)
		}

		reqCtx := ctx
		var cancel context.CancelFunc
		if d.requestTimeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, d.requestTimeout)
		}

		req, err := build(reqCtx)
		if err != nil {
			if cancel != nil {
				cancel()
			}
			return 0, nil, err
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := d.httpClient.Do(req)
		if cancel != nil {
			defer cancel()
		}
		if err != nil {
			lastErr = err
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return resp.StatusCode, body, nil
	}

	return 0, nil, fmt.Errorf("agent unreachable after %d attempts: %w", attempts, lastErr)
}

func acceptable(status int, ok ...int) bool {
	for _, s := range ok {
		if status == s {
			return true
		}
	}
	return false
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Warn(fmt.Sprintf(format, args...))
}
