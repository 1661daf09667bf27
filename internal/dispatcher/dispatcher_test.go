package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guidow/pyfarm-master/internal/db"
	"github.com/guidow/pyfarm-master/internal/store"
)

var testDB *db.Embedded

func TestMain(m *testing.M) {
	embedded, err := db.NewEmbedded(&db.EmbeddedConfig{Port: 15435, Ephemeral: true})
	if err != nil {
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := embedded.Connect(ctx); err != nil {
		os.Exit(1)
	}
	if err := embedded.ApplyMigration(ctx, store.Migration()); err != nil {
		embedded.Close()
		os.Exit(1)
	}
	testDB = embedded
	code := m.Run()
	embedded.Close()
	os.Exit(code)
}

func resetTables(t *testing.T) {
	t.Helper()
	_, err := testDB.Exec(context.Background(), `TRUNCATE TABLE
		notification, job_notified_user, task_log_association, task_log,
		task, job_dependency, software_requirement, job, job_type_version,
		job_type, software_version, software, agent_tag, agent, tag, job_queue
		RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	resetTables(t)
	return store.New(testDB)
}

// newAgentAt upserts an agent whose APIURL resolves to the given httptest
// server, so the dispatcher's outbound calls land on it.
func newAgentAt(t *testing.T, ctx context.Context, s *store.Store, srv *httptest.Server) *store.Agent {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	agent, err := s.UpsertAgent(ctx, &store.Agent{
		Hostname:   u.Hostname(),
		Port:       port,
		State:      store.AgentOnline,
		UseAddress: store.UseHostname,
	})
	require.NoError(t, err)
	return agent
}

func newFixtureTask(t *testing.T, ctx context.Context, s *store.Store, agentID int64) *store.Task {
	t.Helper()
	jt, err := s.CreateJobType(ctx, "fixture-type")
	require.NoError(t, err)
	jtv, err := s.CreateJobTypeVersion(ctx, &store.JobTypeVersion{JobTypeID: jt.ID, Version: 1, ClassName: "Fixture", Code: "pass", MaxBatch: 1})
	require.NoError(t, err)
	queue, err := s.CreateJobQueue(ctx, &store.JobQueue{Name: "root"})
	require.NoError(t, err)
	job, err := s.CreateJob(ctx, &store.Job{Title: "job", JobQueueID: queue.ID, JobTypeVersionID: jtv.ID, Batch: 1, By: 1})
	require.NoError(t, err)
	task, err := s.CreateTask(ctx, &store.Task{JobID: job.ID, Frame: 1, State: store.StateRunning, AgentID: &agentID})
	require.NoError(t, err)
	return task
}

func TestSendTasksToAgent_PostsAssignMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var received assignMessage
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	agent := newAgentAt(t, ctx, s, srv)
	task := newFixtureTask(t, ctx, s, agent.ID)

	d := New(s, Config{MaxRetries: 0, RequestTimeout: 2 * time.Second})
	err := d.SendTasksToAgent(ctx, agent.ID)
	require.NoError(t, err)

	assert.Equal(t, "/assign", gotPath)
	require.Len(t, received.Tasks, 1)
	assert.Equal(t, task.ID, received.Tasks[0].ID)
}

func TestSendTasksToAgent_NoTasksSkipsDispatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	agent := newAgentAt(t, ctx, s, srv)

	d := New(s, Config{MaxRetries: 0, RequestTimeout: 2 * time.Second})
	err := d.SendTasksToAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.False(t, called, "an agent with no current tasks is never contacted")
}

func TestSendTasksToAgent_503UnassignsAndMarksOffline(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	agent := newAgentAt(t, ctx, s, srv)
	task := newFixtureTask(t, ctx, s, agent.ID)

	d := New(s, Config{MaxRetries: 0, RequestTimeout: 2 * time.Second})
	err := d.SendTasksToAgent(ctx, agent.ID)
	require.NoError(t, err, "a 503 is handled, not surfaced as an error")

	reloadedAgent, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentOffline, reloadedAgent.State)

	reloadedTask, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, reloadedTask.AgentID, "a 503 unassigns the task so it can be rematched elsewhere")
}

func TestSendTasksToAgent_UnexpectedStatusReturnsError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	agent := newAgentAt(t, ctx, s, srv)
	newFixtureTask(t, ctx, s, agent.ID)

	d := New(s, Config{MaxRetries: 0, RequestTimeout: 2 * time.Second})
	err := d.SendTasksToAgent(ctx, agent.ID)
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestSendTasksToAgent_UnreachableMarksAgentOffline(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	agent := newAgentAt(t, ctx, s, srv)
	task := newFixtureTask(t, ctx, s, agent.ID)
	srv.Close() // close before dispatch so the connection is refused

	d := New(s, Config{MaxRetries: 0, RequestTimeout: 500 * time.Millisecond})
	err := d.SendTasksToAgent(ctx, agent.ID)
	require.Error(t, err)

	reloadedAgent, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentOffline, reloadedAgent.State)
	_ = task
}

func TestDoWithRetry_NoRetryWhenFirstAttemptSucceeds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	agent := newAgentAt(t, ctx, s, srv)
	d := New(s, Config{MaxRetries: 2, RequestTimeout: 2 * time.Second})

	status, err := d.post(ctx, agent.APIURL()+"/update", map[string]string{"version": "1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, attempts, "a request that succeeds on the first try is not retried")
}

func TestStopTask_AcceptedResponseRequeuesTask(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	agent := newAgentAt(t, ctx, s, srv)
	task := newFixtureTask(t, ctx, s, agent.ID)

	d := New(s, Config{MaxRetries: 0, RequestTimeout: 2 * time.Second})
	err := d.StopTask(ctx, task.ID)
	require.NoError(t, err)

	reloaded, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.AgentID)
	assert.Equal(t, store.StateQueued, reloaded.State)
}

func TestStopTask_TerminalTaskSkipsAgentEntirely(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	agent := newAgentAt(t, ctx, s, srv)
	task := newFixtureTask(t, ctx, s, agent.ID)
	task.State = store.StateDone
	require.NoError(t, s.PersistTask(ctx, task))

	d := New(s, Config{MaxRetries: 0, RequestTimeout: 2 * time.Second})
	err := d.StopTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, called, "a task already at a terminal state is never sent a stop request")
}
