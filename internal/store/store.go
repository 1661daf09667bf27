package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/guidow/pyfarm-master/internal/db"
)

// ErrNotFound is returned by single-entity lookups when no row matches.
var ErrNotFound = fmt.Errorf("not found")

// ErrDuplicateName is returned by CreateJobQueue when a root-level queue
// with the same name already exists.
var ErrDuplicateName = fmt.Errorf("duplicate queue name")

// ErrQueueHasChildren is returned by DeleteJobQueue when the queue still
// has child queues or jobs attached.
var ErrQueueHasChildren = fmt.Errorf("job queue has children")

// Store is the entity store: transactional reads, writes, and the queries
// the matcher/allocator/dispatcher need over the persisted model. It owns
// entity identity; nothing outside this package writes to the tables
// directly.
type Store struct {
	db db.Database
}

// New wraps a connected db.Database as a Store.
func New(database db.Database) *Store {
	return &Store{db: database}
}

// DB exposes the underlying database handle, for callers (the scheduler's
// lock registry) that need the advisory-lock fallback directly.
func (s *Store) DB() db.Database { return s.db }

// --- Agent ---------------------------------------------------------------

func (s *Store) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, hostname, ip, port, remote_ip, cpus, ram, free_ram,
		       cpu_allocation, ram_allocation, state, last_heard_from,
		       time_offset, use_address, version, upgrade_to
		FROM agent WHERE id = $1`, id)
	return scanAgent(row)
}

// ListAgents returns agents matching an optional state filter. Pass "" to
// select all states.
func (s *Store) ListAgents(ctx context.Context, state AgentState) ([]*Agent, error) {
	var rows db.Rows
	var err error
	if state == "" {
		rows, err = s.db.Query(ctx, `
			SELECT id, hostname, ip, port, remote_ip, cpus, ram, free_ram,
			       cpu_allocation, ram_allocation, state, last_heard_from,
			       time_offset, use_address, version, upgrade_to
			FROM agent ORDER BY id`)
	} else {
		rows, err = s.db.Query(ctx, `
			SELECT id, hostname, ip, port, remote_ip, cpus, ram, free_ram,
			       cpu_allocation, ram_allocation, state, last_heard_from,
			       time_offset, use_address, version, upgrade_to
			FROM agent WHERE state = $1 ORDER BY id`, string(state))
	}
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// ListIdleAgents returns online agents with no non-terminal task assigned
// to them, the population the scheduler tick submits for matching.
func (s *Store) ListIdleAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT a.id, a.hostname, a.ip, a.port, a.remote_ip, a.cpus, a.ram,
		       a.free_ram, a.cpu_allocation, a.ram_allocation, a.state,
		       a.last_heard_from, a.time_offset, a.use_address, a.version,
		       a.upgrade_to
		FROM agent a
		WHERE a.state = 'online'
		  AND NOT EXISTS (
		      SELECT 1 FROM task t
		      WHERE t.agent_id = a.id AND t.state NOT IN ('done', 'failed')
		  )
		ORDER BY a.id`)
	if err != nil {
		return nil, fmt.Errorf("list idle agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpsertAgent creates or updates an agent keyed by (hostname, port), per L1
// (idempotent upsert).
func (s *Store) UpsertAgent(ctx context.Context, a *Agent) (*Agent, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO agent (hostname, ip, port, remote_ip, cpus, ram, free_ram,
		                    cpu_allocation, ram_allocation, state, use_address,
		                    version, upgrade_to)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (hostname, port) DO UPDATE SET
		    ip = EXCLUDED.ip, remote_ip = EXCLUDED.remote_ip,
		    cpus = EXCLUDED.cpus, ram = EXCLUDED.ram, free_ram = EXCLUDED.free_ram,
		    cpu_allocation = EXCLUDED.cpu_allocation,
		    ram_allocation = EXCLUDED.ram_allocation,
		    state = EXCLUDED.state, use_address = EXCLUDED.use_address,
		    version = EXCLUDED.version, upgrade_to = EXCLUDED.upgrade_to
		RETURNING id`,
		a.Hostname, nullString(a.IP), a.Port, nullString(a.RemoteIP), a.CPUs,
		a.RAM, a.FreeRAM, a.CPUAllocation, a.RAMAllocation, string(a.State),
		string(a.UseAddress), nullString(a.Version), nullString(a.UpgradeTo))

	var id int64
	if err := row.Scan(&id); err != nil {
		return nil, fmt.Errorf("upsert agent: %w", err)
	}
	return s.GetAgent(ctx, id)
}

// SetAgentState updates only the liveness state, used when the dispatcher
// marks an agent offline after a 503 or exhausted retries.
func (s *Store) SetAgentState(ctx context.Context, agentID int64, state AgentState) error {
	_, err := s.db.Exec(ctx, `UPDATE agent SET state = $1, last_heard_from = now() WHERE id = $2`,
		string(state), agentID)
	if err != nil {
		return fmt.Errorf("set agent state: %w", err)
	}
	return nil
}

// SoftwareVersionsForAgent returns the software_version ids an agent
// provides, used by the matcher's requirement satisfaction check.
func (s *Store) SoftwareVersionsForAgent(ctx context.Context, agentID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT software_version_id FROM agent_software_version WHERE agent_id = $1`, agentID)
	if err != nil {
		return nil, fmt.Errorf("software versions for agent: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanAgent(row db.Row) (*Agent, error) {
	a := &Agent{}
	var ip, remoteIP, version, upgradeTo *string
	var lastHeard *time.Time
	var state, useAddress string
	if err := row.Scan(&a.ID, &a.Hostname, &ip, &a.Port, &remoteIP, &a.CPUs,
		&a.RAM, &a.FreeRAM, &a.CPUAllocation, &a.RAMAllocation, &state,
		&lastHeard, &a.TimeOffset, &useAddress, &version, &upgradeTo); err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.IP = deref(ip)
	a.RemoteIP = deref(remoteIP)
	a.Version = deref(version)
	a.UpgradeTo = deref(upgradeTo)
	a.LastHeardFrom = lastHeard
	a.State = AgentState(state)
	a.UseAddress = UseAddress(useAddress)
	return a, nil
}

func scanAgentRows(rows db.Rows) (*Agent, error) {
	a := &Agent{}
	var ip, remoteIP, version, upgradeTo *string
	var lastHeard *time.Time
	var state, useAddress string
	if err := rows.Scan(&a.ID, &a.Hostname, &ip, &a.Port, &remoteIP, &a.CPUs,
		&a.RAM, &a.FreeRAM, &a.CPUAllocation, &a.RAMAllocation, &state,
		&lastHeard, &a.TimeOffset, &useAddress, &version, &upgradeTo); err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.IP = deref(ip)
	a.RemoteIP = deref(remoteIP)
	a.Version = deref(version)
	a.UpgradeTo = deref(upgradeTo)
	a.LastHeardFrom = lastHeard
	a.State = AgentState(state)
	a.UseAddress = UseAddress(useAddress)
	return a, nil
}

// --- JobQueue --------------------------------------------------------------

func (s *Store) GetJobQueue(ctx context.Context, id int64) (*JobQueue, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, parent_id, name, priority, weight, minimum_agents,
		       maximum_agents, fullpath
		FROM job_queue WHERE id = $1`, id)
	return scanJobQueue(row)
}

// CreateJobQueue inserts a queue, rejecting duplicate root names.
func (s *Store) CreateJobQueue(ctx context.Context, q *JobQueue) (*JobQueue, error) {
	if q.ParentID == nil {
		row := s.db.QueryRow(ctx, `SELECT 1 FROM job_queue WHERE parent_id IS NULL AND name = $1`, q.Name)
		var one int
		if err := row.Scan(&one); err == nil {
			return nil, ErrDuplicateName
		}
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO job_queue (parent_id, name, priority, weight, minimum_agents, maximum_agents)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id`,
		nullInt64(q.ParentID), q.Name, q.Priority, q.Weight,
		nullInt(q.MinimumAgents), nullInt(q.MaximumAgents))

	var id int64
	if err := row.Scan(&id); err != nil {
		return nil, fmt.Errorf("create job queue: %w", err)
	}
	return s.GetJobQueue(ctx, id)
}

// DeleteJobQueue removes a queue, rejecting the deletion if it still has
// child queues or child jobs attached.
func (s *Store) DeleteJobQueue(ctx context.Context, id int64) error {
	children, err := s.ChildQueues(ctx, &id)
	if err != nil {
		return fmt.Errorf("delete job queue: %w", err)
	}
	if len(children) > 0 {
		return ErrQueueHasChildren
	}

	jobs, err := s.ChildJobs(ctx, id)
	if err != nil {
		return fmt.Errorf("delete job queue: %w", err)
	}
	if len(jobs) > 0 {
		return ErrQueueHasChildren
	}

	tag, err := s.db.Exec(ctx, `DELETE FROM job_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ChildQueues returns the direct child queues of parentID (nil for roots).
func (s *Store) ChildQueues(ctx context.Context, parentID *int64) ([]*JobQueue, error) {
	var rows db.Rows
	var err error
	if parentID == nil {
		rows, err = s.db.Query(ctx, `
			SELECT id, parent_id, name, priority, weight, minimum_agents, maximum_agents, fullpath
			FROM job_queue WHERE parent_id IS NULL ORDER BY id`)
	} else {
		rows, err = s.db.Query(ctx, `
			SELECT id, parent_id, name, priority, weight, minimum_agents, maximum_agents, fullpath
			FROM job_queue WHERE parent_id = $1 ORDER BY id`, *parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("child queues: %w", err)
	}
	defer rows.Close()

	var queues []*JobQueue
	for rows.Next() {
		q, err := scanJobQueueRows(rows)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

// ChildJobs returns the jobs attached directly to queueID. Jobs attached to
// no queue are never returned.
func (s *Store) ChildJobs(ctx context.Context, queueID int64) ([]*Job, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, title, job_queue_id, jobtype_version_id, state, priority,
		       weight, batch, by_step, ram, requeue, minimum_agents,
		       maximum_agents, time_submitted, time_started, time_finished,
		       to_be_deleted, output_link, data, environ
		FROM job WHERE job_queue_id = $1 ORDER BY id`, queueID)
	if err != nil {
		return nil, fmt.Errorf("child jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// AssignedAgentCounts returns, for every job_queue and job id passed in,
// the count of distinct non-{offline,disabled} agents currently holding a
// non-terminal task under that node. For a queue this aggregates over all
// jobs in its subtree. Per-job counts come from one aggregation query; each
// job's count is then added to its queue and every ancestor queue, reading
// each ancestor's parent_id with one query per step up the chain.
func (s *Store) AssignedAgentCounts(ctx context.Context, queueIDs, jobIDs []int64) (queueCounts, jobCounts map[int64]int, err error) {
	queueCounts = make(map[int64]int, len(queueIDs))
	jobCounts = make(map[int64]int, len(jobIDs))
	for _, id := range queueIDs {
		queueCounts[id] = 0
	}
	for _, id := range jobIDs {
		jobCounts[id] = 0
	}

	rows, err := s.db.Query(ctx, `
		SELECT j.job_queue_id, t.job_id, COUNT(DISTINCT t.agent_id)
		FROM task t
		JOIN job j ON j.id = t.job_id
		JOIN agent a ON a.id = t.agent_id
		WHERE t.agent_id IS NOT NULL
		  AND t.state NOT IN ('done', 'failed')
		  AND a.state NOT IN ('offline', 'disabled')
		GROUP BY j.job_queue_id, t.job_id`)
	if err != nil {
		return nil, nil, fmt.Errorf("assigned agent counts: %w", err)
	}
	defer rows.Close()

	type row struct {
		queueID int64
		jobID   int64
		count   int
	}
	var perJob []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.queueID, &r.jobID, &r.count); err != nil {
			return nil, nil, err
		}
		perJob = append(perJob, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	for _, r := range perJob {
		if _, ok := jobCounts[r.jobID]; ok {
			jobCounts[r.jobID] = r.count
		}
		// A job's assigned agents count toward its own queue and every
		// ancestor queue; walk up from r.queueID adding r.count.
		qid := r.queueID
		for {
			if _, ok := queueCounts[qid]; ok {
				queueCounts[qid] += r.count
			}
			parent, perr := s.parentQueueID(ctx, qid)
			if perr != nil || parent == nil {
				break
			}
			qid = *parent
		}
	}

	return queueCounts, jobCounts, nil
}

func (s *Store) parentQueueID(ctx context.Context, id int64) (*int64, error) {
	row := s.db.QueryRow(ctx, `SELECT parent_id FROM job_queue WHERE id = $1`, id)
	var parent *int64
	if err := row.Scan(&parent); err != nil {
		return nil, err
	}
	return parent, nil
}

// RepairQueuePath recomputes and persists JobQueue.fullpath for id,
// lazily, mirroring the original cache_jobqueue_path behavior.
func (s *Store) RepairQueuePath(ctx context.Context, id int64) (string, error) {
	var parts []string
	cur := &id
	for cur != nil {
		q, err := s.GetJobQueue(ctx, *cur)
		if err != nil {
			return "", err
		}
		parts = append([]string{q.Name}, parts...)
		cur = q.ParentID
	}
	path := "/" + strings.Join(parts, "/")

	_, err := s.db.Exec(ctx, `UPDATE job_queue SET fullpath = $1 WHERE id = $2`, path, id)
	if err != nil {
		return "", fmt.Errorf("repair queue path: %w", err)
	}
	return path, nil
}

func scanJobQueue(row db.Row) (*JobQueue, error) {
	q := &JobQueue{}
	var parentID *int64
	var minAgents, maxAgents *int
	var fullpath *string
	if err := row.Scan(&q.ID, &parentID, &q.Name, &q.Priority, &q.Weight,
		&minAgents, &maxAgents, &fullpath); err != nil {
		return nil, fmt.Errorf("scan job queue: %w", err)
	}
	q.ParentID = parentID
	q.MinimumAgents = minAgents
	q.MaximumAgents = maxAgents
	q.FullPath = fullpath
	return q, nil
}

func scanJobQueueRows(rows db.Rows) (*JobQueue, error) {
	q := &JobQueue{}
	var parentID *int64
	var minAgents, maxAgents *int
	var fullpath *string
	if err := rows.Scan(&q.ID, &parentID, &q.Name, &q.Priority, &q.Weight,
		&minAgents, &maxAgents, &fullpath); err != nil {
		return nil, fmt.Errorf("scan job queue: %w", err)
	}
	q.ParentID = parentID
	q.MinimumAgents = minAgents
	q.MaximumAgents = maxAgents
	q.FullPath = fullpath
	return q, nil
}

// --- Job -------------------------------------------------------------------

func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, title, job_queue_id, jobtype_version_id, state, priority,
		       weight, batch, by_step, ram, requeue, minimum_agents,
		       maximum_agents, time_submitted, time_started, time_finished,
		       to_be_deleted, output_link, data, environ
		FROM job WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	parents, err := s.jobParents(ctx, id)
	if err != nil {
		return nil, err
	}
	j.Parents = parents
	return j, nil
}

func (s *Store) jobParents(ctx context.Context, jobID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT parent_id FROM job_dependency WHERE child_id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("job parents: %w", err)
	}
	defer rows.Close()

	var parents []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		parents = append(parents, id)
	}
	return parents, rows.Err()
}

// ParentsAllDone reports whether every parent job of jobID is in the done
// state, a precondition the matcher checks in step 2.
func (s *Store) ParentsAllDone(ctx context.Context, jobID int64) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_dependency d
		JOIN job p ON p.id = d.parent_id
		WHERE d.child_id = $1 AND p.state <> 'done'`, jobID)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("parents all done: %w", err)
	}
	return n == 0, nil
}

// CreateJob inserts a job and its dependency rows.
func (s *Store) CreateJob(ctx context.Context, j *Job) (*Job, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO job (title, job_queue_id, jobtype_version_id, state,
		                  priority, weight, batch, by_step, ram, requeue,
		                  minimum_agents, maximum_agents, to_be_deleted,
		                  output_link, data, environ)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING id`,
		j.Title, j.JobQueueID, j.JobTypeVersionID, string(j.State), j.Priority,
		j.Weight, j.Batch, j.By, j.RAM, j.Requeue, nullInt(j.MinimumAgents),
		nullInt(j.MaximumAgents), j.ToBeDeleted, nullString(j.OutputLink),
		j.Data, j.Environ)

	var id int64
	if err := row.Scan(&id); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	for _, parentID := range j.Parents {
		if _, err := s.db.Exec(ctx, `INSERT INTO job_dependency (parent_id, child_id) VALUES ($1,$2)`, parentID, id); err != nil {
			return nil, fmt.Errorf("create job dependency: %w", err)
		}
	}
	return s.GetJob(ctx, id)
}

// SetJobState updates a job's state and start/finish timestamps per the
// roll-up rules driven by hooks.go.
func (s *Store) SetJobState(ctx context.Context, jobID int64, state WorkState) error {
	now := time.Now()
	switch state {
	case StateRunning:
		_, err := s.db.Exec(ctx, `UPDATE job SET state = $1, time_started = COALESCE(time_started, $2) WHERE id = $3`,
			string(state), now, jobID)
		return err
	case StateDone, StateFailed:
		_, err := s.db.Exec(ctx, `UPDATE job SET state = $1, time_finished = $2 WHERE id = $3`,
			string(state), now, jobID)
		return err
	default:
		_, err := s.db.Exec(ctx, `UPDATE job SET state = $1 WHERE id = $2`, string(state), jobID)
		return err
	}
}

// NonTerminalTaskCount returns the number of non-done/failed tasks of a job.
func (s *Store) NonTerminalTaskCount(ctx context.Context, jobID int64) (int, error) {
	row := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM task WHERE job_id = $1 AND state NOT IN ('done','failed')`, jobID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("non-terminal task count: %w", err)
	}
	return n, nil
}

// AnyTaskFailed reports whether any task of jobID is in the failed state.
func (s *Store) AnyTaskFailed(ctx context.Context, jobID int64) (bool, error) {
	row := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM task WHERE job_id = $1 AND state = 'failed'`, jobID)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("any task failed: %w", err)
	}
	return n > 0, nil
}

// NotifyJobDone records a job-completion notification for every user
// subscribed to the job, in place of the out-of-scope SMTP transport (E4).
func (s *Store) NotifyJobDone(ctx context.Context, jobID int64, success bool) error {
	rows, err := s.db.Query(ctx, `
		SELECT u.email FROM job_notified_user jnu
		JOIN app_user u ON u.id = jnu.user_id
		WHERE jnu.job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("notify job done: %w", err)
	}
	defer rows.Close()

	var recipients []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return err
		}
		recipients = append(recipients, email)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range recipients {
		if _, err := s.db.Exec(ctx,
			`INSERT INTO notification (job_id, success, recipient) VALUES ($1,$2,$3)`,
			jobID, success, r); err != nil {
			return fmt.Errorf("notify job done: %w", err)
		}
	}
	return nil
}

// MarkJobToBeDeleted sets to_be_deleted on a job and immediately attempts
// DeleteJobIfEmpty, so a job with no tasks left is removed in the same
// call. It returns whether the job was deleted outright; when false, the
// caller should fall back to the deferred recheck (ScheduleJobDeleteRecheck)
// to catch the case where the last task is still finishing its own delete.
func (s *Store) MarkJobToBeDeleted(ctx context.Context, jobID int64) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE job SET to_be_deleted = true WHERE id = $1`, jobID)
	if err != nil {
		return false, fmt.Errorf("mark job to be deleted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrNotFound
	}

	deleted, err := s.DeleteJobIfEmpty(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("mark job to be deleted: %w", err)
	}
	return deleted, nil
}

// DeleteJobIfEmpty implements the deferred job deletion rule: a job marked
// to_be_deleted is removed once its task count reaches zero.
func (s *Store) DeleteJobIfEmpty(ctx context.Context, jobID int64) (bool, error) {
	row := s.db.QueryRow(ctx, `SELECT to_be_deleted FROM job WHERE id = $1`, jobID)
	var toBeDeleted bool
	if err := row.Scan(&toBeDeleted); err != nil {
		return false, fmt.Errorf("delete job if empty: %w", err)
	}
	if !toBeDeleted {
		return false, nil
	}

	n, err := s.taskCount(ctx, jobID)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}

	if _, err := s.db.Exec(ctx, `DELETE FROM job_dependency WHERE parent_id = $1 OR child_id = $1`, jobID); err != nil {
		return false, fmt.Errorf("delete job if empty: %w", err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM job WHERE id = $1`, jobID); err != nil {
		return false, fmt.Errorf("delete job if empty: %w", err)
	}
	return true, nil
}

func (s *Store) taskCount(ctx context.Context, jobID int64) (int, error) {
	row := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM task WHERE job_id = $1`, jobID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func scanJob(row db.Row) (*Job, error) {
	j := &Job{}
	var state string
	var minAgents, maxAgents *int
	var started, finished *time.Time
	var outputLink *string
	var data, environ map[string]any
	if err := row.Scan(&j.ID, &j.Title, &j.JobQueueID, &j.JobTypeVersionID,
		&state, &j.Priority, &j.Weight, &j.Batch, &j.By, &j.RAM, &j.Requeue,
		&minAgents, &maxAgents, &j.TimeSubmitted, &started, &finished,
		&j.ToBeDeleted, &outputLink, &data, &environ); err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.State = WorkState(state)
	j.MinimumAgents = minAgents
	j.MaximumAgents = maxAgents
	j.TimeStarted = started
	j.TimeFinished = finished
	j.OutputLink = deref(outputLink)
	j.Data = data
	j.Environ = environ
	return j, nil
}

func scanJobRows(rows db.Rows) (*Job, error) {
	j := &Job{}
	var state string
	var minAgents, maxAgents *int
	var started, finished *time.Time
	var outputLink *string
	var data, environ map[string]any
	if err := rows.Scan(&j.ID, &j.Title, &j.JobQueueID, &j.JobTypeVersionID,
		&state, &j.Priority, &j.Weight, &j.Batch, &j.By, &j.RAM, &j.Requeue,
		&minAgents, &maxAgents, &j.TimeSubmitted, &started, &finished,
		&j.ToBeDeleted, &outputLink, &data, &environ); err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.State = WorkState(state)
	j.MinimumAgents = minAgents
	j.MaximumAgents = maxAgents
	j.TimeStarted = started
	j.TimeFinished = finished
	j.OutputLink = deref(outputLink)
	j.Data = data
	j.Environ = environ
	return j, nil
}

// --- SoftwareRequirement -----------------------------------------------

// RequirementsForJob returns the union of a job's own requirements and its
// job-type version's requirements, which together decide software
// requirement satisfaction.
func (s *Store) RequirementsForJob(ctx context.Context, jobID, jobTypeVersionID int64) ([]SoftwareRequirement, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, software_id, min_version, max_version
		FROM software_requirement
		WHERE job_id = $1 OR jobtype_version_id = $2`, jobID, jobTypeVersionID)
	if err != nil {
		return nil, fmt.Errorf("requirements for job: %w", err)
	}
	defer rows.Close()

	var reqs []SoftwareRequirement
	for rows.Next() {
		var r SoftwareRequirement
		if err := rows.Scan(&r.ID, &r.SoftwareID, &r.MinVersion, &r.MaxVersion); err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

// SoftwareVersionRank returns the rank of a software_version id, used to
// compare against a requirement's min/max.
func (s *Store) SoftwareVersionRank(ctx context.Context, id int64) (int, int64, error) {
	row := s.db.QueryRow(ctx, `SELECT rank, software_id FROM software_version WHERE id = $1`, id)
	var rank int
	var softwareID int64
	if err := row.Scan(&rank, &softwareID); err != nil {
		return 0, 0, fmt.Errorf("software version rank: %w", err)
	}
	return rank, softwareID, nil
}

// --- Tag -----------------------------------------------------------------

// UpsertTag implements L2 (tag equivalence): the same name always
// resolves to the same id.
func (s *Store) UpsertTag(ctx context.Context, name string) (int64, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO tag (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, name)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert tag: %w", err)
	}
	return id, nil
}

func (s *Store) ListTags(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT name FROM tag ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// TagAgent associates tagName with agentID, creating the tag if necessary.
func (s *Store) TagAgent(ctx context.Context, agentID int64, tagName string) error {
	tagID, err := s.UpsertTag(ctx, tagName)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO agent_tag (agent_id, tag_id) VALUES ($1,$2)
		ON CONFLICT DO NOTHING`, agentID, tagID)
	if err != nil {
		return fmt.Errorf("tag agent: %w", err)
	}
	return nil
}

// --- Software / SoftwareVersion -------------------------------------------

func (s *Store) UpsertSoftware(ctx context.Context, name string) (*Software, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO software (software) VALUES ($1)
		ON CONFLICT (software) DO UPDATE SET software = EXCLUDED.software
		RETURNING id, software`, name)
	sw := &Software{}
	if err := row.Scan(&sw.ID, &sw.Software); err != nil {
		return nil, fmt.Errorf("upsert software: %w", err)
	}
	return sw, nil
}

func (s *Store) ListSoftware(ctx context.Context) ([]*Software, error) {
	rows, err := s.db.Query(ctx, `SELECT id, software FROM software ORDER BY software`)
	if err != nil {
		return nil, fmt.Errorf("list software: %w", err)
	}
	defer rows.Close()

	var out []*Software
	for rows.Next() {
		sw := &Software{}
		if err := rows.Scan(&sw.ID, &sw.Software); err != nil {
			return nil, err
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

// CreateSoftwareVersion inserts an orderable version of a Software. rank
// is caller-assigned so operators control ordering explicitly rather than
// relying on insertion order or string comparison of version names.
func (s *Store) CreateSoftwareVersion(ctx context.Context, v *SoftwareVersion) (*SoftwareVersion, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO software_version (software_id, version, rank)
		VALUES ($1,$2,$3)
		RETURNING id`, v.SoftwareID, v.Version, v.Rank)
	var id int64
	if err := row.Scan(&id); err != nil {
		return nil, fmt.Errorf("create software version: %w", err)
	}
	v.ID = id
	return v, nil
}

// --- JobType / JobTypeVersion (CRUD) --------------------------------------

func (s *Store) CreateJobType(ctx context.Context, name string) (*JobType, error) {
	row := s.db.QueryRow(ctx, `INSERT INTO job_type (name) VALUES ($1) RETURNING id`, name)
	var id int64
	if err := row.Scan(&id); err != nil {
		return nil, fmt.Errorf("create job type: %w", err)
	}
	return &JobType{ID: id, Name: name}, nil
}

func (s *Store) ListJobTypes(ctx context.Context) ([]*JobType, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name FROM job_type ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list job types: %w", err)
	}
	defer rows.Close()

	var out []*JobType
	for rows.Next() {
		jt := &JobType{}
		if err := rows.Scan(&jt.ID, &jt.Name); err != nil {
			return nil, err
		}
		out = append(out, jt)
	}
	return out, rows.Err()
}

// CreateJobTypeVersion inserts a pinned, executable JobTypeVersion plus
// any software requirements it carries.
func (s *Store) CreateJobTypeVersion(ctx context.Context, jtv *JobTypeVersion) (*JobTypeVersion, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO job_type_version (job_type_id, version, class_name, code, max_batch, batch_contiguous)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id`,
		jtv.JobTypeID, jtv.Version, jtv.ClassName, jtv.Code, jtv.MaxBatch, jtv.BatchContiguous)

	var id int64
	if err := row.Scan(&id); err != nil {
		return nil, fmt.Errorf("create job type version: %w", err)
	}
	for _, req := range jtv.Requirements {
		if _, err := s.db.Exec(ctx, `
			INSERT INTO software_requirement (software_id, min_version, max_version, jobtype_version_id)
			VALUES ($1,$2,$3,$4)`,
			req.SoftwareID, nullInt64(req.MinVersion), nullInt64(req.MaxVersion), id); err != nil {
			return nil, fmt.Errorf("create job type version: requirement: %w", err)
		}
	}
	return s.GetJobTypeVersion(ctx, id)
}

// --- JobType / JobTypeVersion --------------------------------------------

func (s *Store) GetJobTypeVersion(ctx context.Context, id int64) (*JobTypeVersion, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, job_type_id, version, class_name, code, max_batch, batch_contiguous
		FROM job_type_version WHERE id = $1`, id)

	jtv := &JobTypeVersion{}
	if err := row.Scan(&jtv.ID, &jtv.JobTypeID, &jtv.Version, &jtv.ClassName,
		&jtv.Code, &jtv.MaxBatch, &jtv.BatchContiguous); err != nil {
		return nil, fmt.Errorf("get job type version: %w", err)
	}

	reqs, err := s.db.Query(ctx, `
		SELECT id, software_id, min_version, max_version
		FROM software_requirement WHERE jobtype_version_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get job type version: %w", err)
	}
	defer reqs.Close()
	for reqs.Next() {
		var r SoftwareRequirement
		if err := reqs.Scan(&r.ID, &r.SoftwareID, &r.MinVersion, &r.MaxVersion); err != nil {
			return nil, err
		}
		jtv.Requirements = append(jtv.Requirements, r)
	}
	return jtv, reqs.Err()
}

// --- Task --------------------------------------------------------------

func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, job_id, frame, priority, state, attempts, failures,
		       agent_id, last_error, time_submitted, time_started, time_finished
		FROM task WHERE id = $1`, id)
	return scanTask(row)
}

// TasksForJob returns a job's tasks ordered by ascending frame, the order
// batch formation walks in.
func (s *Store) TasksForJob(ctx context.Context, jobID int64) ([]*Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, job_id, frame, priority, state, attempts, failures,
		       agent_id, last_error, time_submitted, time_started, time_finished
		FROM task WHERE job_id = $1 ORDER BY frame ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("tasks for job: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TasksForAgent returns an agent's current non-terminal tasks.
func (s *Store) TasksForAgent(ctx context.Context, agentID int64) ([]*Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, job_id, frame, priority, state, attempts, failures,
		       agent_id, last_error, time_submitted, time_started, time_finished
		FROM task WHERE agent_id = $1 AND state NOT IN ('done', 'failed')
		ORDER BY job_id, frame`, agentID)
	if err != nil {
		return nil, fmt.Errorf("tasks for agent: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CreateTask inserts a task for a job, inheriting the job's priority.
func (s *Store) CreateTask(ctx context.Context, t *Task) (*Task, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO task (job_id, frame, priority, state, attempts, failures,
		                   agent_id, time_submitted)
		VALUES ($1,$2,(SELECT priority FROM job WHERE id = $1),$3,$4,$5,$6,$7)
		RETURNING id`,
		t.JobID, t.Frame, string(t.State), t.Attempts, t.Failures,
		nullInt64(t.AgentID), t.TimeSubmitted)

	var id int64
	if err := row.Scan(&id); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return s.GetTask(ctx, id)
}

// PersistTask writes the task's mutable columns for t with a single UPDATE.
// CommitTaskChange and the dispatcher call it; it runs in no transaction,
// so the job roll-up that CommitTaskChange performs afterwards is a
// separate write.
func (s *Store) PersistTask(ctx context.Context, t *Task) error {
	_, err := s.db.Exec(ctx, `
		UPDATE task SET state = $1, attempts = $2, failures = $3, agent_id = $4,
		                last_error = $5, time_started = $6, time_finished = $7
		WHERE id = $8`,
		string(t.State), t.Attempts, t.Failures, nullInt64(t.AgentID),
		nullStringPtr(t.LastError), t.TimeStarted, t.TimeFinished, t.ID)
	if err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	return nil
}

// AssignTask sets a task's agent_id directly, without ApplyTaskChange, so
// attempts are not incremented. Nothing in this module calls it; the
// scheduler tick assigns tasks through CommitTaskChange.
func (s *Store) AssignTask(ctx context.Context, taskID, agentID int64) error {
	_, err := s.db.Exec(ctx, `UPDATE task SET agent_id = $1 WHERE id = $2`, agentID, taskID)
	if err != nil {
		return fmt.Errorf("assign task: %w", err)
	}
	return nil
}

// DeleteTask removes a task row and its log associations.
func (s *Store) DeleteTask(ctx context.Context, taskID int64) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM task_log_association WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM task WHERE id = $1`, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func scanTask(row db.Row) (*Task, error) {
	t := &Task{}
	var state string
	var agentID *int64
	var lastError *string
	var submitted, started, finished *time.Time
	if err := row.Scan(&t.ID, &t.JobID, &t.Frame, &t.Priority, &state,
		&t.Attempts, &t.Failures, &agentID, &lastError, &submitted, &started, &finished); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.State = WorkState(state)
	t.AgentID = agentID
	t.LastError = lastError
	t.TimeSubmitted = submitted
	t.TimeStarted = started
	t.TimeFinished = finished
	return t, nil
}

func scanTaskRows(rows db.Rows) (*Task, error) {
	t := &Task{}
	var state string
	var agentID *int64
	var lastError *string
	var submitted, started, finished *time.Time
	if err := rows.Scan(&t.ID, &t.JobID, &t.Frame, &t.Priority, &state,
		&t.Attempts, &t.Failures, &agentID, &lastError, &submitted, &started, &finished); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.State = WorkState(state)
	t.AgentID = agentID
	t.LastError = lastError
	t.TimeSubmitted = submitted
	t.TimeStarted = started
	t.TimeFinished = finished
	return t, nil
}

// --- TaskLog -------------------------------------------------------------

// OrphanedTaskLogIDs returns TaskLog ids with no remaining association
// row, the candidates for orphan-log cleanup.
func (s *Store) OrphanedTaskLogIDs(ctx context.Context) ([]TaskLog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT tl.id, tl.identifier FROM task_log tl
		WHERE NOT EXISTS (
			SELECT 1 FROM task_log_association a WHERE a.task_log_id = tl.id
		)`)
	if err != nil {
		return nil, fmt.Errorf("orphaned task logs: %w", err)
	}
	defer rows.Close()

	var logs []TaskLog
	for rows.Next() {
		var l TaskLog
		if err := rows.Scan(&l.ID, &l.Identifier); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// DeleteTaskLog removes a task_log row.
func (s *Store) DeleteTaskLog(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `DELETE FROM task_log WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task log: %w", err)
	}
	return nil
}

// --- helpers ---------------------------------------------------------------

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullStringPtr(s *string) *string { return s }

func nullInt(i *int) *int { return i }

func nullInt64(i *int64) *int64 { return i }

// sortInt64s sorts a slice of int64 ascending. Nothing in this module
// calls it.
func sortInt64s(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
