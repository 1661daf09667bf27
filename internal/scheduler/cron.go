package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/guidow/pyfarm-master/internal/config"
	"github.com/guidow/pyfarm-master/internal/db"
	"github.com/guidow/pyfarm-master/internal/dispatcher"
	"github.com/guidow/pyfarm-master/internal/queue"
	"github.com/guidow/pyfarm-master/internal/store"
)

// pollBusyInterval and pollIdleInterval are the agent poller's fixed
// cadences; no setting overrides them.
const (
	pollBusyInterval = 600 * time.Second
	pollIdleInterval = 3600 * time.Second
	jobDeleteRecheck = 100 * time.Millisecond
)

// Scheduler owns the cron beat and the per-agent lock registry, and
// implements the four periodic tasks.
type Scheduler struct {
	store      *store.Store
	dispatcher *dispatcher.Dispatcher
	locks      *LockRegistry
	settings   *config.Settings
	logger     *slog.Logger

	tickLimiter *rate.Limiter
	cron        *cron.Cron

	lastPolled map[int64]time.Time
}

// New builds a Scheduler. When settings.Scheduler.MultiProcess is set, the
// store's database must implement db.AdvisoryLocker (both the embedded and
// postgres adapters do) or New returns an error.
func New(st *store.Store, disp *dispatcher.Dispatcher, settings *config.Settings, logger *slog.Logger) (*Scheduler, error) {
	var advisory db.AdvisoryLocker
	if settings.Scheduler.MultiProcess {
		locker, ok := st.DB().(db.AdvisoryLocker)
		if !ok {
			return nil, errors.New("scheduler: multi_process requires a database adapter implementing AdvisoryLocker")
		}
		advisory = locker
	}

	return &Scheduler{
		store:       st,
		dispatcher:  disp,
		locks:       NewLockRegistry(advisory, settings.Scheduler.MultiProcess),
		settings:    settings,
		logger:      logger,
		tickLimiter: rate.NewLimiter(rate.Limit(settings.Scheduler.TickRateLimit), 1),
		cron:        cron.New(),
		lastPolled:  make(map[int64]time.Time),
	}, nil
}

// Start registers the periodic tasks with the cron beat and starts it.
// The tick runs on an "@every" spec built from Settings; the agent poller
// runs every minute and checks each agent's last-polled time itself; orphan
// log cleanup runs every five minutes. The deferred job-delete re-check is
// not a cron entry: ScheduleJobDeleteRecheck arms a one-shot timer.
func (s *Scheduler) Start(ctx context.Context) error {
	tickSpec := fmt.Sprintf("@every %s", s.settings.Scheduler.TickInterval())
	if _, err := s.cron.AddFunc(tickSpec, func() { s.runTick(ctx) }); err != nil {
		return fmt.Errorf("scheduler start: register tick: %w", err)
	}
	if _, err := s.cron.AddFunc("@every 1m", func() { s.runAgentPoller(ctx) }); err != nil {
		return fmt.Errorf("scheduler start: register poller: %w", err)
	}
	if _, err := s.cron.AddFunc("@every 5m", func() { s.runOrphanLogCleanup(ctx) }); err != nil {
		return fmt.Errorf("scheduler start: register cleanup: %w", err)
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron beat and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// ApplyLiveConfig updates the tick rate limit and the matcher's
// boundary-behavior toggles from a freshly reloaded config, without
// restarting the cron beat. TickIntervalSeconds itself isn't retroactive —
// the cron spec was already registered with the old interval at Start — so
// changing it still requires a restart.
func (s *Scheduler) ApplyLiveConfig(updated config.SchedulerConfig) {
	s.tickLimiter.SetLimit(rate.Limit(updated.TickRateLimit))
	s.settings.Scheduler.PreferRunningJobs = updated.PreferRunningJobs
	s.settings.Scheduler.UseTotalRAMForScheduling = updated.UseTotalRAMForScheduling
	s.settings.Scheduler.AgentPollIntervalSeconds = updated.AgentPollIntervalSeconds
}

// runTick implements the scheduler tick: enumerate idle agents, and
// for each submit assign_to_agent under its per-agent lock. Rate-limited
// at the tick level so a burst of idle agents doesn't flood the dispatcher.
func (s *Scheduler) runTick(ctx context.Context) {
	agents, err := s.store.ListIdleAgents(ctx)
	if err != nil {
		s.logger.Error("scheduler tick: list idle agents", "error", err)
		return
	}

	for _, agent := range agents {
		if err := s.tickLimiter.Wait(ctx); err != nil {
			return
		}
		s.assignToAgent(ctx, agent.ID)
	}
}

// assignToAgent implements assign_to_agent(agentId): acquire the
// per-agent lock (breaking it if stale), check the agent still has no
// non-terminal task, match a job, form a batch, commit the assignment, and
// dispatch.
func (s *Scheduler) assignToAgent(ctx context.Context, agentID int64) {
	unlock, ok, err := s.locks.TryLock(ctx, agentID)
	if err != nil {
		s.logger.Error("assign to agent: lock", "agent_id", agentID, "error", err)
		return
	}
	if !ok {
		s.logger.Debug("assign to agent: lock contention, skipping this tick", "agent_id", agentID)
		return
	}
	defer unlock()

	current, err := s.store.TasksForAgent(ctx, agentID)
	if err != nil {
		s.logger.Error("assign to agent: tasks for agent", "agent_id", agentID, "error", err)
		return
	}
	if len(current) > 0 {
		return
	}

	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		s.logger.Error("assign to agent: get agent", "agent_id", agentID, "error", err)
		return
	}

	root, err := queue.ReadSubtree(ctx, s.store, nil)
	if err != nil {
		s.logger.Error("assign to agent: read subtree", "agent_id", agentID, "error", err)
		return
	}

	matchCfg := queue.MatchConfig{
		UseTotalRAM:       s.settings.Scheduler.UseTotalRAMForScheduling,
		PreferRunningJobs: s.settings.Scheduler.PreferRunningJobs,
	}
	job, err := queue.GetJobForAgent(ctx, s.store, root, agent, nil, matchCfg)
	if err != nil {
		s.logger.Error("assign to agent: match", "agent_id", agentID, "error", err)
		return
	}
	if job == nil {
		return
	}

	batch, err := queue.FormBatch(ctx, s.store, job)
	if err != nil {
		s.logger.Error("assign to agent: form batch", "agent_id", agentID, "error", err)
		return
	}
	if len(batch) == 0 {
		return
	}

	for _, t := range batch {
		before := *t
		after := *t
		after.AgentID = &agentID
		if _, err := s.store.CommitTaskChange(ctx, before, after, nil); err != nil {
			s.logger.Error("assign to agent: commit task change", "agent_id", agentID, "task_id", t.ID, "error", err)
			return
		}
	}

	if job.State != store.StateRunning {
		if err := s.store.SetJobState(ctx, job.ID, store.StateRunning); err != nil {
			s.logger.Error("assign to agent: set job running", "job_id", job.ID, "error", err)
			return
		}
	}

	if err := s.dispatcher.SendTasksToAgent(ctx, agentID); err != nil {
		s.logger.Warn("assign to agent: dispatch", "agent_id", agentID, "error", err)
	}
}

// runAgentPoller implements the agent poller: bucket agents by busy
// vs idle and poll each bucket at its own cadence. Each poll issues the
// documented GET <agent>/tasks/ call and compares the ids the agent
// reports against what the store thinks is assigned to it; a reported id
// that the store has not assigned to the agent triggers send_tasks_to_agent
// so the agent converges on the store's view. Assigned tasks that the agent
// does not report do not trigger it.
func (s *Scheduler) runAgentPoller(ctx context.Context) {
	agents, err := s.store.ListAgents(ctx, "")
	if err != nil {
		s.logger.Error("agent poller: list agents", "error", err)
		return
	}

	now := time.Now()
	for _, agent := range agents {
		if agent.UseAddress == store.UsePassive {
			continue
		}
		if !agent.IsAvailable() {
			continue
		}

		tasks, err := s.store.TasksForAgent(ctx, agent.ID)
		if err != nil {
			s.logger.Error("agent poller: tasks for agent", "agent_id", agent.ID, "error", err)
			continue
		}
		busy := len(tasks) > 0

		interval := pollIdleInterval
		if busy {
			interval = pollBusyInterval
		}

		last, seen := s.lastPolled[agent.ID]
		if seen && now.Sub(last) < interval {
			continue
		}
		s.lastPolled[agent.ID] = now

		reported, err := s.dispatcher.GetAgentTasks(ctx, agent.ID)
		if err != nil {
			s.logger.Warn("agent poller: get agent tasks", "agent_id", agent.ID, "error", err)
			continue
		}

		assigned := make(map[int64]bool, len(tasks))
		for _, t := range tasks {
			assigned[t.ID] = true
		}

		mismatch := false
		for _, id := range reported {
			if !assigned[id] {
				mismatch = true
				break
			}
		}

		if mismatch {
			if err := s.dispatcher.SendTasksToAgent(ctx, agent.ID); err != nil {
				s.logger.Warn("agent poller: reconcile", "agent_id", agent.ID, "error", err)
			}
		}
	}
}

// runOrphanLogCleanup implements orphan log cleanup: for each TaskLog row
// with no association, remove the file of the same name under LogFilesDir
// (a missing file is not an error; other errors are logged), then delete
// the row. Files under LogFilesDir that have no TaskLog row are left alone.
func (s *Scheduler) runOrphanLogCleanup(ctx context.Context) {
	orphans, err := s.store.OrphanedTaskLogIDs(ctx)
	if err != nil {
		s.logger.Error("orphan log cleanup: list orphans", "error", err)
		return
	}

	for _, l := range orphans {
		path := filepath.Join(s.settings.LogFilesDir, l.Identifier)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("orphan log cleanup: remove file", "path", path, "error", err)
		}
		if err := s.store.DeleteTaskLog(ctx, l.ID); err != nil {
			s.logger.Error("orphan log cleanup: delete row", "task_log_id", l.ID, "error", err)
		}
	}
}

// ScheduleJobDeleteRecheck implements the deferred job deletion
// fallback: when a task delete leaves a to_be_deleted job's task count
// still nonzero due to read/write skew, the caller schedules one more
// check ~100ms later rather than looping synchronously.
func (s *Scheduler) ScheduleJobDeleteRecheck(ctx context.Context, jobID int64) {
	time.AfterFunc(jobDeleteRecheck, func() {
		if _, err := s.store.DeleteJobIfEmpty(ctx, jobID); err != nil {
			s.logger.Error("deferred job delete recheck", "job_id", jobID, "error", err)
		}
	})
}
