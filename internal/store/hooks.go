package store

import (
	"context"
	"fmt"
)

// EffectKind names a side effect ApplyTaskChange wants performed after the
// task row itself is persisted.
type EffectKind string

const (
	// EffectStateChanged means a state-change notification should be
	// broadcast (the server's websocket hub subscribes to this).
	EffectStateChanged EffectKind = "state_changed"
	// EffectRequeue means the task should be handed back to the scheduler
	// for reassignment (agent_id cleared, state reset to queued).
	EffectRequeue EffectKind = "requeue"
	// EffectJobDone means every sibling task of the job reached done/failed
	// and the job's own roll-up state was just decided.
	EffectJobDone EffectKind = "job_done"
)

// Effect is one side effect produced by a task mutation, for the caller to
// carry out after persisting the task (and, for EffectJobDone, the job).
type Effect struct {
	Kind   EffectKind
	TaskID int64
	JobID  int64
	// JobSuccess is only meaningful for EffectJobDone.
	JobSuccess bool
}

// ApplyTaskChange is the single function every task mutation is routed
// through. It takes the task's state before and after some external change
// (an agent's PUT /tasks/<id> update, or the scheduler assigning an agent),
// resolves the full hook sequence, and returns the task as it should be
// persisted plus any side effects the caller owes.
//
// The five-step sequence, in order:
//  1. If the new state is done, clear last_error (a task can't finish
//     successfully while still carrying a stale failure message).
//  2. Emit a state_changed effect whenever State actually changed.
//  3. If the new state is failed, increment Failures.
//  4. If the new state is failed and Attempts has not yet exceeded the
//     job's requeue budget, clear AgentID and reset State to queued so the
//     scheduler will reassign it (a requeue); otherwise the failure sticks.
//  5. Job roll-up: if this task's change leaves no sibling task
//     non-terminal, the job is done (all siblings done) or failed (at least
//     one sibling failed) — the caller fills in that check via
//     nonTerminalSiblings/anySiblingFailed before calling JobRollup.
//
// ApplyTaskChange also implements the Task.agent_id hook: whenever AgentID
// transitions from nil to non-nil, Attempts is incremented — an assignment,
// successful or not, counts as an attempt.
func ApplyTaskChange(before, after Task, job *Job) (Task, []Effect) {
	result := after
	var effects []Effect

	agentAssigned := before.AgentID == nil && result.AgentID != nil
	if agentAssigned {
		result.Attempts++
	}

	if result.State == StateDone {
		result.LastError = nil
	}

	if result.State != before.State {
		effects = append(effects, Effect{Kind: EffectStateChanged, TaskID: result.ID, JobID: result.JobID})
	}

	if result.State == StateFailed && before.State != StateFailed {
		result.Failures++

		if job != nil && result.Attempts <= job.Requeue {
			result.AgentID = nil
			result.State = StateQueued
			effects = append(effects, Effect{Kind: EffectRequeue, TaskID: result.ID, JobID: result.JobID})
		}
	}

	return result, effects
}

// JobRollup decides whether a job's just-mutated task leaves the job
// finished, given the job's remaining non-terminal task count and whether
// any sibling task is in the failed state. It returns the job's new state
// and, when the job just finished, a JobDone effect the caller should act
// on (persist the job state, queue a completion notification).
func JobRollup(jobID int64, nonTerminalSiblings int, anySiblingFailed bool) (WorkState, *Effect) {
	if nonTerminalSiblings > 0 {
		return StateRunning, nil
	}

	state := StateDone
	success := true
	if anySiblingFailed {
		state = StateFailed
		success = false
	}
	return state, &Effect{Kind: EffectJobDone, JobID: jobID, JobSuccess: success}
}

// CommitTaskChange persists a task mutation through ApplyTaskChange and
// carries out every effect it produces: broadcasting is left to the caller
// (the REST task update passes a sink; the scheduler tick passes nil), but
// roll-up and requeue bookkeeping
// happen here so every caller gets the same sequencing guarantee.
func (s *Store) CommitTaskChange(ctx context.Context, before, after Task, notify func(Effect)) (Task, error) {
	job, err := s.GetJob(ctx, after.JobID)
	if err != nil {
		return Task{}, fmt.Errorf("commit task change: %w", err)
	}

	result, effects := ApplyTaskChange(before, after, job)
	if err := s.PersistTask(ctx, &result); err != nil {
		return Task{}, err
	}

	for _, e := range effects {
		if notify != nil {
			notify(e)
		}
	}

	if result.State.IsTerminal() {
		remaining, err := s.NonTerminalTaskCount(ctx, job.ID)
		if err != nil {
			return Task{}, err
		}
		anyFailed, err := s.AnyTaskFailed(ctx, job.ID)
		if err != nil {
			return Task{}, err
		}

		newState, doneEffect := JobRollup(job.ID, remaining, anyFailed)
		if newState != job.State {
			if err := s.SetJobState(ctx, job.ID, newState); err != nil {
				return Task{}, err
			}
		}
		if doneEffect != nil {
			if err := s.NotifyJobDone(ctx, job.ID, doneEffect.JobSuccess); err != nil {
				return Task{}, err
			}
			if notify != nil {
				notify(*doneEffect)
			}
			if _, err := s.DeleteJobIfEmpty(ctx, job.ID); err != nil {
				return Task{}, err
			}
		}
	}

	return result, nil
}
