package queue

import (
	"context"
	"fmt"
	"sort"

	"github.com/guidow/pyfarm-master/internal/store"
)

// MatchConfig carries the scheduler's environment-configurable knobs:
// whether to compare a job's RAM
// requirement against an agent's total or free RAM, and whether a running
// job with spare capacity preempts an older queued job within its
// priority bucket.
type MatchConfig struct {
	UseTotalRAM       bool
	PreferRunningJobs bool
}

// GetJobForAgent runs the job-selection rules against an in-memory
// snapshot (built by ReadSubtree) and returns a job the agent can
// immediately work on, or nil if nothing matches. excludedJobIds is
// consulted exactly once per candidate job — the source this is grounded
// on filtered it twice in its inner loop, which is corrected here.
func GetJobForAgent(ctx context.Context, st *store.Store, node *Node, agent *store.Agent, excludedJobIds map[int64]bool, cfg MatchConfig) (*store.Job, error) {
	if node.Kind != NodeQueue {
		return nil, fmt.Errorf("get job for agent: node %v is not a queue", node)
	}

	availableRAM := agent.AvailableRAM(cfg.UseTotalRAM)

	var childJobs, childQueues []*Node
	for _, b := range node.Branches {
		if b.Kind == NodeJob {
			ok, err := jobEligible(ctx, st, b.Job, agent, availableRAM, excludedJobIds)
			if err != nil {
				return nil, err
			}
			if ok {
				childJobs = append(childJobs, b)
			}
			continue
		}
		childQueues = append(childQueues, b)
	}

	// Step 4: minimum-enforcement pass.
	for _, jn := range childJobs {
		j := jn.Job
		if j.State == store.StateRunning && jn.TotalAssignedAgents < jn.Minimum() &&
			jn.TotalAssignedAgents < jn.Maximum() && jn.CanUseMoreAgents {
			return j, nil
		}
		if j.State == store.StateQueued && jn.Minimum() > 0 {
			return j, nil
		}
	}
	for _, qn := range childQueues {
		if qn.TotalAssignedAgents < qn.Minimum() && qn.TotalAssignedAgents < qn.Maximum() {
			result, err := GetJobForAgent(ctx, st, qn, agent, excludedJobIds, cfg)
			if err != nil {
				return nil, err
			}
			if result != nil {
				return result, nil
			}
		}
	}

	// Step 5: priority pass.
	buckets := make(map[int][]*Node)
	var priorities []int
	for _, n := range childJobs {
		p := n.Priority()
		if _, ok := buckets[p]; !ok {
			priorities = append(priorities, p)
		}
		buckets[p] = append(buckets[p], n)
	}
	for _, n := range childQueues {
		p := n.Priority()
		if _, ok := buckets[p]; !ok {
			priorities = append(priorities, p)
		}
		buckets[p] = append(buckets[p], n)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))

	for _, p := range priorities {
		bucket := buckets[p]

		weightSum := 0
		totalAssigned := 0
		for _, n := range bucket {
			totalAssigned += n.TotalAssignedAgents
			if n.Kind == NodeQueue || n.Job.State == store.StateRunning {
				weightSum += n.Weight()
			}
		}

		sort.SliceStable(bucket, func(i, j int) bool {
			return fairnessScore(bucket[i], totalAssigned, weightSum) < fairnessScore(bucket[j], totalAssigned, weightSum)
		})

		var candidate *Node
		for _, n := range bucket {
			switch n.Kind {
			case NodeJob:
				j := n.Job
				if j.State == store.StateRunning && n.CanUseMoreAgents && n.TotalAssignedAgents < n.Maximum() {
					if cfg.PreferRunningJobs {
						return j, nil
					}
					candidate = olderCandidate(candidate, n)
				} else if j.State == store.StateQueued {
					candidate = olderCandidate(candidate, n)
				}
			case NodeQueue:
				if n.TotalAssignedAgents < n.Maximum() {
					result, err := GetJobForAgent(ctx, st, n, agent, excludedJobIds, cfg)
					if err != nil {
						return nil, err
					}
					if result != nil {
						return result, nil
					}
				}
			}
		}
		if candidate != nil {
			return candidate.Job, nil
		}
	}

	return nil, nil
}

// olderCandidate returns whichever of cur and next has the earlier
// time_submitted. The bucket's remembered candidate is therefore the oldest
// one, whatever its fairness score.
func olderCandidate(cur, next *Node) *Node {
	if cur == nil {
		return next
	}
	if next.Job.TimeSubmitted.Before(cur.Job.TimeSubmitted) {
		return next
	}
	return cur
}

// fairnessScore implements the GLOSSARY's "ratio of assigned-agent share
// to weight share": (assigned/total_assigned)/(weight/weight_sum). weightSum
// is the sum of the bucket's raw weights (B1 is not applied there, so an
// all-zero-weight bucket leaves weightSum at 0). Per B1, an item whose own
// weight is zero — or a zero weightSum — falls back to a weight ratio of 1,
// rather than substituting 1 for the weight before summing or dividing.
func fairnessScore(n *Node, totalAssigned, weightSum int) float64 {
	var assignedRatio float64
	if totalAssigned != 0 {
		assignedRatio = float64(n.TotalAssignedAgents) / float64(totalAssigned)
	}

	weightRatio := 1.0
	if n.Weight() != 0 && weightSum != 0 {
		weightRatio = float64(n.Weight()) / float64(weightSum)
	}

	return assignedRatio / weightRatio
}

// jobEligible filters a candidate job: running or queued, parents
// all done, RAM fits, software requirements satisfied, not excluded. The
// union of a job's own requirements and its job-type version's
// requirements (computed by RequirementsForJob) is what gives the job-type
// version's "agent support" its effect — a job-type version with a pinned
// runtime requirement is unreachable to an agent that doesn't provide it,
// without a separate membership set to maintain.
func jobEligible(ctx context.Context, st *store.Store, j *store.Job, agent *store.Agent, availableRAM int, excludedJobIds map[int64]bool) (bool, error) {
	if excludedJobIds[j.ID] {
		return false, nil
	}
	if j.State != store.StateRunning && j.State != store.StateQueued {
		return false, nil
	}
	if j.RAM > availableRAM {
		return false, nil
	}

	parentsDone, err := st.ParentsAllDone(ctx, j.ID)
	if err != nil {
		return false, fmt.Errorf("job eligible: %w", err)
	}
	if !parentsDone {
		return false, nil
	}

	reqs, err := st.RequirementsForJob(ctx, j.ID, j.JobTypeVersionID)
	if err != nil {
		return false, fmt.Errorf("job eligible: %w", err)
	}
	satisfied, err := satisfiesRequirements(ctx, st, agent, reqs)
	if err != nil {
		return false, fmt.Errorf("job eligible: %w", err)
	}
	return satisfied, nil
}

// satisfiesRequirements implements "software requirement
// satisfaction": every requirement must be met by some software version
// the agent provides.
func satisfiesRequirements(ctx context.Context, st *store.Store, agent *store.Agent, reqs []store.SoftwareRequirement) (bool, error) {
	for _, req := range reqs {
		ok, err := agentSatisfiesOne(ctx, st, agent, req)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func agentSatisfiesOne(ctx context.Context, st *store.Store, agent *store.Agent, req store.SoftwareRequirement) (bool, error) {
	var minRank, maxRank *int
	if req.MinVersion != nil {
		rank, _, err := st.SoftwareVersionRank(ctx, *req.MinVersion)
		if err != nil {
			return false, err
		}
		minRank = &rank
	}
	if req.MaxVersion != nil {
		rank, _, err := st.SoftwareVersionRank(ctx, *req.MaxVersion)
		if err != nil {
			return false, err
		}
		maxRank = &rank
	}

	for _, avID := range agent.SoftwareVersions {
		rank, softwareID, err := st.SoftwareVersionRank(ctx, avID)
		if err != nil {
			return false, err
		}
		if softwareID != req.SoftwareID {
			continue
		}
		if minRank != nil && rank < *minRank {
			continue
		}
		if maxRank != nil && rank > *maxRank {
			continue
		}
		return true, nil
	}
	return false, nil
}

// FormBatch implements "Batch formation": given a job the matcher
// selected, take its tasks in ascending frame order that are non-terminal,
// unassigned or assigned to a now-dead agent, and at the job's current
// priority, up to job.Batch entries. When the job-type version requires
// contiguous batches, the prefix stops at the first frame that doesn't
// equal the previous one plus job.By (B3).
func FormBatch(ctx context.Context, st *store.Store, job *store.Job) ([]*store.Task, error) {
	jtv, err := st.GetJobTypeVersion(ctx, job.JobTypeVersionID)
	if err != nil {
		return nil, fmt.Errorf("form batch: %w", err)
	}

	tasks, err := st.TasksForJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("form batch: %w", err)
	}

	var eligible []*store.Task
	for _, t := range tasks {
		if t.State.IsTerminal() {
			continue
		}
		if t.Priority != job.Priority {
			continue
		}
		if t.AgentID != nil {
			holder, err := st.GetAgent(ctx, *t.AgentID)
			if err != nil {
				return nil, fmt.Errorf("form batch: %w", err)
			}
			if holder.State != store.AgentOffline && holder.State != store.AgentDisabled {
				continue
			}
		}
		eligible = append(eligible, t)
	}

	max := job.Batch
	if max <= 0 {
		max = len(eligible)
	}

	var batch []*store.Task
	for _, t := range eligible {
		if len(batch) >= max {
			break
		}
		if jtv.BatchContiguous && len(batch) > 0 {
			prev := batch[len(batch)-1]
			if prev.Frame+job.By != t.Frame {
				break
			}
		}
		batch = append(batch, t)
	}

	return batch, nil
}
