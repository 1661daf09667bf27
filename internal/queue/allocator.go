package queue

import (
	"context"
	"fmt"
	"sort"

	"github.com/guidow/pyfarm-master/internal/store"
)

// Placement is one agent-to-job assignment decided by AssignAgentsToQueue.
type Placement struct {
	Agent *store.Agent
	Job   *store.Job
}

// agentPool is a FIFO of idle agents consumed as AssignAgentsToQueue hands
// them out.
type agentPool struct {
	agents []*store.Agent
	idx    int
}

func newAgentPool(agents []*store.Agent) *agentPool {
	return &agentPool{agents: agents}
}

func (p *agentPool) pop() *store.Agent {
	if p.idx >= len(p.agents) {
		return nil
	}
	a := p.agents[p.idx]
	p.idx++
	return a
}

func (p *agentPool) remaining() int { return len(p.agents) - p.idx }

// AssignAgentsToQueue distributes up to maxAgents idle agents across
// node.Branches in two phases — a minima-enforcement loop,
// then priority buckets split by weighted fairness. It treats the whole
// idle-agent set as homogeneous (any agent can run any branch); per-agent
// RAM/software eligibility is the matcher's job (GetJobForAgent), and the
// scheduler tick uses that per-agent path for production dispatch. This
// function exists to satisfy the weighted-fair distribution responsibility
// on its own terms and is exercised directly by the fairness scenario
// tests (S2-S4).
func AssignAgentsToQueue(ctx context.Context, node *Node, agents []*store.Agent, maxAgents int) ([]Placement, error) {
	if node.Kind != NodeQueue {
		return nil, fmt.Errorf("assign agents to queue: node is not a queue")
	}

	pool := newAgentPool(agents)
	budget := maxAgents
	if budget > pool.remaining() {
		budget = pool.remaining()
	}

	var placements []Placement

	// Phase 1: minima loop.
	for budget > 0 {
		progressed := false
		for _, b := range node.Branches {
			if budget <= 0 {
				break
			}
			if b.TotalAssignedAgents >= b.Minimum() || !b.CanUseMoreAgents {
				continue
			}
			p, err := assignOne(ctx, b, pool)
			if err != nil {
				return nil, err
			}
			if len(p) == 0 {
				continue
			}
			placements = append(placements, p...)
			budget -= len(p)
			progressed = true
		}
		if !progressed {
			break
		}
	}

	// Phase 2: priority buckets.
	buckets := make(map[int][]*Node)
	var priorities []int
	for _, b := range node.Branches {
		p := b.Priority()
		if _, ok := buckets[p]; !ok {
			priorities = append(priorities, p)
		}
		buckets[p] = append(buckets[p], b)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))

	for _, p := range priorities {
		if budget <= 0 {
			break
		}
		bucket := buckets[p]

		for budget > 0 {
			candidates := candidatesAcceptingMore(bucket)
			if len(candidates) == 0 {
				break
			}

			weightSum, totalAssigned := bucketTotals(bucket)
			sort.SliceStable(candidates, func(i, j int) bool {
				return fairnessScore(candidates[i], totalAssigned, weightSum) <
					fairnessScore(candidates[j], totalAssigned, weightSum)
			})

			chosen := candidates[0]
			placed, err := assignOne(ctx, chosen, pool)
			if err != nil {
				return nil, err
			}
			if len(placed) == 0 {
				chosen.CanUseMoreAgents = false
				continue
			}
			placements = append(placements, placed...)
			budget -= len(placed)
		}
	}

	if len(placements) == 0 {
		node.CanUseMoreAgents = false
	}

	return placements, nil
}

// assignOne hands one (or, for a queue branch, recursively-placed) agent
// to branch, updating its TotalAssignedAgents in lockstep so later
// fairness-score computations in the same tick see it.
func assignOne(ctx context.Context, branch *Node, pool *agentPool) ([]Placement, error) {
	if branch.Kind == NodeJob {
		agent := pool.pop()
		if agent == nil {
			return nil, nil
		}
		branch.TotalAssignedAgents++
		return []Placement{{Agent: agent, Job: branch.Job}}, nil
	}

	result, err := AssignAgentsToQueue(ctx, branch, pool.agents[pool.idx:], 1)
	if err != nil {
		return nil, fmt.Errorf("assign one: %w", err)
	}
	if len(result) > 0 {
		pool.idx++
		branch.TotalAssignedAgents += len(result)
	}
	return result, nil
}

func candidatesAcceptingMore(bucket []*Node) []*Node {
	var out []*Node
	for _, n := range bucket {
		if !n.CanUseMoreAgents {
			continue
		}
		if n.TotalAssignedAgents >= n.Maximum() {
			continue
		}
		out = append(out, n)
	}
	return out
}

func bucketTotals(bucket []*Node) (weightSum, totalAssigned int) {
	for _, n := range bucket {
		totalAssigned += n.TotalAssignedAgents
		if n.Kind == NodeQueue || n.Job.State == store.StateRunning {
			weightSum += n.Weight()
		}
	}
	return weightSum, totalAssigned
}
