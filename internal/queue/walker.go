// Package queue implements the queue tree walker, matcher, and
// weighted-fair allocator: the in-memory algorithms that decide which job
// an idle agent should work on and how a tick's idle agents are
// distributed across the scheduling tree. Nothing here touches the
// network or persists anything beyond the read-only snapshot it builds;
// callers in internal/scheduler commit the decisions.
package queue

import (
	"context"
	"fmt"

	"github.com/guidow/pyfarm-master/internal/store"
)

// NodeKind distinguishes the two kinds of tree node: an interior JobQueue
// or a leaf Job.
type NodeKind int

const (
	NodeQueue NodeKind = iota
	NodeJob
)

// Node is one in-memory node of a queue-tree snapshot, as built by
// ReadSubtree: branches for queue nodes, an assigned-agent count for every
// node, and a mutable CanUseMoreAgents flag the allocator flips once a
// branch stops accepting placements.
type Node struct {
	Kind  NodeKind
	Queue *store.JobQueue // set iff Kind == NodeQueue
	Job   *store.Job      // set iff Kind == NodeJob

	Branches []*Node // child queues and child jobs, queue nodes only

	TotalAssignedAgents int
	PreassignedAgents   int
	CanUseMoreAgents    bool
}

// Priority returns the node's priority, read from whichever entity it
// wraps.
func (n *Node) Priority() int {
	if n.Kind == NodeQueue {
		return n.Queue.Priority
	}
	return n.Job.Priority
}

// Weight returns the node's weight, read from whichever entity it wraps.
func (n *Node) Weight() int {
	if n.Kind == NodeQueue {
		return n.Queue.Weight
	}
	return n.Job.Weight
}

// Minimum returns the node's minimum_agents, or 0 when unset.
func (n *Node) Minimum() int {
	var m *int
	if n.Kind == NodeQueue {
		m = n.Queue.MinimumAgents
	} else {
		m = n.Job.MinimumAgents
	}
	if m == nil {
		return 0
	}
	return *m
}

// Maximum returns the node's maximum_agents, or 1<<62 - 1 when unset —
// B2's "null is unbounded".
func (n *Node) Maximum() int {
	var m *int
	if n.Kind == NodeQueue {
		m = n.Queue.MaximumAgents
	} else {
		m = n.Job.MaximumAgents
	}
	if m == nil {
		return 1<<62 - 1
	}
	return *m
}

// ReadSubtree materializes the tree rooted at queueID. A nil queueID
// selects a synthetic virtual root holding every top-level queue, used by
// assign_to_agent(virtualRoot, agent).
func ReadSubtree(ctx context.Context, st *store.Store, queueID *int64) (*Node, error) {
	var queueIDs, jobIDs []int64
	root, err := buildSkeleton(ctx, st, queueID, &queueIDs, &jobIDs)
	if err != nil {
		return nil, fmt.Errorf("read subtree: %w", err)
	}

	queueCounts, jobCounts, err := st.AssignedAgentCounts(ctx, queueIDs, jobIDs)
	if err != nil {
		return nil, fmt.Errorf("read subtree: %w", err)
	}

	applyCounts(root, queueCounts, jobCounts)
	return root, nil
}

// buildSkeleton recursively fetches the tree shape (without counts),
// recording every queue/job id visited so the caller can fetch all counts
// in one aggregation instead of one query per node.
func buildSkeleton(ctx context.Context, st *store.Store, queueID *int64, queueIDs, jobIDs *[]int64) (*Node, error) {
	if queueID == nil {
		children, err := st.ChildQueues(ctx, nil)
		if err != nil {
			return nil, err
		}
		root := &Node{Kind: NodeQueue, Queue: &store.JobQueue{}, CanUseMoreAgents: true}
		for _, cq := range children {
			child, err := buildSkeleton(ctx, st, &cq.ID, queueIDs, jobIDs)
			if err != nil {
				return nil, err
			}
			root.Branches = append(root.Branches, child)
		}
		return root, nil
	}

	q, err := st.GetJobQueue(ctx, *queueID)
	if err != nil {
		return nil, err
	}
	*queueIDs = append(*queueIDs, q.ID)

	node := &Node{Kind: NodeQueue, Queue: q, CanUseMoreAgents: true}

	childQueues, err := st.ChildQueues(ctx, &q.ID)
	if err != nil {
		return nil, err
	}
	for _, cq := range childQueues {
		child, err := buildSkeleton(ctx, st, &cq.ID, queueIDs, jobIDs)
		if err != nil {
			return nil, err
		}
		node.Branches = append(node.Branches, child)
	}

	childJobs, err := st.ChildJobs(ctx, q.ID)
	if err != nil {
		return nil, err
	}
	for _, j := range childJobs {
		*jobIDs = append(*jobIDs, j.ID)
		node.Branches = append(node.Branches, &Node{Kind: NodeJob, Job: j, CanUseMoreAgents: true})
	}

	return node, nil
}

func applyCounts(n *Node, queueCounts, jobCounts map[int64]int) {
	switch n.Kind {
	case NodeQueue:
		if n.Queue.ID != 0 {
			n.TotalAssignedAgents = queueCounts[n.Queue.ID]
		} else {
			// Virtual root: sum of its direct children's counts.
			for _, b := range n.Branches {
				n.TotalAssignedAgents += directCount(b, queueCounts, jobCounts)
			}
		}
	case NodeJob:
		n.TotalAssignedAgents = jobCounts[n.Job.ID]
	}
	n.PreassignedAgents = n.TotalAssignedAgents

	for _, b := range n.Branches {
		applyCounts(b, queueCounts, jobCounts)
	}
}

func directCount(n *Node, queueCounts, jobCounts map[int64]int) int {
	if n.Kind == NodeJob {
		return jobCounts[n.Job.ID]
	}
	return queueCounts[n.Queue.ID]
}
