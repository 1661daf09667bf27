// Package store implements the entity store: the persistent model of
// queues, jobs, job-type versions, tasks, agents, software, and task logs,
// plus the lifecycle hooks that fire when a task's state or agent changes.
//
// Entities are plain data records. No entity holds a live reference to
// another entity beyond an id — cross-entity logic lives in the matcher,
// allocator, and dispatcher in sibling packages and in this package's hook
// functions, which take identifiers and resolve through the Store.
package store

import "time"

// AgentState is the liveness state of an Agent.
type AgentState string

const (
	AgentOnline   AgentState = "online"
	AgentRunning  AgentState = "running"
	AgentOffline  AgentState = "offline"
	AgentDisabled AgentState = "disabled"
)

// UseAddress is the agent's contact policy.
type UseAddress string

const (
	UseRemote   UseAddress = "remote"
	UseHostname UseAddress = "hostname"
	UsePassive  UseAddress = "passive"
)

// WorkState is the lifecycle state shared by Job and Task. The null/zero
// value represents "queued", matching the original model's nullable state
// column.
type WorkState string

const (
	StateQueued  WorkState = ""
	StatePaused  WorkState = "paused" // Job only
	StateRunning WorkState = "running"
	StateDone    WorkState = "done"
	StateFailed  WorkState = "failed"
)

// IsTerminal reports whether a task/job state represents a finished unit of
// work that will not be reassigned.
func (s WorkState) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// Agent is a remote worker process reachable over HTTP.
type Agent struct {
	ID       int64
	Hostname string
	IP       string
	Port     int
	RemoteIP string // optional

	CPUs          int
	RAM           int // total, MB
	FreeRAM       int // MB
	CPUAllocation float64
	RAMAllocation float64

	State          AgentState
	LastHeardFrom  *time.Time
	TimeOffset     int // seconds

	UseAddress UseAddress

	Version    string
	UpgradeTo  string

	Tags             []string
	SoftwareVersions []int64 // SoftwareVersion ids this agent provides
}

// IsAvailable reports whether the agent can currently hold an assignment.
func (a *Agent) IsAvailable() bool {
	return a.State != AgentOffline && a.State != AgentDisabled
}

// AvailableRAM returns the RAM figure the scheduler should compare a job's
// RAM requirement against.
func (a *Agent) AvailableRAM(useTotalRAM bool) int {
	if useTotalRAM {
		return a.RAM
	}
	return a.FreeRAM
}

// APIURL returns the base URL the dispatcher should address this agent at.
func (a *Agent) APIURL() string {
	host := a.Hostname
	switch a.UseAddress {
	case UseRemote:
		if a.RemoteIP != "" {
			host = a.RemoteIP
		}
	case UseHostname:
		host = a.Hostname
	}
	if host == "" {
		host = a.IP
	}
	return "http://" + host + ":" + portString(a.Port)
}

func portString(port int) string {
	// Small, allocation-free integer-to-string for the common agent port
	// range; avoids pulling in strconv at call sites that format whole URLs.
	if port == 0 {
		return "0"
	}
	buf := [6]byte{}
	i := len(buf)
	n := port
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Software is a named piece of software that an Agent may provide and that
// a Job or JobTypeVersion may require a version of.
type Software struct {
	ID       int64
	Software string
}

// SoftwareVersion is one orderable version of a Software.
type SoftwareVersion struct {
	ID         int64
	SoftwareID int64
	Version    string
	Rank       int // orderable rank, ascending
}

// SoftwareRequirement pins an optional [min,max] rank range (inclusive) on a
// Software, attached to either a Job or a JobTypeVersion.
type SoftwareRequirement struct {
	ID         int64
	SoftwareID int64
	MinVersion *int64 // SoftwareVersion id, rank compared
	MaxVersion *int64
}

// JobType groups JobTypeVersions under a name.
type JobType struct {
	ID   int64
	Name string
}

// JobTypeVersion is one pinned, executable version of a JobType.
type JobTypeVersion struct {
	ID              int64
	JobTypeID       int64
	Version         int
	ClassName       string
	Code            string
	MaxBatch        int
	BatchContiguous bool
	Requirements    []SoftwareRequirement
}

// JobQueue is an interior node of the scheduling tree. Leaves in the
// scheduling sense are Jobs attached to a JobQueue by JobQueueID.
type JobQueue struct {
	ID             int64
	ParentID       *int64
	Name           string
	Priority       int
	Weight         int
	MinimumAgents  *int
	MaximumAgents  *int
	FullPath       *string
}

// Job is attached to exactly one JobQueue and owns a set of Tasks.
type Job struct {
	ID               int64
	Title            string
	JobQueueID       int64
	JobTypeVersionID int64
	State            WorkState
	Priority         int
	Weight           int
	Batch            int
	By               float64 // frame step
	RAM              int
	Requeue          int // max failed attempts per task before sticking
	MinimumAgents    *int
	MaximumAgents    *int
	TimeSubmitted    time.Time
	TimeStarted      *time.Time
	TimeFinished     *time.Time
	Parents          []int64 // parent job ids, all must be done to run
	ToBeDeleted      bool
	OutputLink       string
	NotifiedUsers    []int64
	Requirements     []SoftwareRequirement
	Data             map[string]any
	Environ          map[string]any
}

// Task is a child of exactly one Job.
type Task struct {
	ID            int64
	JobID         int64
	Frame         float64 // decimal frame number
	Priority      int     // inherits job priority at creation
	State         WorkState
	Attempts      int
	Failures      int
	AgentID       *int64
	LastError     *string
	TimeSubmitted *time.Time
	TimeStarted   *time.Time
	TimeFinished  *time.Time
}

// TaskLog is an opaque, filesystem-safe log identifier with an association
// table linking tasks to logs per attempt number.
type TaskLog struct {
	ID         int64
	Identifier string // filesystem-safe, generated with uuid
}

// TaskLogAssociation links a Task+attempt to a TaskLog.
type TaskLogAssociation struct {
	TaskLogID int64
	TaskID    int64
	Attempt   int
}

// User is a notification target for job completion.
type User struct {
	ID    int64
	Email string
}

// Notification is the durable record of a job-completion event, left for an
// out-of-process mailer to drain. SMTP transport itself is out of scope;
// this is only the hook side of notifying a job's completion.
type Notification struct {
	ID        int64
	JobID     int64
	Success   bool
	Recipient string
	CreatedAt time.Time
	SentAt    *time.Time
}
