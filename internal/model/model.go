// Package model defines the persistent entities shared across conductor's components.
package model

import "time"

// ProjectStatus is the lifecycle state of a Project row.
type ProjectStatus string

const (
	ProjectQueued     ProjectStatus = "QUEUED"
	ProjectProcessing ProjectStatus = "PROCESSING"
	ProjectCompleted  ProjectStatus = "COMPLETED"
	ProjectFailed     ProjectStatus = "FAILED"
	ProjectTimingOut  ProjectStatus = "TIMING_OUT"
	ProjectZombie     ProjectStatus = "ZOMBIE"
)

// MergedStatus tracks the auto-merge outcome for a completed project.
type MergedStatus string

const (
	MergeNone         MergedStatus = ""
	MergePending      MergedStatus = "PENDING_MERGE"
	MergeDone         MergedStatus = "MERGED"
	MergeFailedStatus MergedStatus = "MERGE_FAILED"
)

// validProjectTransitions enumerates the legal status graph from spec.md §3.
var validProjectTransitions = map[ProjectStatus][]ProjectStatus{
	ProjectQueued:     {ProjectProcessing},
	ProjectProcessing: {ProjectCompleted, ProjectFailed, ProjectTimingOut},
	ProjectFailed:     {ProjectQueued},
	ProjectTimingOut:  {ProjectFailed},
}

// CanTransition reports whether moving from `from` to `to` is a legal Project transition.
func CanTransition(from, to ProjectStatus) bool {
	for _, allowed := range validProjectTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Project is a single unit of work submitted by the operator.
type Project struct {
	ID               int64
	SpecPath         string
	ProjectPath      string
	Status           ProjectStatus
	MainSession      string // empty until provisioning persists it
	EnqueuedAt       time.Time
	StartedAt        time.Time
	CompletedAt      time.Time
	Attempts         int
	BatchID          string
	ErrorMessage     string
	FailedComponents string
	MergedStatus     MergedStatus
	MergedAt         time.Time
}

// MaxAttempts is the hard cap on FAILED->QUEUED retries (spec.md §9 open question).
const MaxAttempts = 3

// ScheduledTask is a time-delayed check-in destined for one agent window.
type ScheduledTask struct {
	ID                  int64
	SessionName         string
	Role                string
	WindowIndex         int
	IntervalMinutes      int
	Note                string
	NextRunEpoch        int64
	OneShot             bool
	LastDispatchedEpoch int64
	DispatchCount       int
	DedupKey            string
}

// DedupKey computes the composite (session, role, note) key used for idempotent enqueue.
func DedupKey(session, role, note string) string {
	return session + "\x00" + role + "\x00" + note
}

// WaitingFor records that an agent is blocked on a cross-role request.
type WaitingFor struct {
	TargetRole     string
	Reason         string
	RequestID      string
	Since          time.Time
	TimeoutMinutes int
}

// AgentState is the per-role view inside a project's SessionState.
type AgentState struct {
	Role             string
	WindowIndex      int
	WorktreePath     string
	Branch           string
	IsAlive          bool
	IsExhausted      bool
	LastCheckInEpoch int64
	WaitingFor       *WaitingFor
	RecoveryAttempts int
}

// SessionState is the in-memory-plus-persisted view of one project's team.
type SessionState struct {
	ProjectName       string
	SessionName       string
	CreatedAt         time.Time
	PhasesCompleted   []string
	Agents            map[string]*AgentState
	FailureReason     string
	SubscriptionPlan  string
	VelocityMetrics   map[string]float64
}

// HealthStatus classifies the liveness of an agent/session as observed by the Health Monitor.
type HealthStatus string

const (
	HealthAlive   HealthStatus = "ALIVE"   // tmux session up, agent CLI running, active recently
	HealthZombie  HealthStatus = "ZOMBIE"  // tmux session up, agent CLI not running (dropped to shell)
	HealthStuck   HealthStatus = "STUCK"   // tmux session up, agent CLI not in the foreground, no pane activity past the stuck threshold
	HealthPhantom HealthStatus = "PHANTOM" // store believes session dead/unknown but a live candidate exists
	HealthDead    HealthStatus = "DEAD"    // no tmux session, no rediscovery candidate
)

// AgentHealth is a periodic health snapshot (append-mostly).
type AgentHealth struct {
	ID               int64
	ProjectID        int64
	SessionName      string
	Role             string
	WindowIndex      int
	CheckedAt        time.Time
	PaneCommand      string
	ClaudePresent    bool
	Status           HealthStatus
	IsStuck          bool
	StuckSince       time.Time
	RecoveryAttempts int
	LastRecoveryEpoch int64
	HealthBlob       string
}

// AuthorizationStatus is the lifecycle state of a cross-role approval request.
type AuthorizationStatus string

const (
	AuthPending   AuthorizationStatus = "PENDING"
	AuthApproved  AuthorizationStatus = "APPROVED"
	AuthDenied    AuthorizationStatus = "DENIED"
	AuthEscalated AuthorizationStatus = "ESCALATED"
)

// Authorization is a cross-role approval request.
type Authorization struct {
	ID             int64
	SessionName    string
	RequestID      string
	Priority       int // 1, 2, or 3
	FromRole       string
	ToRole         string
	Action         string
	TimeoutMinutes int
	Status         AuthorizationStatus
	CreatedAt      time.Time
	ResolvedAt     time.Time
	Resolution     string
}

// PriorityTimeout maps an Authorization priority to its timeout, per spec.md §3.
func PriorityTimeout(priority int) time.Duration {
	switch priority {
	case 1:
		return 5 * time.Minute
	case 2:
		return 15 * time.Minute
	case 3:
		return 30 * time.Minute
	default:
		return 15 * time.Minute
	}
}

// EscalationThreshold is the fraction of the timeout at which an Authorization escalates.
const EscalationThreshold = 0.8

// FailureRecord is an append-only journal entry for every project failure.
type FailureRecord struct {
	ID          int64
	Timestamp   time.Time
	ProjectID   int64
	SessionName string
	ReasonTag   string
	DurationHrs float64
	SpecPath    string
	AgentCount  int
	Notes       string
	ReportPath  string
}
