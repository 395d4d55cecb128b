package domain

import "time"

type Capability string

const (
	CapabilityKYC              Capability = "kyc_verification"
	CapabilityFraudDetection   Capability = "fraud_detection"
	CapabilityServiceQuality   Capability = "service_quality"
	CapabilityUserSupport      Capability = "user_support"
	CapabilityQualityAssurance Capability = "quality_assurance"
)

func (c Capability) IsValid() bool {
	switch c {
	case CapabilityKYC, CapabilityFraudDetection, CapabilityServiceQuality, CapabilityUserSupport, CapabilityQualityAssurance:
		return true
	}
	return false
}

func AllCapabilities() []Capability {
	return []Capability{
		CapabilityKYC,
		CapabilityFraudDetection,
		CapabilityServiceQuality,
		CapabilityUserSupport,
		CapabilityQualityAssurance,
	}
}

type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityMedium   TaskPriority = "medium"
	PriorityLow      TaskPriority = "low"
)

func (p TaskPriority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Rank orders priorities for queue insertion, lower value means more urgent.
// Unknown values sink to the back of the queue.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

type Task struct {
	ID               string         `json:"id"`
	Capability       Capability     `json:"capability"`
	AssignedWorkerID string         `json:"assigned_worker_id"`
	Type             string         `json:"type"`
	Priority         TaskPriority   `json:"priority"`
	Status           TaskStatus     `json:"status"`
	TargetID         int32          `json:"target_id"`
	TargetType       string         `json:"target_type"`
	Payload          map[string]any `json:"payload,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	ProcessedAt      *time.Time     `json:"processed_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	Result           *TaskResult    `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`
}

type TaskResult struct {
	Summary  string         `json:"summary"`
	Decision *Decision      `json:"decision,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

type DecisionType string

const (
	DecisionApprove             DecisionType = "approve"
	DecisionReject              DecisionType = "reject"
	DecisionFlagForReview       DecisionType = "flag_for_review"
	DecisionRequestImprovements DecisionType = "request_improvements"
)

// Decision is the structured outcome of an analysis worker's review of a
// subject. Confidence and RiskScore are clamped to [0,100].
type Decision struct {
	TargetID            int32        `json:"target_id"`
	TargetType          string       `json:"target_type"`
	Decision            DecisionType `json:"decision"`
	Confidence          float64      `json:"confidence"`
	RiskScore           float64      `json:"risk_score"`
	Reasoning           string       `json:"reasoning"`
	Evidence            []string     `json:"evidence,omitempty"`
	HumanReviewRequired bool         `json:"human_review_required"`
	ProcessedAt         time.Time    `json:"processed_at"`
}

type WorkerConfig struct {
	ID                    string     `json:"id"`
	Name                  string     `json:"name"`
	Capability            Capability `json:"capability"`
	IsActive              bool       `json:"is_active"`
	AutoApprovalEnabled   bool       `json:"auto_approval_enabled"`
	AutoApprovalThreshold float64    `json:"auto_approval_threshold"`
}

// WorkerConfigPatch carries partial config updates, nil fields are left as is.
type WorkerConfigPatch struct {
	Name                  *string  `json:"name,omitempty"`
	IsActive              *bool    `json:"is_active,omitempty"`
	AutoApprovalEnabled   *bool    `json:"auto_approval_enabled,omitempty"`
	AutoApprovalThreshold *float64 `json:"auto_approval_threshold,omitempty"`
}

type WorkerStatus struct {
	Config      WorkerConfig `json:"config"`
	IsActive    bool         `json:"is_active"`
	QueueLength int          `json:"queue_length"`
	LastActive  time.Time    `json:"last_active"`
}

type WorkerQueueInfo struct {
	WorkerID   string     `json:"worker_id"`
	Capability Capability `json:"capability"`
	QueueDepth int        `json:"queue_depth"`
	Pending    int        `json:"pending"`
	Processing int        `json:"processing"`
}

type WorkerMetrics struct {
	Period                  string     `json:"period"`
	TasksProcessed          int64      `json:"tasks_processed"`
	TasksCompleted          int64      `json:"tasks_completed"`
	TasksFailed             int64      `json:"tasks_failed"`
	AverageProcessingTimeMs float64    `json:"average_processing_time_ms"`
	LastActive              time.Time  `json:"last_active"`
	RecentDecisions         []Decision `json:"recent_decisions"`
}
