package domain

// Record kinds, one per pipeline stage.
const (
	KindLead     = "lead"
	KindDeal     = "deal"
	KindContract = "contract"
	KindInvoice  = "invoice"
)

// Run statuses. Succeeded, failed, dead_lettered and cancelled are terminal.
const (
	RunQueued     = "queued"
	RunRunning    = "running"
	RunSucceeded  = "succeeded"
	RunFailed     = "failed"
	RunDeadLetter = "dead_lettered"
	RunCancelled  = "cancelled"
)

// Artifact routing, decided by the validation gate.
const (
	RoutingAutoEligible = "auto_eligible"
	RoutingHumanReview  = "pending_human_review"
	RoutingFailedChecks = "failed_validation"
)

// Artifact review statuses.
const (
	ReviewPending  = "pending"
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
)

// Decision outcomes.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

type Record struct {
	ID          string `json:"id"`
	Kind        string `json:"kind" enum:"lead,deal,contract,invoice"`
	Status      string `json:"status"`
	TenantID    string `json:"tenant_id"`
	Version     int    `json:"version"`
	PayloadJSON string `json:"payload_json,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// StageRun is one invocation of a stage against one record. Automatic
// retries reuse the run id and bump Attempt; they never create a new run.
type StageRun struct {
	ID         string  `json:"id"`
	RecordID   string  `json:"record_id"`
	Stage      string  `json:"stage"`
	Attempt    int     `json:"attempt"`
	Status     string  `json:"status" enum:"queued,running,succeeded,failed,dead_lettered,cancelled"`
	ErrorJSON  *string `json:"error_json,omitempty"`
	EnqueuedAt string  `json:"enqueued_at" format:"date-time"`
	StartedAt  *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
	DurationMS *int64  `json:"duration_ms,omitempty"`
}

// Terminal reports whether the run can never execute again.
func (r StageRun) Terminal() bool {
	switch r.Status {
	case RunSucceeded, RunFailed, RunDeadLetter, RunCancelled:
		return true
	}
	return false
}

// DraftArtifact is the generated output of a stage. It is always created
// pending; only a ReviewDecision may move the owning record's status.
type DraftArtifact struct {
	ID            string  `json:"id"`
	RunID         string  `json:"run_id"`
	RecordID      string  `json:"record_id"`
	Stage         string  `json:"stage"`
	Content       string  `json:"content"`
	FieldsJSON    *string `json:"fields_json,omitempty"`
	Confidence    float64 `json:"confidence"`
	Routing       string  `json:"routing" enum:"auto_eligible,pending_human_review,failed_validation"`
	ReviewStatus  string  `json:"review_status" enum:"pending,approved,rejected"`
	FailureReason *string `json:"failure_reason,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// ReviewDecision is one audited approval or rejection. Immutable once written.
type ReviewDecision struct {
	ID         string  `json:"id"`
	ArtifactID string  `json:"artifact_id"`
	Decision   string  `json:"decision" enum:"approved,rejected"`
	Actor      string  `json:"actor"`
	Reason     *string `json:"reason,omitempty"`
	DecidedAt  string  `json:"decided_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
