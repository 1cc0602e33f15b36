package model

import (
	"time"
)

// TriageAction is the disposition the classifier assigns to an event.
type TriageAction string

const (
	// ActionNotify means the event needs immediate human attention.
	ActionNotify TriageAction = "NOTIFY"
	// ActionQueue means the event is actionable but not urgent.
	ActionQueue TriageAction = "QUEUE"
	// ActionAuto means the event is routine or informational.
	ActionAuto TriageAction = "AUTO"
)

// Urgency levels for a classified event.
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

// EntityType identifies the kind of infrastructure identifier an
// extracted entity represents.
type EntityType string

const (
	EntityAWSInstance  EntityType = "aws_instance"
	EntityAWSSG        EntityType = "aws_sg"
	EntityAWSVPC       EntityType = "aws_vpc"
	EntityAWSSubnet    EntityType = "aws_subnet"
	EntityAWSVolume    EntityType = "aws_volume"
	EntityAWSAMI       EntityType = "aws_ami"
	EntityAWSAccessKey EntityType = "aws_access_key"
	EntityCVE          EntityType = "cve"
	EntityIP           EntityType = "ip"
	EntityARN          EntityType = "arn"
	EntityTicketID     EntityType = "ticket_id"
	EntityS3Bucket     EntityType = "s3_bucket"
	EntityEmail        EntityType = "email"
	EntityHostname     EntityType = "hostname"
)

// Event is a raw triage input from any connector (ticket, alert, email,
// chat message). Events are transient and not persisted by themselves.
type Event struct {
	Source    string    `json:"source"`
	EventType string    `json:"event_type"`
	ItemID    string    `json:"item_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Entity is a single extracted infrastructure identifier.
type Entity struct {
	Type  EntityType `json:"type"`
	Value string     `json:"value"`
}

// Classification is the triage decision for a single event. Produced
// once per event; never mutated.
type Classification struct {
	Action            TriageAction `json:"action"`
	Urgency           Urgency      `json:"urgency"`
	Summary           string       `json:"summary"`
	Reasoning         string       `json:"reasoning"`
	Domain            string       `json:"domain,omitempty"`
	NeedsManualReview bool         `json:"needs_manual_review,omitempty"`
}

// ProbeResult is the outcome of one read-only query template executed
// against one matched entity.
type ProbeResult struct {
	ProbeName  string                 `json:"probe_name"`
	Entity     string                 `json:"entity"`
	EntityType EntityType             `json:"entity_type"`
	Success    bool                   `json:"success"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// DiagnosisStatus drives the orchestrator's next step after investigation.
type DiagnosisStatus string

const (
	StatusFixable         DiagnosisStatus = "FIXABLE"
	StatusNeedsEscalation DiagnosisStatus = "NEEDS-ESCALATION"
	StatusNeedsCredential DiagnosisStatus = "NEEDS-CREDENTIAL"
	StatusInfoOnly        DiagnosisStatus = "INFO-ONLY"
)

// Diagnosis is the evidence-cited conclusion of an investigation. Every
// citation must name a probe that actually ran; "unknown" is always a
// valid root cause.
type Diagnosis struct {
	RootCause         string          `json:"root_cause"`
	Confidence        string          `json:"confidence"` // high, medium, low
	Impact            string          `json:"impact"`
	EvidenceCitations []string        `json:"evidence_citations"`
	ProposedFix       *ProposedFix    `json:"proposed_fix,omitempty"`
	Status            DiagnosisStatus `json:"status"`
	StatusReason      string          `json:"status_reason"`
	CredentialGaps    []string        `json:"credential_gaps,omitempty"`
}

// ProposedFix names a playbook and the resource it should run against.
type ProposedFix struct {
	Playbook string            `json:"playbook"`
	Resource string            `json:"resource"`
	Params   map[string]string `json:"params,omitempty"`
	Summary  string            `json:"summary"`
}

// CredentialGap records an entity type whose probes could not run
// because the required capability is unavailable.
type CredentialGap struct {
	EntityType EntityType `json:"entity_type"`
	Entity     string     `json:"entity"`
	Capability string     `json:"capability"`
	Hint       string     `json:"hint,omitempty"`
}

// Investigation is the full output of one investigation run, kept
// intact so verification can re-run the exact same probes.
type Investigation struct {
	ItemID          string          `json:"item_id"`
	Source          string          `json:"source"`
	Entities        []Entity        `json:"entities"`
	Probes          []string        `json:"probes"`
	Evidence        []ProbeResult   `json:"evidence"`
	FailedProbes    []ProbeResult   `json:"failed_probes"`
	NeedsCredential []CredentialGap `json:"needs_credential"`
	RelatedItems    []CacheItem     `json:"related_items"`
	Diagnosis       *Diagnosis      `json:"diagnosis"`
	Timestamp       time.Time       `json:"timestamp"`
}

// KnowledgeEntry is one append-only edge in the cross-source
// relationship ledger. (EntityA, EntityB) are stored in canonical
// order so undirected edges cannot be duplicated.
type KnowledgeEntry struct {
	EntityAType  EntityType `json:"entity_a_type"`
	EntityAValue string     `json:"entity_a_value"`
	EntityBType  EntityType `json:"entity_b_type"`
	EntityBValue string     `json:"entity_b_value"`
	Relationship string     `json:"relationship"`
	Source       string     `json:"source"`
	Confidence   float64    `json:"confidence"`
	Timestamp    time.Time  `json:"timestamp"`
	Context      string     `json:"context,omitempty"`
}

// CacheItem is one ingested item in the evidence cache. ID is globally
// unique as source:type:externalID and Store is an upsert on it.
type CacheItem struct {
	ID       string    `json:"id"`
	Source   string    `json:"source"`
	Type     string    `json:"type"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	CachedAt time.Time `json:"cached_at"`
	HasRaw   bool      `json:"has_raw,omitempty"`
	Entities []Entity  `json:"entities,omitempty"`
}

// PlaybookExecution is one append-only audit record. Written for every
// attempt, including rejected ones.
type PlaybookExecution struct {
	ID         string    `json:"id"`
	Playbook   string    `json:"playbook"`
	Resource   string    `json:"resource"`
	ApprovalID string    `json:"approval_id"`
	Success    bool      `json:"success"`
	Output     string    `json:"output"`
	Error      string    `json:"error,omitempty"`
	DryRun     bool      `json:"dry_run"`
	Timestamp  time.Time `json:"timestamp"`
}

// BeforeAfter pairs a probe's original result with its re-run result.
type BeforeAfter struct {
	ProbeName string      `json:"probe_name"`
	Entity    string      `json:"entity"`
	Before    ProbeResult `json:"before"`
	After     ProbeResult `json:"after"`
	Changed   bool        `json:"changed"`
}

// VerificationResult is the before/after verdict on a remediation.
type VerificationResult struct {
	ItemID         string        `json:"item_id"`
	Verified       bool          `json:"verified"`
	Confidence     string        `json:"confidence"`
	BeforeAfter    []BeforeAfter `json:"before_after"`
	Summary        string        `json:"summary"`
	Recommendation string        `json:"recommendation"` // close, retry, escalate
	ApprovalID     string        `json:"approval_id"`
	Timestamp      time.Time     `json:"timestamp"`
}

// FeedbackOutcome is the human judgement on how a classification held up.
type FeedbackOutcome string

const (
	OutcomeCorrect      FeedbackOutcome = "correct"
	OutcomeOverTriaged  FeedbackOutcome = "over_triaged"
	OutcomeUnderTriaged FeedbackOutcome = "under_triaged"
	OutcomeMissed       FeedbackOutcome = "missed"
)

// FeedbackEntry records actual outcome vs. the original prediction.
type FeedbackEntry struct {
	EventID         string          `json:"event_id"`
	OriginalAction  TriageAction    `json:"original_action"`
	OriginalUrgency Urgency         `json:"original_urgency"`
	ActualOutcome   FeedbackOutcome `json:"actual_outcome"`
	Notes           string          `json:"notes,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// ActionStats is the per-action accuracy breakdown inside CalibrationData.
type ActionStats struct {
	Total    int     `json:"total"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
}

// ThresholdAdjustment tells the classifier to bias a triage action.
type ThresholdAdjustment struct {
	Action    TriageAction `json:"action"`
	Direction string       `json:"direction"` // promote, demote, hold
	Reason    string       `json:"reason"`
}

// CalibrationData is the derived accuracy snapshot consumed by the
// classifier. Recomputed on demand and overwritten in place.
type CalibrationData struct {
	AccuracyRate         float64                      `json:"accuracy_rate"`
	OverTriageRate       float64                      `json:"over_triage_rate"`
	UnderTriageRate      float64                      `json:"under_triage_rate"`
	ByAction             map[TriageAction]ActionStats `json:"by_action"`
	Recommendations      []string                     `json:"recommendations"`
	ThresholdAdjustments []ThresholdAdjustment        `json:"threshold_adjustments"`
	SampleSize           int                          `json:"sample_size"`
	LastUpdated          time.Time                    `json:"last_updated"`
}

// TrendDirection classifies how a metric moved across the lookback window.
type TrendDirection string

const (
	TrendIncreasing       TrendDirection = "increasing"
	TrendDecreasing       TrendDirection = "decreasing"
	TrendStable           TrendDirection = "stable"
	TrendInsufficientData TrendDirection = "insufficient_data"
)

// TrendBucket is one time period with its matched record count.
type TrendBucket struct {
	Period string `json:"period"`
	Count  int    `json:"count"`
}

// TrendResult is the output of one trend analysis.
type TrendResult struct {
	Metric      string         `json:"metric"`
	PeriodType  string         `json:"period_type"` // day, week, month
	Buckets     []TrendBucket  `json:"buckets"`
	Trend       TrendDirection `json:"trend"`
	ChangePct   float64        `json:"change_pct"`
	Description string         `json:"description"`
}
