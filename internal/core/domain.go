package core

import "time"

// Event is a single detected decay as persisted in the event store.
// The surrogate ID is only unique together with ServerReceived, which is
// the partition key of the hypertable.
type Event struct {
	ID             int64      `json:"id"`
	BatchID        string     `json:"batch_id,omitempty"`
	HWTimestampNs  int64      `json:"hw_timestamp_ns"`
	SequenceNumber int64      `json:"sequence_number"`
	RPITimestampUs *int64     `json:"rpi_timestamp_us,omitempty"`
	TDCTimestampPs *int64     `json:"tdc_timestamp_ps,omitempty"`
	Channel        *int32     `json:"channel,omitempty"`
	Whitened       []byte     `json:"whitened,omitempty"`
	ServerReceived time.Time  `json:"server_received"`
	NetworkDelayMs *float64   `json:"network_delay_ms,omitempty"`
	SourceAddress  string     `json:"source_address,omitempty"`
	QualityScore   *float64   `json:"quality_score,omitempty"`
}

// JobType selects which external validator a job targets.
type JobType string

const (
	JobTypeSuite22  JobType = "SUITE_22"
	JobTypeAssess90 JobType = "ASSESS_90B"
)

// JobStatus is the lifecycle state of a validation job.
// QUEUED → RUNNING → (COMPLETED | FAILED). Terminal states are immutable.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ValidationJob is the durable record of one validator run.
type ValidationJob struct {
	JobID           string     `json:"job_id"`
	Type            JobType    `json:"type"`
	Status          JobStatus  `json:"status"`
	ProgressPercent float64    `json:"progress_percent"`
	CurrentChunk    int        `json:"current_chunk"`
	TotalChunks     int        `json:"total_chunks"`
	WindowStart     time.Time  `json:"window_start"`
	WindowEnd       time.Time  `json:"window_end"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedBy       string     `json:"created_by"`
	RunID           string     `json:"run_id"`
}

// TestResult is one SP 800-22 test outcome for one chunk of a run.
type TestResult struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	TestName    string    `json:"test_name"`
	Passed      bool      `json:"passed"`
	PValue      *float64  `json:"p_value,omitempty"`
	BitsTested  int64     `json:"bits_tested"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	ExecutedAt  time.Time `json:"executed_at"`
	ChunkIndex  int       `json:"chunk_index"`
	ChunkCount  int       `json:"chunk_count"`
	BatchID     string    `json:"batch_id,omitempty"`
	DetailsJSON string    `json:"details_json,omitempty"`
}

// AssessmentResult is the SP 800-90B aggregate for one chunk of a run.
type AssessmentResult struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	MinEntropy  float64   `json:"min_entropy"`
	Passed      bool      `json:"passed"`
	BitsTested  int64     `json:"bits_tested"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	ExecutedAt  time.Time `json:"executed_at"`
	ChunkIndex  *int      `json:"chunk_index,omitempty"`
	ChunkCount  *int      `json:"chunk_count,omitempty"`
	DetailsJSON string    `json:"details_json,omitempty"`
}

// EstimatorTestType distinguishes the two SP 800-90B tracks.
type EstimatorTestType string

const (
	EstimatorIID    EstimatorTestType = "IID"
	EstimatorNonIID EstimatorTestType = "NON_IID"
)

// EstimatorResult is a per-estimator SP 800-90B detail row.
// EntropyEstimate nil means the estimator does not produce an entropy
// figure; 0.0 is a legitimate estimate. Unique per (run, type, name).
type EstimatorResult struct {
	ID               int64             `json:"id"`
	AssessmentRunID  string            `json:"assessment_run_id"`
	TestType         EstimatorTestType `json:"test_type"`
	EstimatorName    string            `json:"estimator_name"`
	EntropyEstimate  *float64          `json:"entropy_estimate,omitempty"`
	Passed           bool              `json:"passed"`
	DetailsJSON      string            `json:"details_json,omitempty"`
	Description      string            `json:"description,omitempty"`
}

// SequenceGap marks a hole observed in per-gateway sequence numbers.
type SequenceGap struct {
	AfterSequence  int64 `json:"after_sequence"`
	BeforeSequence int64 `json:"before_sequence"`
	Missing        int64 `json:"missing"`
}

// QualityReport is the derived data-quality summary for a time window.
type QualityReport struct {
	WindowStart         time.Time     `json:"window_start"`
	WindowEnd           time.Time     `json:"window_end"`
	TotalEvents         int64         `json:"total_events"`
	Gaps                []SequenceGap `json:"gaps"`
	MissingCount        int64         `json:"missing_count"`
	ClockDriftUsPerHour float64       `json:"clock_drift_us_per_hour"`
	AvgNetworkDelayMs   float64       `json:"avg_network_delay_ms"`
	AvgDecayIntervalMs  float64       `json:"avg_decay_interval_ms"`
	DecayRateRealistic  bool          `json:"decay_rate_realistic"`
	QualityScore        float64       `json:"quality_score"`
	Classification      string        `json:"classification"`
	Recommendations     []string      `json:"recommendations"`
}

// Principal is the authenticated caller yielded by the identity
// collaborator. Roles carry capabilities such as GATEWAY, USER, ADMIN.
type Principal struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

// HasRole reports whether the principal carries the given capability.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

const (
	RoleGateway = "GATEWAY"
	RoleUser    = "USER"
	RoleAdmin   = "ADMIN"
)
