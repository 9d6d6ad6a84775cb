package orchestrator

import (
	"context"
	"fmt"

	"github.com/decaynet/cloud/internal/core"
)

// SuiteTestAggregate folds one test's outcomes across all chunks of a
// run.
type SuiteTestAggregate struct {
	TestName     string   `json:"test_name"`
	Passed       bool     `json:"passed"` // all chunks passed
	WorstPValue  *float64 `json:"worst_p_value,omitempty"`
	ChunksPassed int      `json:"chunks_passed"`
	ChunkCount   int      `json:"chunk_count"`
}

// ResultAggregate is the computed cross-chunk view of a completed job.
//
// For suite runs, NistCompliant is the logical AND of each chunk's
// compliance (every test row in the chunk passed). UniformityCheck
// mirrors NistCompliant for new runs; the legacy latest-result path
// returns it as true unconditionally for back-compatibility.
type ResultAggregate struct {
	JobID           string               `json:"job_id"`
	RunID           string               `json:"run_id"`
	Type            core.JobType         `json:"type"`
	ChunkCount      int                  `json:"chunk_count"`
	TotalBits       int64                `json:"total_bits"`
	NistCompliant   bool                 `json:"nist_compliant"`
	UniformityCheck bool                 `json:"uniformity_check"`
	PassRate        float64              `json:"pass_rate"`
	Tests           []SuiteTestAggregate `json:"tests,omitempty"`

	MinEntropy  *float64                `json:"min_entropy,omitempty"`
	Assessments []core.AssessmentResult `json:"assessments,omitempty"`
	Estimators  []core.EstimatorResult  `json:"estimators,omitempty"`
}

// GetResult computes the aggregate from the persisted chunk rows. The
// job must be COMPLETED.
func (o *Orchestrator) GetResult(ctx context.Context, jobID string) (*ResultAggregate, error) {
	job, err := o.results.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != core.JobCompleted {
		return nil, core.InvalidInput("job %s is %s; results require COMPLETED", jobID, job.Status)
	}

	switch job.Type {
	case core.JobTypeSuite22:
		return o.aggregateSuite(ctx, job)
	case core.JobTypeAssess90:
		return o.aggregateAssessment(ctx, job)
	default:
		return nil, fmt.Errorf("%w: job %s has unknown type %q", core.ErrInternalInvariant, jobID, job.Type)
	}
}

func (o *Orchestrator) aggregateSuite(ctx context.Context, job *core.ValidationJob) (*ResultAggregate, error) {
	rows, err := o.results.TestResultsByRun(ctx, job.RunID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: run %s has no test rows", core.ErrNotFound, job.RunID)
	}

	agg := &ResultAggregate{
		JobID:      job.JobID,
		RunID:      job.RunID,
		Type:       job.Type,
		ChunkCount: rows[0].ChunkCount,
	}

	// Chunk compliance: a chunk complies when every one of its test
	// rows passed. Suite-level compliance is the AND across chunks.
	chunkCompliant := map[int]bool{}
	chunkBits := map[int]int64{}
	byTest := map[string]*SuiteTestAggregate{}
	order := []string{}
	passed := 0

	for _, row := range rows {
		if _, seen := chunkCompliant[row.ChunkIndex]; !seen {
			chunkCompliant[row.ChunkIndex] = true
			chunkBits[row.ChunkIndex] = row.BitsTested
		}
		if !row.Passed {
			chunkCompliant[row.ChunkIndex] = false
		} else {
			passed++
		}

		ta, ok := byTest[row.TestName]
		if !ok {
			ta = &SuiteTestAggregate{TestName: row.TestName, Passed: true, ChunkCount: rows[0].ChunkCount}
			byTest[row.TestName] = ta
			order = append(order, row.TestName)
		}
		if row.Passed {
			ta.ChunksPassed++
		} else {
			ta.Passed = false
		}
		if row.PValue != nil && (ta.WorstPValue == nil || *row.PValue < *ta.WorstPValue) {
			p := *row.PValue
			ta.WorstPValue = &p
		}
	}

	agg.NistCompliant = true
	for _, ok := range chunkCompliant {
		if !ok {
			agg.NistCompliant = false
		}
	}
	agg.UniformityCheck = agg.NistCompliant
	for _, bits := range chunkBits {
		agg.TotalBits += bits
	}
	agg.PassRate = float64(passed) / float64(len(rows))

	for _, name := range order {
		agg.Tests = append(agg.Tests, *byTest[name])
	}
	return agg, nil
}

func (o *Orchestrator) aggregateAssessment(ctx context.Context, job *core.ValidationJob) (*ResultAggregate, error) {
	assessments, err := o.results.AssessmentsByRun(ctx, job.RunID)
	if err != nil {
		return nil, err
	}
	if len(assessments) == 0 {
		return nil, fmt.Errorf("%w: run %s has no assessment rows", core.ErrNotFound, job.RunID)
	}
	estimators, err := o.results.EstimatorsByRun(ctx, job.RunID)
	if err != nil {
		return nil, err
	}

	agg := &ResultAggregate{
		JobID:       job.JobID,
		RunID:       job.RunID,
		Type:        job.Type,
		ChunkCount:  len(assessments),
		Assessments: assessments,
		Estimators:  estimators,
	}

	// Worst-case across chunks: the aggregate min-entropy is the
	// minimum, the verdict the AND.
	pass := true
	minEntropy := assessments[0].MinEntropy
	passedCount := 0
	for _, a := range assessments {
		agg.TotalBits += a.BitsTested
		if a.MinEntropy < minEntropy {
			minEntropy = a.MinEntropy
		}
		if a.Passed {
			passedCount++
		} else {
			pass = false
		}
	}
	agg.MinEntropy = &minEntropy
	agg.NistCompliant = pass
	agg.UniformityCheck = pass
	agg.PassRate = float64(passedCount) / float64(len(assessments))
	return agg, nil
}

// GetLatestResult returns the aggregate of the most recent completed job
// of the given type. Back-compatibility: this legacy path reports
// UniformityCheck as true unconditionally, matching prior behavior.
func (o *Orchestrator) GetLatestResult(ctx context.Context, jobType core.JobType) (*ResultAggregate, error) {
	job, err := o.results.LatestCompletedJob(ctx, jobType)
	if err != nil {
		return nil, err
	}
	agg, err := o.GetResult(ctx, job.JobID)
	if err != nil {
		return nil, err
	}
	agg.UniformityCheck = true
	return agg, nil
}
