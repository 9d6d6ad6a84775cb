package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/decaynet/cloud/internal/core"
)

// ResultRepository is the C2 surface: durable jobs, per-chunk SP 800-22
// rows, and SP 800-90B aggregate plus estimator rows.
type ResultRepository interface {
	CreateJob(ctx context.Context, job *core.ValidationJob) error
	GetJob(ctx context.Context, jobID string) (*core.ValidationJob, error)
	MarkJobRunning(ctx context.Context, jobID string, startedAt time.Time) error
	SetTotalChunks(ctx context.Context, jobID string, totalChunks int) error
	UpdateJobProgress(ctx context.Context, jobID string, progress float64, currentChunk int) error
	FinishJob(ctx context.Context, jobID string, status core.JobStatus, errMsg string, completedAt time.Time) error
	CountActiveJobs(ctx context.Context, actor string) (int, error)
	LatestCompletedJob(ctx context.Context, jobType core.JobType) (*core.ValidationJob, error)
	RecoverOrphanedJobs(ctx context.Context, now time.Time) (int64, error)

	InsertTestResults(ctx context.Context, results []core.TestResult) error
	TestResultsByRun(ctx context.Context, runID string) ([]core.TestResult, error)

	InsertAssessment(ctx context.Context, res *core.AssessmentResult, estimators []core.EstimatorResult) error
	AssessmentsByRun(ctx context.Context, runID string) ([]core.AssessmentResult, error)
	EstimatorsByRun(ctx context.Context, runID string) ([]core.EstimatorResult, error)
}

// ResultStore is the Postgres-backed ResultRepository.
type ResultStore struct {
	db *DB
}

func NewResultStore(db *DB) *ResultStore {
	return &ResultStore{db: db}
}

// detailsFallbackField wraps non-JSON validator summaries so the details
// column is always valid JSON.
const detailsFallbackField = "raw_details"

// NormalizeDetails returns details as-is when it already parses as JSON,
// wraps it under the fallback field otherwise, and maps empty to empty.
func NormalizeDetails(details string) string {
	if details == "" {
		return ""
	}
	if json.Valid([]byte(details)) {
		return details
	}
	wrapped, _ := json.Marshal(map[string]string{detailsFallbackField: details})
	return string(wrapped)
}

// ----------------------------------------------------------------------------
// JOBS
// ----------------------------------------------------------------------------

func (s *ResultStore) CreateJob(ctx context.Context, job *core.ValidationJob) error {
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO validation_jobs (job_id, job_type, status, progress_percent,
			current_chunk, total_chunks, window_start, window_end, created_at,
			created_by, run_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.JobID, string(job.Type), string(job.Status), job.ProgressPercent,
		job.CurrentChunk, job.TotalChunks, job.WindowStart, job.WindowEnd,
		job.CreatedAt, job.CreatedBy, job.RunID)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

const jobColumns = `job_id, job_type, status, progress_percent, current_chunk,
	total_chunks, window_start, window_end, created_at, started_at,
	completed_at, error, created_by, run_id`

func (s *ResultStore) GetJob(ctx context.Context, jobID string) (*core.ValidationJob, error) {
	row := s.db.sql.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM validation_jobs WHERE job_id = $1`, jobID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: job %s", core.ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// MarkJobRunning moves a QUEUED job to RUNNING. The status guard in the
// WHERE clause enforces terminal-state immutability at the store level.
func (s *ResultStore) MarkJobRunning(ctx context.Context, jobID string, startedAt time.Time) error {
	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE validation_jobs SET status = $1, started_at = $2
		 WHERE job_id = $3 AND status = $4`,
		string(core.JobRunning), startedAt, jobID, string(core.JobQueued))
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return requireOneRow(res, jobID)
}

// SetTotalChunks records the chunk plan once the bitstream is extracted.
func (s *ResultStore) SetTotalChunks(ctx context.Context, jobID string, totalChunks int) error {
	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE validation_jobs SET total_chunks = $1
		 WHERE job_id = $2 AND status = $3`,
		totalChunks, jobID, string(core.JobRunning))
	if err != nil {
		return fmt.Errorf("set total chunks: %w", err)
	}
	return requireOneRow(res, jobID)
}

func (s *ResultStore) UpdateJobProgress(ctx context.Context, jobID string, progress float64, currentChunk int) error {
	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE validation_jobs SET progress_percent = $1, current_chunk = $2
		 WHERE job_id = $3 AND status = $4`,
		progress, currentChunk, jobID, string(core.JobRunning))
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return requireOneRow(res, jobID)
}

// FinishJob transitions to a terminal state. Jobs already terminal are
// left untouched.
func (s *ResultStore) FinishJob(ctx context.Context, jobID string, status core.JobStatus, errMsg string, completedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: finish with non-terminal status %s", core.ErrInternalInvariant, status)
	}
	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE validation_jobs SET status = $1, error = $2, completed_at = $3, progress_percent =
			CASE WHEN $1 = 'COMPLETED' THEN 100 ELSE progress_percent END
		 WHERE job_id = $4 AND status NOT IN ('COMPLETED', 'FAILED')`,
		string(status), nullString(errMsg), completedAt, jobID)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return requireOneRow(res, jobID)
}

func (s *ResultStore) CountActiveJobs(ctx context.Context, actor string) (int, error) {
	var count int
	err := s.db.sql.QueryRowContext(ctx,
		`SELECT count(*) FROM validation_jobs
		 WHERE created_by = $1 AND status IN ('QUEUED', 'RUNNING')`, actor).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return count, nil
}

// LatestCompletedJob returns the most recently completed job of the
// given type. Backs the legacy latest-result read path.
func (s *ResultStore) LatestCompletedJob(ctx context.Context, jobType core.JobType) (*core.ValidationJob, error) {
	row := s.db.sql.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM validation_jobs
		 WHERE job_type = $1 AND status = 'COMPLETED'
		 ORDER BY completed_at DESC LIMIT 1`, string(jobType))

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no completed %s jobs", core.ErrNotFound, jobType)
	}
	if err != nil {
		return nil, fmt.Errorf("latest completed job: %w", err)
	}
	return job, nil
}

// Recovery messages distinguish the prior non-terminal state.
const (
	RecoveryErrQueued  = "orchestrator restarted: job failed before start"
	RecoveryErrRunning = "orchestrator restarted: job failed during processing"
)

// RecoverOrphanedJobs marks every non-terminal job FAILED at process
// start, with a distinct error per prior state. Returns the number of
// rows transitioned.
func (s *ResultStore) RecoverOrphanedJobs(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE validation_jobs SET status = 'FAILED', completed_at = $1, error =
			CASE status WHEN 'QUEUED' THEN $2 ELSE $3 END
		 WHERE status IN ('QUEUED', 'RUNNING')`,
		now, RecoveryErrQueued, RecoveryErrRunning)
	if err != nil {
		return 0, fmt.Errorf("recover orphaned jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.db.logger.Printf("Recovery: %d orphaned jobs marked FAILED", n)
	}
	return n, nil
}

// ----------------------------------------------------------------------------
// SP 800-22 RESULTS
// ----------------------------------------------------------------------------

func (s *ResultStore) InsertTestResults(ctx context.Context, results []core.TestResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert test results: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO test_results (run_id, test_name, passed, p_value, bits_tested,
			window_start, window_end, executed_at, chunk_index, chunk_count,
			batch_id, details_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
	if err != nil {
		return fmt.Errorf("insert test results: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.ExecContext(ctx, r.RunID, r.TestName, r.Passed, r.PValue,
			r.BitsTested, r.WindowStart, r.WindowEnd, r.ExecutedAt, r.ChunkIndex,
			r.ChunkCount, nullString(r.BatchID), nullString(NormalizeDetails(r.DetailsJSON))); err != nil {
			return fmt.Errorf("insert test result %s: %w", r.TestName, err)
		}
	}
	return tx.Commit()
}

func (s *ResultStore) TestResultsByRun(ctx context.Context, runID string) ([]core.TestResult, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT id, run_id, test_name, passed, p_value, bits_tested, window_start,
			window_end, executed_at, chunk_index, chunk_count, batch_id, details_json
		 FROM test_results WHERE run_id = $1
		 ORDER BY chunk_index ASC, test_name ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("test results by run: %w", err)
	}
	defer rows.Close()

	var results []core.TestResult
	for rows.Next() {
		var (
			r       core.TestResult
			batchID sql.NullString
			details sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.TestName, &r.Passed, &r.PValue,
			&r.BitsTested, &r.WindowStart, &r.WindowEnd, &r.ExecutedAt,
			&r.ChunkIndex, &r.ChunkCount, &batchID, &details); err != nil {
			return nil, err
		}
		r.BatchID = batchID.String
		r.DetailsJSON = details.String
		results = append(results, r)
	}
	return results, rows.Err()
}

// ----------------------------------------------------------------------------
// SP 800-90B RESULTS
// ----------------------------------------------------------------------------

// InsertAssessment writes the aggregate row and its estimator rows in one
// transaction so a chunk's results land atomically.
func (s *ResultStore) InsertAssessment(ctx context.Context, res *core.AssessmentResult, estimators []core.EstimatorResult) error {
	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert assessment: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO assessment_results (run_id, min_entropy, passed, bits_tested,
			window_start, window_end, executed_at, chunk_index, chunk_count, details_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		res.RunID, res.MinEntropy, res.Passed, res.BitsTested, res.WindowStart,
		res.WindowEnd, res.ExecutedAt, res.ChunkIndex, res.ChunkCount,
		nullString(NormalizeDetails(res.DetailsJSON))); err != nil {
		return fmt.Errorf("insert assessment: %w", err)
	}

	for _, est := range estimators {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO estimator_results (assessment_run_id, test_type,
				estimator_name, entropy_estimate, passed, details_json, description)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (assessment_run_id, test_type, estimator_name) DO UPDATE
			 SET entropy_estimate = EXCLUDED.entropy_estimate,
			     passed = EXCLUDED.passed,
			     details_json = EXCLUDED.details_json,
			     description = EXCLUDED.description`,
			est.AssessmentRunID, string(est.TestType), est.EstimatorName,
			est.EntropyEstimate, est.Passed,
			nullString(NormalizeDetails(est.DetailsJSON)), nullString(est.Description)); err != nil {
			return fmt.Errorf("insert estimator %s/%s: %w", est.TestType, est.EstimatorName, err)
		}
	}
	return tx.Commit()
}

func (s *ResultStore) AssessmentsByRun(ctx context.Context, runID string) ([]core.AssessmentResult, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT id, run_id, min_entropy, passed, bits_tested, window_start,
			window_end, executed_at, chunk_index, chunk_count, details_json
		 FROM assessment_results WHERE run_id = $1 ORDER BY chunk_index ASC NULLS FIRST`, runID)
	if err != nil {
		return nil, fmt.Errorf("assessments by run: %w", err)
	}
	defer rows.Close()

	var results []core.AssessmentResult
	for rows.Next() {
		var (
			r       core.AssessmentResult
			details sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.MinEntropy, &r.Passed, &r.BitsTested,
			&r.WindowStart, &r.WindowEnd, &r.ExecutedAt, &r.ChunkIndex,
			&r.ChunkCount, &details); err != nil {
			return nil, err
		}
		r.DetailsJSON = details.String
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *ResultStore) EstimatorsByRun(ctx context.Context, runID string) ([]core.EstimatorResult, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT id, assessment_run_id, test_type, estimator_name, entropy_estimate,
			passed, details_json, description
		 FROM estimator_results WHERE assessment_run_id = $1
		 ORDER BY test_type ASC, estimator_name ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("estimators by run: %w", err)
	}
	defer rows.Close()

	var results []core.EstimatorResult
	for rows.Next() {
		var (
			r        core.EstimatorResult
			testType string
			details  sql.NullString
			desc     sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.AssessmentRunID, &testType, &r.EstimatorName,
			&r.EntropyEstimate, &r.Passed, &details, &desc); err != nil {
			return nil, err
		}
		r.TestType = core.EstimatorTestType(testType)
		r.DetailsJSON = details.String
		r.Description = desc.String
		results = append(results, r)
	}
	return results, rows.Err()
}

func scanJob(row *sql.Row) (*core.ValidationJob, error) {
	var (
		j       core.ValidationJob
		jobType string
		status  string
		errMsg  sql.NullString
	)
	if err := row.Scan(&j.JobID, &jobType, &status, &j.ProgressPercent,
		&j.CurrentChunk, &j.TotalChunks, &j.WindowStart, &j.WindowEnd,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &errMsg, &j.CreatedBy,
		&j.RunID); err != nil {
		return nil, err
	}
	j.Type = core.JobType(jobType)
	j.Status = core.JobStatus(status)
	j.Error = errMsg.String
	return &j, nil
}

func requireOneRow(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s not in an updatable state", core.ErrNotFound, jobID)
	}
	return nil
}
