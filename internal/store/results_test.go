package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decaynet/cloud/internal/core"
)

func newMockResultStore(t *testing.T) (*ResultStore, sqlmock.Sqlmock) {
	t.Helper()
	handle, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })
	return NewResultStore(NewFromHandle(handle)), mock
}

func TestNormalizeDetails(t *testing.T) {
	// Valid JSON passes through untouched.
	assert.Equal(t, `{"a":1}`, NormalizeDetails(`{"a":1}`))
	assert.Equal(t, `[1,2,3]`, NormalizeDetails(`[1,2,3]`))
	assert.Equal(t, `"quoted"`, NormalizeDetails(`"quoted"`))

	// Plain strings are wrapped under the fallback field.
	assert.Equal(t, `{"raw_details":"chi-square borderline"}`,
		NormalizeDetails("chi-square borderline"))

	// Empty stays empty (becomes NULL at insert).
	assert.Equal(t, "", NormalizeDetails(""))
}

func TestMarkJobRunningGuardsOnQueued(t *testing.T) {
	s, mock := newMockResultStore(t)
	startedAt := time.Now().UTC()

	mock.ExpectExec(`UPDATE validation_jobs SET status = .+ AND status = `).
		WithArgs("RUNNING", startedAt, "job-1", "QUEUED").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.MarkJobRunning(context.Background(), "job-1", startedAt))

	// A terminal job matches no row and surfaces ErrNotFound.
	mock.ExpectExec(`UPDATE validation_jobs SET status = `).
		WithArgs("RUNNING", startedAt, "job-done", "QUEUED").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.MarkJobRunning(context.Background(), "job-done", startedAt)
	assert.ErrorIs(t, err, core.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishJobRejectsNonTerminalStatus(t *testing.T) {
	s, _ := newMockResultStore(t)
	err := s.FinishJob(context.Background(), "job-1", core.JobRunning, "", time.Now())
	assert.ErrorIs(t, err, core.ErrInternalInvariant)
}

func TestFinishJobSkipsAlreadyTerminalRows(t *testing.T) {
	s, mock := newMockResultStore(t)
	completedAt := time.Now().UTC()

	mock.ExpectExec(`UPDATE validation_jobs SET status = .+ NOT IN \('COMPLETED', 'FAILED'\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.FinishJob(context.Background(), "job-1", core.JobFailed, "boom", completedAt)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverOrphanedJobs(t *testing.T) {
	s, mock := newMockResultStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE validation_jobs SET status = 'FAILED'`).
		WithArgs(now, RecoveryErrQueued, RecoveryErrRunning).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.RecoverOrphanedJobs(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTestResultsWrapsNonJSONDetails(t *testing.T) {
	s, mock := newMockResultStore(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO test_results`)
	prep.ExpectExec().
		WithArgs("run-1", "monobit", true, nil, int64(8000),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 1, 1,
			nil, `{"raw_details":"plain warning"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.InsertTestResults(context.Background(), []core.TestResult{{
		RunID:       "run-1",
		TestName:    "monobit",
		Passed:      true,
		BitsTested:  8000,
		ChunkIndex:  1,
		ChunkCount:  1,
		DetailsJSON: "plain warning",
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAssessmentIsTransactional(t *testing.T) {
	s, mock := newMockResultStore(t)

	chunkIndex, chunkCount := 1, 1
	est := 7.1

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO assessment_results`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO estimator_results .+ ON CONFLICT`).
		WithArgs("run-9", "IID", "mcv", &est, true, nil, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.InsertAssessment(context.Background(),
		&core.AssessmentResult{
			RunID:      "run-9",
			MinEntropy: 7.1,
			Passed:     true,
			BitsTested: 512_000,
			ChunkIndex: &chunkIndex,
			ChunkCount: &chunkCount,
		},
		[]core.EstimatorResult{{
			AssessmentRunID: "run-9",
			TestType:        core.EstimatorIID,
			EstimatorName:   "mcv",
			EntropyEstimate: &est,
			Passed:          true,
		}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAssessmentRollsBackOnEstimatorFailure(t *testing.T) {
	s, mock := newMockResultStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO assessment_results`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO estimator_results`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.InsertAssessment(context.Background(),
		&core.AssessmentResult{RunID: "run-9"},
		[]core.EstimatorResult{{AssessmentRunID: "run-9", TestType: core.EstimatorIID, EstimatorName: "mcv"}})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountActiveJobs(t *testing.T) {
	s, mock := newMockResultStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM validation_jobs`).
		WithArgs("operator@example.org").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	n, err := s.CountActiveJobs(context.Background(), "operator@example.org")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGetJobNotFound(t *testing.T) {
	s, mock := newMockResultStore(t)

	mock.ExpectQuery(`SELECT .+ FROM validation_jobs WHERE job_id = `).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))

	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
