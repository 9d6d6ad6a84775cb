package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decaynet/cloud/internal/config"
	"github.com/decaynet/cloud/internal/core"
	"github.com/decaynet/cloud/internal/identity"
	"github.com/decaynet/cloud/internal/store"
	"github.com/decaynet/cloud/internal/validators"
)

// ----------------------------------------------------------------------------
// FAKES
// ----------------------------------------------------------------------------

// memResults is an in-memory ResultRepository with the same transition
// guards as the Postgres store.
type memResults struct {
	mu          sync.Mutex
	jobs        map[string]*core.ValidationJob
	testRows    []core.TestResult
	assessments []core.AssessmentResult
	estimators  []core.EstimatorResult
}

func newMemResults() *memResults {
	return &memResults{jobs: map[string]*core.ValidationJob{}}
}

func (m *memResults) CreateJob(_ context.Context, job *core.ValidationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *job
	m.jobs[job.JobID] = &copied
	return nil
}

func (m *memResults) GetJob(_ context.Context, jobID string) (*core.ValidationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", core.ErrNotFound, jobID)
	}
	copied := *job
	return &copied, nil
}

func (m *memResults) MarkJobRunning(_ context.Context, jobID string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[jobID]
	if job == nil || job.Status != core.JobQueued {
		return fmt.Errorf("job %s not in QUEUED", jobID)
	}
	job.Status = core.JobRunning
	job.StartedAt = &startedAt
	return nil
}

func (m *memResults) SetTotalChunks(_ context.Context, jobID string, totalChunks int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID].TotalChunks = totalChunks
	return nil
}

func (m *memResults) UpdateJobProgress(_ context.Context, jobID string, progress float64, currentChunk int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[jobID]
	job.ProgressPercent = progress
	job.CurrentChunk = currentChunk
	return nil
}

func (m *memResults) FinishJob(_ context.Context, jobID string, status core.JobStatus, errMsg string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[jobID]
	if job.Status.Terminal() {
		return fmt.Errorf("job %s already terminal", jobID)
	}
	job.Status = status
	job.Error = errMsg
	job.CompletedAt = &completedAt
	if status == core.JobCompleted {
		job.ProgressPercent = 100
	}
	return nil
}

func (m *memResults) CountActiveJobs(_ context.Context, actor string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, job := range m.jobs {
		if job.CreatedBy == actor && !job.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (m *memResults) LatestCompletedJob(_ context.Context, jobType core.JobType) (*core.ValidationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *core.ValidationJob
	for _, job := range m.jobs {
		if job.Type != jobType || job.Status != core.JobCompleted {
			continue
		}
		if latest == nil || job.CompletedAt.After(*latest.CompletedAt) {
			latest = job
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no completed %s job", core.ErrNotFound, jobType)
	}
	copied := *latest
	return &copied, nil
}

func (m *memResults) RecoverOrphanedJobs(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, job := range m.jobs {
		switch job.Status {
		case core.JobQueued:
			job.Status, job.Error = core.JobFailed, store.RecoveryErrQueued
		case core.JobRunning:
			job.Status, job.Error = core.JobFailed, store.RecoveryErrRunning
		default:
			continue
		}
		job.CompletedAt = &now
		n++
	}
	return n, nil
}

func (m *memResults) InsertTestResults(_ context.Context, results []core.TestResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.testRows = append(m.testRows, results...)
	return nil
}

func (m *memResults) TestResultsByRun(_ context.Context, runID string) ([]core.TestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []core.TestResult{}
	for _, row := range m.testRows {
		if row.RunID == runID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *memResults) InsertAssessment(_ context.Context, res *core.AssessmentResult, estimators []core.EstimatorResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assessments = append(m.assessments, *res)
	m.estimators = append(m.estimators, estimators...)
	return nil
}

func (m *memResults) AssessmentsByRun(_ context.Context, runID string) ([]core.AssessmentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []core.AssessmentResult{}
	for _, a := range m.assessments {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memResults) EstimatorsByRun(_ context.Context, runID string) ([]core.EstimatorResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []core.EstimatorResult{}
	for _, e := range m.estimators {
		if e.AssessmentRunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

// memEvents serves a fixed event window.
type memEvents struct {
	store.EventRepository
	events []core.Event
}

func (m *memEvents) EventsInWindow(context.Context, time.Time, time.Time) ([]core.Event, error) {
	return m.events, nil
}

func (m *memEvents) InsertEvents(context.Context, *sql.Tx, []core.Event) error { return nil }

// fakeSuite records bearers and answers each chunk with one passing and
// optionally one failing test.
type fakeSuite struct {
	mu      sync.Mutex
	bearers []string
	chunks  [][]byte
	fail    bool
	err     error
}

func (f *fakeSuite) RunTestSuite(_ context.Context, data []byte, bearer string) (*validators.SuiteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.bearers = append(f.bearers, bearer)
	f.chunks = append(f.chunks, data)

	p := 0.42
	resp := &validators.SuiteResponse{
		Results: []validators.SuiteTestResult{
			{Name: "monobit", Passed: true, PValue: &p},
		},
		TestsRun:      1,
		NistCompliant: true,
	}
	if f.fail {
		lowP := 0.002
		resp.Results = append(resp.Results,
			validators.SuiteTestResult{Name: "runs", Passed: false, PValue: &lowP})
		resp.NistCompliant = false
	}
	return resp, nil
}

type fakeAssessor struct {
	mu      sync.Mutex
	bearers []string
	err     error
}

func (f *fakeAssessor) AssessEntropy(_ context.Context, data []byte, bearer string) (*validators.AssessResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.bearers = append(f.bearers, bearer)

	est := 7.2
	return &validators.AssessResponse{
		MinEntropy: 7.2,
		Passed:     true,
		IIDResults: []validators.EstimatorOutcome{
			{Name: "mcv", EntropyEstimate: &est, Passed: true},
		},
		NonIIDResults: []validators.EstimatorOutcome{
			{Name: "markov", EntropyEstimate: &est, Passed: true},
		},
	}, nil
}

// ----------------------------------------------------------------------------
// HELPERS
// ----------------------------------------------------------------------------

func testValidationConfig() config.ValidationConfig {
	return config.ValidationConfig{
		MinBits22:             64, // small budgets keep test data tiny
		MaxBytes22:            64,
		MaxBytes90:            64,
		MaxParallelJobs:       2,
		MaxActiveJobsPerActor: 3,
		RPCTimeout:            time.Second,
	}
}

// whitenedEvents yields a window whose bitstream is n bytes.
func whitenedEvents(n int) []core.Event {
	events := make([]core.Event, (n+7)/8)
	for i := range events {
		events[i] = core.Event{
			HWTimestampNs: int64(1000 + i),
			Whitened:      []byte{1, 2, 3, 4, 5, 6, 7, 8},
		}
	}
	return events
}

func newTestOrchestrator(results *memResults, events []core.Event,
	suite validators.SuiteClient, assessor validators.AssessorClient,
	tokens identity.TokenSource) *Orchestrator {

	if tokens == nil {
		tokens = identity.StaticTokenSource("service-token")
	}
	return New(testValidationConfig(), &memEvents{events: events}, results, suite, assessor, tokens, nil)
}

func waitTerminal(t *testing.T, results *memResults, jobID string) *core.ValidationJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := results.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return nil
}

func submitReq(jobType core.JobType) SubmitRequest {
	return SubmitRequest{
		Type:        jobType,
		WindowStart: time.Now().Add(-time.Hour),
		WindowEnd:   time.Now(),
		Actor:       "operator@example.org",
	}
}

// ----------------------------------------------------------------------------
// TESTS
// ----------------------------------------------------------------------------

func TestSuiteJobRunsToCompletion(t *testing.T) {
	results := newMemResults()
	suite := &fakeSuite{}
	orch := newTestOrchestrator(results, whitenedEvents(200), suite, &fakeAssessor{}, nil)
	defer orch.Stop()

	job, err := orch.Submit(context.Background(), submitReq(core.JobTypeSuite22))
	require.NoError(t, err)
	assert.Equal(t, core.JobQueued, job.Status)

	final := waitTerminal(t, results, job.JobID)
	assert.Equal(t, core.JobCompleted, final.Status)
	assert.Equal(t, 100.0, final.ProgressPercent)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)

	// 200 bytes at 64-byte chunks: 3 full + rebalanced tail, 4 chunks.
	rows, err := results.TestResultsByRun(context.Background(), job.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	seen := map[int]bool{}
	for _, row := range rows {
		assert.Equal(t, final.TotalChunks, row.ChunkCount)
		assert.Equal(t, int64(len(suite.chunks[row.ChunkIndex-1]))*8, row.BitsTested)
		seen[row.ChunkIndex] = true
	}
	for i := 1; i <= final.TotalChunks; i++ {
		assert.True(t, seen[i], "chunk %d missing", i)
	}
}

func TestAssessmentJobRunsToCompletion(t *testing.T) {
	results := newMemResults()
	assessor := &fakeAssessor{}
	orch := newTestOrchestrator(results, whitenedEvents(128), &fakeSuite{}, assessor, nil)
	defer orch.Stop()

	job, err := orch.Submit(context.Background(), submitReq(core.JobTypeAssess90))
	require.NoError(t, err)

	final := waitTerminal(t, results, job.JobID)
	assert.Equal(t, core.JobCompleted, final.Status)
	assert.Equal(t, 1, final.TotalChunks)

	assessments, err := results.AssessmentsByRun(context.Background(), job.RunID)
	require.NoError(t, err)
	require.Len(t, assessments, 1)
	// Input truncated to the 64-byte budget.
	assert.Equal(t, int64(64*8), assessments[0].BitsTested)

	estimators, err := results.EstimatorsByRun(context.Background(), job.RunID)
	require.NoError(t, err)
	assert.Len(t, estimators, 2)
}

func TestValidatorFailureFailsJobWithoutRetry(t *testing.T) {
	results := newMemResults()
	suite := &fakeSuite{err: errors.New("suite service unavailable")}
	orch := newTestOrchestrator(results, whitenedEvents(200), suite, &fakeAssessor{}, nil)
	defer orch.Stop()

	job, err := orch.Submit(context.Background(), submitReq(core.JobTypeSuite22))
	require.NoError(t, err)

	final := waitTerminal(t, results, job.JobID)
	assert.Equal(t, core.JobFailed, final.Status)
	assert.Contains(t, final.Error, "suite service unavailable")
	assert.Empty(t, suite.bearers, "no retry after the first chunk failure")
}

func TestCallerTokenTakesPrecedence(t *testing.T) {
	results := newMemResults()
	suite := &fakeSuite{}
	orch := newTestOrchestrator(results, whitenedEvents(64), suite, &fakeAssessor{},
		identity.StaticTokenSource("service-token"))
	defer orch.Stop()

	req := submitReq(core.JobTypeSuite22)
	req.CallerToken = "caller-token"
	job, err := orch.Submit(context.Background(), req)
	require.NoError(t, err)

	waitTerminal(t, results, job.JobID)
	require.NotEmpty(t, suite.bearers)
	for _, bearer := range suite.bearers {
		assert.Equal(t, "caller-token", bearer)
	}
}

func TestServiceTokenUsedWithoutCallerToken(t *testing.T) {
	results := newMemResults()
	suite := &fakeSuite{}
	orch := newTestOrchestrator(results, whitenedEvents(64), suite, &fakeAssessor{},
		identity.StaticTokenSource("service-token"))
	defer orch.Stop()

	job, err := orch.Submit(context.Background(), submitReq(core.JobTypeSuite22))
	require.NoError(t, err)

	waitTerminal(t, results, job.JobID)
	require.NotEmpty(t, suite.bearers)
	assert.Equal(t, "service-token", suite.bearers[0])
}

func TestAuthUnavailableFailsJob(t *testing.T) {
	results := newMemResults()
	orch := newTestOrchestrator(results, whitenedEvents(64), &fakeSuite{}, &fakeAssessor{},
		identity.StaticTokenSource("")) // empty source always fails
	defer orch.Stop()

	job, err := orch.Submit(context.Background(), submitReq(core.JobTypeSuite22))
	require.NoError(t, err)

	final := waitTerminal(t, results, job.JobID)
	assert.Equal(t, core.JobFailed, final.Status)
	assert.Contains(t, final.Error, "authentication")
}

func TestSubmitValidation(t *testing.T) {
	results := newMemResults()
	orch := newTestOrchestrator(results, nil, &fakeSuite{}, &fakeAssessor{}, nil)
	defer orch.Stop()

	_, err := orch.Submit(context.Background(), SubmitRequest{Type: "BOGUS", Actor: "a",
		WindowStart: time.Now().Add(-time.Hour), WindowEnd: time.Now()})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	req := submitReq(core.JobTypeSuite22)
	req.WindowEnd = req.WindowStart
	_, err = orch.Submit(context.Background(), req)
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	req = submitReq(core.JobTypeSuite22)
	req.Actor = ""
	_, err = orch.Submit(context.Background(), req)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestSubmitRejectsActorOverActiveLimit(t *testing.T) {
	results := newMemResults()
	// Pre-load three non-terminal jobs for the actor.
	for i := 0; i < 3; i++ {
		require.NoError(t, results.CreateJob(context.Background(), &core.ValidationJob{
			JobID:     fmt.Sprintf("job-%d", i),
			Type:      core.JobTypeSuite22,
			Status:    core.JobRunning,
			CreatedBy: "operator@example.org",
		}))
	}

	orch := newTestOrchestrator(results, whitenedEvents(64), &fakeSuite{}, &fakeAssessor{}, nil)
	defer orch.Stop()

	_, err := orch.Submit(context.Background(), submitReq(core.JobTypeSuite22))
	assert.ErrorIs(t, err, core.ErrInvalidInput)
	assert.Contains(t, err.Error(), "active jobs")
}

func TestRecoverMarksOrphanedJobsFailed(t *testing.T) {
	results := newMemResults()
	require.NoError(t, results.CreateJob(context.Background(), &core.ValidationJob{
		JobID: "queued-job", Status: core.JobQueued,
	}))
	require.NoError(t, results.CreateJob(context.Background(), &core.ValidationJob{
		JobID: "running-job", Status: core.JobRunning,
	}))
	require.NoError(t, results.CreateJob(context.Background(), &core.ValidationJob{
		JobID: "done-job", Status: core.JobCompleted,
	}))

	orch := newTestOrchestrator(results, nil, &fakeSuite{}, &fakeAssessor{}, nil)
	defer orch.Stop()

	n, err := orch.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	queued, _ := results.GetJob(context.Background(), "queued-job")
	assert.Equal(t, core.JobFailed, queued.Status)
	assert.Equal(t, store.RecoveryErrQueued, queued.Error)

	running, _ := results.GetJob(context.Background(), "running-job")
	assert.Equal(t, core.JobFailed, running.Status)
	assert.Equal(t, store.RecoveryErrRunning, running.Error)

	done, _ := results.GetJob(context.Background(), "done-job")
	assert.Equal(t, core.JobCompleted, done.Status)
}

func TestGetResultRequiresCompleted(t *testing.T) {
	results := newMemResults()
	require.NoError(t, results.CreateJob(context.Background(), &core.ValidationJob{
		JobID: "pending", Type: core.JobTypeSuite22, Status: core.JobRunning,
	}))

	orch := newTestOrchestrator(results, nil, &fakeSuite{}, &fakeAssessor{}, nil)
	defer orch.Stop()

	_, err := orch.GetResult(context.Background(), "pending")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestGetResultAggregatesAcrossChunks(t *testing.T) {
	results := newMemResults()
	suite := &fakeSuite{fail: true} // every chunk carries one failing test
	orch := newTestOrchestrator(results, whitenedEvents(200), suite, &fakeAssessor{}, nil)
	defer orch.Stop()

	job, err := orch.Submit(context.Background(), submitReq(core.JobTypeSuite22))
	require.NoError(t, err)
	waitTerminal(t, results, job.JobID)

	agg, err := orch.GetResult(context.Background(), job.JobID)
	require.NoError(t, err)

	assert.False(t, agg.NistCompliant, "one failing test per chunk breaks compliance")
	assert.False(t, agg.UniformityCheck)
	assert.Equal(t, 0.5, agg.PassRate)
	require.Len(t, agg.Tests, 2)
	assert.True(t, agg.Tests[0].Passed)
	assert.False(t, agg.Tests[1].Passed)
	require.NotNil(t, agg.Tests[1].WorstPValue)
	assert.Equal(t, 0.002, *agg.Tests[1].WorstPValue)
	assert.Equal(t, int64(200*8), agg.TotalBits)
}

func TestGetLatestResultForcesUniformityTrue(t *testing.T) {
	results := newMemResults()
	suite := &fakeSuite{fail: true}
	orch := newTestOrchestrator(results, whitenedEvents(64), suite, &fakeAssessor{}, nil)
	defer orch.Stop()

	job, err := orch.Submit(context.Background(), submitReq(core.JobTypeSuite22))
	require.NoError(t, err)
	waitTerminal(t, results, job.JobID)

	agg, err := orch.GetLatestResult(context.Background(), core.JobTypeSuite22)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, agg.JobID)
	assert.False(t, agg.NistCompliant)
	assert.True(t, agg.UniformityCheck, "legacy path reports uniformity unconditionally")
}
