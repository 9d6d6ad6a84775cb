package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/decaynet/cloud/internal/config"
	"github.com/decaynet/cloud/internal/core"
	"github.com/decaynet/cloud/internal/identity"
	"github.com/decaynet/cloud/internal/metrics"
	"github.com/decaynet/cloud/internal/store"
	"github.com/decaynet/cloud/internal/validators"
)

// Orchestrator owns the validation job lifecycle. One logical worker runs
// per job on a bounded pool so validator RPC concurrency never exceeds
// the configured cap. Scheduled and operator-submitted jobs share the
// same pool.
type Orchestrator struct {
	cfg      config.ValidationConfig
	events   store.EventRepository
	results  store.ResultRepository
	suite    validators.SuiteClient
	assessor validators.AssessorClient
	tokens   identity.TokenSource
	metrics  *metrics.Metrics
	logger   *log.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	now func() time.Time
}

func New(cfg config.ValidationConfig, events store.EventRepository, results store.ResultRepository,
	suite validators.SuiteClient, assessor validators.AssessorClient,
	tokens identity.TokenSource, m *metrics.Metrics) *Orchestrator {

	maxParallel := cfg.MaxParallelJobs
	if maxParallel <= 0 {
		maxParallel = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		events:   events,
		results:  results,
		suite:    suite,
		assessor: assessor,
		tokens:   tokens,
		metrics:  m,
		logger:   log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		sem:      make(chan struct{}, maxParallel),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// SubmitRequest is one validation job submission.
type SubmitRequest struct {
	Type        core.JobType
	WindowStart time.Time
	WindowEnd   time.Time
	Actor       string
	// CallerToken, when present, is propagated verbatim as the Bearer
	// credential to the validators; no service token is requested.
	CallerToken string
}

// Submit persists a QUEUED job and returns it immediately; execution
// happens on the worker pool. There is no client-driven cancellation: a
// submitted job runs to COMPLETED or FAILED.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*core.ValidationJob, error) {
	if req.Type != core.JobTypeSuite22 && req.Type != core.JobTypeAssess90 {
		return nil, core.InvalidInput("unknown job type %q", req.Type)
	}
	if !req.WindowEnd.After(req.WindowStart) {
		return nil, core.InvalidInput("window inverted: start=%s end=%s", req.WindowStart, req.WindowEnd)
	}
	if req.Actor == "" {
		return nil, core.InvalidInput("actor must be set")
	}
	// Configuration errors surface at submission, not mid-run.
	if o.cfg.MaxBytes22*8 < o.cfg.MinBits22 {
		return nil, fmt.Errorf("%w: max_bytes_22*8 below min_bits_22", core.ErrInternalInvariant)
	}

	active, err := o.results.CountActiveJobs(ctx, req.Actor)
	if err != nil {
		return nil, err
	}
	if active >= o.cfg.MaxActiveJobsPerActor {
		return nil, core.InvalidInput("actor %s already has %d active jobs (limit %d)",
			req.Actor, active, o.cfg.MaxActiveJobsPerActor)
	}

	job := &core.ValidationJob{
		JobID:       uuid.NewString(),
		Type:        req.Type,
		Status:      core.JobQueued,
		WindowStart: req.WindowStart.UTC(),
		WindowEnd:   req.WindowEnd.UTC(),
		CreatedAt:   o.now().UTC(),
		CreatedBy:   req.Actor,
		RunID:       uuid.NewString(),
	}
	if err := o.results.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	o.logger.Printf("Job %s queued: type=%s window=[%s, %s] actor=%s",
		job.JobID, job.Type, job.WindowStart.Format(time.RFC3339), job.WindowEnd.Format(time.RFC3339), req.Actor)
	if o.metrics != nil {
		origin := "operator"
		if req.Actor == schedulerActor {
			origin = "scheduled"
		}
		o.metrics.JobsSubmitted.WithLabelValues(string(job.Type), origin).Inc()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.sem <- struct{}{}
		defer func() { <-o.sem }()
		o.execute(job, req.CallerToken)
	}()

	return job, nil
}

// GetStatus returns the persisted job row verbatim.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (*core.ValidationJob, error) {
	return o.results.GetJob(ctx, jobID)
}

// Recover marks every non-terminal job FAILED with a per-state message.
// Called once at process start, before any submission is accepted.
func (o *Orchestrator) Recover(ctx context.Context) (int64, error) {
	return o.results.RecoverOrphanedJobs(ctx, o.now().UTC())
}

// Stop waits for in-flight jobs to reach a terminal state.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

// ----------------------------------------------------------------------------
// WORKER
// ----------------------------------------------------------------------------

// execute runs one job to a terminal state. Errors never escape: every
// failure path lands in FinishJob(FAILED).
func (o *Orchestrator) execute(job *core.ValidationJob, callerToken string) {
	ctx := o.ctx

	if err := o.results.MarkJobRunning(ctx, job.JobID, o.now().UTC()); err != nil {
		o.logger.Printf("Job %s: cannot mark running: %v", job.JobID, err)
		return
	}

	// Token precedence: a propagated caller token wins outright; only
	// in its absence is a service token requested.
	bearer := callerToken
	if bearer == "" {
		token, err := o.tokens.ServiceToken(ctx)
		if err != nil {
			o.fail(job, fmt.Errorf("%w: %v", core.ErrAuthUnavailable, err))
			return
		}
		bearer = token
	}

	events, err := o.events.EventsInWindow(ctx, job.WindowStart, job.WindowEnd)
	if err != nil {
		o.fail(job, fmt.Errorf("load events: %w", err))
		return
	}

	stream := ExtractBitstream(events)

	switch job.Type {
	case core.JobTypeSuite22:
		err = o.runSuite(ctx, job, stream, bearer)
	case core.JobTypeAssess90:
		err = o.runAssessment(ctx, job, stream, bearer)
	}
	if err != nil {
		o.fail(job, err)
		return
	}

	if err := o.results.FinishJob(ctx, job.JobID, core.JobCompleted, "", o.now().UTC()); err != nil {
		o.logger.Printf("Job %s: cannot mark completed: %v", job.JobID, err)
		return
	}
	if o.metrics != nil {
		o.metrics.JobsFinished.WithLabelValues(string(job.Type), string(core.JobCompleted)).Inc()
	}
	o.logger.Printf("Job %s completed", job.JobID)
}

func (o *Orchestrator) runSuite(ctx context.Context, job *core.ValidationJob, stream []byte, bearer string) error {
	chunks, err := ChunkSuite22(stream, o.cfg.MaxBytes22, o.cfg.MinBits22)
	if err != nil {
		return err
	}
	if err := o.results.SetTotalChunks(ctx, job.JobID, len(chunks)); err != nil {
		return err
	}

	executedAt := o.now().UTC()
	for i, chunk := range chunks {
		rpcCtx, cancel := context.WithTimeout(ctx, o.cfg.RPCTimeout)
		rpcStart := time.Now()
		resp, err := o.suite.RunTestSuite(rpcCtx, chunk, bearer)
		cancel()
		if o.metrics != nil {
			o.metrics.ValidatorRPC.WithLabelValues("suite22").Observe(time.Since(rpcStart).Seconds())
		}
		if err != nil {
			// Any chunk failure fails the whole job; no retry, no
			// partial success.
			return fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if o.metrics != nil {
			o.metrics.ChunksValidated.WithLabelValues(string(core.JobTypeSuite22)).Inc()
		}

		rows := make([]core.TestResult, 0, len(resp.Results))
		for _, tr := range resp.Results {
			rows = append(rows, core.TestResult{
				RunID:       job.RunID,
				TestName:    tr.Name,
				Passed:      tr.Passed,
				PValue:      tr.PValue,
				BitsTested:  int64(len(chunk)) * 8,
				WindowStart: job.WindowStart,
				WindowEnd:   job.WindowEnd,
				ExecutedAt:  executedAt,
				ChunkIndex:  i + 1,
				ChunkCount:  len(chunks),
				DetailsJSON: tr.Warning,
			})
		}
		if err := o.results.InsertTestResults(ctx, rows); err != nil {
			return fmt.Errorf("persist chunk %d: %w", i+1, err)
		}

		done := i + 1
		progress := 100 * float64(done) / float64(len(chunks))
		if err := o.results.UpdateJobProgress(ctx, job.JobID, progress, done); err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) runAssessment(ctx context.Context, job *core.ValidationJob, stream []byte, bearer string) error {
	data, err := TruncateFor90B(stream, o.cfg.MaxBytes90)
	if err != nil {
		return err
	}
	if err := o.results.SetTotalChunks(ctx, job.JobID, 1); err != nil {
		return err
	}

	rpcCtx, cancel := context.WithTimeout(ctx, o.cfg.RPCTimeout)
	rpcStart := time.Now()
	resp, err := o.assessor.AssessEntropy(rpcCtx, data, bearer)
	cancel()
	if o.metrics != nil {
		o.metrics.ValidatorRPC.WithLabelValues("assess90b").Observe(time.Since(rpcStart).Seconds())
	}
	if err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.ChunksValidated.WithLabelValues(string(core.JobTypeAssess90)).Inc()
	}

	chunkIndex, chunkCount := 1, 1
	aggregate := &core.AssessmentResult{
		RunID:       job.RunID,
		MinEntropy:  resp.MinEntropy,
		Passed:      resp.Passed,
		BitsTested:  int64(len(data)) * 8,
		WindowStart: job.WindowStart,
		WindowEnd:   job.WindowEnd,
		ExecutedAt:  o.now().UTC(),
		ChunkIndex:  &chunkIndex,
		ChunkCount:  &chunkCount,
		DetailsJSON: resp.AssessmentSummary,
	}

	estimators := make([]core.EstimatorResult, 0, len(resp.IIDResults)+len(resp.NonIIDResults))
	for _, est := range resp.IIDResults {
		estimators = append(estimators, estimatorRow(job.RunID, core.EstimatorIID, est))
	}
	for _, est := range resp.NonIIDResults {
		estimators = append(estimators, estimatorRow(job.RunID, core.EstimatorNonIID, est))
	}

	if err := o.results.InsertAssessment(ctx, aggregate, estimators); err != nil {
		return fmt.Errorf("persist assessment: %w", err)
	}
	return o.results.UpdateJobProgress(ctx, job.JobID, 100, 1)
}

func estimatorRow(runID string, testType core.EstimatorTestType, est validators.EstimatorOutcome) core.EstimatorResult {
	return core.EstimatorResult{
		AssessmentRunID: runID,
		TestType:        testType,
		EstimatorName:   est.Name,
		EntropyEstimate: est.EntropyEstimate,
		Passed:          est.Passed,
		DetailsJSON:     est.Details,
		Description:     est.Description,
	}
}

func (o *Orchestrator) fail(job *core.ValidationJob, cause error) {
	o.logger.Printf("Job %s failed: %v", job.JobID, cause)
	if err := o.results.FinishJob(o.ctx, job.JobID, core.JobFailed, cause.Error(), o.now().UTC()); err != nil {
		o.logger.Printf("Job %s: cannot mark failed: %v", job.JobID, err)
	}
	if o.metrics != nil {
		o.metrics.JobsFinished.WithLabelValues(string(job.Type), string(core.JobFailed)).Inc()
	}
}
