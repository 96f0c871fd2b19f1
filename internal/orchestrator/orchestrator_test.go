package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amishk599/autobid/internal/eligibility"
	"github.com/amishk599/autobid/internal/guard"
	"github.com/amishk599/autobid/internal/model"
	"github.com/amishk599/autobid/internal/pricing"
	"github.com/amishk599/autobid/internal/ratelimit"
	"github.com/amishk599/autobid/internal/schedule"
	"github.com/amishk599/autobid/internal/store"
)

// --- Fakes ---

// fakeSource serves a sequence of snapshots per job; the last one repeats.
type fakeSource struct {
	mu       sync.Mutex
	jobs     map[string][]model.Job
	fetchErr map[string]error
	bids     map[string][]model.BidRecord
	bidsErr  error
	fetches  map[string]int
	hold     map[string]chan struct{} // FetchJob waits on these before answering
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		jobs:     make(map[string][]model.Job),
		fetchErr: make(map[string]error),
		bids:     make(map[string][]model.BidRecord),
		fetches:  make(map[string]int),
		hold:     make(map[string]chan struct{}),
	}
}

func (f *fakeSource) FetchJob(_ context.Context, id string) (model.Job, error) {
	f.mu.Lock()
	hold := f.hold[id]
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[id]++
	if err := f.fetchErr[id]; err != nil {
		return model.Job{}, err
	}
	seq := f.jobs[id]
	if len(seq) == 0 {
		return model.Job{}, model.ErrNotFound
	}
	n := f.fetches[id] - 1
	if n >= len(seq) {
		n = len(seq) - 1
	}
	return seq[n], nil
}

func (f *fakeSource) ListActiveJobIDs(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeSource) ListExistingBids(_ context.Context, jobID, _ string) ([]model.BidRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bidsErr != nil {
		return nil, f.bidsErr
	}
	return f.bids[jobID], nil
}

func (f *fakeSource) fetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

type fakeWriter struct {
	mu      sync.Mutex
	calls   int
	draft   model.BidDraft
	err     error
	block   chan struct{}
	entered chan struct{} // closed on the first call when set
	ctxErr  error         // ctx.Err() seen after block released
}

func (w *fakeWriter) Generate(ctx context.Context, _ model.Job) (model.BidDraft, error) {
	w.mu.Lock()
	w.calls++
	block := w.block
	if w.calls == 1 && w.entered != nil {
		close(w.entered)
	}
	w.mu.Unlock()
	if block != nil {
		<-block
	}
	w.mu.Lock()
	w.ctxErr = ctx.Err()
	w.mu.Unlock()
	return w.draft, w.err
}

func (w *fakeWriter) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

// fakeSubmitter returns errs in order, then succeeds.
type fakeSubmitter struct {
	mu   sync.Mutex
	errs []error
	reqs []model.BidRequest
}

func (s *fakeSubmitter) SubmitBid(_ context.Context, req model.BidRequest) (model.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return model.SubmitResult{}, err
	}
	return model.SubmitResult{BidID: "bid-" + req.JobID}, nil
}

func (s *fakeSubmitter) requests() []model.BidRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.BidRequest(nil), s.reqs...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	bids []model.SubmittedBid
}

func (n *recordingNotifier) Notify(bids []model.SubmittedBid) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bids = append(n.bids, bids...)
	return nil
}

// --- Helpers ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	o         *Orchestrator
	source    *fakeSource
	writer    *fakeWriter
	submitter *fakeSubmitter
	notifier  *recordingNotifier
	mem       *store.MemoryStore
	gate      *ratelimit.Coordinator

	mu  sync.Mutex
	now time.Time
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()
	h := &harness{
		source:    newFakeSource(),
		writer:    &fakeWriter{draft: model.BidDraft{Text: "I can do this.", EstimatedPrice: 1200, DurationDays: 5}},
		submitter: &fakeSubmitter{},
		notifier:  &recordingNotifier{},
		mem:       store.NewMemoryStore(),
		now:       start,
	}
	logger := discardLogger()
	h.gate = ratelimit.NewCoordinatorWithClock(h.mem, 30*time.Minute, h.clock, logger)
	h.o = NewWithClock(Deps{
		Source:    h.source,
		Writer:    h.writer,
		Submitter: h.submitter,
		Ledger:    h.mem,
		Notifier:  h.notifier,
		Gate:      h.gate,
		Guard:     guard.New(h.mem, time.Minute, logger),
		Evaluator: eligibility.NewEvaluator(eligibility.DefaultPolicy()),
		Resolver:  pricing.NewResolver(pricing.DefaultPolicy(), nil),
		States:    schedule.NewStore(h.mem),
	}, Config{AccountID: "acct-1", Workers: workers}, h.clock, logger)
	return h
}

func (h *harness) addJob(snapshots ...model.Job) {
	h.source.mu.Lock()
	defer h.source.mu.Unlock()
	h.source.jobs[snapshots[0].ID] = snapshots
}

func qualifiedJob(id string, age time.Duration) model.Job {
	return model.Job{
		ID:        id,
		Title:     "Build a scraper",
		CreatedAt: start.Add(-age),
		Budget:    model.Budget{Min: 10, Max: 40, Currency: "USD"},
		Signals:   model.Signals{PaymentVerified: true, Urgent: true},
		Status:    model.StatusOpen,
	}
}

func tooManyRequests() error {
	return &model.HTTPError{StatusCode: http.StatusTooManyRequests}
}

// --- Tests ---

func TestRunCycle_OldJobWithoutQualitySignalIsSkipped(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	job := qualifiedJob("100", 12*time.Hour)
	job.Signals = model.Signals{Urgent: true, HighPaying: true}
	h.addJob(job)

	report, err := h.o.RunCycle(ctx, "100")
	require.NoError(t, err)
	require.Len(t, report.Decisions, 1)
	assert.Equal(t, model.OutcomeSkipped, report.Decisions[0].Outcome)
	assert.Equal(t, model.ReasonNoQualitySignal, report.Decisions[0].Reason)

	st, err := h.o.GetScheduleState(ctx, "100")
	require.NoError(t, err)
	assert.True(t, st.Scheduled)
	assert.Equal(t, schedule.NextInterval(0.5), st.Interval)
	assert.Equal(t, 20*time.Second, st.Interval)
	assert.Equal(t, start.Add(20*time.Second), st.NextDue)
	require.NotNil(t, st.LastDecision)
	assert.Equal(t, model.ReasonNoQualitySignal, st.LastDecision.Reason)
	assert.Equal(t, model.OutcomeIdle, st.Phase)

	assert.Equal(t, 0, h.writer.callCount())
	assert.Empty(t, h.submitter.requests())
}

func TestRunCycle_SubmitsQualifiedJob(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.addJob(qualifiedJob("7", 10*time.Minute))

	report, err := h.o.RunCycle(ctx, "7")
	require.NoError(t, err)
	require.Len(t, report.Decisions, 1)
	d := report.Decisions[0]
	assert.Equal(t, model.OutcomeSubmitted, d.Outcome)
	assert.Equal(t, 72.0, d.Amount, "AI estimate of 1200 capped at ceil(40*1.8)")

	reqs := h.submitter.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "acct-1", reqs[0].AccountID)
	assert.Equal(t, "USD", reqs[0].Currency)
	assert.Equal(t, 5, reqs[0].DurationDays)
	assert.Equal(t, "I can do this.", reqs[0].Text)

	last, ok, err := h.mem.LastAttempt(ctx, "7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.AttemptSubmitted, last.Status)

	require.Len(t, h.notifier.bids, 1)
	assert.Equal(t, "bid-7", h.notifier.bids[0].BidID)
	assert.True(t, h.notifier.bids[0].Amount.WasCapped)

	st, err := h.o.GetScheduleState(ctx, "7")
	require.NoError(t, err)
	assert.False(t, st.Scheduled, "terminal job leaves the schedule")
	require.NotNil(t, st.LastDecision)
	assert.Equal(t, model.OutcomeSubmitted, st.LastDecision.Outcome)
}

func TestRunCycle_RateLimitAbortsAllJobs(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		job := qualifiedJob(id, time.Minute)
		job.Signals = model.Signals{}
		h.addJob(job)
	}
	h.source.fetchErr["3"] = tooManyRequests()

	report, err := h.o.RunCycle(ctx, AllJobs)
	require.Error(t, err)
	assert.True(t, model.IsRateLimited(err))
	assert.True(t, report.Aborted)
	require.Len(t, report.Decisions, 5, "jobs that never started still get a decision")
	for _, d := range report.Decisions[2:] {
		assert.Equal(t, model.OutcomeSkipped, d.Outcome, d.JobID)
		assert.Equal(t, model.ReasonRateLimited, d.Reason, d.JobID)
	}
	assert.Equal(t, 0, h.source.fetchCount("4"))
	assert.Equal(t, 0, h.source.fetchCount("5"))
	assert.True(t, h.gate.IsRateLimited(ctx))

	st, err := h.o.GetScheduleState(ctx, "5")
	require.NoError(t, err)
	require.NotNil(t, st.LastDecision)
	assert.Equal(t, model.ReasonRateLimited, st.LastDecision.Reason)

	// Every later cycle is refused without touching the marketplace.
	report, err = h.o.RunCycle(ctx, AllJobs)
	assert.ErrorIs(t, err, model.ErrRateLimited)
	assert.True(t, report.Aborted)
	assert.Equal(t, 0, h.source.fetchCount("4"))

	// After the cooldown the cycle runs again.
	h.advance(31 * time.Minute)
	delete(h.source.fetchErr, "3")
	report, err = h.o.RunCycle(ctx, AllJobs)
	require.NoError(t, err)
	assert.Len(t, report.Decisions, 5)
}

func TestRunCycle_RateLimitDoesNotCancelRunningGeneration(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.addJob(qualifiedJob("7", time.Minute))
	h.addJob(qualifiedJob("8", time.Minute))
	h.writer.block = make(chan struct{})
	h.writer.entered = make(chan struct{})
	// Job 8 hits the rate limit only once job 7 is generating.
	h.source.hold["8"] = h.writer.entered
	h.source.fetchErr["8"] = tooManyRequests()

	done := make(chan CycleReport, 1)
	go func() {
		report, _ := h.o.RunCycle(ctx, AllJobs)
		done <- report
	}()

	require.Eventually(t, func() bool { return h.gate.IsRateLimited(ctx) }, time.Second, 5*time.Millisecond)
	close(h.writer.block)
	report := <-done

	assert.True(t, report.Aborted)
	h.writer.mu.Lock()
	assert.NoError(t, h.writer.ctxErr, "generation keeps its context through the abort")
	h.writer.mu.Unlock()

	_, ok, err := h.mem.BidText(ctx, "7")
	require.NoError(t, err)
	assert.True(t, ok, "generated text is saved for the next cycle")
	assert.Empty(t, h.submitter.requests())

	require.Len(t, report.Decisions, 2)
	assert.Equal(t, model.ReasonRateLimited, report.Decisions[0].Reason)
}

func TestRunDue_SkipsJobsStillRunning(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.addJob(qualifiedJob("7", time.Minute))
	h.writer.block = make(chan struct{})
	h.writer.entered = make(chan struct{})
	h.o.Observe(ctx, "7")

	first := make(chan CycleReport, 1)
	go func() {
		report, _ := h.o.RunDue(ctx)
		first <- report
	}()
	<-h.writer.entered

	// Still due, but the first call owns it.
	report, err := h.o.RunDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Decisions)
	assert.Equal(t, 1, h.source.fetchCount("7"))

	close(h.writer.block)
	r := <-first
	require.Len(t, r.Decisions, 1)
	assert.Equal(t, model.OutcomeSubmitted, r.Decisions[0].Outcome)

	h.o.mu.Lock()
	assert.Empty(t, h.o.running, "settled jobs are released")
	h.o.mu.Unlock()
}

func TestRunCycle_SubmitRateLimitRecordsFailedAttempt(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.addJob(qualifiedJob("7", time.Minute))
	h.submitter.errs = []error{tooManyRequests()}

	report, err := h.o.RunCycle(ctx, "7")
	assert.ErrorIs(t, err, model.ErrRateLimited)
	assert.True(t, report.Aborted)
	assert.True(t, h.gate.IsRateLimited(ctx))

	last, ok, err := h.mem.LastAttempt(ctx, "7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.AttemptFailed, last.Status)
}

func TestRunCycle_FailedSubmitStaysRetryable(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.addJob(qualifiedJob("7", time.Minute))
	h.submitter.errs = []error{&model.HTTPError{StatusCode: http.StatusBadGateway}}

	report, err := h.o.RunCycle(ctx, "7")
	require.NoError(t, err, "per-job failures do not fail the cycle")
	assert.Equal(t, model.OutcomeFailed, report.Decisions[0].Outcome)
	assert.Equal(t, model.ReasonSubmitFailed, report.Decisions[0].Reason)
	assert.False(t, h.gate.IsRateLimited(ctx))

	st, err := h.o.GetScheduleState(ctx, "7")
	require.NoError(t, err)
	assert.True(t, st.Scheduled)

	report, err = h.o.RunCycle(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSubmitted, report.Decisions[0].Outcome)
	assert.Equal(t, 1, h.writer.callCount(), "stored bid text is reused")
	assert.Len(t, h.submitter.requests(), 2)
}

func TestRunCycle_ClosedMidCycleIsNotSubmitted(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	open := qualifiedJob("9", time.Minute)
	closed := open
	closed.Status = model.StatusClosed
	h.addJob(open, closed)

	report, err := h.o.RunCycle(ctx, "9")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSkipped, report.Decisions[0].Outcome)
	assert.Equal(t, model.ReasonClosedMidCycle, report.Decisions[0].Reason)
	assert.Empty(t, h.submitter.requests())

	st, err := h.o.GetScheduleState(ctx, "9")
	require.NoError(t, err)
	assert.False(t, st.Scheduled)
}

func TestRunCycle_RetractedRemoteBidIsRespected(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.addJob(qualifiedJob("5", time.Minute))
	h.source.bids["5"] = []model.BidRecord{{ID: "old", JobID: "5", Status: model.BidRetracted}}

	report, err := h.o.RunCycle(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonAlreadyBid, report.Decisions[0].Reason)
	assert.Equal(t, 0, h.writer.callCount())
}

func TestRunCycle_RemoteListingDownFallsBackToLocal(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.addJob(qualifiedJob("5", time.Minute))
	h.source.bidsErr = &model.HTTPError{StatusCode: http.StatusServiceUnavailable}

	report, err := h.o.RunCycle(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSubmitted, report.Decisions[0].Outcome)

	report, err = h.o.RunCycle(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonAlreadyBid, report.Decisions[0].Reason, "local ledger blocks a second bid")
	assert.Len(t, h.submitter.requests(), 1)
}

func TestRunCycle_GenerationRateLimitDoesNotOpenWindow(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.addJob(qualifiedJob("7", time.Minute))
	h.writer.err = tooManyRequests()

	report, err := h.o.RunCycle(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailed, report.Decisions[0].Outcome)
	assert.Equal(t, model.ReasonGenerationFailed, report.Decisions[0].Reason)
	assert.False(t, h.gate.IsRateLimited(ctx))
	assert.Empty(t, h.submitter.requests())
}

func TestRunCycle_ConcurrentTriggersSubmitOnce(t *testing.T) {
	const n = 6
	h := newHarness(t, 2)
	ctx := context.Background()
	h.addJob(qualifiedJob("7", time.Minute))
	h.writer.block = make(chan struct{})

	results := make(chan CycleReport, n)
	for i := 0; i < n; i++ {
		go func() {
			report, _ := h.o.RunCycle(ctx, "7")
			results <- report
		}()
	}

	for i := 0; i < n-1; i++ {
		r := <-results
		require.Len(t, r.Decisions, 1)
		assert.Equal(t, model.ReasonInFlight, r.Decisions[0].Reason)
	}
	close(h.writer.block)
	r := <-results
	assert.Equal(t, model.OutcomeSubmitted, r.Decisions[0].Outcome)

	assert.Equal(t, 1, h.writer.callCount())
	assert.Len(t, h.submitter.requests(), 1)
}

func TestRunCycle_InvalidSnapshotStaysScheduled(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	bad := qualifiedJob("8", time.Minute)
	bad.Budget = model.Budget{Min: 50, Max: 10}
	h.addJob(bad)

	report, err := h.o.RunCycle(ctx, "8")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonInvalidSnapshot, report.Decisions[0].Reason)
	assert.NotEmpty(t, report.Decisions[0].Error)

	st, err := h.o.GetScheduleState(ctx, "8")
	require.NoError(t, err)
	assert.True(t, st.Scheduled)
	assert.Equal(t, 20*time.Second, st.Interval)
}

func TestRunCycle_UnknownJobIsDropped(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	report, err := h.o.RunCycle(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonNotFound, report.Decisions[0].Reason)

	st, err := h.o.GetScheduleState(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, st.Scheduled)
}

func TestRunDue_OnlyProcessesDueJobs(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	young := qualifiedJob("young", 12*time.Hour)
	young.Signals = model.Signals{}
	old := qualifiedJob("old", 10*24*time.Hour)
	old.Signals = model.Signals{}
	h.addJob(young)
	h.addJob(old)

	assert.Equal(t, 2, h.o.Observe(ctx, "young", "old"))
	assert.Equal(t, 0, h.o.Observe(ctx, "young"), "observe is idempotent")

	report, err := h.o.RunDue(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Decisions, 2)

	report, err = h.o.RunDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Decisions, "nothing is due right after a cycle")

	h.advance(21 * time.Second)
	report, err = h.o.RunDue(ctx)
	require.NoError(t, err)
	require.Len(t, report.Decisions, 1)
	assert.Equal(t, "young", report.Decisions[0].JobID)

	h.advance(2 * time.Hour)
	report, err = h.o.RunDue(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Decisions, 2)
}

func TestLoad_RestoresPersistedSchedule(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	job := qualifiedJob("3", 3*24*time.Hour)
	job.Signals = model.Signals{}
	h.addJob(job)

	_, err := h.o.RunCycle(ctx, "3")
	require.NoError(t, err)
	before, err := h.o.GetScheduleState(ctx, "3")
	require.NoError(t, err)

	restarted := NewWithClock(h.o.deps, h.o.cfg, h.clock, discardLogger())
	n, err := restarted.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after, err := restarted.GetScheduleState(ctx, "3")
	require.NoError(t, err)
	assert.True(t, after.NextDue.Equal(before.NextDue))
	assert.Equal(t, before.Interval, after.Interval)
}

func TestGetScheduleState_UnknownJob(t *testing.T) {
	h := newHarness(t, 2)
	_, err := h.o.GetScheduleState(context.Background(), "nope")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}
