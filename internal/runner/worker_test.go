package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/formfleet/internal/domain"
	"github.com/fairyhunter13/formfleet/pkg/jst"
)

// scriptStore plays back scripted claim batches and records writes.
type scriptStore struct {
	claimBatches [][]domain.Claim
	claimCalls   int
	companies    map[int]domain.Company
	fetchErr     error
	marks        []domain.MarkDoneParams
	markErr      error
	count        int
	countCalls   int
}

func (s *scriptStore) ClaimNext(_ domain.Context, _ string, _ int, _ string, _ int, _ *int) ([]domain.Claim, error) {
	s.claimCalls++
	if len(s.claimBatches) == 0 {
		return nil, nil
	}
	batch := s.claimBatches[0]
	s.claimBatches = s.claimBatches[1:]
	return batch, nil
}

func (s *scriptStore) FetchCompany(_ domain.Context, id int) (domain.Company, error) {
	if s.fetchErr != nil {
		return domain.Company{}, s.fetchErr
	}
	c, ok := s.companies[id]
	if !ok {
		return domain.Company{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *scriptStore) MarkDone(_ domain.Context, p domain.MarkDoneParams) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.marks = append(s.marks, p)
	return nil
}

func (s *scriptStore) CountToday(_ domain.Context, _ int, _ string) (int, error) {
	s.countCalls++
	return s.count, nil
}

type scriptDriver struct {
	result domain.ProcessResult
	err    error
	calls  []domain.ProcessRequest
}

func (d *scriptDriver) Process(_ domain.Context, req domain.ProcessRequest) (domain.ProcessResult, error) {
	d.calls = append(d.calls, req)
	return d.result, d.err
}

func (d *scriptDriver) Close() error { return nil }

type capturePublisher struct {
	events []domain.OutcomeEvent
	err    error
}

func (p *capturePublisher) PublishOutcome(_ domain.Context, ev domain.OutcomeEvent) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func strptr(s string) *string { return &s }
func intptr(n int) *int       { return &n }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWorker(t *testing.T, p WorkerParams, profile domain.CampaignProfile, store domain.ClaimStore, driver domain.BrowserDriver) *Worker {
	t.Helper()
	if p.CampaignID == 0 {
		p.CampaignID = 7
	}
	if p.TargetDate == "" {
		p.TargetDate = "2025-01-15"
	}
	if p.RunID == "" {
		p.RunID = "run-test"
	}
	w := NewWorker(p, profile, store, driver, NewBackoff(2*time.Second, 60*time.Second, 0), testLogger())
	// Wednesday 10:00 JST: inside any sane business window.
	w.now = func() time.Time { return time.Date(2025, 1, 15, 10, 0, 0, 0, jst.Location) }
	w.sleep = func(domain.Context, time.Duration) error { return nil }
	return w
}

// cancelAfterSleeps records sleeps and cancels the run after n of them.
func cancelAfterSleeps(cancel context.CancelFunc, n int, sleeps *[]time.Duration) func(domain.Context, time.Duration) error {
	return func(_ domain.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		if len(*sleeps) >= n {
			cancel()
		}
		return nil
	}
}

func TestWorker_HappyPath(t *testing.T) {
	store := &scriptStore{
		claimBatches: [][]domain.Claim{{{CompanyID: 42}}},
		companies:    map[int]domain.Company{42: {ID: 42, FormURL: strptr("https://ex.example/contact")}},
	}
	driver := &scriptDriver{result: domain.ProcessResult{Success: true}}
	w := newTestWorker(t, WorkerParams{WorkerID: 1, MaxProcessed: 1}, domain.CampaignProfile{CampaignID: 7}, store, driver)

	require.NoError(t, w.Run(context.Background()))

	require.Len(t, driver.calls, 1)
	assert.Equal(t, 42, driver.calls[0].Company.ID)
	assert.Equal(t, 1, driver.calls[0].WorkerID)

	require.Len(t, store.marks, 1)
	m := store.marks[0]
	assert.Equal(t, "2025-01-15", m.TargetDate)
	assert.Equal(t, 7, m.CampaignID)
	assert.Equal(t, 42, m.CompanyID)
	assert.True(t, m.Outcome.Success)
	assert.Nil(t, m.Outcome.ErrorCode)
	assert.False(t, m.Outcome.BotProtection)
	assert.False(t, m.Outcome.SubmittedAt.IsZero())
}

func TestWorker_SuccessInvalidatesCounter(t *testing.T) {
	store := &scriptStore{
		claimBatches: [][]domain.Claim{{{CompanyID: 42}}, {{CompanyID: 43}}},
		companies: map[int]domain.Company{
			42: {ID: 42, FormURL: strptr("https://a.example/contact")},
			43: {ID: 43, FormURL: strptr("https://b.example/contact")},
		},
	}
	driver := &scriptDriver{result: domain.ProcessResult{Success: true}}
	profile := domain.CampaignProfile{CampaignID: 7, Policy: domain.SendPolicy{MaxDailySends: intptr(10)}}
	w := newTestWorker(t, WorkerParams{MaxProcessed: 2}, profile, store, driver)

	require.NoError(t, w.Run(context.Background()))

	// The cap check re-queries after each local success instead of
	// trusting the 30s cache.
	assert.Equal(t, 2, store.countCalls)
	assert.Len(t, store.marks, 2)
}

func TestWorker_NoFormURL(t *testing.T) {
	store := &scriptStore{
		claimBatches: [][]domain.Claim{{{CompanyID: 99}}},
		companies:    map[int]domain.Company{99: {ID: 99, FormURL: nil}},
	}
	driver := &scriptDriver{}
	w := newTestWorker(t, WorkerParams{MaxProcessed: 1}, domain.CampaignProfile{CampaignID: 7}, store, driver)

	require.NoError(t, w.Run(context.Background()))

	assert.Empty(t, driver.calls, "no browser run without a form URL")
	require.Len(t, store.marks, 1)
	m := store.marks[0]
	assert.False(t, m.Outcome.Success)
	require.NotNil(t, m.Outcome.ErrorCode)
	assert.Equal(t, domain.CodeNoFormURL, *m.Outcome.ErrorCode)
	require.NotNil(t, m.Outcome.ClassifyDetail)
	assert.Equal(t, domain.CategoryConfig, m.Outcome.ClassifyDetail.Category)
	assert.False(t, m.Outcome.ClassifyDetail.Retryable)
}

func TestWorker_MissingCompany(t *testing.T) {
	store := &scriptStore{
		claimBatches: [][]domain.Claim{{{CompanyID: 123}}},
		companies:    map[int]domain.Company{},
	}
	driver := &scriptDriver{}
	w := newTestWorker(t, WorkerParams{MaxProcessed: 1}, domain.CampaignProfile{CampaignID: 7}, store, driver)

	require.NoError(t, w.Run(context.Background()))

	assert.Empty(t, driver.calls)
	require.Len(t, store.marks, 1)
	require.NotNil(t, store.marks[0].Outcome.ErrorCode)
	assert.Equal(t, domain.CodeNotFound, *store.marks[0].Outcome.ErrorCode)
}

func TestWorker_BotDetectedRewrite(t *testing.T) {
	store := &scriptStore{
		claimBatches: [][]domain.Claim{{{CompanyID: 42}}},
		companies:    map[int]domain.Company{42: {ID: 42, FormURL: strptr("https://ex.example/contact")}},
	}
	driver := &scriptDriver{result: domain.ProcessResult{
		Success:      false,
		ErrorMessage: "challenge",
		Classify: &domain.ClassifyContext{
			IsBotDetected:      true,
			PageContentSnippet: "Access Denied",
			HTTPStatus:         403,
		},
	}}
	w := newTestWorker(t, WorkerParams{MaxProcessed: 1}, domain.CampaignProfile{CampaignID: 7}, store, driver)

	require.NoError(t, w.Run(context.Background()))

	require.Len(t, store.marks, 1)
	m := store.marks[0]
	assert.False(t, m.Outcome.Success)
	assert.True(t, m.Outcome.BotProtection)
	require.NotNil(t, m.Outcome.ErrorCode)
	assert.Equal(t, domain.CodeBotDetected, *m.Outcome.ErrorCode)
	require.NotNil(t, m.Outcome.ClassifyDetail)
	assert.Equal(t, domain.CategoryBot, m.Outcome.ClassifyDetail.Category)
	assert.False(t, m.Outcome.ClassifyDetail.Retryable)
}

func TestWorker_WAFCodeNotRewritten(t *testing.T) {
	store := &scriptStore{
		claimBatches: [][]domain.Claim{{{CompanyID: 42}}},
		companies:    map[int]domain.Company{42: {ID: 42, FormURL: strptr("https://ex.example/contact")}},
	}
	driver := &scriptDriver{result: domain.ProcessResult{
		Success: false,
		Classify: &domain.ClassifyContext{
			IsBotDetected:      true,
			PageContentSnippet: "Request blocked by Cloudflare",
		},
	}}
	w := newTestWorker(t, WorkerParams{MaxProcessed: 1}, domain.CampaignProfile{CampaignID: 7}, store, driver)

	require.NoError(t, w.Run(context.Background()))

	require.Len(t, store.marks, 1)
	require.NotNil(t, store.marks[0].Outcome.ErrorCode)
	assert.Equal(t, domain.CodeWAFChallenge, *store.marks[0].Outcome.ErrorCode)
}

func TestWorker_DriverErrorClassified(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"unmatched message", errors.New("boom"), domain.CodeUnknown},
		{"timeout message", errors.New("navigation timed out after 30s"), domain.CodeTimeout},
		{"connect message", errors.New("dial tcp: connection refused"), domain.CodeConnectError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &scriptStore{
				claimBatches: [][]domain.Claim{{{CompanyID: 42}}},
				companies:    map[int]domain.Company{42: {ID: 42, FormURL: strptr("https://ex.example/contact")}},
			}
			driver := &scriptDriver{err: tt.err}
			w := newTestWorker(t, WorkerParams{MaxProcessed: 1}, domain.CampaignProfile{CampaignID: 7}, store, driver)

			require.NoError(t, w.Run(context.Background()))
			require.Len(t, store.marks, 1)
			require.NotNil(t, store.marks[0].Outcome.ErrorCode)
			assert.Equal(t, tt.wantCode, *store.marks[0].Outcome.ErrorCode)
		})
	}
}

func TestWorker_CapReached(t *testing.T) {
	store := &scriptStore{count: 50}
	driver := &scriptDriver{}
	profile := domain.CampaignProfile{CampaignID: 7, Policy: domain.SendPolicy{MaxDailySends: intptr(50)}}
	w := newTestWorker(t, WorkerParams{}, profile, store, driver)

	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, 0, store.claimCalls, "cap reached before any claim attempt")
	assert.Empty(t, store.marks)
}

func TestWorker_OutOfHours(t *testing.T) {
	store := &scriptStore{}
	driver := &scriptDriver{}
	profile := domain.CampaignProfile{CampaignID: 7, Policy: domain.SendPolicy{SendDaysOfWeek: []int{0, 1, 2, 3, 4}}}
	w := newTestWorker(t, WorkerParams{}, profile, store, driver)
	// Saturday 10:00 JST.
	w.now = func() time.Time { return time.Date(2025, 1, 18, 10, 0, 0, 0, jst.Location) }

	ctx, cancel := context.WithCancel(context.Background())
	var sleeps []time.Duration
	w.sleep = cancelAfterSleeps(cancel, 2, &sleeps)

	require.NoError(t, w.Run(ctx))

	assert.Equal(t, 0, store.claimCalls, "no RPCs while closed")
	assert.Equal(t, 0, store.countCalls)
	require.Len(t, sleeps, 2)
	for _, d := range sleeps {
		assert.Equal(t, hoursRecheckInterval, d)
	}
}

func TestWorker_IdleBackoffSequence(t *testing.T) {
	store := &scriptStore{} // never yields a claim
	driver := &scriptDriver{}
	w := newTestWorker(t, WorkerParams{}, domain.CampaignProfile{CampaignID: 7}, store, driver)

	ctx, cancel := context.WithCancel(context.Background())
	var sleeps []time.Duration
	w.sleep = cancelAfterSleeps(cancel, 3, &sleeps)

	require.NoError(t, w.Run(ctx))

	assert.Equal(t, 3, store.claimCalls)
	// Zero-jitter backoff exposes the doubling sequence.
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, sleeps)
}

func TestWorker_FixedCompanyMode(t *testing.T) {
	store := &scriptStore{
		companies: map[int]domain.Company{42: {ID: 42, FormURL: strptr("https://ex.example/contact")}},
	}
	driver := &scriptDriver{result: domain.ProcessResult{Success: true}}
	w := newTestWorker(t, WorkerParams{FixedCompanyID: intptr(42)}, domain.CampaignProfile{CampaignID: 7}, store, driver)

	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, 0, store.claimCalls, "fixed-company mode bypasses claim_next")
	require.Len(t, store.marks, 1)
	assert.Equal(t, 42, store.marks[0].CompanyID)
}

func TestWorker_PublishesOutcome(t *testing.T) {
	store := &scriptStore{
		claimBatches: [][]domain.Claim{{{CompanyID: 42}}},
		companies:    map[int]domain.Company{42: {ID: 42, FormURL: strptr("https://ex.example/contact")}},
	}
	driver := &scriptDriver{result: domain.ProcessResult{Success: true}}
	pub := &capturePublisher{}
	w := newTestWorker(t, WorkerParams{WorkerID: 2, MaxProcessed: 1}, domain.CampaignProfile{CampaignID: 7}, store, driver)
	w.WithPublisher(pub)

	require.NoError(t, w.Run(context.Background()))

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, 42, ev.CompanyID)
	assert.Equal(t, 7, ev.CampaignID)
	assert.Equal(t, 2, ev.WorkerID)
	assert.Equal(t, "run-test", ev.RunID)
	assert.True(t, ev.Success)
	assert.Empty(t, ev.ErrorCode)
}

func TestWorker_PublishFailureIsNotFatal(t *testing.T) {
	store := &scriptStore{
		claimBatches: [][]domain.Claim{{{CompanyID: 42}}},
		companies:    map[int]domain.Company{42: {ID: 42, FormURL: strptr("https://ex.example/contact")}},
	}
	driver := &scriptDriver{result: domain.ProcessResult{Success: true}}
	w := newTestWorker(t, WorkerParams{MaxProcessed: 1}, domain.CampaignProfile{CampaignID: 7}, store, driver)
	w.WithPublisher(&capturePublisher{err: errors.New("broker down")})

	require.NoError(t, w.Run(context.Background()))
	assert.Len(t, store.marks, 1)
}

type scriptThrottle struct {
	waits []time.Duration
	err   error
	calls int
}

func (s *scriptThrottle) Acquire(_ domain.Context, _ int) (time.Duration, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	if len(s.waits) == 0 {
		return 0, nil
	}
	w := s.waits[0]
	s.waits = s.waits[1:]
	return w, nil
}

func TestWorker_ThrottleDelaysProcessing(t *testing.T) {
	store := &scriptStore{
		claimBatches: [][]domain.Claim{{{CompanyID: 42}}},
		companies:    map[int]domain.Company{42: {ID: 42, FormURL: strptr("https://ex.example/contact")}},
	}
	driver := &scriptDriver{result: domain.ProcessResult{Success: true}}
	th := &scriptThrottle{waits: []time.Duration{time.Second}}
	w := newTestWorker(t, WorkerParams{MaxProcessed: 1}, domain.CampaignProfile{CampaignID: 7}, store, driver)
	w.WithThrottle(th)

	var sleeps []time.Duration
	w.sleep = func(_ domain.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, 2, th.calls, "retried after the wait")
	assert.Contains(t, sleeps, time.Second)
	assert.Len(t, driver.calls, 1)
}

// ctxBoundStore fails every RPC once the context it receives is cancelled,
// the way a real pgx pool does.
type ctxBoundStore struct {
	scriptStore
}

func (s *ctxBoundStore) ClaimNext(ctx domain.Context, date string, campaignID int, runID string, limit int, shard *int) ([]domain.Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.scriptStore.ClaimNext(ctx, date, campaignID, runID, limit, shard)
}

func (s *ctxBoundStore) FetchCompany(ctx domain.Context, id int) (domain.Company, error) {
	if err := ctx.Err(); err != nil {
		return domain.Company{}, err
	}
	return s.scriptStore.FetchCompany(ctx, id)
}

func (s *ctxBoundStore) MarkDone(ctx domain.Context, p domain.MarkDoneParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.scriptStore.MarkDone(ctx, p)
}

func (s *ctxBoundStore) CountToday(ctx domain.Context, campaignID int, date string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.scriptStore.CountToday(ctx, campaignID, date)
}

// cancellingDriver simulates a termination signal arriving while the form
// submission is in flight: it cancels the run context, then succeeds.
type cancellingDriver struct {
	cancel context.CancelFunc
}

func (d *cancellingDriver) Process(_ domain.Context, _ domain.ProcessRequest) (domain.ProcessResult, error) {
	d.cancel()
	return domain.ProcessResult{Success: true}, nil
}

func (d *cancellingDriver) Close() error { return nil }

func TestWorker_ShutdownMidProcessStillFinalizes(t *testing.T) {
	store := &ctxBoundStore{scriptStore: scriptStore{
		claimBatches: [][]domain.Claim{{{CompanyID: 42}}},
		companies:    map[int]domain.Company{42: {ID: 42, FormURL: strptr("https://ex.example/contact")}},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	driver := &cancellingDriver{cancel: cancel}

	w := newTestWorker(t, WorkerParams{}, domain.CampaignProfile{CampaignID: 7}, store, driver)

	require.NoError(t, w.Run(ctx))

	// The submission happened, so the terminal must exist: abandoning it
	// would let another worker double-submit after the lease expires.
	require.Len(t, store.marks, 1)
	assert.Equal(t, 42, store.marks[0].CompanyID)
	assert.True(t, store.marks[0].Outcome.Success)
}

func TestWorker_ShutdownDuringThrottleWaitStillFinalizes(t *testing.T) {
	store := &ctxBoundStore{scriptStore: scriptStore{
		claimBatches: [][]domain.Claim{{{CompanyID: 42}}},
		companies:    map[int]domain.Company{42: {ID: 42, FormURL: strptr("https://ex.example/contact")}},
	}}
	driver := &scriptDriver{result: domain.ProcessResult{Success: true}}
	// The bucket never yields a token.
	th := &scriptThrottle{waits: []time.Duration{time.Second, time.Second, time.Second, time.Second}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newTestWorker(t, WorkerParams{}, domain.CampaignProfile{CampaignID: 7}, store, driver)
	w.WithThrottle(th)
	w.sleep = func(_ domain.Context, _ time.Duration) error {
		cancel()
		return nil
	}

	require.NoError(t, w.Run(ctx))

	assert.Len(t, driver.calls, 1, "claim advanced past the throttle wait")
	require.Len(t, store.marks, 1)
	assert.Equal(t, 42, store.marks[0].CompanyID)
}

func TestWorker_ThrottleErrorFailsOpen(t *testing.T) {
	store := &scriptStore{
		claimBatches: [][]domain.Claim{{{CompanyID: 42}}},
		companies:    map[int]domain.Company{42: {ID: 42, FormURL: strptr("https://ex.example/contact")}},
	}
	driver := &scriptDriver{result: domain.ProcessResult{Success: true}}
	w := newTestWorker(t, WorkerParams{MaxProcessed: 1}, domain.CampaignProfile{CampaignID: 7}, store, driver)
	w.WithThrottle(&scriptThrottle{err: errors.New("redis down")})

	require.NoError(t, w.Run(context.Background()))
	assert.Len(t, driver.calls, 1)
	assert.Len(t, store.marks, 1)
}
