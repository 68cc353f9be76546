package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fairyhunter13/formfleet/internal/adapter/observability"
	"github.com/fairyhunter13/formfleet/internal/classify"
	"github.com/fairyhunter13/formfleet/internal/domain"
	"github.com/fairyhunter13/formfleet/pkg/jst"
	"github.com/fairyhunter13/formfleet/pkg/textx"
)

// hoursRecheckInterval is how long a worker sleeps when the campaign is
// outside business hours. Out-of-hours waits issue no store RPCs.
const hoursRecheckInterval = 60 * time.Second

// Throttle caps fleet-wide submission rate per campaign. Acquire returns
// zero when a token was taken, otherwise how long to wait before retrying.
type Throttle interface {
	Acquire(ctx domain.Context, campaignID int) (time.Duration, error)
}

// WorkerParams is the per-invocation identity of one worker actor.
type WorkerParams struct {
	WorkerID   int
	CampaignID int
	// TargetDate is the JST calendar day being drained, YYYY-MM-DD.
	TargetDate string
	RunID      string
	ShardID    *int
	// MaxProcessed stops the worker after N finalized claims. Zero means
	// unlimited; intended for tests and canary runs.
	MaxProcessed int
	// FixedCompanyID bypasses claim_next and processes exactly one target.
	FixedCompanyID *int
}

// Worker is one single-goroutine claim loop. It owns its classifier cache,
// counter and backoff; nothing here is shared across workers.
type Worker struct {
	params     WorkerParams
	profile    domain.CampaignProfile
	store      domain.ClaimStore
	driver     domain.BrowserDriver
	classifier *classify.Cached
	counter    *DailyCounter
	backoff    *Backoff
	throttle   Throttle                // nil disables fleet throttling
	publisher  domain.OutcomePublisher // nil disables audit events
	log        *slog.Logger

	now   func() time.Time
	sleep func(ctx domain.Context, d time.Duration) error
}

// NewWorker wires a worker actor. The store should already carry the retry
// layer; the worker itself never retries RPCs.
func NewWorker(p WorkerParams, profile domain.CampaignProfile, store domain.ClaimStore, driver domain.BrowserDriver, bo *Backoff, log *slog.Logger) *Worker {
	if bo == nil {
		bo = NewBackoff(DefaultBackoffInitial, DefaultBackoffMax, DefaultJitterRatio)
	}
	return &Worker{
		params:     p,
		profile:    profile,
		store:      store,
		driver:     driver,
		classifier: classify.NewCached(),
		counter:    NewDailyCounter(store),
		backoff:    bo,
		log:        log.With("worker_id", p.WorkerID, "campaign_id", p.CampaignID, "run_id", p.RunID),
		now:        jst.Now,
		sleep:      sleepCtx,
	}
}

// WithThrottle attaches an optional fleet-wide submission throttle.
func (w *Worker) WithThrottle(t Throttle) *Worker {
	w.throttle = t
	return w
}

// WithPublisher attaches an optional outcome audit publisher.
func (w *Worker) WithPublisher(p domain.OutcomePublisher) *Worker {
	w.publisher = p
	return w
}

func sleepCtx(ctx domain.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run drives the claim loop until the context is cancelled, the daily cap
// is reached, MaxProcessed fires, or fixed-company work completes. All of
// those are clean exits; Run returns nil for each.
func (w *Worker) Run(ctx domain.Context) error {
	processed := 0
	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping", "reason", "shutdown", "processed", processed)
			return nil
		default:
		}

		if !HoursOpen(w.profile.Policy, w.now()) {
			w.log.Debug("outside business hours")
			if err := w.sleep(ctx, hoursRecheckInterval); err != nil {
				return nil
			}
			continue
		}

		done, err := w.capReached(ctx)
		if err != nil {
			w.log.Error("daily count unavailable", "err", err)
			w.idleSleep(ctx)
			continue
		}
		if done {
			w.log.Info("worker stopping", "reason", "daily_cap", "processed", processed)
			return nil
		}

		companyID, ok := w.nextCompany(ctx)
		if !ok {
			if w.params.FixedCompanyID != nil {
				// Fixed-company mode never loops on an empty claim.
				return nil
			}
			w.idleSleep(ctx)
			continue
		}

		// Shutdown is a stop flag observed between iterations, never a
		// mid-claim abort: a claim once taken must reach its terminal
		// write even when the run context is already cancelled.
		w.processClaim(context.WithoutCancel(ctx), ctx.Done(), companyID)
		processed++
		w.backoff.Reset()

		if w.params.FixedCompanyID != nil {
			w.log.Info("worker stopping", "reason", "fixed_company_done", "company_id", companyID)
			return nil
		}
		if w.params.MaxProcessed > 0 && processed >= w.params.MaxProcessed {
			w.log.Info("worker stopping", "reason", "max_processed", "processed", processed)
			return nil
		}
	}
}

// capReached checks the campaign's daily quota. No quota means never done.
func (w *Worker) capReached(ctx domain.Context) (bool, error) {
	maxSends := w.profile.Policy.MaxDailySends
	if maxSends == nil {
		return false, nil
	}
	count, err := w.counter.Get(ctx, w.params.CampaignID, w.params.TargetDate)
	if err != nil {
		return false, err
	}
	observability.DailySuccessCount.WithLabelValues(strconv.Itoa(w.params.CampaignID)).Set(float64(count))
	return count >= *maxSends, nil
}

// nextCompany yields the next company to process: the fixed override when
// set, otherwise one claim from the store.
func (w *Worker) nextCompany(ctx domain.Context) (int, bool) {
	if w.params.FixedCompanyID != nil {
		return *w.params.FixedCompanyID, true
	}
	claims, err := w.store.ClaimNext(ctx, w.params.TargetDate, w.params.CampaignID, w.params.RunID, 1, w.params.ShardID)
	if err != nil {
		observability.ClaimsTotal.WithLabelValues("error").Inc()
		w.log.Error("claim failed", "err", err)
		return 0, false
	}
	if len(claims) == 0 {
		observability.ClaimsTotal.WithLabelValues("empty").Inc()
		return 0, false
	}
	observability.ClaimsTotal.WithLabelValues("claimed").Inc()
	return claims[0].CompanyID, true
}

// processClaim takes one claimed company through fetch, browser processing,
// classification and the terminal write. ctx must not carry the run's
// cancellation; stop signals shutdown and only shortens the throttle wait.
// A claim once taken is always finalized unless the store itself is
// unreachable.
func (w *Worker) processClaim(ctx domain.Context, stop <-chan struct{}, companyID int) {
	company, err := w.store.FetchCompany(ctx, companyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			w.finalizeFailure(ctx, companyID, classify.Input{ErrorTypeHint: domain.HintNotFound}, false)
			return
		}
		w.log.Error("fetch company failed", "company_id", companyID, "err", err)
		return
	}
	if company.FormURL == nil || *company.FormURL == "" {
		w.finalizeFailure(ctx, companyID, classify.Input{ErrorTypeHint: domain.HintNoFormURL}, false)
		return
	}

	w.acquireThrottle(ctx, stop)

	started := time.Now()
	result, err := w.driver.Process(ctx, domain.ProcessRequest{
		Company:  company,
		Profile:  w.profile,
		WorkerID: w.params.WorkerID,
	})
	observability.ProcessDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		result = domain.ProcessResult{
			Success:      false,
			ErrorMessage: err.Error(),
			ErrorType:    domain.HintWorkerError,
		}
	}

	if result.Success {
		w.finalizeSuccess(ctx, companyID)
		return
	}

	// Driver evidence comes from scraped pages; strip control characters
	// before it reaches the classifier or any log line.
	in := classify.Input{
		ErrorMessage:  textx.SanitizeText(result.ErrorMessage),
		ErrorTypeHint: result.ErrorType,
	}
	bot := false
	if result.Classify != nil {
		in.HTTPStatus = result.Classify.HTTPStatus
		in.PageContentSnippet = textx.SanitizeText(result.Classify.PageContentSnippet)
		bot = result.Classify.IsBotDetected
	}
	w.finalizeFailure(ctx, companyID, in, bot)
}

// acquireThrottle blocks until a submission token is available. The
// throttle is advisory and the claim must advance regardless: errors fail
// open, and a shutdown request observed on stop skips further waiting so
// the claim proceeds straight to processing and its terminal write.
func (w *Worker) acquireThrottle(ctx domain.Context, stop <-chan struct{}) {
	if w.throttle == nil {
		return
	}
	for {
		select {
		case <-stop:
			return
		default:
		}
		wait, err := w.throttle.Acquire(ctx, w.params.CampaignID)
		if err != nil {
			w.log.Warn("throttle unavailable, proceeding", "err", err)
			return
		}
		if wait <= 0 {
			return
		}
		if err := w.sleep(ctx, wait); err != nil {
			return
		}
	}
}

func (w *Worker) finalizeSuccess(ctx domain.Context, companyID int) {
	outcome := domain.WorkOutcome{Success: true, SubmittedAt: w.now()}
	if err := w.markDone(ctx, companyID, outcome); err != nil {
		w.log.Error("mark_done failed", "company_id", companyID, "err", err)
		return
	}
	w.counter.Invalidate(w.params.CampaignID, w.params.TargetDate)
	observability.TerminalsTotal.WithLabelValues("success", "").Inc()
	w.log.Info("terminal written", "company_id", companyID, "success", true)
	w.publish(ctx, companyID, outcome)
}

// finalizeFailure classifies the failure evidence and writes the terminal.
// When bot protection fired, the stored code is forced into the bot family
// right before the write.
func (w *Worker) finalizeFailure(ctx domain.Context, companyID int, in classify.Input, botProtection bool) {
	detail := w.classifier.Classify(in)
	code := detail.Code
	if botProtection && code != domain.CodeBotDetected && code != domain.CodeWAFChallenge {
		// Bot evidence overrides whatever the taxonomy matched first
		// (typically an HTTP 403): the terminal must carry the bot code.
		code = domain.CodeBotDetected
		detail = domain.Classification{
			Code:       domain.CodeBotDetected,
			Category:   domain.CategoryBot,
			Retryable:  false,
			Confidence: 0.8,
		}
	}
	outcome := domain.WorkOutcome{
		Success:        false,
		ErrorCode:      &code,
		ClassifyDetail: &detail,
		BotProtection:  botProtection,
		SubmittedAt:    w.now(),
	}
	if err := w.markDone(ctx, companyID, outcome); err != nil {
		w.log.Error("mark_done failed", "company_id", companyID, "err", err)
		return
	}
	observability.TerminalsTotal.WithLabelValues("failure", code).Inc()
	// Classification code only; raw driver errors may carry URLs or PII.
	w.log.Info("terminal written", "company_id", companyID, "success", false, "code", code, "bot_protection", botProtection)
	w.publish(ctx, companyID, outcome)
}

func (w *Worker) markDone(ctx domain.Context, companyID int, outcome domain.WorkOutcome) error {
	p := domain.MarkDoneParams{
		TargetDate: w.params.TargetDate,
		CampaignID: w.params.CampaignID,
		CompanyID:  companyID,
		Outcome:    outcome,
	}
	if err := w.store.MarkDone(ctx, p); err != nil {
		return fmt.Errorf("op=worker.mark_done: %w", err)
	}
	return nil
}

// publish emits the audit event. Best effort: the store row is the system
// of record, a failed publish only increments a counter.
func (w *Worker) publish(ctx domain.Context, companyID int, outcome domain.WorkOutcome) {
	if w.publisher == nil {
		return
	}
	ev := domain.OutcomeEvent{
		TargetDate:    w.params.TargetDate,
		CampaignID:    w.params.CampaignID,
		CompanyID:     companyID,
		RunID:         w.params.RunID,
		WorkerID:      w.params.WorkerID,
		Success:       outcome.Success,
		BotProtection: outcome.BotProtection,
		SubmittedAt:   outcome.SubmittedAt,
	}
	if outcome.ErrorCode != nil {
		ev.ErrorCode = *outcome.ErrorCode
	}
	if err := w.publisher.PublishOutcome(ctx, ev); err != nil {
		observability.OutcomeEventsTotal.WithLabelValues("error").Inc()
		w.log.Warn("outcome publish failed", "company_id", companyID, "err", err)
		return
	}
	observability.OutcomeEventsTotal.WithLabelValues("ok").Inc()
}

// idleSleep applies one exponential-backoff sleep with jitter.
func (w *Worker) idleSleep(ctx domain.Context) {
	d := w.backoff.Next()
	observability.IdleBackoffSeconds.Set(d.Seconds())
	_ = w.sleep(ctx, d)
}
