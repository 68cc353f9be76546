package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/formfleet/internal/domain"
	"github.com/fairyhunter13/formfleet/pkg/jst"
)

// Store implements domain.ClaimStore against the shared queue schema.
type Store struct {
	Pool PgxPool
	// WorkerTag identifies this process on claimed rows for audit.
	WorkerTag string
}

// NewStore constructs a Store with the given pool and worker tag.
func NewStore(p PgxPool, workerTag string) *Store {
	return &Store{Pool: p, WorkerTag: workerTag}
}

// ClaimNext atomically reserves up to limit queued companies for the day.
// SKIP LOCKED keeps concurrent workers disjoint; a claimed row never
// reappears until the store itself expires the lease.
func (s *Store) ClaimNext(ctx domain.Context, targetDate string, campaignID int, runID string, limit int, shardID *int) ([]domain.Claim, error) {
	tracer := otel.Tracer("store.queue")
	ctx, span := tracer.Start(ctx, "queue.ClaimNext")
	defer span.End()

	if limit <= 0 {
		limit = 1
	}
	q := `
		WITH claimed AS (
			UPDATE form_submission_queue
			SET status = 'claimed',
			    run_id = $3,
			    worker_tag = $4,
			    claimed_at = NOW()
			WHERE (target_date, campaign_id, company_id) IN (
				SELECT q.target_date, q.campaign_id, q.company_id
				FROM form_submission_queue q
				WHERE q.target_date = $1
				  AND q.campaign_id = $2
				  AND q.status = 'queued'
				  AND ($5::int IS NULL OR q.shard_id = $5)
				ORDER BY q.company_id
				LIMIT $6
				FOR UPDATE SKIP LOCKED
			)
			RETURNING company_id
		)
		SELECT company_id FROM claimed`
	rows, err := s.Pool.Query(ctx, q, targetDate, campaignID, runID, s.WorkerTag, shardID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=queue.claim_next: %w", err)
	}
	defer rows.Close()

	var claims []domain.Claim
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=queue.claim_next: %w", err)
		}
		claims = append(claims, domain.Claim{CompanyID: id})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=queue.claim_next: %w", err)
	}
	return claims, nil
}

// FetchCompany loads one company row. Not part of the atomic claim path.
func (s *Store) FetchCompany(ctx domain.Context, companyID int) (domain.Company, error) {
	tracer := otel.Tracer("store.queue")
	ctx, span := tracer.Start(ctx, "queue.FetchCompany")
	defer span.End()

	q := `SELECT id, form_url FROM companies WHERE id = $1`
	row := s.Pool.QueryRow(ctx, q, companyID)
	var c domain.Company
	if err := row.Scan(&c.ID, &c.FormURL); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Company{}, fmt.Errorf("op=queue.fetch_company: %w", domain.ErrNotFound)
		}
		return domain.Company{}, fmt.Errorf("op=queue.fetch_company: %w", err)
	}
	return c, nil
}

// MarkDone writes the terminal record for one claim. First write wins:
// a replay matches zero rows and returns nil, leaving the original
// terminal untouched.
func (s *Store) MarkDone(ctx domain.Context, p domain.MarkDoneParams) error {
	tracer := otel.Tracer("store.queue")
	ctx, span := tracer.Start(ctx, "queue.MarkDone")
	defer span.End()

	var detail []byte
	if p.Outcome.ClassifyDetail != nil {
		b, err := json.Marshal(p.Outcome.ClassifyDetail)
		if err != nil {
			return fmt.Errorf("op=queue.mark_done: %w", err)
		}
		detail = b
	}
	q := `
		UPDATE form_submission_queue
		SET status = 'done',
		    success = $4,
		    error_code = $5,
		    classify_detail = $6,
		    bot_protection = $7,
		    submitted_at = $8
		WHERE target_date = $1
		  AND campaign_id = $2
		  AND company_id = $3
		  AND status <> 'done'`
	_, err := s.Pool.Exec(ctx, q,
		p.TargetDate, p.CampaignID, p.CompanyID,
		p.Outcome.Success, p.Outcome.ErrorCode, detail,
		p.Outcome.BotProtection, p.Outcome.SubmittedAt)
	if err != nil {
		return fmt.Errorf("op=queue.mark_done: %w", err)
	}
	return nil
}

// CountToday counts successful terminals for the campaign over the JST
// calendar day, using UTC boundary conversion on submitted_at.
func (s *Store) CountToday(ctx domain.Context, campaignID int, targetDate string) (int, error) {
	tracer := otel.Tracer("store.queue")
	ctx, span := tracer.Start(ctx, "queue.CountToday")
	defer span.End()

	start, end, err := jst.DayBoundsUTC(targetDate)
	if err != nil {
		return 0, fmt.Errorf("op=queue.count_today: %w", err)
	}
	q := `
		SELECT COUNT(*)
		FROM form_submission_queue
		WHERE campaign_id = $1
		  AND success
		  AND submitted_at >= $2
		  AND submitted_at < $3`
	var n int
	if err := s.Pool.QueryRow(ctx, q, campaignID, start, end).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=queue.count_today: %w", err)
	}
	return n, nil
}
