// Package domain defines the core entities and ports of the form-submission
// runner. Adapters (store, browser, queue) implement the ports; the runner
// package orchestrates them.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrInvalidProfile   = errors.New("invalid campaign profile")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInternal         = errors.New("internal error")
)

// Sender is the identity used to fill contact forms. All fields are filled
// from the campaign profile; required fields are enforced by the profile
// store at load time.
type Sender struct {
	Name         string `yaml:"name" json:"name" validate:"required"`
	NameKana     string `yaml:"name_kana" json:"name_kana" validate:"required"`
	NameHiragana string `yaml:"name_hiragana" json:"name_hiragana" validate:"required"`
	Position     string `yaml:"position" json:"position" validate:"required"`
	Gender       string `yaml:"gender" json:"gender" validate:"required"`
	Email        string `yaml:"email_1" json:"email_1" validate:"required,email"`
	PostalCode   string `yaml:"postal_code_1" json:"postal_code_1" validate:"required"`
	Address1     string `yaml:"address_1" json:"address_1" validate:"required"`
	Address2     string `yaml:"address_2" json:"address_2" validate:"required"`
	Address3     string `yaml:"address_3" json:"address_3" validate:"required"`
	Phone        string `yaml:"tel_1" json:"tel_1" validate:"required"`
}

// SendPolicy controls when and how much a campaign may send.
// Weekdays use 0=Monday .. 6=Sunday. Times are HH:MM in JST.
type SendPolicy struct {
	MaxDailySends  *int   `yaml:"max_daily_sends" json:"max_daily_sends"`
	SendDaysOfWeek []int  `yaml:"send_days_of_week" json:"send_days_of_week"`
	SendStart      string `yaml:"send_start" json:"send_start"`
	SendEnd        string `yaml:"send_end" json:"send_end"`
	Subject        string `yaml:"subject" json:"subject"`
	Body           string `yaml:"body" json:"body"`
}

// CampaignProfile is the immutable, validated record for one campaign.
// Loaded once per worker; owned exclusively by the worker that loaded it.
type CampaignProfile struct {
	CampaignID int        `yaml:"campaign_id" json:"campaign_id" validate:"required,gt=0"`
	Sender     Sender     `yaml:"sender" json:"sender"`
	Policy     SendPolicy `yaml:"policy" json:"policy"`
}

// Company is one target of a campaign. FormURL may be nil when the target
// has no known contact form; such rows are finalized without a browser run.
type Company struct {
	ID      int
	FormURL *string
}

// Claim is an exclusive per-day lease on processing one company.
type Claim struct {
	CompanyID int
}

// WorkOutcome is the terminal result for one claim. It is written exactly
// once per (target_date, campaign, company); replays are no-ops.
type WorkOutcome struct {
	Success        bool
	ErrorCode      *string
	ClassifyDetail *Classification
	BotProtection  bool
	SubmittedAt    time.Time
}

// MarkDoneParams carries everything the store needs for one terminal write.
type MarkDoneParams struct {
	TargetDate string
	CampaignID int
	CompanyID  int
	Outcome    WorkOutcome
}

// ClaimStore is the backing-store port. Exactly four operations; the store
// is assumed transactional with atomic row-claim semantics.
//
// ClaimNext never returns the same company twice for the same
// (targetDate, campaignID) across all callers. MarkDone is idempotent:
// the first write wins, later calls affect nothing.
type ClaimStore interface {
	ClaimNext(ctx Context, targetDate string, campaignID int, runID string, limit int, shardID *int) ([]Claim, error)
	FetchCompany(ctx Context, companyID int) (Company, error)
	MarkDone(ctx Context, p MarkDoneParams) error
	CountToday(ctx Context, campaignID int, targetDate string) (int, error)
}

// ClassifyContext is the raw failure evidence a driver hands back for
// classification.
type ClassifyContext struct {
	IsBotDetected      bool
	PageContentSnippet string
	HTTPStatus         int // 0 when unknown
}

// ProcessRequest is one unit of browser work.
type ProcessRequest struct {
	Company  Company
	Profile  CampaignProfile
	WorkerID int
}

// ProcessResult is what a driver reports for one form submission attempt.
// The driver enforces its own internal deadline; the worker does not add one.
type ProcessResult struct {
	Success      bool
	ErrorMessage string
	ErrorType    string
	Classify     *ClassifyContext
}

// BrowserDriver loads a form URL in a headless browser, fills fields from
// the campaign profile and submits. Implementations live outside the core.
type BrowserDriver interface {
	Process(ctx Context, req ProcessRequest) (ProcessResult, error)
	Close() error
}

// FormAnalyzer maps semantic fields to DOM selectors. Defined here only as
// a contract for drivers that need it; the core never calls it directly.
type FormAnalyzer interface {
	Analyze(ctx Context, formHTML string) (map[string]string, error)
}

// ClientConfigStore turns a raw profile blob into a validated profile.
type ClientConfigStore interface {
	Transform(raw []byte) (CampaignProfile, error)
}

// OutcomeEvent is the audit record published for every terminal write.
type OutcomeEvent struct {
	TargetDate    string    `json:"target_date"`
	CampaignID    int       `json:"campaign_id"`
	CompanyID     int       `json:"company_id"`
	RunID         string    `json:"run_id"`
	WorkerID      int       `json:"worker_id"`
	Success       bool      `json:"success"`
	ErrorCode     string    `json:"error_code,omitempty"`
	BotProtection bool      `json:"bot_protection"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// OutcomePublisher publishes terminal outcomes for downstream audit.
// Publishing is best-effort; the store remains the system of record.
type OutcomePublisher interface {
	PublishOutcome(ctx Context, ev OutcomeEvent) error
}

// Context is an alias so adapters and the runner share one context type.
type Context = context.Context
