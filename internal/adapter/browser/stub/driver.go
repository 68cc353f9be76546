// Package stub provides a deterministic BrowserDriver for local
// development and tests. No browser is launched; outcomes are derived
// from markers in the form URL so fixtures stay reproducible.
package stub

import (
	"log/slog"
	"strings"
	"time"

	"github.com/fairyhunter13/formfleet/internal/domain"
)

// Driver simulates form submission. URL markers select failure modes:
//
//	captcha  -> bot check page
//	waf      -> WAF block page with HTTP 403
//	timeout  -> navigation timeout
//	notfound -> HTTP 404
//	refused  -> connection refused
//
// Anything else submits successfully.
type Driver struct {
	log *slog.Logger
	// Latency is the simulated per-submission delay.
	Latency time.Duration
}

// New builds a stub driver.
func New(log *slog.Logger) *Driver {
	return &Driver{log: log}
}

// Process resolves the simulated outcome for one company.
func (d *Driver) Process(ctx domain.Context, req domain.ProcessRequest) (domain.ProcessResult, error) {
	if d.Latency > 0 {
		t := time.NewTimer(d.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return domain.ProcessResult{}, ctx.Err()
		case <-t.C:
		}
	}

	url := ""
	if req.Company.FormURL != nil {
		url = strings.ToLower(*req.Company.FormURL)
	}
	d.log.Debug("stub processing", "company_id", req.Company.ID, "worker_id", req.WorkerID)

	switch {
	case strings.Contains(url, "captcha"):
		return domain.ProcessResult{
			Success:      false,
			ErrorMessage: "challenge page",
			Classify: &domain.ClassifyContext{
				IsBotDetected:      true,
				PageContentSnippet: "Please complete the reCAPTCHA to continue",
			},
		}, nil
	case strings.Contains(url, "waf"):
		return domain.ProcessResult{
			Success:      false,
			ErrorMessage: "blocked",
			Classify: &domain.ClassifyContext{
				IsBotDetected:      true,
				PageContentSnippet: "Access Denied - Request blocked",
				HTTPStatus:         403,
			},
		}, nil
	case strings.Contains(url, "timeout"):
		return domain.ProcessResult{
			Success:      false,
			ErrorMessage: "navigation timed out after 30s",
		}, nil
	case strings.Contains(url, "notfound"):
		return domain.ProcessResult{
			Success:      false,
			ErrorMessage: "page not found",
			Classify:     &domain.ClassifyContext{HTTPStatus: 404},
		}, nil
	case strings.Contains(url, "refused"):
		return domain.ProcessResult{
			Success:      false,
			ErrorMessage: "dial tcp: connection refused",
		}, nil
	default:
		return domain.ProcessResult{Success: true}, nil
	}
}

// Close is a no-op; the stub holds no browser resources.
func (d *Driver) Close() error { return nil }
