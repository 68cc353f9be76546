// Package classify maps raw worker failures to the stable error taxonomy.
//
// Classification itself is a pure function of the input tuple; only the
// cache wrapper touches the clock.
package classify

import (
	"strings"

	"github.com/fairyhunter13/formfleet/internal/domain"
	"github.com/fairyhunter13/formfleet/pkg/textx"
)

// maxFieldLen bounds every string input before matching and cache keying.
const maxFieldLen = 160

// Input is the raw failure evidence for one classification.
// HTTPStatus 0 means unknown.
type Input struct {
	ErrorMessage       string
	HTTPStatus         int
	ErrorTypeHint      string
	PageContentSnippet string
}

func truncate(s string) string {
	if len(s) > maxFieldLen {
		return s[:maxFieldLen]
	}
	return s
}

// Signature sets are matched case-insensitively against the truncated
// snippet or error message.
var (
	wafSignatures = []string{
		"access denied",
		"request blocked",
		"attention required",
		"cloudflare",
		"incapsula",
		"akamai",
		"request unsuccessful",
	}
	botSignatures = []string{
		"captcha",
		"recaptcha",
		"hcaptcha",
		"are you a robot",
		"bot check",
		"verify you are human",
		"unusual traffic",
	}
	timeoutPatterns = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
	}
	connectPatterns = []string{
		"connection refused",
		"connection reset",
		"no such host",
		"dns",
		"network is unreachable",
		"econnrefused",
	}
)

func matchesAny(s string, patterns []string) bool {
	if s == "" {
		return false
	}
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// Classify applies the taxonomy rules in order; the first match wins.
// Whitespace runs are collapsed before matching so multi-word signatures
// still hit when page markup splits them across lines.
func Classify(in Input) domain.Classification {
	msg := strings.ToLower(textx.CollapseSpaces(truncate(in.ErrorMessage)))
	snippet := strings.ToLower(textx.CollapseSpaces(truncate(in.PageContentSnippet)))
	hint := strings.ToUpper(strings.TrimSpace(in.ErrorTypeHint))

	switch {
	case in.HTTPStatus == 401 || in.HTTPStatus == 403:
		return domain.Classification{Code: domain.CodeAuthRequired, Category: domain.CategoryHTTP, Retryable: false, Confidence: 1.0}
	case in.HTTPStatus == 404 || hint == domain.HintNotFound:
		return domain.Classification{Code: domain.CodeNotFound, Category: domain.CategoryHTTP, Retryable: false, Confidence: 1.0}
	case in.HTTPStatus == 429:
		return domain.Classification{Code: domain.CodeRateLimited, Category: domain.CategoryHTTP, Retryable: true, CooldownSeconds: 60, Confidence: 1.0}
	case in.HTTPStatus >= 500:
		return domain.Classification{Code: domain.CodeServerError, Category: domain.CategoryHTTP, Retryable: true, CooldownSeconds: 30, Confidence: 1.0}
	case matchesAny(snippet, wafSignatures):
		return domain.Classification{Code: domain.CodeWAFChallenge, Category: domain.CategoryBot, Retryable: false, Confidence: 0.8}
	case matchesAny(snippet, botSignatures):
		return domain.Classification{Code: domain.CodeBotDetected, Category: domain.CategoryBot, Retryable: false, Confidence: 0.8}
	case matchesAny(msg, timeoutPatterns):
		return domain.Classification{Code: domain.CodeTimeout, Category: domain.CategoryNetwork, Retryable: true, CooldownSeconds: 15, Confidence: 0.6}
	case matchesAny(msg, connectPatterns):
		return domain.Classification{Code: domain.CodeConnectError, Category: domain.CategoryNetwork, Retryable: true, CooldownSeconds: 30, Confidence: 0.6}
	case hint == domain.HintNoFormURL:
		return domain.Classification{Code: domain.CodeNoFormURL, Category: domain.CategoryConfig, Retryable: false, Confidence: 1.0}
	default:
		return domain.Classification{Code: domain.CodeUnknown, Category: domain.CategoryUnknown, Retryable: true, CooldownSeconds: 0, Confidence: 0.25}
	}
}
