package domain

// Classification error codes. Stable: they are persisted in terminals and
// used as metric labels, so renames are breaking.
const (
	CodeAuthRequired = "AUTH_REQUIRED"
	CodeNotFound     = "NOT_FOUND"
	CodeRateLimited  = "RATE_LIMITED"
	CodeServerError  = "SERVER_ERROR"
	CodeWAFChallenge = "WAF_CHALLENGE"
	CodeBotDetected  = "BOT_DETECTED"
	CodeTimeout      = "TIMEOUT"
	CodeConnectError = "CONNECT_ERROR"
	CodeNoFormURL    = "NO_FORM_URL"
	CodeUnknown      = "UNKNOWN"
)

// Classification categories.
const (
	CategoryHTTP    = "HTTP"
	CategoryBot     = "BOT"
	CategoryNetwork = "NETWORK"
	CategoryConfig  = "CONFIG"
	CategoryUnknown = "UNKNOWN"
)

// Error type hints passed by the worker or the driver.
const (
	HintWorkerError = "WORKER_ERROR"
	HintNotFound    = "NOT_FOUND"
	HintNoFormURL   = "NO_FORM_URL"
)

// Classification is the stable failure taxonomy record. It is derived
// deterministically from the raw failure evidence; for a given input tuple
// the output is byte-identical across runs and hosts.
type Classification struct {
	Code            string  `json:"code"`
	Category        string  `json:"category"`
	Retryable       bool    `json:"retryable"`
	CooldownSeconds int     `json:"cooldown_seconds"`
	Confidence      float64 `json:"confidence"`
}
