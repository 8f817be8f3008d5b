package indexer

import (
	"fmt"
	"sync"
	"time"
)

// Severity classifies an indexing error.
type Severity string

const (
	SeverityWarning     Severity = "warning"
	SeverityRecoverable Severity = "recoverable"
	SeverityCritical    Severity = "critical"
)

// Scope says how much of the run an error taints.
type Scope string

const (
	ScopeFile     Scope = "file"
	ScopeLanguage Scope = "language"
	ScopeGlobal   Scope = "global"
)

// Action is the handler's verdict for one error occurrence.
type Action string

const (
	ActionRetry        Action = "retry"
	ActionSkipFile     Action = "skip_file"
	ActionSkipLanguage Action = "skip_language"
	ActionAbort        Action = "abort"
)

// IndexingError is a classified failure from an indexer invocation or
// artifact import.
type IndexingError struct {
	Language string            `json:"language"`
	Severity Severity          `json:"severity"`
	Scope    Scope             `json:"scope"`
	Message  string            `json:"message"`
	Context  map[string]string `json:"context,omitempty"`
	Timeout  bool              `json:"timeout,omitempty"`
	At       time.Time         `json:"at"`
}

func (e *IndexingError) Error() string {
	return fmt.Sprintf("%s [%s/%s]: %s", e.Language, e.Severity, e.Scope, e.Message)
}

// Decision is an Action plus the backoff to apply before a retry.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Summary reports how degraded a run ended up.
type Summary struct {
	TotalLanguages  int  `json:"total_languages"`
	FailedLanguages int  `json:"failed_languages"`
	DegradedMode    bool `json:"degraded_mode"`
}

// Handler applies the retry/skip/abort policy and records every error it
// sees for the final report.
type Handler struct {
	maxRetries int
	baseDelay  time.Duration
	timeout    time.Duration

	mu     sync.Mutex
	errors []*IndexingError
	failed map[string]bool
}

// NewHandler creates a policy handler. timeout is the configured external
// tool timeout; zero means unbounded, which disables the timeout-abort
// rule.
func NewHandler(maxRetries int, baseDelay, timeout time.Duration) *Handler {
	return &Handler{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		timeout:    timeout,
		failed:     map[string]bool{},
	}
}

// Decide evaluates the policy rules in order for the given attempt
// (1-based) and returns the action to take.
func (h *Handler) Decide(e *IndexingError, attempt int) Decision {
	switch {
	case e.Timeout && h.timeout > 0:
		return Decision{Action: ActionAbort}
	case e.Severity == SeverityCritical:
		// Critical never retries, whatever the attempt count.
		return Decision{Action: ActionAbort}
	case e.Scope == ScopeGlobal:
		// A run-wide error cannot be skipped around.
		return Decision{Action: ActionAbort}
	case attempt > h.maxRetries:
		if e.Scope == ScopeLanguage {
			return Decision{Action: ActionSkipLanguage}
		}
		return Decision{Action: ActionSkipFile}
	case e.Severity == SeverityRecoverable:
		return Decision{Action: ActionRetry, Delay: h.baseDelay << (attempt - 1)}
	case e.Scope == ScopeFile:
		return Decision{Action: ActionSkipFile}
	default:
		// Warnings and anything unclassified give up on the language.
		return Decision{Action: ActionSkipLanguage}
	}
}

// Record stores the error and marks its language failed.
func (h *Handler) Record(e *IndexingError) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, e)
	if e.Language != "" {
		h.failed[e.Language] = true
	}
}

// Errors returns everything recorded, in order.
func (h *Handler) Errors() []*IndexingError {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*IndexingError, len(h.errors))
	copy(out, h.errors)
	return out
}

// DegradationSummary compares failed languages against the run total.
func (h *Handler) DegradationSummary(totalLanguages int) Summary {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Summary{
		TotalLanguages:  totalLanguages,
		FailedLanguages: len(h.failed),
		DegradedMode:    len(h.failed) > 0,
	}
}

// Report groups recorded errors by language.
func (h *Handler) Report() map[string][]*IndexingError {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := map[string][]*IndexingError{}
	for _, e := range h.errors {
		out[e.Language] = append(out[e.Language], e)
	}
	return out
}
