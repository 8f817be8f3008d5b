package indexer

import (
	"testing"
	"time"
)

func TestDecidePolicy(t *testing.T) {
	h := NewHandler(2, time.Second, 10*time.Minute)

	cases := []struct {
		name    string
		err     *IndexingError
		attempt int
		want    Action
	}{
		{
			"timeout aborts",
			&IndexingError{Severity: SeverityRecoverable, Scope: ScopeLanguage, Timeout: true},
			1, ActionAbort,
		},
		{
			"critical aborts on first attempt",
			&IndexingError{Severity: SeverityCritical, Scope: ScopeLanguage},
			1, ActionAbort,
		},
		{
			"critical aborts past retry budget too",
			&IndexingError{Severity: SeverityCritical, Scope: ScopeLanguage},
			5, ActionAbort,
		},
		{
			"global scope aborts even below critical",
			&IndexingError{Severity: SeverityWarning, Scope: ScopeGlobal},
			1, ActionAbort,
		},
		{
			"recoverable retries within budget",
			&IndexingError{Severity: SeverityRecoverable, Scope: ScopeLanguage},
			1, ActionRetry,
		},
		{
			"recoverable retries on last allowed attempt",
			&IndexingError{Severity: SeverityRecoverable, Scope: ScopeLanguage},
			2, ActionRetry,
		},
		{
			"recoverable language error gives up past budget",
			&IndexingError{Severity: SeverityRecoverable, Scope: ScopeLanguage},
			3, ActionSkipLanguage,
		},
		{
			"recoverable file error gives up past budget",
			&IndexingError{Severity: SeverityRecoverable, Scope: ScopeFile},
			3, ActionSkipFile,
		},
		{
			"warning on a file skips the file",
			&IndexingError{Severity: SeverityWarning, Scope: ScopeFile},
			1, ActionSkipFile,
		},
		{
			"warning on a language skips the language",
			&IndexingError{Severity: SeverityWarning, Scope: ScopeLanguage},
			1, ActionSkipLanguage,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := h.Decide(tc.err, tc.attempt)
			if got.Action != tc.want {
				t.Errorf("action = %s, want %s", got.Action, tc.want)
			}
		})
	}
}

func TestDecideBackoffDoubles(t *testing.T) {
	h := NewHandler(3, time.Second, time.Minute)
	e := &IndexingError{Severity: SeverityRecoverable, Scope: ScopeLanguage}

	for attempt, want := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
	} {
		d := h.Decide(e, attempt)
		if d.Action != ActionRetry {
			t.Fatalf("attempt %d: action = %s", attempt, d.Action)
		}
		if d.Delay != want {
			t.Errorf("attempt %d: delay = %v, want %v", attempt, d.Delay, want)
		}
	}
}

func TestDecideTimeoutRuleNeedsConfiguredTimeout(t *testing.T) {
	// With no tool timeout configured, a timeout error falls through to the
	// ordinary recoverable handling.
	h := NewHandler(2, time.Second, 0)
	e := &IndexingError{Severity: SeverityRecoverable, Scope: ScopeLanguage, Timeout: true}
	if got := h.Decide(e, 1); got.Action != ActionRetry {
		t.Errorf("action = %s, want retry", got.Action)
	}
}

func TestRecordAndSummary(t *testing.T) {
	h := NewHandler(2, time.Second, time.Minute)

	h.Record(&IndexingError{Language: "python", Severity: SeverityRecoverable, Scope: ScopeLanguage, Message: "boom"})
	h.Record(&IndexingError{Language: "python", Severity: SeverityRecoverable, Scope: ScopeLanguage, Message: "boom again"})
	h.Record(&IndexingError{Language: "java", Severity: SeverityWarning, Scope: ScopeFile, Message: "weird file"})

	errs := h.Errors()
	if len(errs) != 3 {
		t.Fatalf("errors = %d", len(errs))
	}
	if errs[0].At.IsZero() {
		t.Error("timestamp not assigned")
	}

	sum := h.DegradationSummary(5)
	if sum.TotalLanguages != 5 || sum.FailedLanguages != 2 || !sum.DegradedMode {
		t.Errorf("summary = %+v", sum)
	}

	report := h.Report()
	if len(report["python"]) != 2 || len(report["java"]) != 1 {
		t.Errorf("report = %v", report)
	}
}

func TestCleanRunNotDegraded(t *testing.T) {
	h := NewHandler(2, time.Second, time.Minute)
	sum := h.DegradationSummary(3)
	if sum.DegradedMode || sum.FailedLanguages != 0 {
		t.Errorf("summary = %+v", sum)
	}
}
