package indexer

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/vault-tec/internal/codegraph"
)

// State is the orchestrator's run state.
type State string

const (
	StatePending         State = "PENDING"
	StateCheckingPrereqs State = "CHECKING_PREREQS"
	StateRunning         State = "RUNNING"
	StateImportResults   State = "IMPORT_RESULTS"
	StateDone            State = "DONE"
	StateAborted         State = "ABORTED"
)

// Default knobs for a run.
const (
	DefaultTimeout    = 600 * time.Second
	DefaultMaxRetries = 2
	DefaultBaseDelay  = time.Second
	DefaultWorkers    = 4
)

// Options configures one indexing run.
type Options struct {
	Languages  []string      `json:"languages"`
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"` // 0 means no retries; negative means DefaultMaxRetries
	BaseDelay  time.Duration `json:"base_delay"`
	Parallel   bool          `json:"parallel"`
	Workers    int           `json:"workers"`
	Priority   []string      `json:"priority,omitempty"` // earlier = run first
	Background bool          `json:"background"`
	DryRun     bool          `json:"dry_run"`
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Timeout == 0 {
		out.Timeout = DefaultTimeout
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.BaseDelay == 0 {
		out.BaseDelay = DefaultBaseDelay
	}
	if out.Workers <= 0 {
		out.Workers = DefaultWorkers
	}
	return out
}

// Result is the outcome of a run. Success means at least one language
// completed; PartialSuccess means Success with at least one language
// failed or unavailable.
type Result struct {
	State              State            `json:"state"`
	Success            bool             `json:"success"`
	PartialSuccess     bool             `json:"partial_success"`
	TotalFiles         int              `json:"total_files"`
	TotalFunctions     int              `json:"total_functions"`
	TotalClasses       int              `json:"total_classes"`
	TotalRelationships int              `json:"total_relationships"`
	CompletedLanguages []string         `json:"completed_languages"`
	FailedLanguages    []string         `json:"failed_languages"`
	SkippedLanguages   []string         `json:"skipped_languages"`
	Errors             []*IndexingError `json:"errors,omitempty"`
	Degradation        Summary          `json:"degradation"`
	Prereqs            *PrereqResult    `json:"prereqs,omitempty"`
	BackgroundJobID    string           `json:"background_job_id,omitempty"`
	ElapsedSeconds     float64          `json:"elapsed_seconds"`
}

// BackgroundStarter hands a run off to the job runner and returns the job
// id. Wired by main to avoid a dependency cycle with the jobs package.
type BackgroundStarter func(codebase string, languages []string, timeout time.Duration) (string, error)

// Notifier receives run lifecycle events; nil disables notification.
type Notifier func(ctx context.Context, event string, fields map[string]string)

// Orchestrator drives prerequisite checking, tool invocation, artifact
// import and failure policy for a whole run.
type Orchestrator struct {
	reg      *Registry
	checker  *Checker
	importer *codegraph.Importer
	logger   *zap.Logger

	startBackground BackgroundStarter
	notify          Notifier

	statsMu sync.Mutex
	latest  map[string]*codegraph.ImportStats
}

var errNoBackgroundRunner = &IndexingError{
	Severity: SeverityCritical,
	Scope:    ScopeGlobal,
	Message:  "background runs are not enabled",
}

// NewOrchestrator composes the run pipeline.
func NewOrchestrator(reg *Registry, checker *Checker, importer *codegraph.Importer, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{reg: reg, checker: checker, importer: importer, logger: logger}
}

// SetBackgroundStarter enables background=true runs.
func (o *Orchestrator) SetBackgroundStarter(s BackgroundStarter) {
	o.startBackground = s
}

// SetNotifier attaches a run event sink.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notify = n
}

type langOutcome int

const (
	langCompleted langOutcome = iota
	langFailed
	langAborted
)

// Run executes one indexing run. Background runs return immediately with
// the job id; everything else runs synchronously on the caller.
func (o *Orchestrator) Run(ctx context.Context, codebase string, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	started := time.Now()
	result := &Result{State: StatePending}

	if opts.DryRun {
		result.State = StateDone
		result.Success = true
		result.ElapsedSeconds = time.Since(started).Seconds()
		return result, nil
	}

	result.State = StateCheckingPrereqs
	pre := o.checker.CheckAll(opts.Languages)
	result.Prereqs = pre
	if !pre.CanProceed {
		o.logger.Warn("no language available, aborting run",
			zap.Strings("requested", opts.Languages))
		result.State = StateAborted
		result.SkippedLanguages = append(result.SkippedLanguages, pre.Unavailable...)
		result.ElapsedSeconds = time.Since(started).Seconds()
		return result, nil
	}

	if opts.Background {
		if o.startBackground == nil {
			result.State = StateAborted
			result.ElapsedSeconds = time.Since(started).Seconds()
			return result, errNoBackgroundRunner
		}
		jobID, err := o.startBackground(codebase, opts.Languages, opts.Timeout)
		if err != nil {
			return nil, err
		}
		result.State = StateRunning
		result.BackgroundJobID = jobID
		return result, nil
	}

	o.event(ctx, "run_started", map[string]string{"codebase": codebase})

	handler := NewHandler(opts.MaxRetries, opts.BaseDelay, opts.Timeout)
	tracker := NewTracker()
	langs := orderLanguages(pre.Available, opts.Priority)

	result.State = StateRunning
	result.SkippedLanguages = append(result.SkippedLanguages, pre.Unavailable...)

	var mu sync.Mutex
	totals := &codegraph.ImportStats{}
	aborted := false

	record := func(lang string, outcome langOutcome, stats *codegraph.ImportStats) {
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case langCompleted:
			result.CompletedLanguages = append(result.CompletedLanguages, lang)
			totals.Add(stats)
		case langFailed:
			result.FailedLanguages = append(result.FailedLanguages, lang)
		case langAborted:
			aborted = true
			result.FailedLanguages = append(result.FailedLanguages, lang)
		}
	}

	if opts.Parallel {
		g, runCtx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Workers)
		for _, lang := range langs {
			lang := lang
			g.Go(func() error {
				stats, outcome := o.runLanguage(runCtx, codebase, lang, opts, handler, tracker)
				record(lang, outcome, stats)
				if outcome == langAborted {
					return context.Canceled
				}
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, lang := range langs {
			if aborted || ctx.Err() != nil {
				result.SkippedLanguages = append(result.SkippedLanguages, lang)
				continue
			}
			stats, outcome := o.runLanguage(ctx, codebase, lang, opts, handler, tracker)
			record(lang, outcome, stats)
		}
	}

	result.State = StateImportResults
	result.TotalFiles = totals.Files
	result.TotalFunctions = totals.Functions
	result.TotalClasses = totals.Classes
	result.TotalRelationships = totals.Relationships
	result.Errors = handler.Errors()
	result.Degradation = handler.DegradationSummary(len(opts.Languages))

	result.Success = len(result.CompletedLanguages) > 0
	result.PartialSuccess = result.Success &&
		(len(result.FailedLanguages) > 0 || len(pre.Unavailable) > 0)
	if aborted {
		result.State = StateAborted
	} else {
		result.State = StateDone
	}
	result.ElapsedSeconds = time.Since(started).Seconds()

	o.event(ctx, "run_finished", map[string]string{
		"state":   string(result.State),
		"success": boolStr(result.Success),
	})
	o.logger.Info("indexing run finished",
		zap.String("state", string(result.State)),
		zap.Strings("completed", result.CompletedLanguages),
		zap.Strings("failed", result.FailedLanguages),
		zap.Strings("skipped", result.SkippedLanguages))
	return result, nil
}

// runLanguage drives one language through invoke → import with the retry
// policy. Cancellation is checked cooperatively before each attempt.
func (o *Orchestrator) runLanguage(ctx context.Context, codebase, lang string, opts Options, handler *Handler, tracker *Tracker) (*codegraph.ImportStats, langOutcome) {
	tool, ok := o.reg.Tool(lang)
	if !ok {
		handler.Record(&IndexingError{
			Language: lang,
			Severity: SeverityWarning,
			Scope:    ScopeLanguage,
			Message:  "language not registered",
		})
		return nil, langFailed
	}

	tracker.StartLanguage(lang, 0)
	o.event(ctx, "language_started", map[string]string{"language": lang})

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil, langFailed
		}

		ierr := o.attemptLanguage(ctx, codebase, lang, tool, opts, tracker)
		if ierr == nil {
			tracker.CompleteLanguage(lang)
			o.event(ctx, "language_completed", map[string]string{"language": lang})
			return o.lastStats(lang), langCompleted
		}

		handler.Record(ierr)
		decision := handler.Decide(ierr, attempt)
		o.logger.Warn("language attempt failed",
			zap.String("language", lang),
			zap.Int("attempt", attempt),
			zap.String("action", string(decision.Action)),
			zap.Error(ierr))

		switch decision.Action {
		case ActionRetry:
			if !sleepCtx(ctx, decision.Delay) {
				return nil, langFailed
			}
		case ActionAbort:
			o.event(ctx, "language_failed", map[string]string{"language": lang})
			return nil, langAborted
		default: // skip_file and skip_language both end the language here
			o.event(ctx, "language_failed", map[string]string{"language": lang})
			return nil, langFailed
		}
	}
}

// attemptLanguage performs one invoke+import attempt.
func (o *Orchestrator) attemptLanguage(ctx context.Context, codebase, lang string, tool LanguageTool, opts Options, tracker *Tracker) *IndexingError {
	artifact, ierr := invokeTool(ctx, codebase, tool, opts.Timeout, o.logger)
	if ierr != nil {
		return ierr
	}
	stats, err := o.importer.ImportFile(ctx, artifact)
	if err != nil {
		return &IndexingError{
			Language: lang,
			Severity: SeverityRecoverable,
			Scope:    ScopeLanguage,
			Message:  "artifact import failed: " + err.Error(),
		}
	}
	tracker.Advance(lang, stats.Files)
	o.rememberStats(lang, stats)
	return nil
}

func (o *Orchestrator) rememberStats(lang string, stats *codegraph.ImportStats) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	if o.latest == nil {
		o.latest = map[string]*codegraph.ImportStats{}
	}
	o.latest[lang] = stats
}

func (o *Orchestrator) lastStats(lang string) *codegraph.ImportStats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	return o.latest[lang]
}

func (o *Orchestrator) event(ctx context.Context, name string, fields map[string]string) {
	if o.notify != nil {
		o.notify(ctx, name, fields)
	}
}

// orderLanguages sorts available languages by priority list position;
// unlisted languages keep their relative order after listed ones.
func orderLanguages(available, priority []string) []string {
	if len(priority) == 0 {
		return available
	}
	rank := map[string]int{}
	for i, lang := range priority {
		rank[lang] = i
	}
	out := append([]string(nil), available...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i]]
		rj, jok := rank[out[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok:
			return true
		default:
			return false
		}
	})
	return out
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
