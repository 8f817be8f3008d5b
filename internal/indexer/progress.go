package indexer

import (
	"sync"
	"time"
)

// LanguageProgress is a point-in-time view of one language.
type LanguageProgress struct {
	Language       string  `json:"language"`
	Processed      int     `json:"processed"`
	Total          int     `json:"total"`
	Percent        float64 `json:"percent"`
	Completed      bool    `json:"completed"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// Overall aggregates progress across languages.
type Overall struct {
	Processed  int      `json:"processed"`
	Total      int      `json:"total"`
	Percent    float64  `json:"percent"`
	Current    string   `json:"current,omitempty"`
	Completed  []string `json:"completed,omitempty"`
	Remaining  []string `json:"remaining,omitempty"`
	ETASeconds float64  `json:"eta_seconds"`
}

type langState struct {
	processed int
	total     int
	started   time.Time
	finished  time.Time
	completed bool
}

// Tracker holds per-language and aggregate progress. Callers read
// snapshots; nothing here is shared module state.
type Tracker struct {
	mu      sync.Mutex
	langs   map[string]*langState
	order   []string
	current string
	now     func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{langs: map[string]*langState{}, now: time.Now}
}

// StartLanguage begins tracking a language with an estimated file total
// and makes it the current language.
func (t *Tracker) StartLanguage(language string, totalFiles int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.langs[language]; !ok {
		t.order = append(t.order, language)
	}
	t.langs[language] = &langState{total: totalFiles, started: t.now()}
	t.current = language
}

// Advance adds processed files. The total self-expands when the estimate
// turns out low.
func (t *Tracker) Advance(language string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.langs[language]
	if !ok {
		return
	}
	st.processed += n
	if st.processed > st.total {
		st.total = st.processed
	}
}

// CompleteLanguage marks a language done and clears the current pointer if
// it was current.
func (t *Tracker) CompleteLanguage(language string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.langs[language]
	if !ok {
		return
	}
	st.completed = true
	st.finished = t.now()
	if t.current == language {
		t.current = ""
	}
}

// Language returns the snapshot for one language.
func (t *Tracker) Language(language string) (LanguageProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.langs[language]
	if !ok {
		return LanguageProgress{}, false
	}
	return t.snapshotLocked(language, st), true
}

// Snapshot returns the aggregate view.
func (t *Tracker) Snapshot() Overall {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := Overall{Current: t.current}
	var earliest time.Time
	for _, lang := range t.order {
		st := t.langs[lang]
		out.Processed += st.processed
		out.Total += st.total
		if st.completed {
			out.Completed = append(out.Completed, lang)
		} else {
			out.Remaining = append(out.Remaining, lang)
		}
		if earliest.IsZero() || st.started.Before(earliest) {
			earliest = st.started
		}
	}
	out.Percent = percent(out.Processed, out.Total)
	if !earliest.IsZero() && out.Processed > 0 {
		elapsed := t.now().Sub(earliest).Seconds()
		if rate := float64(out.Processed) / elapsed; rate > 0 {
			out.ETASeconds = float64(out.Total-out.Processed) / rate
		}
	}
	return out
}

func (t *Tracker) snapshotLocked(language string, st *langState) LanguageProgress {
	end := t.now()
	if st.completed {
		end = st.finished
	}
	return LanguageProgress{
		Language:       language,
		Processed:      st.processed,
		Total:          st.total,
		Percent:        percent(st.processed, st.total),
		Completed:      st.completed,
		ElapsedSeconds: end.Sub(st.started).Seconds(),
	}
}

func percent(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(processed) / float64(total) * 100
}
