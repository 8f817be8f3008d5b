// Package memory implements the typed agent-memory store over a graph
// engine: five memory kinds, session and agent bookkeeping, expiry sweeps
// and statistics.
package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the five memory variants.
type Kind string

const (
	KindEpisodic    Kind = "episodic"
	KindSemantic    Kind = "semantic"
	KindProcedural  Kind = "procedural"
	KindProspective Kind = "prospective"
	KindWorking     Kind = "working"
)

// AllKinds lists every memory kind, in stable order.
func AllKinds() []Kind {
	return []Kind{KindEpisodic, KindSemantic, KindProcedural, KindProspective, KindWorking}
}

var kindLabels = map[Kind]string{
	KindEpisodic:    "EpisodicMemory",
	KindSemantic:    "SemanticMemory",
	KindProcedural:  "ProceduralMemory",
	KindProspective: "ProspectiveMemory",
	KindWorking:     "WorkingMemory",
}

// Label returns the node label backing this kind.
func (k Kind) Label() string {
	return kindLabels[k]
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindLabels[k]
	return ok
}

// OwnsRel is the session→memory containment relation for this kind.
func (k Kind) OwnsRel() string {
	return "OWNS_" + strings.ToUpper(string(k))
}

// Node labels for the non-memory entities.
const (
	LabelSession      = "Session"
	LabelAgent        = "Agent"
	LabelCodeFile     = "CodeFile"
	LabelCodeClass    = "CodeClass"
	LabelCodeFunction = "CodeFunction"
)

// RelCreatedBy links a memory to the agent that created it.
const RelCreatedBy = "CREATED_BY"

// WorkingDefaultTTL is applied to working memories stored without an
// explicit expiry.
const WorkingDefaultTTL = 30 * time.Minute

// ErrValidation marks malformed input; such entries are rejected
// immediately and never retried.
var ErrValidation = errors.New("validation")

// Entry is the tagged union over the five memory kinds. Shared fields are
// always present; the trailing fields only apply to the kind named in
// their comment.
type Entry struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	SessionID  string            `json:"session_id"`
	AgentID    string            `json:"agent_id"`
	Title      string            `json:"title,omitempty"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Importance *float64          `json:"importance,omitempty"` // 0-10
	CreatedAt  time.Time         `json:"created_at"`
	AccessedAt time.Time         `json:"accessed_at"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`

	Context          string   `json:"context,omitempty"`           // episodic
	Category         string   `json:"category,omitempty"`          // semantic
	Steps            []string `json:"steps,omitempty"`             // procedural
	TriggerCondition string   `json:"trigger_condition,omitempty"` // prospective
}

// Validate checks the shared invariants plus the kind-specific ones.
func (e *Entry) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, e.Kind)
	}
	if e.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrValidation)
	}
	if e.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrValidation)
	}
	if e.Content == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	if e.Importance != nil && (*e.Importance < 0 || *e.Importance > 10) {
		return fmt.Errorf("%w: importance %v out of range 0-10", ErrValidation, *e.Importance)
	}
	switch e.Kind {
	case KindProcedural:
		if len(e.Steps) == 0 {
			return fmt.Errorf("%w: procedural memory needs at least one step", ErrValidation)
		}
	case KindProspective:
		if e.TriggerCondition == "" {
			return fmt.Errorf("%w: prospective memory needs a trigger_condition", ErrValidation)
		}
	}
	return nil
}

// Expired reports whether the entry's expiry has passed at the given time.
func (e *Entry) Expired(at time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(at)
}

// Session owns memories created under it.
type Session struct {
	ID        string       `json:"session_id"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	Status    string       `json:"status"`
	Counts    map[Kind]int `json:"counts,omitempty"`
}

// Agent tracks first and last use across sessions.
type Agent struct {
	ID        string    `json:"agent_id"`
	FirstUsed time.Time `json:"first_used"`
	LastUsed  time.Time `json:"last_used"`
}

// Filter narrows a Query; zero fields are ignored, set fields combine
// with AND.
type Filter struct {
	SessionID      string
	AgentID        string
	Kind           Kind // empty = all kinds
	MinImportance  *float64
	CreatedAfter   time.Time
	CreatedBefore  time.Time
	IncludeExpired bool
	Limit          int
	Offset         int
}

// Stats is the store-wide census.
type Stats struct {
	Entries       map[Kind]int64   `json:"entries"`
	TotalEntries  int64            `json:"total_entries"`
	Sessions      int64            `json:"sessions"`
	Agents        int64            `json:"agents"`
	CodeFiles     int64            `json:"code_files"`
	CodeClasses   int64            `json:"code_classes"`
	CodeFunctions int64            `json:"code_functions"`
	Links         map[string]int64 `json:"links"`
	TotalLinks    int64            `json:"total_links"`
}
