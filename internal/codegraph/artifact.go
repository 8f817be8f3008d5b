// Package codegraph loads the artifact a per-language indexer tool writes
// into file/class/function nodes and structural edges.
package codegraph

// Artifact is the JSON document an external indexer produces for one
// language.
type Artifact struct {
	Language  string        `json:"language"`
	Files     []FileRecord  `json:"files"`
	Classes   []ClassRecord `json:"classes"`
	Functions []FuncRecord  `json:"functions"`
	Imports   []PathPair    `json:"imports,omitempty"`
	Contains  []PathPair    `json:"contains,omitempty"`
}

// FileRecord describes one source file; the path names the node.
type FileRecord struct {
	Path     string `json:"path"`
	Language string `json:"language,omitempty"`
	Lines    int    `json:"lines,omitempty"`
}

// ClassRecord describes a class or type definition.
type ClassRecord struct {
	QualifiedName string   `json:"qualified_name"`
	Name          string   `json:"name"`
	File          string   `json:"file"`
	Docstring     string   `json:"docstring,omitempty"`
	LineStart     int      `json:"line_start,omitempty"`
	LineEnd       int      `json:"line_end,omitempty"`
	Bases         []string `json:"bases,omitempty"`
}

// FuncRecord describes a function or method.
type FuncRecord struct {
	QualifiedName string   `json:"qualified_name"`
	Name          string   `json:"name"`
	File          string   `json:"file"`
	Class         string   `json:"class,omitempty"` // qualified name when a method
	Signature     string   `json:"signature,omitempty"`
	Docstring     string   `json:"docstring,omitempty"`
	LineStart     int      `json:"line_start,omitempty"`
	LineEnd       int      `json:"line_end,omitempty"`
	Calls         []string `json:"calls,omitempty"`      // qualified function names
	References    []string `json:"references,omitempty"` // qualified class names
}

// PathPair is a file→file structural relationship.
type PathPair struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ImportStats accumulates what one artifact contributed.
type ImportStats struct {
	Files         int `json:"files"`
	Classes       int `json:"classes"`
	Functions     int `json:"functions"`
	Relationships int `json:"relationships"`
	SkippedEdges  int `json:"skipped_edges"`
}

// Add accumulates another artifact's counts.
func (s *ImportStats) Add(o *ImportStats) {
	if o == nil {
		return
	}
	s.Files += o.Files
	s.Classes += o.Classes
	s.Functions += o.Functions
	s.Relationships += o.Relationships
	s.SkippedEdges += o.SkippedEdges
}

// Structural relation names.
const (
	RelDefinedIn  = "DEFINED_IN"
	RelMethodOf   = "METHOD_OF"
	RelCalls      = "CALLS"
	RelInherits   = "INHERITS"
	RelImports    = "IMPORTS"
	RelReferences = "REFERENCES"
	RelContains   = "CONTAINS"
)

// StructuralRels lists every structural relation name.
func StructuralRels() []string {
	return []string{RelDefinedIn, RelMethodOf, RelCalls, RelInherits, RelImports, RelReferences, RelContains}
}
