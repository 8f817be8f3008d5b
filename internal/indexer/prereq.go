// Package indexer orchestrates per-language external source indexers into
// the code graph: prerequisite probing, retryable failure handling,
// progress tracking and the run state machine.
package indexer

import (
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// LanguageTool describes the external indexer contract for one language:
// the indexer binary itself plus an optional runtime it depends on, with a
// major-version window for the runtime.
type LanguageTool struct {
	Language     string
	Binary       string   // indexer binary looked up on PATH
	Args         []string // {codebase} and {artifact} placeholders
	ArtifactName string   // file the tool writes under the scratch dir
	InstallHint  string

	Runtime     string   // optional runtime binary also required
	VersionArgs []string // how to ask the runtime for its version
	MinMajor    int      // 0 = unconstrained
	MaxMajor    int      // 0 = unconstrained
	VersionHint string   // hint shown when the major is out of range
}

// Registry maps language names to their indexer tools.
type Registry struct {
	tools map[string]LanguageTool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]LanguageTool{}}
}

// Register adds or replaces a language tool.
func (r *Registry) Register(t LanguageTool) {
	r.tools[t.Language] = t
}

// Tool looks up the tool for a language.
func (r *Registry) Tool(language string) (LanguageTool, bool) {
	t, ok := r.tools[language]
	return t, ok
}

// Languages lists registered languages in sorted order.
func (r *Registry) Languages() []string {
	out := make([]string, 0, len(r.tools))
	for lang := range r.tools {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry wires the stock language indexers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(LanguageTool{
		Language:     "python",
		Binary:       "vault-index-py",
		Args:         []string{"--root", "{codebase}", "--out", "{artifact}"},
		ArtifactName: "python-graph.json",
		InstallHint:  "pip install vault-index",
		Runtime:      "python3",
		VersionArgs:  []string{"--version"},
		MinMajor:     3,
		VersionHint:  "install Python 3.x",
	})
	r.Register(LanguageTool{
		Language:     "typescript",
		Binary:       "vault-index-ts",
		Args:         []string{"--root", "{codebase}", "--out", "{artifact}"},
		ArtifactName: "typescript-graph.json",
		InstallHint:  "npm install -g vault-index",
		Runtime:      "node",
		VersionArgs:  []string{"--version"},
		MinMajor:     18,
		VersionHint:  "install Node.js 18 or newer",
	})
	r.Register(LanguageTool{
		Language:     "java",
		Binary:       "vault-index-java",
		Args:         []string{"--root", "{codebase}", "--out", "{artifact}"},
		ArtifactName: "java-graph.json",
		InstallHint:  "download vault-index-java from the releases page",
		Runtime:      "java",
		VersionArgs:  []string{"-version"},
		MinMajor:     11,
		MaxMajor:     21,
		VersionHint:  "install a JDK between 11 and 21",
	})
	r.Register(LanguageTool{
		Language:     "go",
		Binary:       "vault-index-go",
		Args:         []string{"--root", "{codebase}", "--out", "{artifact}"},
		ArtifactName: "go-graph.json",
		InstallHint:  "go install github.com/nidhogg/vault-index-go@latest",
	})
	r.Register(LanguageTool{
		Language:     "ruby",
		Binary:       "vault-index-rb",
		Args:         []string{"--root", "{codebase}", "--out", "{artifact}"},
		ArtifactName: "ruby-graph.json",
		InstallHint:  "gem install vault-index",
	})
	return r
}

// CheckResult reports one language's availability.
type CheckResult struct {
	Language     string   `json:"language"`
	Available    bool     `json:"available"`
	MissingTools []string `json:"missing_tools,omitempty"`
	InstallHint  string   `json:"install_hint,omitempty"`
}

// PrereqResult aggregates availability across languages. CanProceed is
// true iff at least one language is available; PartialSuccess is true iff
// the run can proceed but some language cannot.
type PrereqResult struct {
	CanProceed     bool          `json:"can_proceed"`
	Available      []string      `json:"available"`
	Unavailable    []string      `json:"unavailable"`
	PartialSuccess bool          `json:"partial_success"`
	Results        []CheckResult `json:"results"`
}

// Checker probes PATH and runtime versions for registered languages.
type Checker struct {
	reg    *Registry
	logger *zap.Logger
}

// NewChecker creates a checker over the registry.
func NewChecker(reg *Registry, logger *zap.Logger) *Checker {
	return &Checker{reg: reg, logger: logger}
}

var majorRe = regexp.MustCompile(`(\d+)`)

// Check probes one language.
func (c *Checker) Check(language string) CheckResult {
	res := CheckResult{Language: language}
	tool, ok := c.reg.Tool(language)
	if !ok {
		res.MissingTools = []string{language}
		res.InstallHint = fmt.Sprintf("no indexer registered for language %q", language)
		return res
	}

	if _, err := exec.LookPath(tool.Binary); err != nil {
		res.MissingTools = append(res.MissingTools, tool.Binary)
		res.InstallHint = tool.InstallHint
	}
	if tool.Runtime != "" {
		if _, err := exec.LookPath(tool.Runtime); err != nil {
			res.MissingTools = append(res.MissingTools, tool.Runtime)
			if res.InstallHint == "" {
				res.InstallHint = tool.InstallHint
			}
		} else if tool.MinMajor > 0 || tool.MaxMajor > 0 {
			major, err := runtimeMajor(tool.Runtime, tool.VersionArgs)
			if err != nil {
				c.logger.Warn("version probe failed",
					zap.String("runtime", tool.Runtime), zap.Error(err))
				res.MissingTools = append(res.MissingTools,
					fmt.Sprintf("%s (version unknown)", tool.Runtime))
				res.InstallHint = tool.VersionHint
			} else if (tool.MinMajor > 0 && major < tool.MinMajor) ||
				(tool.MaxMajor > 0 && major > tool.MaxMajor) {
				res.MissingTools = append(res.MissingTools,
					fmt.Sprintf("%s (found major %d)", tool.Runtime, major))
				res.InstallHint = tool.VersionHint
			}
		}
	}

	res.Available = len(res.MissingTools) == 0
	return res
}

// CheckAll probes every requested language.
func (c *Checker) CheckAll(languages []string) *PrereqResult {
	out := &PrereqResult{}
	for _, lang := range languages {
		res := c.Check(lang)
		out.Results = append(out.Results, res)
		if res.Available {
			out.Available = append(out.Available, lang)
		} else {
			out.Unavailable = append(out.Unavailable, lang)
		}
	}
	out.CanProceed = len(out.Available) > 0
	out.PartialSuccess = out.CanProceed && len(out.Unavailable) > 0
	return out
}

// Report renders a grouped human-readable summary.
func (r *PrereqResult) Report() string {
	var b strings.Builder
	b.WriteString("Indexer prerequisites:\n")
	if len(r.Available) > 0 {
		b.WriteString("  available:\n")
		for _, lang := range r.Available {
			fmt.Fprintf(&b, "    - %s\n", lang)
		}
	}
	if len(r.Unavailable) > 0 {
		b.WriteString("  unavailable:\n")
		for _, res := range r.Results {
			if res.Available {
				continue
			}
			fmt.Fprintf(&b, "    - %s: missing %s", res.Language, strings.Join(res.MissingTools, ", "))
			if res.InstallHint != "" {
				fmt.Fprintf(&b, " (hint: %s)", res.InstallHint)
			}
			b.WriteString("\n")
		}
	}
	if !r.CanProceed {
		b.WriteString("  no language is available; indexing cannot proceed\n")
	}
	return b.String()
}

// runtimeMajor runs the version command and extracts the first integer.
// Some runtimes (java) print the version to stderr, so both streams are
// scanned.
func runtimeMajor(bin string, args []string) (int, error) {
	out, err := exec.Command(bin, args...).CombinedOutput()
	if err != nil && len(out) == 0 {
		return 0, fmt.Errorf("run %s %s: %w", bin, strings.Join(args, " "), err)
	}
	m := majorRe.FindString(string(out))
	if m == "" {
		return 0, fmt.Errorf("no version number in %q", strings.TrimSpace(string(out)))
	}
	return strconv.Atoi(m)
}
