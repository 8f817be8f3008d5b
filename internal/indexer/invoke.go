package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ScratchDirName is the per-codebase directory indexer artifacts land in.
const ScratchDirName = ".vault-tec"

// invokeTool runs one language's external indexer inside the codebase
// directory with a bounded timeout, then verifies the artifact exists.
// Failures come back as classified IndexingErrors.
func invokeTool(ctx context.Context, codebase string, tool LanguageTool, timeout time.Duration, logger *zap.Logger) (string, *IndexingError) {
	scratch := filepath.Join(codebase, ScratchDirName)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return "", &IndexingError{
			Language: tool.Language,
			Severity: SeverityCritical,
			Scope:    ScopeLanguage,
			Message:  fmt.Sprintf("create scratch dir: %v", err),
		}
	}
	artifact := filepath.Join(scratch, tool.ArtifactName)
	// A stale artifact from a previous run must not pass verification.
	_ = os.Remove(artifact)

	args := make([]string, len(tool.Args))
	for i, a := range tool.Args {
		a = strings.ReplaceAll(a, "{codebase}", codebase)
		a = strings.ReplaceAll(a, "{artifact}", artifact)
		args[i] = a
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, tool.Binary, args...)
	cmd.Dir = codebase
	started := time.Now()
	out, err := cmd.CombinedOutput()
	elapsed := time.Since(started)

	logger.Debug("indexer tool finished",
		zap.String("language", tool.Language),
		zap.String("binary", tool.Binary),
		zap.Duration("elapsed", elapsed),
		zap.Error(err))

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return "", &IndexingError{
			Language: tool.Language,
			Severity: SeverityRecoverable,
			Scope:    ScopeLanguage,
			Message:  fmt.Sprintf("indexer timed out after %s", timeout),
			Timeout:  true,
		}
	}
	if err != nil {
		return "", &IndexingError{
			Language: tool.Language,
			Severity: SeverityRecoverable,
			Scope:    ScopeLanguage,
			Message:  fmt.Sprintf("indexer exited with error: %v", err),
			Context:  map[string]string{"output": tailString(string(out), 2000)},
		}
	}
	if _, statErr := os.Stat(artifact); statErr != nil {
		return "", &IndexingError{
			Language: tool.Language,
			Severity: SeverityRecoverable,
			Scope:    ScopeLanguage,
			Message:  fmt.Sprintf("indexer exited 0 but produced no artifact at %s", artifact),
		}
	}
	return artifact, nil
}

func tailString(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
