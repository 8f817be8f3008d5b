package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestRunner(t *testing.T) (*Runner, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := NewRunner(dir, "", zap.NewNop())
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r, dir
}

// launchScript runs a shell snippet instead of a real worker process.
func launchScript(script string) LaunchFunc {
	return func(specPath, logPath string) (*exec.Cmd, error) {
		logFile, err := os.Create(logPath)
		if err != nil {
			return nil, err
		}
		cmd := exec.Command("sh", "-c", script)
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		return cmd, nil
	}
}

// launchSidecarWriter mimics a well-behaved worker: it writes a completed
// result sidecar before exiting.
func launchSidecarWriter(dir string) LaunchFunc {
	return func(specPath, logPath string) (*exec.Cmd, error) {
		id := strings.TrimSuffix(filepath.Base(specPath), ".job.json")
		res := Result{
			ID:         id,
			Status:     StatusCompleted,
			Outcome:    json.RawMessage(`{"success":true}`),
			StartedAt:  time.Now().UTC(),
			FinishedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(res)
		if err != nil {
			return nil, err
		}
		script := fmt.Sprintf("cat > %q <<'SIDECAR'\n%s\nSIDECAR",
			filepath.Join(dir, id+".result.json"), data)
		return launchScript(script)(specPath, logPath)
	}
}

func TestStartWritesSpec(t *testing.T) {
	r, dir := newTestRunner(t)
	r.SetLaunch(launchScript("exit 0"))

	id, err := r.Start("/tmp/codebase", []string{"python", "go"}, 90*time.Second)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, id+".job.json"))
	if err != nil {
		t.Fatalf("read spec: %v", err)
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		t.Fatalf("parse spec: %v", err)
	}
	if spec.ID != id || spec.Codebase != "/tmp/codebase" {
		t.Errorf("spec = %+v", spec)
	}
	if len(spec.Languages) != 2 || spec.TimeoutSeconds != 90 {
		t.Errorf("spec = %+v", spec)
	}
	if _, err := r.Wait(id, 5*time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestCompletedJob(t *testing.T) {
	r, dir := newTestRunner(t)
	r.SetLaunch(launchSidecarWriter(dir))

	id, err := r.Start(t.TempDir(), nil, time.Minute)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := r.Wait(id, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("status = %s", res.Status)
	}
	if string(res.Outcome) != `{"success":true}` {
		t.Errorf("outcome = %s", res.Outcome)
	}

	st, err := r.Status(id)
	if err != nil || st != StatusCompleted {
		t.Errorf("status = %s, %v", st, err)
	}
	if !st.Terminal() {
		t.Error("completed not terminal")
	}
}

func TestWorkerDiesWithoutSidecar(t *testing.T) {
	r, _ := newTestRunner(t)
	r.SetLaunch(launchScript("echo boom; exit 3"))

	id, err := r.Start(t.TempDir(), nil, time.Minute)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := r.Wait(id, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("status = %s", res.Status)
	}
	if !strings.Contains(res.Error, "exit status 3") {
		t.Errorf("error = %q", res.Error)
	}
	// The reconstructed error carries the log tail for diagnosis.
	if !strings.Contains(res.Error, "boom") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestCancel(t *testing.T) {
	r, _ := newTestRunner(t)
	r.SetLaunch(launchScript("exec sleep 30"))

	id, err := r.Start(t.TempDir(), nil, time.Minute)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	st, err := r.Status(id)
	if err != nil || st != StatusRunning {
		t.Fatalf("status = %s, %v", st, err)
	}

	if err := r.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	st, err = r.Status(id)
	if err != nil || st != StatusCancelled {
		t.Errorf("status = %s, %v", st, err)
	}

	// Cancelling a terminal job is refused.
	if err := r.Cancel(id); err == nil {
		t.Error("second cancel succeeded")
	}
}

func TestWaitTimeout(t *testing.T) {
	r, _ := newTestRunner(t)
	r.SetLaunch(launchScript("exec sleep 30"))

	id, err := r.Start(t.TempDir(), nil, time.Minute)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = r.Cancel(id) })

	if _, err := r.Wait(id, 50*time.Millisecond); err == nil {
		t.Error("wait returned before the job finished")
	}
}

func TestLogsTail(t *testing.T) {
	r, _ := newTestRunner(t)
	r.SetLaunch(launchScript("for i in 1 2 3 4 5; do echo line-$i; done"))

	id, err := r.Start(t.TempDir(), nil, time.Minute)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := r.Wait(id, 5*time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}

	lines, err := r.Logs(id, 2)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(lines) != 2 || lines[0] != "line-4" || lines[1] != "line-5" {
		t.Errorf("tail = %v", lines)
	}
}

func TestUnknownJob(t *testing.T) {
	r, _ := newTestRunner(t)

	if _, err := r.Status("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("status err = %v", err)
	}
	if _, err := r.Result("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("result err = %v", err)
	}
	if _, err := r.Logs("missing", 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("logs err = %v", err)
	}
	if err := r.Cancel("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancel err = %v", err)
	}
}

func TestOrphanedSpecReadsAsFailed(t *testing.T) {
	// A spec with no live process and no sidecar is a worker that crashed
	// before writing anything, likely across a server restart.
	r, dir := newTestRunner(t)
	spec := Spec{ID: "orphan", Codebase: "/x", CreatedAt: time.Now().UTC()}
	data, _ := json.Marshal(spec)
	if err := os.WriteFile(filepath.Join(dir, "orphan.job.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	st, err := r.Status("orphan")
	if err != nil || st != StatusFailed {
		t.Errorf("status = %s, %v", st, err)
	}
	res, err := r.Result("orphan")
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Status != StatusFailed || !strings.Contains(res.Error, "without result") {
		t.Errorf("result = %+v", res)
	}
}

func TestOnComplete(t *testing.T) {
	r, dir := newTestRunner(t)
	r.SetLaunch(launchSidecarWriter(dir))

	got := make(chan *Result, 1)
	r.OnComplete(func(id string, res *Result) { got <- res })

	if _, err := r.Start(t.TempDir(), nil, time.Minute); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case res := <-got:
		if res.Status != StatusCompleted {
			t.Errorf("status = %s", res.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback never fired")
	}
}

func TestListNewestFirst(t *testing.T) {
	r, dir := newTestRunner(t)
	r.SetLaunch(launchScript("exit 0"))

	first, err := r.Start(t.TempDir(), nil, time.Minute)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := r.Start(t.TempDir(), nil, time.Minute)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// Filesystem timestamps can tie; force a clear order.
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(dir, first+".job.json"), past, past); err != nil {
		t.Fatal(err)
	}

	ids, err := r.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != second || ids[1] != first {
		t.Errorf("list = %v (first=%s second=%s)", ids, first, second)
	}
	for _, id := range []string{first, second} {
		if _, err := r.Wait(id, 5*time.Second); err != nil {
			t.Fatalf("wait %s: %v", id, err)
		}
	}
}

func TestWriteResultAtomic(t *testing.T) {
	dir := t.TempDir()
	res := &Result{ID: "job-1", Status: StatusTimeout, Error: "deadline exceeded"}
	if err := WriteResult(dir, res); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "job-1.result.json.tmp")); !os.IsNotExist(err) {
		t.Error("tmp file left behind")
	}
	data, err := os.ReadFile(filepath.Join(dir, "job-1.result.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Result
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Status != StatusTimeout || got.Error != "deadline exceeded" {
		t.Errorf("got = %+v", got)
	}
}
