// Package jobs runs indexing in a detached worker process so long runs
// survive API restarts. State lives on disk: each job gets a spec file,
// a log file and a result sidecar under the jobs directory, which makes
// crashed workers diagnosable after the fact.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status of a job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// Spec is the unit of work handed to a worker process.
type Spec struct {
	ID             string    `json:"id"`
	Codebase       string    `json:"codebase"`
	Languages      []string  `json:"languages,omitempty"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	ConfigPath     string    `json:"config_path,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Result is the sidecar a worker (or the runner, on behalf of a dead
// worker) writes when a job reaches a terminal state. Outcome holds the
// orchestrator result as raw JSON so the runner never has to interpret it.
type Result struct {
	ID         string          `json:"id"`
	Status     Status          `json:"status"`
	Error      string          `json:"error,omitempty"`
	Outcome    json.RawMessage `json:"outcome,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = errors.New("job not found")

const (
	cancelGrace = 5 * time.Second
	logTail     = 50
)

type proc struct {
	cmd       *exec.Cmd
	done      chan struct{}
	cancelled bool
}

// LaunchFunc starts the worker process for a spec. Tests substitute their
// own to avoid re-executing the test binary.
type LaunchFunc func(specPath, logPath string) (*exec.Cmd, error)

// Runner launches and tracks worker processes.
type Runner struct {
	dir        string
	configPath string
	logger     *zap.Logger
	launch     LaunchFunc

	mu        sync.Mutex
	procs     map[string]*proc
	callbacks []func(id string, res *Result)
}

// NewRunner prepares the jobs directory. configPath is forwarded to
// workers so they build the same storage stack as the server.
func NewRunner(dir, configPath string, logger *zap.Logger) (*Runner, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs dir: %w", err)
	}
	r := &Runner{
		dir:        dir,
		configPath: configPath,
		logger:     logger,
		procs:      map[string]*proc{},
	}
	r.launch = r.launchWorker
	return r, nil
}

// SetLaunch overrides how worker processes are started.
func (r *Runner) SetLaunch(fn LaunchFunc) {
	r.launch = fn
}

// OnComplete registers a callback fired once per job on terminal state.
func (r *Runner) OnComplete(fn func(id string, res *Result)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

func (r *Runner) specPath(id string) string {
	return filepath.Join(r.dir, id+".job.json")
}

func (r *Runner) logPath(id string) string {
	return filepath.Join(r.dir, id+".log")
}

func (r *Runner) resultPath(id string) string {
	return filepath.Join(r.dir, id+".result.json")
}

// Start writes the spec, spawns a worker and begins watching it.
func (r *Runner) Start(codebase string, languages []string, timeout time.Duration) (string, error) {
	spec := Spec{
		ID:             uuid.NewString(),
		Codebase:       codebase,
		Languages:      languages,
		TimeoutSeconds: int(timeout / time.Second),
		ConfigPath:     r.configPath,
		CreatedAt:      time.Now().UTC(),
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(r.specPath(spec.ID), data, 0o644); err != nil {
		return "", fmt.Errorf("write job spec: %w", err)
	}

	cmd, err := r.launch(r.specPath(spec.ID), r.logPath(spec.ID))
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start worker: %w", err)
	}

	p := &proc{cmd: cmd, done: make(chan struct{})}
	r.mu.Lock()
	r.procs[spec.ID] = p
	r.mu.Unlock()

	r.logger.Info("job started",
		zap.String("job_id", spec.ID),
		zap.String("codebase", codebase),
		zap.Int("pid", cmd.Process.Pid))

	go r.watch(spec.ID, p)
	return spec.ID, nil
}

func (r *Runner) launchWorker(specPath, logPath string) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create job log: %w", err)
	}
	cmd := exec.Command(self, "worker", "-spec", specPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	return cmd, nil
}

// watch waits for the worker to exit and guarantees a sidecar exists.
func (r *Runner) watch(id string, p *proc) {
	waitErr := p.cmd.Wait()
	if c, ok := p.cmd.Stdout.(*os.File); ok {
		c.Close()
	}

	res, err := r.readResult(id)
	if err != nil {
		// Worker died without writing its sidecar. Reconstruct one from
		// what the runner knows.
		r.mu.Lock()
		cancelled := p.cancelled
		r.mu.Unlock()

		res = &Result{
			ID:         id,
			Status:     StatusFailed,
			FinishedAt: time.Now().UTC(),
		}
		if cancelled {
			res.Status = StatusCancelled
			res.Error = "job cancelled"
		} else {
			tail, _ := r.Logs(id, logTail)
			res.Error = "worker exited without result"
			if waitErr != nil {
				res.Error = fmt.Sprintf("worker exited: %v", waitErr)
			}
			if len(tail) > 0 {
				res.Error += "\n" + strings.Join(tail, "\n")
			}
		}
		if werr := r.writeResult(res); werr != nil {
			r.logger.Error("write job result failed",
				zap.String("job_id", id), zap.Error(werr))
		}
	}

	r.mu.Lock()
	delete(r.procs, id)
	callbacks := append([]func(string, *Result){}, r.callbacks...)
	r.mu.Unlock()
	close(p.done)

	r.logger.Info("job finished",
		zap.String("job_id", id),
		zap.String("status", string(res.Status)))
	for _, fn := range callbacks {
		fn(id, res)
	}
}

// Status reports the current state of a job. Liveness wins over the
// sidecar so a freshly-cancelled job never reads as running.
func (r *Runner) Status(id string) (Status, error) {
	r.mu.Lock()
	_, running := r.procs[id]
	r.mu.Unlock()
	if running {
		return StatusRunning, nil
	}

	if res, err := r.readResult(id); err == nil {
		return res.Status, nil
	}

	// No live process and no sidecar. A spec on disk means a worker from
	// a previous server run crashed or is orphaned.
	if _, err := os.Stat(r.specPath(id)); err == nil {
		return StatusFailed, nil
	}
	return "", ErrNotFound
}

// Result returns the sidecar for a terminal job.
func (r *Runner) Result(id string) (*Result, error) {
	if res, err := r.readResult(id); err == nil {
		return res, nil
	}

	r.mu.Lock()
	_, running := r.procs[id]
	r.mu.Unlock()
	if running {
		return nil, fmt.Errorf("job %s still running", id)
	}
	if _, err := os.Stat(r.specPath(id)); err == nil {
		tail, _ := r.Logs(id, logTail)
		return &Result{
			ID:     id,
			Status: StatusFailed,
			Error:  "worker exited without result\n" + strings.Join(tail, "\n"),
		}, nil
	}
	return nil, ErrNotFound
}

// Wait blocks until the job finishes or the timeout elapses.
func (r *Runner) Wait(id string, timeout time.Duration) (*Result, error) {
	r.mu.Lock()
	p, running := r.procs[id]
	r.mu.Unlock()

	if running {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-p.done:
		case <-t.C:
			return nil, fmt.Errorf("job %s still running after %s", id, timeout)
		}
	}
	return r.Result(id)
}

// Cancel stops a running job. SIGTERM first so the worker can write its
// own sidecar, SIGKILL after the grace period.
func (r *Runner) Cancel(id string) error {
	r.mu.Lock()
	p, running := r.procs[id]
	if running {
		p.cancelled = true
	}
	r.mu.Unlock()

	if !running {
		st, err := r.Status(id)
		if err != nil {
			return err
		}
		return fmt.Errorf("job %s already %s", id, st)
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal worker: %w", err)
	}

	select {
	case <-p.done:
	case <-time.After(cancelGrace):
		r.logger.Warn("worker ignored SIGTERM, killing",
			zap.String("job_id", id))
		_ = p.cmd.Process.Kill()
		<-p.done
	}
	return nil
}

// Logs returns up to maxLines trailing lines of the job's log.
func (r *Runner) Logs(id string, maxLines int) ([]string, error) {
	data, err := os.ReadFile(r.logPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			if _, serr := os.Stat(r.specPath(id)); serr != nil {
				return nil, ErrNotFound
			}
			return nil, nil
		}
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}

// List returns ids of all jobs known on disk, newest first.
func (r *Runner) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	type stamped struct {
		id string
		at time.Time
	}
	var found []stamped
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".job.json") {
			continue
		}
		id := strings.TrimSuffix(name, ".job.json")
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, stamped{id: id, at: info.ModTime()})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].at.After(found[j].at) })
	ids := make([]string, 0, len(found))
	for _, f := range found {
		ids = append(ids, f.id)
	}
	return ids, nil
}

func (r *Runner) readResult(id string) (*Result, error) {
	data, err := os.ReadFile(r.resultPath(id))
	if err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parse job result: %w", err)
	}
	return &res, nil
}

func (r *Runner) writeResult(res *Result) error {
	return WriteResult(r.dir, res)
}

// WriteResult persists a sidecar atomically. Shared with the worker so
// both sides produce identical files.
func WriteResult(dir string, res *Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, res.ID+".result.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, res.ID+".result.json"))
}
