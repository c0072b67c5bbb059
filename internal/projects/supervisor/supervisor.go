// Package supervisor owns the project lifecycle: create, start, stop, delete
// and status. It is the only component that mutates the process registry, and
// it serializes all transitions per project id so concurrent requests and
// asynchronous worker exits cannot race each other.
package supervisor

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/afkfleet/afkfleet-backend/internal/observability"
	"github.com/afkfleet/afkfleet-backend/internal/projects/capture"
	"github.com/afkfleet/afkfleet-backend/internal/projects/domain"
	"github.com/afkfleet/afkfleet-backend/internal/store"
)

// QuotaChecker answers whether a user may create another project.
type QuotaChecker interface {
	CanCreateMore(username string) bool
	Limit() int
}

// Options wires the supervisor's collaborators.
type Options struct {
	Store        *store.Store
	Capture      *capture.Recorder
	Metrics      *observability.Metrics
	Quota        QuotaChecker
	Logger       *slog.Logger
	ProjectsDir  string
	TemplatesDir string

	// WorkerBin and WorkerArgs form the command spawned in the project's
	// working directory. Defaults to "node index.js".
	WorkerBin  string
	WorkerArgs []string

	// BedrockProbe checks that the native transport dependency bedrock bots
	// need is present. Overridable in tests.
	BedrockProbe func() error
}

type Supervisor struct {
	store    *store.Store
	capture  *capture.Recorder
	registry *Registry
	metrics  *observability.Metrics
	quota    QuotaChecker
	log      *slog.Logger

	projectsDir  string
	templatesDir string
	workerBin    string
	workerArgs   []string
	bedrockProbe func() error

	// One mutex per project id: operations on the same project serialize,
	// operations on different projects proceed in parallel.
	locks sync.Map

	idMu   sync.Mutex
	lastID int64
}

func New(opts Options) *Supervisor {
	s := &Supervisor{
		store:        opts.Store,
		capture:      opts.Capture,
		registry:     NewRegistry(),
		metrics:      opts.Metrics,
		quota:        opts.Quota,
		log:          opts.Logger,
		projectsDir:  opts.ProjectsDir,
		templatesDir: opts.TemplatesDir,
		workerBin:    opts.WorkerBin,
		workerArgs:   opts.WorkerArgs,
		bedrockProbe: opts.BedrockProbe,
	}
	if s.workerBin == "" {
		s.workerBin = "node"
	}
	if s.workerArgs == nil {
		s.workerArgs = []string{"index.js"}
	}
	if s.bedrockProbe == nil {
		s.bedrockProbe = defaultBedrockProbe
	}
	return s
}

// Registry exposes the live process table (read-only use by callers).
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// ProbeBedrock reports whether the native dependency for bedrock bots is
// available. Used by the health endpoint.
func (s *Supervisor) ProbeBedrock() error {
	return s.bedrockProbe()
}

func defaultBedrockProbe() error {
	if _, err := os.Stat(filepath.Join("node_modules", "raknet-native")); err != nil {
		return fmt.Errorf("raknet-native is not installed: %w", err)
	}
	return nil
}

func (s *Supervisor) lock(projectID string) func() {
	v, _ := s.locks.LoadOrStore(projectID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// newProjectID allocates a fresh id from the current time, bumping by one
// millisecond on collision so ids stay unique and creation-ordered.
func (s *Supervisor) newProjectID(now time.Time) string {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	millis := now.UnixMilli()
	if millis <= s.lastID {
		millis = s.lastID + 1
	}
	s.lastID = millis
	return domain.FormatID(millis)
}

// Create allocates a project: validates input, materializes the working
// directory with config.json and the kind's template, registers the record
// under the owner and persists. It never starts the worker.
func (s *Supervisor) Create(host string, port int, version string, kind domain.Kind, owner string) (string, error) {
	if !s.quota.CanCreateMore(owner) {
		return "", fmt.Errorf("%w: you can't create more than %d projects", domain.ErrQuotaExceeded, s.quota.Limit())
	}
	if host == "" || port == 0 || version == "" || kind == "" {
		return "", fmt.Errorf("%w: all fields are required", domain.ErrValidation)
	}
	if port < 1 || port > 65535 {
		return "", fmt.Errorf("%w: port must be between 1 and 65535", domain.ErrValidation)
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: invalid project kind", domain.ErrValidation)
	}
	if len(host) > 253 || strings.ContainsAny(host, "/\\ \t\r\n") {
		return "", fmt.Errorf("%w: invalid host", domain.ErrValidation)
	}

	now := time.Now()
	id := s.newProjectID(now)
	dir := filepath.Join(s.projectsDir, id)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}

	project := domain.NewProject(host, port, version, kind, owner, now)
	if err := writeConfig(dir, project); err != nil {
		return "", fmt.Errorf("write project config: %w", err)
	}
	if err := s.copyTemplate(kind, dir); err != nil {
		s.log.Error("template copy failed", "project", id, "kind", kind, "error", err)
	}

	s.store.PutProject(id, project)
	if err := s.store.Save(); err != nil {
		s.log.Error("failed to persist new project", "project", id, "error", err)
		return "", err
	}

	s.capture.AppendEvent(id, fmt.Sprintf("Project created by %s", owner), capture.SeverityInfo)
	s.metrics.ProjectsCreated.Inc()
	s.log.Info("project created", "project", id, "owner", owner, "kind", kind)
	return id, nil
}

// Start spawns the worker for a project and registers it. Check order:
// id syntax, existence, ownership, state, capability.
func (s *Supervisor) Start(projectID, username string) (int, error) {
	if !domain.ValidID(projectID) {
		return 0, domain.ErrInvalidProjectID
	}

	unlock := s.lock(projectID)
	defer unlock()

	project, ok := s.store.Project(projectID)
	if !ok {
		return 0, domain.ErrNotFound
	}
	if project.Owner != username {
		return 0, domain.ErrPermissionDenied
	}
	if s.registry.Running(projectID) {
		return 0, domain.ErrAlreadyRunning
	}
	if project.Kind == domain.KindBedrock {
		if err := s.bedrockProbe(); err != nil {
			return 0, fmt.Errorf("%w: %v; install it before starting bedrock bots", domain.ErrDependencyMissing, err)
		}
	}

	// A restart begins with empty streams. Failure is logged, not fatal:
	// capture is best-effort by contract.
	if err := s.capture.OpenForStart(projectID); err != nil {
		s.log.Error("failed to reset capture streams", "project", projectID, "error", err)
	}

	cmd := exec.Command(s.workerBin, s.workerArgs...)
	cmd.Dir = filepath.Join(s.projectsDir, projectID)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrSpawnFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrSpawnFailed, err)
	}

	now := time.Now()
	h := &Handle{ProjectID: projectID, StartedAt: now, cmd: cmd}
	s.registry.Add(h)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go s.pump(projectID, "stdout", stdout, &pumps)
	go s.pump(projectID, "stderr", stderr, &pumps)
	go s.observeExit(h, &pumps)

	s.store.UpdateProject(projectID, func(p *domain.Project) {
		p.Status = domain.StatusRunning
		startedAt := now
		p.StartedAt = &startedAt
		p.StoppedAt = nil
	})
	if err := s.store.Save(); err != nil {
		// The registry stays authoritative; the persisted mirror catches up
		// on the next save or reconcile sweep.
		s.log.Error("failed to persist running status", "project", projectID, "error", err)
	}

	s.capture.AppendEvent(projectID, fmt.Sprintf("Project started by %s", username), capture.SeverityInfo)
	s.metrics.ProjectStarts.Inc()
	s.metrics.RunningProjects.Inc()
	s.log.Info("project started", "project", projectID, "pid", h.PID(), "user", username)
	return h.PID(), nil
}

// pump forwards one output stream into the log and event files, line by line.
func (s *Supervisor) pump(projectID, stream string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	severity := capture.SeverityInfo
	if stream == "stderr" {
		severity = capture.SeverityError
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		s.capture.AppendLog(projectID, stream, line)
		if msg := strings.TrimSpace(line); msg != "" {
			s.capture.AppendEvent(projectID, msg, severity)
		}
	}
}

// observeExit reaps the worker exactly once. Only the first of {exit
// observer, explicit stop, delete} to deregister the handle performs the
// stopped transition; the loser is a no-op.
func (s *Supervisor) observeExit(h *Handle, pumps *sync.WaitGroup) {
	pumps.Wait()
	waitErr := h.cmd.Wait()

	unlock := s.lock(h.ProjectID)
	defer unlock()

	if !s.registry.RemoveIf(h) {
		return
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		s.capture.AppendEvent(h.ProjectID, "Process exited with code 0", capture.SeverityInfo)
		s.log.Info("worker exited", "project", h.ProjectID, "code", 0)
	case errors.As(waitErr, &exitErr):
		s.capture.AppendEvent(h.ProjectID, fmt.Sprintf("Process exited with code %d", exitErr.ExitCode()), capture.SeverityInfo)
		s.log.Info("worker exited", "project", h.ProjectID, "code", exitErr.ExitCode())
	default:
		s.capture.AppendEvent(h.ProjectID, fmt.Sprintf("Child process error: %v", waitErr), capture.SeverityError)
		s.log.Error("worker failed", "project", h.ProjectID, "error", waitErr)
	}

	s.store.UpdateProject(h.ProjectID, func(p *domain.Project) {
		p.Status = domain.StatusStopped
	})
	if err := s.store.Save(); err != nil {
		s.log.Error("failed to persist stopped status after exit", "project", h.ProjectID, "error", err)
	}
	s.metrics.WorkerExits.Inc()
	s.metrics.RunningProjects.Dec()
}

// Stop terminates the worker and deregisters it immediately, without waiting
// for the exit observer, so a stop always reads back as stopped. The run's
// log and event files are purged.
func (s *Supervisor) Stop(projectID, username string) error {
	if !domain.ValidID(projectID) {
		return domain.ErrInvalidProjectID
	}

	unlock := s.lock(projectID)
	defer unlock()

	project, ok := s.store.Project(projectID)
	if !ok {
		return domain.ErrNotFound
	}
	if project.Owner != username {
		return domain.ErrPermissionDenied
	}

	h := s.registry.Remove(projectID)
	if h == nil {
		return domain.ErrNotRunning
	}
	if err := h.Terminate(); err != nil {
		s.log.Error("failed to signal worker", "project", projectID, "error", err)
	}

	now := time.Now()
	s.store.UpdateProject(projectID, func(p *domain.Project) {
		p.Status = domain.StatusStopped
		stoppedAt := now
		p.StoppedAt = &stoppedAt
	})
	if err := s.store.Save(); err != nil {
		s.log.Error("failed to persist stopped status", "project", projectID, "error", err)
	}

	s.capture.Purge(projectID)
	s.metrics.ProjectStops.Inc()
	s.metrics.RunningProjects.Dec()
	s.log.Info("project stopped", "project", projectID, "user", username)
	return nil
}

// Delete removes a project entirely, stopping it first if needed. File
// cleanup is best-effort; the record removal always goes through.
func (s *Supervisor) Delete(projectID, username string) error {
	if !domain.ValidID(projectID) {
		return domain.ErrInvalidProjectID
	}

	unlock := s.lock(projectID)
	defer unlock()

	project, ok := s.store.Project(projectID)
	if !ok {
		return domain.ErrNotFound
	}
	if project.Owner != username {
		return domain.ErrPermissionDenied
	}

	if h := s.registry.Remove(projectID); h != nil {
		if err := h.Terminate(); err != nil {
			s.log.Error("failed to signal worker", "project", projectID, "error", err)
		}
		s.metrics.RunningProjects.Dec()
	}

	s.capture.Purge(projectID)
	if err := os.RemoveAll(filepath.Join(s.projectsDir, projectID)); err != nil {
		s.log.Error("failed to remove project dir", "project", projectID, "error", err)
	}

	s.store.RemoveProject(projectID, project.Owner)
	if err := s.store.Save(); err != nil {
		s.log.Error("failed to persist project removal", "project", projectID, "error", err)
	}

	s.metrics.ProjectsDeleted.Inc()
	s.log.Info("project deleted", "project", projectID, "user", username)
	return nil
}

// Status computes the live view for one project. Running is derived from the
// registry; uptime only exists while running.
func (s *Supervisor) Status(projectID, username string) (domain.StatusView, error) {
	if !domain.ValidID(projectID) {
		return domain.StatusView{}, domain.ErrInvalidProjectID
	}

	project, ok := s.store.Project(projectID)
	if !ok {
		return domain.StatusView{}, domain.ErrNotFound
	}
	if project.Owner != username {
		return domain.StatusView{}, domain.ErrPermissionDenied
	}

	return s.statusView(projectID, project), nil
}

func (s *Supervisor) statusView(projectID string, project domain.Project) domain.StatusView {
	view := domain.StatusView{
		ID:        projectID,
		Host:      project.Host,
		Port:      project.Port,
		Version:   project.Version,
		Kind:      project.Kind,
		Status:    domain.StatusStopped,
		CreatedAt: project.CreatedAt,
		StartedAt: project.StartedAt,
	}

	h := s.registry.Get(projectID)
	if h == nil {
		return view
	}

	view.Status = domain.StatusRunning
	startedAt := h.StartedAt
	if project.StartedAt != nil {
		startedAt = *project.StartedAt
	}
	uptime := time.Since(startedAt).Milliseconds()
	view.UptimeMillis = &uptime
	return view
}

// List returns the live views of every project the user owns, keyed by id.
// Ids linked to the user but missing from the global collection are skipped.
func (s *Supervisor) List(username string) map[string]domain.StatusView {
	out := make(map[string]domain.StatusView)
	for _, id := range s.store.ProjectIDs(username) {
		project, ok := s.store.Project(id)
		if !ok {
			continue
		}
		out[id] = s.statusView(id, project)
	}
	return out
}

// Logs returns the last n raw log lines for a project.
func (s *Supervisor) Logs(projectID, username string, n int) ([]string, error) {
	if err := s.authorize(projectID, username); err != nil {
		return nil, err
	}
	return s.capture.LogTail(projectID, n)
}

// Events returns the last n event lines for a project.
func (s *Supervisor) Events(projectID, username string, n int) ([]string, error) {
	if err := s.authorize(projectID, username); err != nil {
		return nil, err
	}
	return s.capture.EventTail(projectID, n)
}

// AllEvents merges the event streams of every project the user owns.
func (s *Supervisor) AllEvents(username string, n int) ([]string, error) {
	return s.capture.AllEventsTail(s.store.ProjectIDs(username), n)
}

func (s *Supervisor) authorize(projectID, username string) error {
	if !domain.ValidID(projectID) {
		return domain.ErrInvalidProjectID
	}
	project, ok := s.store.Project(projectID)
	if !ok {
		return domain.ErrNotFound
	}
	if project.Owner != username {
		return domain.ErrPermissionDenied
	}
	return nil
}

// Reconcile converges the persisted status of every project that is not in
// the registry back to stopped. It backstops the exit observer when its store
// save failed; transitions it would race against hold the same per-project
// locks.
func (s *Supervisor) Reconcile() {
	dirty := false
	for id, project := range s.store.AllProjects() {
		if project.Status != domain.StatusRunning || s.registry.Running(id) {
			continue
		}
		unlock := s.lock(id)
		if !s.registry.Running(id) {
			changed := false
			s.store.UpdateProject(id, func(p *domain.Project) {
				if p.Status == domain.StatusRunning {
					p.Status = domain.StatusStopped
					changed = true
				}
			})
			if changed {
				dirty = true
				s.log.Warn("reconciled stale running status", "project", id)
			}
		}
		unlock()
	}
	if dirty {
		if err := s.store.Save(); err != nil {
			s.log.Error("failed to persist reconciled statuses", "error", err)
		}
	}
}

// Shutdown terminates every live worker and persists their stopped status.
// Capture files are left in place, matching an unprompted exit.
func (s *Supervisor) Shutdown() {
	for _, h := range s.registry.Handles() {
		unlock := s.lock(h.ProjectID)
		if s.registry.RemoveIf(h) {
			if err := h.Terminate(); err != nil {
				s.log.Error("failed to signal worker", "project", h.ProjectID, "error", err)
			}
			s.store.UpdateProject(h.ProjectID, func(p *domain.Project) {
				p.Status = domain.StatusStopped
			})
			s.metrics.RunningProjects.Dec()
		}
		unlock()
	}
	if err := s.store.Save(); err != nil {
		s.log.Error("failed to persist shutdown state", "error", err)
	}
}

func writeConfig(dir string, project domain.Project) error {
	data, err := json.MarshalIndent(project, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644)
}

// copyTemplate copies templates/<kind>/ into the project dir if it exists.
func (s *Supervisor) copyTemplate(kind domain.Kind, dst string) error {
	src := filepath.Join(s.templatesDir, string(kind))
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return nil
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}
