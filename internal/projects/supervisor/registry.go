package supervisor

import (
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Handle pairs a live worker process with its project. It exists only while
// the process is alive; the exit observer armed at spawn time removes it.
type Handle struct {
	ProjectID string
	StartedAt time.Time

	cmd *exec.Cmd
}

// PID returns the OS process id of the worker.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Terminate asks the worker to exit. SIGTERM first so the bot can disconnect
// cleanly, SIGKILL if even that fails to be delivered.
func (h *Handle) Terminate() error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return h.cmd.Process.Kill()
	}
	return nil
}

// Registry is the in-memory table of running workers, keyed by project id.
// Presence of a key is the single source of truth for "is running"; the
// persisted status field only mirrors it.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Add registers a handle. It refuses a second handle for the same project.
func (r *Registry) Add(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[h.ProjectID]; exists {
		return false
	}
	r.handles[h.ProjectID] = h
	return true
}

// Get returns the live handle for a project, or nil.
func (r *Registry) Get(projectID string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[projectID]
}

// Running reports whether the project has a live worker.
func (r *Registry) Running(projectID string) bool {
	return r.Get(projectID) != nil
}

// Remove deregisters and returns the handle for a project, or nil.
func (r *Registry) Remove(projectID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[projectID]
	delete(r.handles, projectID)
	return h
}

// RemoveIf deregisters only if h is still the registered handle. The exit
// observer uses this so it cannot undo a newer run registered after an
// explicit stop already deregistered this one.
func (r *Registry) RemoveIf(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[h.ProjectID] != h {
		return false
	}
	delete(r.handles, h.ProjectID)
	return true
}

// Handles returns a snapshot of all live handles.
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

// Len returns the number of live workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
