package supervisor

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afkfleet/afkfleet-backend/internal/auth/service"
	"github.com/afkfleet/afkfleet-backend/internal/observability"
	"github.com/afkfleet/afkfleet-backend/internal/projects/capture"
	"github.com/afkfleet/afkfleet-backend/internal/projects/domain"
	"github.com/afkfleet/afkfleet-backend/internal/store"
)

type testEnv struct {
	sup     *Supervisor
	st      *store.Store
	rec     *capture.Recorder
	metrics *observability.Metrics
	root    string
}

// newTestEnv builds a supervisor over a throwaway data dir with a shell
// sleeper standing in for the worker process. Users alice and bob exist with
// a quota of 3.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := store.New(filepath.Join(root, "data"), log)
	require.NoError(t, st.Load())

	rec := capture.New(filepath.Join(root, "data"), nil, log)
	auth := service.New(st, "test-secret", 3, nil)
	require.NoError(t, auth.CreateUser("alice", "pw1"))
	require.NoError(t, auth.CreateUser("bob", "pw2"))

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	sup := New(Options{
		Store:        st,
		Capture:      rec,
		Metrics:      metrics,
		Quota:        auth,
		Logger:       log,
		ProjectsDir:  filepath.Join(root, "projects"),
		TemplatesDir: filepath.Join(root, "templates"),
		WorkerBin:    "/bin/sh",
		WorkerArgs:   []string{"-c", "sleep 60"},
		BedrockProbe: func() error { return nil },
	})
	t.Cleanup(sup.Shutdown)

	return &testEnv{sup: sup, st: st, rec: rec, metrics: metrics, root: root}
}

func (e *testEnv) create(t *testing.T, owner string) string {
	t.Helper()
	id, err := e.sup.Create("mc.example.com", 25565, "1.21.4", domain.KindJava, owner)
	require.NoError(t, err)
	return id
}

func TestCreate(t *testing.T) {
	e := newTestEnv(t)

	id := e.create(t, "alice")
	assert.True(t, domain.ValidID(id))

	// The record is persisted and linked to the owner.
	project, ok := e.st.Project(id)
	require.True(t, ok)
	assert.Equal(t, "alice", project.Owner)
	assert.Equal(t, domain.StatusStopped, project.Status)
	assert.Equal(t, []string{id}, e.st.ProjectIDs("alice"))

	// config.json in the working directory carries the worker settings.
	raw, err := os.ReadFile(filepath.Join(e.root, "projects", id, "config.json"))
	require.NoError(t, err)
	var cfg domain.Project
	require.NoError(t, json.Unmarshal(raw, &cfg))
	assert.Equal(t, "mc.example.com", cfg.Host)
	assert.Equal(t, 25565, cfg.Port)
	assert.Equal(t, 5000, cfg.MovementInterval)
	assert.Equal(t, 2, cfg.ReconnectHours)
	assert.Equal(t, "usernames.txt", cfg.UsernameFile)
	assert.Equal(t, domain.DefaultActions, cfg.Actions)

	events, err := e.sup.Events(id, "alice", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Contains(t, events[0], "Project created by alice")
}

func TestCreateValidation(t *testing.T) {
	e := newTestEnv(t)

	cases := []struct {
		name    string
		host    string
		port    int
		version string
		kind    domain.Kind
	}{
		{"missing host", "", 25565, "1.21", domain.KindJava},
		{"missing version", "mc.example.com", 25565, "", domain.KindJava},
		{"port zero", "mc.example.com", 0, "1.21", domain.KindJava},
		{"port out of range", "mc.example.com", 70000, "1.21", domain.KindJava},
		{"unknown kind", "mc.example.com", 25565, "1.21", domain.Kind("ios")},
		{"host with path separator", "mc.example/../com", 25565, "1.21", domain.KindJava},
		{"host with whitespace", "mc example.com", 25565, "1.21", domain.KindJava},
		{"host too long", strings.Repeat("a", 260), 25565, "1.21", domain.KindJava},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.sup.Create(tc.host, tc.port, tc.version, tc.kind, "alice")
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	assert.Empty(t, e.st.ProjectIDs("alice"))
}

func TestCreateQuota(t *testing.T) {
	e := newTestEnv(t)

	for i := 0; i < 3; i++ {
		e.create(t, "alice")
	}

	_, err := e.sup.Create("mc.example.com", 25565, "1.21", domain.KindJava, "alice")
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
	assert.Len(t, e.st.ProjectIDs("alice"), 3)

	// Quota also denies accounts that do not exist.
	_, err = e.sup.Create("mc.example.com", 25565, "1.21", domain.KindJava, "ghost")
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
}

func TestCreateCopiesTemplate(t *testing.T) {
	e := newTestEnv(t)

	tmpl := filepath.Join(e.root, "templates", "java")
	require.NoError(t, os.MkdirAll(filepath.Join(tmpl, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tmpl, "index.js"), []byte("// bot entry\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpl, "lib", "util.js"), []byte("// helpers\n"), 0o644))

	id := e.create(t, "alice")

	assert.FileExists(t, filepath.Join(e.root, "projects", id, "index.js"))
	assert.FileExists(t, filepath.Join(e.root, "projects", id, "lib", "util.js"))
}

func TestStartChecks(t *testing.T) {
	e := newTestEnv(t)
	id := e.create(t, "alice")

	t.Run("invalid id", func(t *testing.T) {
		_, err := e.sup.Start("not-a-project", "alice")
		assert.ErrorIs(t, err, domain.ErrInvalidProjectID)
	})

	t.Run("unknown project", func(t *testing.T) {
		_, err := e.sup.Start("project_1", "alice")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("not the owner", func(t *testing.T) {
		_, err := e.sup.Start(id, "bob")
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	})

	t.Run("bedrock needs the native transport", func(t *testing.T) {
		e.sup.bedrockProbe = func() error { return errors.New("raknet-native is not installed") }
		bedrockID, err := e.sup.Create("mc.example.com", 19132, "1.21.50", domain.KindBedrock, "alice")
		require.NoError(t, err)

		_, err = e.sup.Start(bedrockID, "alice")
		assert.ErrorIs(t, err, domain.ErrDependencyMissing)
		assert.False(t, e.sup.registry.Running(bedrockID))
		e.sup.bedrockProbe = func() error { return nil }
	})

	t.Run("spawn failure", func(t *testing.T) {
		e.sup.workerBin = filepath.Join(e.root, "no-such-binary")
		_, err := e.sup.Start(id, "alice")
		assert.ErrorIs(t, err, domain.ErrSpawnFailed)
		assert.False(t, e.sup.registry.Running(id))
		e.sup.workerBin = "/bin/sh"
	})
}

func TestStartStopLifecycle(t *testing.T) {
	e := newTestEnv(t)
	id := e.create(t, "alice")

	pid, err := e.sup.Start(id, "alice")
	require.NoError(t, err)
	assert.Greater(t, pid, 0)
	assert.True(t, e.sup.registry.Running(id))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.RunningProjects))

	view, err := e.sup.Status(id, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, view.Status)
	require.NotNil(t, view.UptimeMillis)
	assert.GreaterOrEqual(t, *view.UptimeMillis, int64(0))

	project, ok := e.st.Project(id)
	require.True(t, ok)
	assert.Equal(t, domain.StatusRunning, project.Status)
	assert.NotNil(t, project.StartedAt)

	_, err = e.sup.Start(id, "alice")
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)

	require.NoError(t, e.sup.Stop(id, "alice"))
	assert.False(t, e.sup.registry.Running(id))
	assert.Equal(t, float64(0), testutil.ToFloat64(e.metrics.RunningProjects))

	view, err = e.sup.Status(id, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, view.Status)
	assert.Nil(t, view.UptimeMillis)

	project, ok = e.st.Project(id)
	require.True(t, ok)
	assert.Equal(t, domain.StatusStopped, project.Status)
	assert.NotNil(t, project.StoppedAt)

	assert.ErrorIs(t, e.sup.Stop(id, "alice"), domain.ErrNotRunning)

	// Stop purges the run's streams, and the reaped worker's exit observer
	// must not resurrect them.
	require.Never(t, func() bool {
		events, err := e.sup.Events(id, "alice", 10)
		return err != nil || len(events) > 0
	}, 500*time.Millisecond, 50*time.Millisecond)
}

func TestWorkerExitObserved(t *testing.T) {
	e := newTestEnv(t)
	e.sup.workerArgs = []string{"-c", "echo hello; echo oops >&2; exit 3"}
	id := e.create(t, "alice")

	_, err := e.sup.Start(id, "alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !e.sup.registry.Running(id)
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		events, err := e.sup.Events(id, "alice", 50)
		return err == nil && strings.Contains(strings.Join(events, "\n"), "Process exited with code 3")
	}, 5*time.Second, 20*time.Millisecond)

	// An unprompted exit keeps the run's output for post-mortem reading.
	logs, err := e.sup.Logs(id, "alice", 50)
	require.NoError(t, err)
	joined := strings.Join(logs, "\n")
	assert.Contains(t, joined, "stdout: hello")
	assert.Contains(t, joined, "stderr: oops")

	events, err := e.sup.Events(id, "alice", 50)
	require.NoError(t, err)
	joined = strings.Join(events, "\n")
	assert.Contains(t, joined, "[info] hello")
	assert.Contains(t, joined, "[error] oops")

	require.Eventually(t, func() bool {
		project, ok := e.st.Project(id)
		return ok && project.Status == domain.StatusStopped
	}, 5*time.Second, 20*time.Millisecond)

	view, err := e.sup.Status(id, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, view.Status)

	// A restart begins with truncated streams even though the previous run
	// left content behind.
	e.sup.workerArgs = []string{"-c", "sleep 60"}
	_, err = e.sup.Start(id, "alice")
	require.NoError(t, err)

	logs, err = e.sup.Logs(id, "alice", 50)
	require.NoError(t, err)
	assert.NotContains(t, strings.Join(logs, "\n"), "stdout: hello")
}

func TestConcurrentStartSingleWinner(t *testing.T) {
	e := newTestEnv(t)
	id := e.create(t, "alice")

	const attempts = 5
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.sup.Start(id, "alice")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	started, rejected := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			started++
		case errors.Is(err, domain.ErrAlreadyRunning):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, attempts-1, rejected)
	assert.Equal(t, 1, e.sup.registry.Len())
}

func TestDelete(t *testing.T) {
	e := newTestEnv(t)
	id := e.create(t, "alice")

	_, err := e.sup.Start(id, "alice")
	require.NoError(t, err)

	assert.ErrorIs(t, e.sup.Delete(id, "bob"), domain.ErrPermissionDenied)

	require.NoError(t, e.sup.Delete(id, "alice"))
	assert.False(t, e.sup.registry.Running(id))
	assert.NoDirExists(t, filepath.Join(e.root, "projects", id))

	_, ok := e.st.Project(id)
	assert.False(t, ok)
	assert.Empty(t, e.st.ProjectIDs("alice"))

	assert.ErrorIs(t, e.sup.Delete(id, "alice"), domain.ErrNotFound)
}

func TestList(t *testing.T) {
	e := newTestEnv(t)
	first := e.create(t, "alice")
	second := e.create(t, "alice")

	_, err := e.sup.Start(first, "alice")
	require.NoError(t, err)

	views := e.sup.List("alice")
	require.Len(t, views, 2)
	assert.Equal(t, domain.StatusRunning, views[first].Status)
	assert.Equal(t, domain.StatusStopped, views[second].Status)

	assert.Empty(t, e.sup.List("bob"))
	assert.Empty(t, e.sup.List("ghost"))
}

func TestListSkipsOrphanedLinks(t *testing.T) {
	root := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dataDir := filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0o755))

	// A user link pointing at a project the global collection no longer has.
	users := `{"charlie":{"passwordHash":"x","projects":{"project_5":true,"project_6":true},"createdAt":"2026-01-01T00:00:00Z"}}`
	projects := `{"project_5":{"host":"mc.example.com","port":25565,"version":"1.21","type":"java","movementInterval":5000,"reconnectHours":2,"usernameFile":"usernames.txt","actions":[],"status":"stopped","owner":"charlie","createdAt":"2026-01-01T00:00:00Z"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "users.json"), []byte(users), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "projects.json"), []byte(projects), 0o644))

	st := store.New(dataDir, log)
	require.NoError(t, st.Load())

	sup := New(Options{
		Store:        st,
		Capture:      capture.New(dataDir, nil, log),
		Metrics:      observability.NewMetrics(prometheus.NewRegistry()),
		Quota:        service.New(st, "test-secret", 3, nil),
		Logger:       log,
		ProjectsDir:  filepath.Join(root, "projects"),
		TemplatesDir: filepath.Join(root, "templates"),
	})

	views := sup.List("charlie")
	require.Len(t, views, 1)
	assert.Contains(t, views, "project_5")
}

func TestOwnershipChecks(t *testing.T) {
	e := newTestEnv(t)
	id := e.create(t, "alice")

	ops := map[string]func() error{
		"status": func() error { _, err := e.sup.Status(id, "bob"); return err },
		"logs":   func() error { _, err := e.sup.Logs(id, "bob", 10); return err },
		"events": func() error { _, err := e.sup.Events(id, "bob", 10); return err },
		"start":  func() error { _, err := e.sup.Start(id, "bob"); return err },
		"stop":   func() error { return e.sup.Stop(id, "bob") },
		"delete": func() error { return e.sup.Delete(id, "bob") },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, op(), domain.ErrPermissionDenied)
		})
	}
}

func TestAllEvents(t *testing.T) {
	e := newTestEnv(t)
	first := e.create(t, "alice")
	second := e.create(t, "alice")

	lines, err := e.sup.AllEvents("alice", 200)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, first+": Project created by alice", lines[0])
	assert.Equal(t, second+": Project created by alice", lines[1])

	lines, err = e.sup.AllEvents("bob", 200)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestReconcile(t *testing.T) {
	e := newTestEnv(t)
	id := e.create(t, "alice")

	// Simulate a stale persisted status with no live worker behind it.
	require.True(t, e.st.UpdateProject(id, func(p *domain.Project) {
		p.Status = domain.StatusRunning
	}))
	require.NoError(t, e.st.Save())

	e.sup.Reconcile()

	project, ok := e.st.Project(id)
	require.True(t, ok)
	assert.Equal(t, domain.StatusStopped, project.Status)

	raw, err := os.ReadFile(filepath.Join(e.root, "data", "projects.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"running"`)
}

func TestShutdown(t *testing.T) {
	e := newTestEnv(t)
	id := e.create(t, "alice")

	_, err := e.sup.Start(id, "alice")
	require.NoError(t, err)

	e.sup.Shutdown()

	assert.False(t, e.sup.registry.Running(id))
	project, ok := e.st.Project(id)
	require.True(t, ok)
	assert.Equal(t, domain.StatusStopped, project.Status)

	// Shutdown leaves the capture streams in place, like an unprompted exit.
	events, err := e.sup.Events(id, "alice", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestRegistryRemoveIf(t *testing.T) {
	r := NewRegistry()
	first := &Handle{ProjectID: "project_1"}
	second := &Handle{ProjectID: "project_1"}

	require.True(t, r.Add(first))
	assert.False(t, r.Add(second))

	// A stale handle cannot deregister its successor.
	require.NotNil(t, r.Remove("project_1"))
	require.True(t, r.Add(second))
	assert.False(t, r.RemoveIf(first))
	assert.True(t, r.RemoveIf(second))
	assert.Equal(t, 0, r.Len())
}
