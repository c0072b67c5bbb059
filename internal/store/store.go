// Package store is the durable JSON-file database behind the supervisor and
// the auth service. The whole state is reloaded on startup and rewritten on
// every persisted mutation; both collections tolerate missing files.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	authdomain "github.com/afkfleet/afkfleet-backend/internal/auth/domain"
	"github.com/afkfleet/afkfleet-backend/internal/projects/domain"
)

const (
	projectsFile = "projects.json"
	usersFile    = "users.json"
)

// Store holds the in-memory copies of projects.json and users.json and
// serializes all access to them. Save is a full overwrite of both files.
type Store struct {
	mu      sync.RWMutex
	dataDir string
	log     *slog.Logger

	projects map[string]domain.Project
	users    map[string]authdomain.User
}

func New(dataDir string, log *slog.Logger) *Store {
	return &Store{
		dataDir:  dataDir,
		log:      log,
		projects: make(map[string]domain.Project),
		users:    make(map[string]authdomain.User),
	}
}

// Load reads both collections from disk. Missing files yield empty
// collections. Legacy user records carrying a plaintext password are rehashed
// with bcrypt and the migration is persisted before Load returns. Projects
// persisted as running are normalized to stopped: no worker survives a
// restart of this process.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if err := readJSON(filepath.Join(s.dataDir, projectsFile), &s.projects); err != nil {
		return fmt.Errorf("load projects: %w", err)
	}
	if err := readJSON(filepath.Join(s.dataDir, usersFile), &s.users); err != nil {
		return fmt.Errorf("load users: %w", err)
	}

	dirty := false

	for username, user := range s.users {
		if user.Password == "" {
			continue
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
		if err != nil {
			s.log.Error("password migration failed", "user", username, "error", err)
			continue
		}
		user.PasswordHash = string(hash)
		user.Password = ""
		s.users[username] = user
		dirty = true
		s.log.Info("migrated plaintext password", "user", username)
	}

	for id, p := range s.projects {
		if p.Status == domain.StatusRunning {
			p.Status = domain.StatusStopped
			s.projects[id] = p
			dirty = true
		}
	}

	if dirty {
		if err := s.saveLocked(); err != nil {
			return fmt.Errorf("persist migration: %w", err)
		}
	}
	return nil
}

// Save rewrites both files from the current in-memory state.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreIO, err)
	}
	if err := writeJSON(filepath.Join(s.dataDir, projectsFile), s.projects); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreIO, err)
	}
	if err := writeJSON(filepath.Join(s.dataDir, usersFile), s.users); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreIO, err)
	}
	return nil
}

// CreateUser registers a new account with an already-hashed credential.
func (s *Store) CreateUser(username, passwordHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return authdomain.ErrUserExists
	}
	s.users[username] = authdomain.User{
		PasswordHash: passwordHash,
		Projects:     make(map[string]bool),
		CreatedAt:    now,
	}
	return s.saveLocked()
}

// Credential returns the stored password hash for a username.
func (s *Store) Credential(username string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[username]
	return user.PasswordHash, ok
}

// HasUser reports whether the account exists.
func (s *Store) HasUser(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[username]
	return ok
}

// ProjectIDs returns the ids linked to the user, ordered for determinism.
func (s *Store) ProjectIDs(username string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[username]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(user.Projects))
	for id := range user.Projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProjectCount returns how many projects the user currently owns.
func (s *Store) ProjectCount(username string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[username].Projects)
}

// Project returns a copy of the record for id.
func (s *Store) Project(id string) (domain.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if ok {
		p.Actions = append([]string(nil), p.Actions...)
	}
	return p, ok
}

// PutProject stores the record and links it to its owner.
func (s *Store) PutProject(id string, p domain.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.projects[id] = p
	if user, ok := s.users[p.Owner]; ok {
		if user.Projects == nil {
			user.Projects = make(map[string]bool)
		}
		user.Projects[id] = true
		s.users[p.Owner] = user
	}
}

// UpdateProject applies fn to the record for id. It reports whether the
// record existed.
func (s *Store) UpdateProject(id string, fn func(*domain.Project)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return false
	}
	fn(&p)
	s.projects[id] = p
	return true
}

// AllProjects returns a copy of every project record keyed by id.
func (s *Store) AllProjects() map[string]domain.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Project, len(s.projects))
	for id, p := range s.projects {
		p.Actions = append([]string(nil), p.Actions...)
		out[id] = p
	}
	return out
}

// RemoveProject deletes the record and the owner's link to it.
func (s *Store) RemoveProject(id, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.projects, id)
	if user, ok := s.users[owner]; ok {
		delete(user.Projects, id)
		s.users[owner] = user
	}
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
