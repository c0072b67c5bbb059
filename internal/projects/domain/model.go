package domain

import "time"

// Kind selects the bot implementation a project runs.
type Kind string

const (
	KindJava    Kind = "java"
	KindBedrock Kind = "bedrock"
)

// Valid reports whether the kind names a supported bot implementation.
func (k Kind) Valid() bool {
	return k == KindJava || k == KindBedrock
}

// Status is the persisted lifecycle state of a project. It mirrors the
// runtime registry on a best-effort basis; the registry is authoritative.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// Project is both the durable record in projects.json and the content of the
// config.json the worker process reads from its working directory.
type Project struct {
	Host             string     `json:"host"`
	Port             int        `json:"port"`
	Version          string     `json:"version"`
	Kind             Kind       `json:"type"`
	MovementInterval int        `json:"movementInterval"`
	ReconnectHours   int        `json:"reconnectHours"`
	UsernameFile     string     `json:"usernameFile"`
	Actions          []string   `json:"actions"`
	Status           Status     `json:"status"`
	Owner            string     `json:"owner"`
	CreatedAt        time.Time  `json:"createdAt"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	StoppedAt        *time.Time `json:"stoppedAt,omitempty"`
}

// DefaultActions is the action set new bots cycle through to stay active.
var DefaultActions = []string{
	"jump",
	"moveForward",
	"moveBackward",
	"strafeLeft",
	"strafeRight",
	"lookAround",
	"attackMobs",
}

// NewProject builds a project record with the default worker settings.
func NewProject(host string, port int, version string, kind Kind, owner string, createdAt time.Time) Project {
	return Project{
		Host:             host,
		Port:             port,
		Version:          version,
		Kind:             kind,
		MovementInterval: 5000,
		ReconnectHours:   2,
		UsernameFile:     "usernames.txt",
		Actions:          append([]string(nil), DefaultActions...),
		Status:           StatusStopped,
		Owner:            owner,
		CreatedAt:        createdAt,
	}
}

// StatusView is the computed status returned to callers. Running is derived
// from the process registry, never from the persisted record.
type StatusView struct {
	ID           string     `json:"id"`
	Host         string     `json:"host"`
	Port         int        `json:"port"`
	Version      string     `json:"version"`
	Kind         Kind       `json:"type"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	UptimeMillis *int64     `json:"uptime,omitempty"`
}
