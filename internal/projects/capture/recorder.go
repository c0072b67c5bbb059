// Package capture turns worker process output into two per-project streams:
// a raw log file and a short structured event file. Both live under the data
// directory and are scoped to the project's current run.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Severity tags an event line.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityError Severity = "error"
)

// DefaultTailLines is returned when the caller does not ask for a line count.
const DefaultTailLines = 200

const eventChannelPrefix = "bot:events:" // Pub/Sub channel per project: bot:events:{project_id}

// Matches "[timestamp] [severity] message".
var eventPattern = regexp.MustCompile(`^\[(.*?)\]\s*\[(.*?)\]\s*(.*)$`)

const tsLayout = "2006-01-02T15:04:05.000Z07:00"

// Recorder owns the log and event files for every project. Appends across
// different projects never interfere; appends within one project go through
// O_APPEND writes so lines stay intact.
type Recorder struct {
	logsDir   string
	eventsDir string
	log       *slog.Logger

	// Optional fanout of event lines over Redis Pub/Sub. Best-effort: a
	// publish failure never affects the file write.
	rdb *redis.Client
	ctx context.Context

	now func() time.Time
}

func New(dataDir string, rdb *redis.Client, log *slog.Logger) *Recorder {
	return &Recorder{
		logsDir:   filepath.Join(dataDir, "logs"),
		eventsDir: filepath.Join(dataDir, "events"),
		log:       log,
		rdb:       rdb,
		ctx:       context.Background(),
		now:       time.Now,
	}
}

func (r *Recorder) logPath(projectID string) string {
	return filepath.Join(r.logsDir, projectID+".log")
}

func (r *Recorder) eventPath(projectID string) string {
	return filepath.Join(r.eventsDir, projectID+".log")
}

// OpenForStart truncates (or creates) both streams so a new run begins with
// empty files.
func (r *Recorder) OpenForStart(projectID string) error {
	for _, dir := range []string{r.logsDir, r.eventsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create capture dir: %w", err)
		}
	}
	if err := os.WriteFile(r.logPath(projectID), nil, 0o644); err != nil {
		return fmt.Errorf("truncate log file: %w", err)
	}
	if err := os.WriteFile(r.eventPath(projectID), nil, 0o644); err != nil {
		return fmt.Errorf("truncate event file: %w", err)
	}
	return nil
}

// AppendLog records one raw output line, prefixed with timestamp, project id
// and the originating stream ("stdout" or "stderr").
func (r *Recorder) AppendLog(projectID, stream, line string) {
	msg := fmt.Sprintf("[%s] [%s] %s: %s", r.now().UTC().Format(tsLayout), projectID, stream, line)
	if err := appendLine(r.logPath(projectID), msg); err != nil {
		r.log.Error("failed to append to log file", "project", projectID, "error", err)
	}
}

// AppendEvent records one structured event line and, when Redis is
// configured, publishes it on the project's event channel.
func (r *Recorder) AppendEvent(projectID, message string, severity Severity) {
	if err := os.MkdirAll(r.eventsDir, 0o755); err != nil {
		r.log.Error("failed to create events dir", "project", projectID, "error", err)
		return
	}
	line := fmt.Sprintf("[%s] [%s] %s", r.now().UTC().Format(tsLayout), severity, message)
	if err := appendLine(r.eventPath(projectID), line); err != nil {
		r.log.Error("failed to append event", "project", projectID, "error", err)
		return
	}
	if r.rdb != nil {
		if err := r.rdb.Publish(r.ctx, eventChannelPrefix+projectID, line).Err(); err != nil {
			r.log.Debug("event publish failed", "project", projectID, "error", err)
		}
	}
}

// LogTail returns the last n log lines. A missing file is not an error; it
// simply means the project has produced no output this run.
func (r *Recorder) LogTail(projectID string, n int) ([]string, error) {
	return tailFile(r.logPath(projectID), n)
}

// EventTail returns the last n event lines.
func (r *Recorder) EventTail(projectID string, n int) ([]string, error) {
	return tailFile(r.eventPath(projectID), n)
}

// AllEventsTail merges the event streams of the given projects, orders them
// by their embedded timestamps and returns the last n entries as
// "projectID: message" lines with the timestamps stripped.
func (r *Recorder) AllEventsTail(projectIDs []string, n int) ([]string, error) {
	type row struct {
		ts        time.Time
		projectID string
		message   string
	}
	var rows []row

	for _, projectID := range projectIDs {
		data, err := os.ReadFile(r.eventPath(projectID))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read events for %s: %w", projectID, err)
		}
		for _, line := range splitLines(string(data)) {
			if line == "" {
				continue
			}
			m := eventPattern.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			ts, err := time.Parse(time.RFC3339Nano, m[1])
			if err != nil {
				ts = time.Time{}
			}
			rows = append(rows, row{ts: ts, projectID: projectID, message: m[3]})
		}
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ts.Before(rows[j].ts) })
	if n > 0 && len(rows) > n {
		rows = rows[len(rows)-n:]
	}

	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, fmt.Sprintf("%s: %s", row.projectID, row.message))
	}
	return out, nil
}

// Purge deletes both streams. Best-effort: failures are logged and swallowed
// so a stop or delete transition is never blocked by file cleanup.
func (r *Recorder) Purge(projectID string) {
	for _, path := range []string{r.logPath(projectID), r.eventPath(projectID)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Error("failed to remove capture file", "project", projectID, "path", path, "error", err)
		}
	}
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

func tailFile(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	content := strings.TrimSuffix(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if content == "" {
		return nil, nil
	}
	lines := strings.Split(content, "\n")
	if n <= 0 {
		n = DefaultTailLines
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// splitLines keeps empty lines so log formatting survives the round trip.
func splitLines(s string) []string {
	return strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
}
