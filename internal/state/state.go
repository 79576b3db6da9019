// Package state persists swarm sessions on disk: timestamped checkpoints,
// a predictions log, worker-result records and per-agent file-change logs,
// all under one directory per session. A flock on the session directory
// keeps two resumes from sharing a session.
package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/harrison/overmind/internal/filelock"
	"github.com/harrison/overmind/internal/models"
)

var (
	// ErrSessionLocked is returned when another process holds the session.
	ErrSessionLocked = errors.New("state: session is locked by another process")

	// ErrNoCheckpoint is returned when a session has no checkpoint yet.
	ErrNoCheckpoint = errors.New("state: no checkpoint found")

	// ErrNoSessions is returned when "latest" cannot resolve to anything.
	ErrNoSessions = errors.New("state: no sessions found")
)

const (
	checkpointPrefix = "checkpoint-"
	checkpointSuffix = ".json"

	// checkpointTimeFormat orders lexicographically, so the newest
	// checkpoint is the last filename in sorted order.
	checkpointTimeFormat = "20060102-150405.000000000"

	predictionsFile   = "predictions.jsonl"
	workerResultsFile = "worker-results.jsonl"
	changesDir        = "changes"
	lockFile          = "session.lock"
)

// Prediction is one task-level output record, appended as the swarm
// settles tasks and read back by grading.
type Prediction struct {
	TaskID    string    `json:"taskId"`
	Model     string    `json:"model,omitempty"`
	Output    string    `json:"output"`
	Success   bool      `json:"success"`
	Tokens    int       `json:"tokens"`
	Cost      float64   `json:"cost"`
	CreatedAt time.Time `json:"createdAt"`
}

// WorkerResult records the outcome of one worker dispatch, including
// retries that later succeeded.
type WorkerResult struct {
	TaskID      string    `json:"taskId"`
	Agent       string    `json:"agent"`
	Attempt     int       `json:"attempt"`
	Success     bool      `json:"success"`
	Tokens      int       `json:"tokens"`
	Cost        float64   `json:"cost"`
	DurationMs  int64     `json:"durationMs"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// Store manages the sessions directory.
type Store struct {
	root string
}

// NewStore creates a Store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the sessions directory.
func (s *Store) Root() string { return s.root }

// Sessions lists known session ids, oldest first. Session ids embed their
// creation timestamp, so lexicographic order is chronological.
func (s *Store) Sessions() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read sessions directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Resolve maps a session id to a concrete one. The id "latest" (or empty)
// selects the newest session; anything else must name an existing session.
func (s *Store) Resolve(id string) (string, error) {
	if id != "" && id != "latest" {
		if _, err := os.Stat(filepath.Join(s.root, id)); err != nil {
			return "", fmt.Errorf("state: session %q not found", id)
		}
		return id, nil
	}
	ids, err := s.Sessions()
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", ErrNoSessions
	}
	return ids[len(ids)-1], nil
}

// Open opens (creating if necessary) a session directory and acquires its
// lock. Returns ErrSessionLocked if another process holds the session.
func (s *Store) Open(sessionID string) (*Session, error) {
	dir := filepath.Join(s.root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	lock := filelock.New(filepath.Join(dir, lockFile))
	acquired, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %s", ErrSessionLocked, sessionID)
	}

	return &Session{id: sessionID, dir: dir, lock: lock}, nil
}

// Session is an open, locked session directory.
type Session struct {
	id   string
	dir  string
	lock *filelock.FileLock
}

// ID returns the session id.
func (sess *Session) ID() string { return sess.id }

// Dir returns the session directory.
func (sess *Session) Dir() string { return sess.dir }

// Close releases the session lock.
func (sess *Session) Close() error {
	if sess.lock == nil {
		return nil
	}
	err := sess.lock.Unlock()
	sess.lock = nil
	return err
}

// SaveCheckpoint writes a checkpoint to a new timestamped file. The write
// is atomic so a crash mid-save never corrupts the previous checkpoint.
func (sess *Session) SaveCheckpoint(cp *models.Checkpoint) error {
	ts := cp.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	name := checkpointPrefix + ts.UTC().Format(checkpointTimeFormat) + checkpointSuffix
	return filelock.AtomicWrite(filepath.Join(sess.dir, name), data)
}

// LatestCheckpoint loads the newest checkpoint by timestamp. Returns
// ErrNoCheckpoint when the session has none.
func (sess *Session) LatestCheckpoint() (*models.Checkpoint, error) {
	names, err := sess.checkpointNames()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrNoCheckpoint
	}
	return sess.loadCheckpoint(names[len(names)-1])
}

// Checkpoints lists checkpoint filenames, oldest first.
func (sess *Session) Checkpoints() ([]string, error) {
	return sess.checkpointNames()
}

func (sess *Session) checkpointNames() ([]string, error) {
	entries, err := os.ReadDir(sess.dir)
	if err != nil {
		return nil, fmt.Errorf("read session directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, checkpointPrefix) && strings.HasSuffix(name, checkpointSuffix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (sess *Session) loadCheckpoint(name string) (*models.Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(sess.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", name, err)
	}
	return &cp, nil
}

// AppendPrediction appends one record to the predictions log.
func (sess *Session) AppendPrediction(p Prediction) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return sess.appendJSONL(predictionsFile, p)
}

// Predictions reads back the predictions log, oldest first.
func (sess *Session) Predictions() ([]Prediction, error) {
	var out []Prediction
	err := sess.readJSONL(predictionsFile, func(line []byte) error {
		var p Prediction
		if err := json.Unmarshal(line, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// RecordWorkerResult appends one record to the worker-results log.
func (sess *Session) RecordWorkerResult(r WorkerResult) error {
	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now().UTC()
	}
	return sess.appendJSONL(workerResultsFile, r)
}

// WorkerResults reads back the worker-result log, oldest first.
func (sess *Session) WorkerResults() ([]WorkerResult, error) {
	var out []WorkerResult
	err := sess.readJSONL(workerResultsFile, func(line []byte) error {
		var r WorkerResult
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// RecordFileChanges appends workspace paths to the per-agent change log.
func (sess *Session) RecordFileChanges(agent string, files []string) error {
	if len(files) == 0 {
		return nil
	}
	dir := filepath.Join(sess.dir, changesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create changes directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, sanitizeAgent(agent)+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open change log: %w", err)
	}
	defer f.Close()
	for _, file := range files {
		if _, err := fmt.Fprintln(f, file); err != nil {
			return fmt.Errorf("append change log: %w", err)
		}
	}
	return nil
}

// FileChanges reads the per-agent change log. A missing log is an empty
// result, not an error.
func (sess *Session) FileChanges(agent string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(sess.dir, changesDir, sanitizeAgent(agent)+".log"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read change log: %w", err)
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func (sess *Session) appendJSONL(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", name, err)
	}
	f, err := os.OpenFile(filepath.Join(sess.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	return nil
}

func (sess *Session) readJSONL(name string, fn func(line []byte) error) error {
	f, err := os.Open(filepath.Join(sess.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := fn([]byte(line)); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
	}
	return scanner.Err()
}

// sanitizeAgent makes an agent name safe to use as a filename.
func sanitizeAgent(agent string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, agent)
}
