// Package store persists the engine's records: the task queue, the current
// task, the agent registry, per-task records, conflict reports and the
// operator signal inbox.
//
// Every write goes to a staging file in the destination directory and is
// renamed into place, so a concurrent reader sees either the previous or the
// new record, never a partial one. A missing or unreadable record loads as
// its empty default.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	lwerrors "github.com/Iron-Ham/laneway/internal/errors"
	"github.com/Iron-Ham/laneway/internal/logging"
	"github.com/Iron-Ham/laneway/internal/task"
)

const (
	queueFile    = "queue.json"
	currentFile  = "current.json"
	registryFile = "registry.json"
	tasksDir     = "tasks"
	archiveDir   = "archive"
	signalsDir   = "signals"
	conflictsDir = "conflicts"
)

// Store reads and writes engine records under a state directory.
// It is safe for concurrent use.
type Store struct {
	fs     afero.Fs
	dir    string
	logger *logging.Logger
	now    func() time.Time

	mu    sync.Mutex
	flock bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for corruption warnings.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source used to stamp signals.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store rooted at dir on fs, creating the directory layout.
// Cross-process locking is only used on the OS filesystem.
func New(fs afero.Fs, dir string, opts ...Option) (*Store, error) {
	s := &Store{
		fs:     fs,
		dir:    dir,
		logger: logging.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	_, s.flock = fs.(*afero.OsFs)

	for _, sub := range []string{"", tasksDir, signalsDir, conflictsDir} {
		if err := fs.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}
	return s, nil
}

// NewOS creates a Store on the real filesystem.
func NewOS(dir string, opts ...Option) (*Store, error) {
	return New(afero.NewOsFs(), dir, opts...)
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

// Fs returns the filesystem the store writes to.
func (s *Store) Fs() afero.Fs { return s.fs }

// EngineLock returns the lock that guarantees a single engine process per
// state directory. It is nil when the store is not on the OS filesystem.
func (s *Store) EngineLock() *FileLock {
	if !s.flock {
		return nil
	}
	return NewFileLock(s.dir, engineLockName)
}

// Load reads all three engine records.
func (s *Store) Load(ctx context.Context) (Queue, CurrentTask, Registry, error) {
	if err := ctx.Err(); err != nil {
		return Queue{}, CurrentTask{}, Registry{}, err
	}
	return s.LoadQueue(), s.LoadCurrent(), s.LoadRegistry(), nil
}

// LoadQueue returns the queue record, or an empty queue.
func (s *Store) LoadQueue() Queue {
	var q Queue
	if !s.readJSON(filepath.Join(s.dir, queueFile), &q) {
		q = Queue{}
	}
	if q.Tasks == nil {
		q.Tasks = []QueueEntry{}
	}
	if q.Completed == nil {
		q.Completed = []string{}
	}
	return q
}

// LoadCurrent returns the current-task record, or the zero record.
func (s *Store) LoadCurrent() CurrentTask {
	var c CurrentTask
	if !s.readJSON(filepath.Join(s.dir, currentFile), &c) {
		c = CurrentTask{}
	}
	if c.Agents == nil {
		c.Agents = []string{}
	}
	return c
}

// LoadRegistry returns the registry record, or an empty registry.
func (s *Store) LoadRegistry() Registry {
	var r Registry
	if !s.readJSON(filepath.Join(s.dir, registryFile), &r) {
		r = Registry{}
	}
	if r.Agents == nil {
		r.Agents = []Registration{}
	}
	return r
}

// SaveQueue atomically replaces the queue record.
func (s *Store) SaveQueue(q Queue) error {
	return s.writeJSON(filepath.Join(s.dir, queueFile), q)
}

// SaveCurrent atomically replaces the current-task record.
func (s *Store) SaveCurrent(c CurrentTask) error {
	return s.writeJSON(filepath.Join(s.dir, currentFile), c)
}

// SaveRegistry atomically replaces the registry record.
func (s *Store) SaveRegistry(r Registry) error {
	return s.writeJSON(filepath.Join(s.dir, registryFile), r)
}

// ClearCurrent resets the current-task record.
func (s *Store) ClearCurrent() error {
	return s.SaveCurrent(CurrentTask{Agents: []string{}})
}

// ClearRegistry removes every registration.
func (s *Store) ClearRegistry() error {
	return s.SaveRegistry(Registry{Agents: []Registration{}})
}

func (s *Store) taskPath(id string) string {
	return filepath.Join(s.dir, tasksDir, id+".json")
}

// SaveTask atomically replaces the per-task record.
func (s *Store) SaveTask(t *task.Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("save task: missing id")
	}
	return s.writeJSON(s.taskPath(t.ID), t)
}

// LoadTask returns the per-task record. A missing or unreadable record
// yields ErrTaskNotFound.
func (s *Store) LoadTask(id string) (*task.Task, error) {
	var t task.Task
	if !s.readJSON(s.taskPath(id), &t) {
		return nil, lwerrors.Wrapf(lwerrors.ErrTaskNotFound, "task %s", id)
	}
	return &t, nil
}

// ArchiveTask moves a finished task's record out of the live task directory.
func (s *Store) ArchiveTask(id string) error {
	return s.withWriteLock(func() error {
		dst := filepath.Join(s.dir, tasksDir, archiveDir)
		if err := s.fs.MkdirAll(dst, 0755); err != nil {
			return fmt.Errorf("create archive directory: %w", err)
		}
		err := s.fs.Rename(s.taskPath(id), filepath.Join(dst, id+".json"))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("archive task %s: %w", id, err)
		}
		return nil
	})
}

// LoadArchivedTask reads a task record moved by ArchiveTask.
func (s *Store) LoadArchivedTask(id string) (*task.Task, error) {
	var t task.Task
	if !s.readJSON(filepath.Join(s.dir, tasksDir, archiveDir, id+".json"), &t) {
		return nil, lwerrors.Wrapf(lwerrors.ErrTaskNotFound, "archived task %s", id)
	}
	return &t, nil
}

// ConflictReportPath returns where the report for a conflict is written.
func (s *Store) ConflictReportPath(taskID, conflictID string) string {
	return filepath.Join(s.dir, conflictsDir, taskID, conflictID+".yaml")
}

// SaveConflictReport atomically writes a rendered conflict report and
// returns its path.
func (s *Store) SaveConflictReport(taskID, conflictID string, data []byte) (string, error) {
	path := s.ConflictReportPath(taskID, conflictID)
	err := s.withWriteLock(func() error { return s.writeAtomic(path, data) })
	return path, err
}

// ReadConflictReport returns a previously written conflict report.
func (s *Store) ReadConflictReport(taskID, conflictID string) ([]byte, error) {
	return afero.ReadFile(s.fs, s.ConflictReportPath(taskID, conflictID))
}

// PostSignal drops an operator signal into the inbox.
func (s *Store) PostSignal(sig Signal) (Signal, error) {
	if sig.Kind == "" {
		return sig, fmt.Errorf("post signal: missing kind")
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = s.now()
	}
	name := fmt.Sprintf("%020d-%s-%s.json", sig.CreatedAt.UnixNano(), sig.Kind, sig.ID)
	sig.file = name
	return sig, s.writeJSON(filepath.Join(s.dir, signalsDir, name), sig)
}

// PendingSignals returns the inbox contents in posting order. Signals that
// cannot be parsed are logged and removed.
func (s *Store) PendingSignals() ([]Signal, error) {
	dir := filepath.Join(s.dir, signalsDir)
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read signal inbox: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)

	signals := make([]Signal, 0, len(names))
	for _, name := range names {
		var sig Signal
		if !s.readJSON(filepath.Join(dir, name), &sig) || sig.Kind == "" {
			_ = s.fs.Remove(filepath.Join(dir, name))
			continue
		}
		sig.file = name
		signals = append(signals, sig)
	}
	return signals, nil
}

// AckSignal removes a handled signal from the inbox.
func (s *Store) AckSignal(sig Signal) error {
	if sig.file == "" {
		return nil
	}
	err := s.fs.Remove(filepath.Join(s.dir, signalsDir, sig.file))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ack signal %s: %w", sig.ID, err)
	}
	return nil
}

func (s *Store) withWriteLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.flock {
		fl := NewFileLock(s.dir, storeLockName)
		if err := fl.Lock(); err != nil {
			return fmt.Errorf("acquire store lock: %w", err)
		}
		defer func() { _ = fl.Unlock() }()
	}
	return fn()
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return s.withWriteLock(func() error { return s.writeAtomic(path, data) })
}

// writeAtomic writes data to a hidden staging file beside path and renames
// it into place. The caller must hold the write lock.
func (s *Store) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = s.fs.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write staging file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close staging file: %w", err)
	}
	if err := s.fs.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("set permissions: %w", err)
	}
	if err := s.fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename staging file: %w", err)
	}

	success = true
	return nil
}

// readJSON decodes path into v and reports whether a valid record was found.
// Unreadable records are logged and treated as absent.
func (s *Store) readJSON(path string, v any) bool {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("unreadable record, using empty default", "path", path, "error", err.Error())
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("corrupt record, using empty default", "path", path, "error", err.Error())
		return false
	}
	return true
}
