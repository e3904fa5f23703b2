package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	lwerrors "github.com/Iron-Ham/laneway/internal/errors"
	"github.com/Iron-Ham/laneway/internal/logging"
	"github.com/Iron-Ham/laneway/internal/task"
)

func newMemStore(t *testing.T, opts ...Option) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	s, err := New(fs, "/state", opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, fs
}

func TestLoad_MissingFilesYieldDefaults(t *testing.T) {
	s, _ := newMemStore(t)

	q, cur, reg, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(q.Tasks) != 0 || q.CurrentTaskID != "" || q.Completed == nil {
		t.Errorf("queue = %+v, want empty default", q)
	}
	if !cur.IsZero() || cur.Agents == nil {
		t.Errorf("current = %+v, want zero", cur)
	}
	if reg.Agents == nil || len(reg.Agents) != 0 {
		t.Errorf("registry = %+v, want empty", reg)
	}
}

func TestLoad_CancelledContext(t *testing.T) {
	s, _ := newMemStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, _, err := s.Load(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Load() error = %v, want context.Canceled", err)
	}
}

func TestLoad_CorruptFileWarnsAndDefaults(t *testing.T) {
	var buf bytes.Buffer
	s, fs := newMemStore(t, WithLogger(logging.NewWriterLogger(&buf, logging.LevelDebug)))

	if err := afero.WriteFile(fs, "/state/queue.json", []byte(`{"tasks": [`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/state/registry.json", []byte(`{"agents": "nope"}`), 0644); err != nil {
		t.Fatal(err)
	}

	q := s.LoadQueue()
	if len(q.Tasks) != 0 {
		t.Errorf("corrupt queue should load empty, got %+v", q)
	}
	reg := s.LoadRegistry()
	if len(reg.Agents) != 0 {
		t.Errorf("corrupt registry should load empty, got %+v", reg)
	}
	if !strings.Contains(buf.String(), "corrupt record") || !strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Errorf("expected WARN log line, got %s", buf.String())
	}
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	s, fs := newMemStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	q := Queue{Tasks: []QueueEntry{{ID: "1", Source: "direct", Title: "a"}}, CurrentTaskID: "1", Completed: []string{"0"}}
	if err := s.SaveQueue(q); err != nil {
		t.Fatal(err)
	}
	cur := CurrentTask{ID: "1", State: "ACTIVE", Started: now, Agents: []string{"api-1"}}
	if err := s.SaveCurrent(cur); err != nil {
		t.Fatal(err)
	}
	reg := Registry{Agents: []Registration{{AgentID: "api-1", Role: "api", TaskID: "1", SubtaskID: "1-0", LastActivity: now}}}
	if err := s.SaveRegistry(reg); err != nil {
		t.Fatal(err)
	}

	gotQ, gotCur, gotReg, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if gotQ.CurrentTaskID != "1" || len(gotQ.Tasks) != 1 || gotQ.Completed[0] != "0" {
		t.Errorf("queue = %+v", gotQ)
	}
	if gotCur.State != "ACTIVE" || !gotCur.Started.Equal(now) {
		t.Errorf("current = %+v", gotCur)
	}
	if len(gotReg.Agents) != 1 || gotReg.Agents[0].SubtaskID != "1-0" {
		t.Errorf("registry = %+v", gotReg)
	}

	// Field names in the queue record are part of the external contract.
	data, _ := afero.ReadFile(fs, "/state/queue.json")
	for _, key := range []string{`"tasks"`, `"current_task_id"`, `"completed"`, `"source"`} {
		if !bytes.Contains(data, []byte(key)) {
			t.Errorf("queue.json missing %s", key)
		}
	}

	if err := s.ClearCurrent(); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearRegistry(); err != nil {
		t.Fatal(err)
	}
	if !s.LoadCurrent().IsZero() || len(s.LoadRegistry().Agents) != 0 {
		t.Error("clear did not reset records")
	}
}

func TestSave_LeavesNoStagingFiles(t *testing.T) {
	s, fs := newMemStore(t)
	for i := 0; i < 5; i++ {
		if err := s.SaveQueue(Queue{CurrentTaskID: fmt.Sprint(i)}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := afero.ReadDir(fs, "/state")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("leftover staging file %s", e.Name())
		}
	}
}

func TestLoad_IgnoresLeftoverStagingFiles(t *testing.T) {
	s, fs := newMemStore(t)
	if err := s.SaveQueue(Queue{CurrentTaskID: "42"}); err != nil {
		t.Fatal(err)
	}
	_ = afero.WriteFile(fs, "/state/.queue.json.123.tmp", []byte(`{"current_task_id": "half`), 0644)

	if got := s.LoadQueue().CurrentTaskID; got != "42" {
		t.Errorf("CurrentTaskID = %q, want 42", got)
	}
}

func TestTaskRecords(t *testing.T) {
	s, _ := newMemStore(t)
	tk := task.New("99", "", "title", "desc", time.Now())

	if _, err := s.LoadTask("99"); !errors.Is(err, lwerrors.ErrTaskNotFound) {
		t.Fatalf("LoadTask(missing) error = %v", err)
	}
	if err := s.SaveTask(tk); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadTask("99")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "title" || got.State != task.Pending {
		t.Errorf("LoadTask() = %+v", got)
	}

	if err := s.ArchiveTask("99"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadTask("99"); !errors.Is(err, lwerrors.ErrTaskNotFound) {
		t.Error("archived task should leave the live directory")
	}
	if _, err := s.LoadArchivedTask("99"); err != nil {
		t.Errorf("LoadArchivedTask() error = %v", err)
	}
}

func TestConflictReports(t *testing.T) {
	s, _ := newMemStore(t)
	path, err := s.SaveConflictReport("7", "abc", []byte("task_id: \"7\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join("/state", "conflicts", "7", "abc.yaml") {
		t.Errorf("path = %q", path)
	}
	data, err := s.ReadConflictReport("7", "abc")
	if err != nil || !strings.Contains(string(data), "task_id") {
		t.Errorf("ReadConflictReport() = %q, %v", data, err)
	}
}

func TestSignals(t *testing.T) {
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, fs := newMemStore(t, WithClock(func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}))

	kinds := []SignalKind{SignalSubmit, SignalApprove, SignalReject}
	for _, k := range kinds {
		if _, err := s.PostSignal(Signal{Kind: k, Reason: string(k)}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.PostSignal(Signal{}); err == nil {
		t.Error("signal without kind should be refused")
	}
	_ = afero.WriteFile(fs, "/state/signals/00000000000000000000-zzz.json", []byte("{"), 0644)

	pending, err := s.PendingSignals()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("len(pending) = %d, want 3", len(pending))
	}
	for i, k := range kinds {
		if pending[i].Kind != k || pending[i].ID == "" {
			t.Errorf("pending[%d] = %+v, want kind %s", i, pending[i], k)
		}
	}
	if ok, _ := afero.Exists(fs, "/state/signals/00000000000000000000-zzz.json"); ok {
		t.Error("unparsable signal should be removed")
	}

	if err := s.AckSignal(pending[0]); err != nil {
		t.Fatal(err)
	}
	pending, _ = s.PendingSignals()
	if len(pending) != 2 || pending[0].Kind != SignalApprove {
		t.Errorf("after ack: %+v", pending)
	}
}

func TestRegistry(t *testing.T) {
	var r Registry
	if err := r.Add(Registration{AgentID: "api-1", SubtaskID: "t-0", TaskID: "t"}); err != nil {
		t.Fatal(err)
	}
	err := r.Add(Registration{AgentID: "api-2", SubtaskID: "t-0", TaskID: "t"})
	if !errors.Is(err, lwerrors.ErrDuplicateRegistration) {
		t.Errorf("second registration for subtask error = %v", err)
	}
	if _, ok := r.ForSubtask("t-0"); !ok {
		t.Error("ForSubtask failed")
	}
	if len(r.ForTask("t")) != 1 || r.AgentIDs()[0] != "api-1" {
		t.Error("ForTask/AgentIDs mismatch")
	}
	if !r.Remove("api-1") || r.Remove("api-1") {
		t.Error("Remove should report existence once")
	}
}

func TestQueue(t *testing.T) {
	q := Queue{}
	if _, ok := q.Next(); ok {
		t.Error("empty queue has no next")
	}
	q.Enqueue(QueueEntry{ID: "1"})
	q.Enqueue(QueueEntry{ID: "2"})
	q.CurrentTaskID = "2"
	if e, _ := q.Next(); e.ID != "2" {
		t.Errorf("Next() = %s, want current task 2", e.ID)
	}
	q.Finish("2")
	if q.CurrentTaskID != "" || len(q.Tasks) != 1 || q.Completed[0] != "2" {
		t.Errorf("after Finish: %+v", q)
	}
	if e, _ := q.Next(); e.ID != "1" {
		t.Errorf("Next() = %s, want 1", e.ID)
	}
	if ids := q.IDs(); len(ids) != 2 {
		t.Errorf("IDs() = %v", ids)
	}
}

// Readers racing a writer on the real filesystem must only ever observe
// complete records.
func TestConcurrentSaveLoad_Atomic(t *testing.T) {
	s, err := NewOS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	makeQueue := func(n int) Queue {
		q := Queue{CurrentTaskID: fmt.Sprint(n), Completed: []string{}}
		for i := 0; i < n; i++ {
			q.Tasks = append(q.Tasks, QueueEntry{ID: fmt.Sprint(i), Title: strings.Repeat("x", 256) + fmt.Sprint(n)})
		}
		return q
	}
	if err := s.SaveQueue(makeQueue(1)); err != nil {
		t.Fatal(err)
	}

	const writes = 150
	var wg sync.WaitGroup
	done := make(chan struct{})
	errCh := make(chan error, 8)

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				q := s.LoadQueue()
				n := len(q.Tasks)
				if n == 0 || q.CurrentTaskID != fmt.Sprint(n) {
					errCh <- fmt.Errorf("torn read: %d tasks, current %q", n, q.CurrentTaskID)
					return
				}
				for _, e := range q.Tasks {
					if !strings.HasSuffix(e.Title, fmt.Sprint(n)) {
						errCh <- fmt.Errorf("mixed record at size %d", n)
						return
					}
				}
			}
		}()
	}

	for i := 2; i <= writes; i++ {
		if err := s.SaveQueue(makeQueue(i)); err != nil {
			t.Fatalf("SaveQueue(%d) error = %v", i, err)
		}
	}
	close(done)
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}

	if got := len(s.LoadQueue().Tasks); got != writes {
		t.Errorf("final queue size = %d, want %d", got, writes)
	}
}

func TestFileLock_TryLock(t *testing.T) {
	dir := t.TempDir()
	first := NewFileLock(dir, engineLockName)
	ok, err := first.TryLock()
	if err != nil || !ok {
		t.Fatalf("first TryLock() = %v, %v", ok, err)
	}
	defer func() { _ = first.Unlock() }()

	second := NewFileLock(dir, engineLockName)
	ok, err = second.TryLock()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		_ = second.Unlock()
		t.Error("second TryLock() should fail while the lock is held")
	}
}
