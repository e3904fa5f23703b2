// Package lanewatch watches agent workspaces and reports writes that fall
// outside the writing agent's lane, plus shared files touched by more than
// one agent. Lanes are also enforced at integration time; the watcher makes
// violations visible while agents are still running.
package lanewatch

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/laneway/internal/event"
	"github.com/Iron-Ham/laneway/internal/logging"
)

const debounce = 50 * time.Millisecond

// Lanes answers ownership questions for repository-relative paths.
type Lanes interface {
	Allowed(role, path string) bool
	Owner(path string) (string, bool)
	IsShared(path string) bool
}

// Violation is a write outside the agent's lane.
type Violation struct {
	AgentID string
	Role    string
	Path    string // relative to the workspace root
	Owner   string // owning role, empty when no lane claims the path
	At      time.Time
}

// SharedEdit is a shared path written by several agents.
type SharedEdit struct {
	Path   string
	Agents []string
}

type agent struct {
	role      string
	workspace string
	scope     []string
}

// inScope reports whether p lies under one of the agent's assigned paths.
// Plans overridden by hand can give an agent paths outside its lane.
func (a agent) inScope(p string) bool {
	for _, s := range a.scope {
		if p == s || strings.HasPrefix(p, strings.TrimSuffix(s, "/")+"/") {
			return true
		}
	}
	return false
}

// Watcher tracks file writes across agent workspaces.
type Watcher struct {
	watcher *fsnotify.Watcher
	lanes   Lanes
	bus     *event.Bus
	logger  *logging.Logger

	mu          sync.RWMutex
	agents      map[string]agent
	violations  map[string]Violation       // agentID + "\x00" + path
	sharedEdits map[string]map[string]bool // path -> agent ids
	ignorePaths []string

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a watcher that checks writes against lanes.
func New(lanes Lanes, bus *event.Bus, logger *logging.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Watcher{
		watcher:     fw,
		lanes:       lanes,
		bus:         bus,
		logger:      logger,
		agents:      make(map[string]agent),
		violations:  make(map[string]Violation),
		sharedEdits: make(map[string]map[string]bool),
		ignorePaths: []string{".git", ".laneway", "node_modules", ".DS_Store"},
		stopCh:      make(chan struct{}),
	}, nil
}

// Add starts watching an agent's workspace. Writes are allowed inside the
// role's lane, the shared paths and the agent's own scope.
func (w *Watcher) Add(agentID, role, workspace string, scope []string) error {
	workspace = filepath.Clean(workspace)
	w.mu.Lock()
	w.agents[agentID] = agent{role: role, workspace: workspace, scope: scope}
	w.mu.Unlock()
	return w.watchDirRecursive(workspace)
}

// watchDirRecursive adds root and all non-ignored subdirectories.
func (w *Watcher) watchDirRecursive(root string) error {
	if err := w.watcher.Add(root); err != nil {
		return err
	}
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if path != root && w.ignored(path) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() && path != root {
			_ = w.watcher.Add(path)
		}
		return nil
	})
}

// Remove stops watching an agent and forgets its writes.
func (w *Watcher) Remove(agentID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	a, ok := w.agents[agentID]
	if !ok {
		return
	}
	delete(w.agents, agentID)
	for _, p := range w.watcher.WatchList() {
		if p == a.workspace || strings.HasPrefix(p, a.workspace+string(filepath.Separator)) {
			_ = w.watcher.Remove(p)
		}
	}
	for key := range w.violations {
		if strings.HasPrefix(key, agentID+"\x00") {
			delete(w.violations, key)
		}
	}
	for path, ids := range w.sharedEdits {
		delete(ids, agentID)
		if len(ids) == 0 {
			delete(w.sharedEdits, path)
		}
	}
}

// Start begins processing filesystem events.
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
}

func (w *Watcher) watchLoop() {
	// Editors emit several events per save; coalesce them.
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := make(map[string]fsnotify.Event)

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !w.ignored(ev.Name) {
					_ = w.watchDirRecursive(ev.Name)
					continue
				}
			}
			pending[ev.Name] = ev
			timer.Reset(debounce)

		case <-timer.C:
			for _, ev := range pending {
				w.handle(ev)
			}
			pending = make(map[string]fsnotify.Event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("lane watcher error", "error", err.Error())
		}
	}
}

func (w *Watcher) ignored(path string) bool {
	sep := string(filepath.Separator)
	for _, ignore := range w.ignorePaths {
		if strings.Contains(path, sep+ignore+sep) || strings.HasSuffix(path, sep+ignore) || filepath.Base(path) == ignore {
			return true
		}
	}
	return false
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if w.ignored(ev.Name) {
		return
	}

	w.mu.Lock()
	var agentID string
	var a agent
	for id, candidate := range w.agents {
		if strings.HasPrefix(ev.Name, candidate.workspace+string(filepath.Separator)) {
			agentID, a = id, candidate
			break
		}
	}
	if agentID == "" {
		w.mu.Unlock()
		return
	}
	rel, err := filepath.Rel(a.workspace, ev.Name)
	if err != nil {
		w.mu.Unlock()
		return
	}
	rel = filepath.ToSlash(rel)

	var shared *SharedEdit
	if w.lanes.IsShared(rel) {
		writers := w.sharedEdits[rel]
		if writers == nil {
			writers = make(map[string]bool)
			w.sharedEdits[rel] = writers
		}
		if !writers[agentID] {
			writers[agentID] = true
			if len(writers) > 1 {
				shared = &SharedEdit{Path: rel, Agents: sortedKeys(writers)}
			}
		}
	}

	var v *Violation
	key := agentID + "\x00" + rel
	if _, seen := w.violations[key]; !seen && !w.lanes.Allowed(a.role, rel) && !a.inScope(rel) {
		owner, _ := w.lanes.Owner(rel)
		nv := Violation{AgentID: agentID, Role: a.role, Path: rel, Owner: owner, At: time.Now()}
		w.violations[key] = nv
		v = &nv
	}
	w.mu.Unlock()

	if v != nil {
		w.bus.Publish(event.NewLaneViolationEvent(v.AgentID, v.Role, v.Path, v.Owner))
	}
	if shared != nil {
		w.bus.Publish(event.NewSharedEditEvent(shared.Path, shared.Agents))
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Violations returns recorded violations, optionally for one agent, sorted
// by path.
func (w *Watcher) Violations(agentID string) []Violation {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []Violation
	for _, v := range w.violations {
		if agentID == "" || v.AgentID == agentID {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b Violation) int {
		if c := strings.Compare(a.AgentID, b.AgentID); c != 0 {
			return c
		}
		return strings.Compare(a.Path, b.Path)
	})
	return out
}

// SharedEdits returns shared paths written by more than one agent.
func (w *Watcher) SharedEdits() []SharedEdit {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []SharedEdit
	for path, ids := range w.sharedEdits {
		if len(ids) < 2 {
			continue
		}
		out = append(out, SharedEdit{Path: path, Agents: sortedKeys(ids)})
	}
	slices.SortFunc(out, func(a, b SharedEdit) int { return strings.Compare(a.Path, b.Path) })
	return out
}
