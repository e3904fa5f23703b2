package lane

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/gobwas/glob"

	lwerrors "github.com/Iron-Ham/laneway/internal/errors"
)

// Lane assigns a role the paths it may write.
type Lane struct {
	Role  string
	Paths []string
}

// Assignment is the configured lane layout. Lane order is the order in
// which subtasks are planned and spawned.
type Assignment struct {
	Lanes  []Lane
	Shared []string
}

// Subtask is a planned unit of work for one role.
type Subtask struct {
	Role  string
	Scope []string
}

// Plan is the resolver's proposal for a task.
type Plan struct {
	Subtasks []Subtask
	// Shared lists impacted paths under shared prefixes. Every agent may
	// write them, so they need explicit coordination.
	Shared []string
	// Unassigned lists impacted paths no lane covers.
	Unassigned []string
}

// Roles returns the planned roles in order.
func (p Plan) Roles() []string {
	roles := make([]string, len(p.Subtasks))
	for i, s := range p.Subtasks {
		roles[i] = s.Role
	}
	return roles
}

// Scopes returns the planned scopes in order.
func (p Plan) Scopes() [][]string {
	scopes := make([][]string, len(p.Subtasks))
	for i, s := range p.Subtasks {
		scopes[i] = s.Scope
	}
	return scopes
}

type matcher struct {
	raw    string
	prefix string    // set for directory prefixes
	glob   glob.Glob // set for glob patterns
}

func (m matcher) match(p string) bool {
	if m.glob != nil {
		return m.glob.Match(p) || m.glob.Match(p+"/")
	}
	return hasDirPrefix(p, m.prefix)
}

type compiledLane struct {
	role     string
	matchers []matcher
}

func (l compiledLane) owns(p string) bool {
	for _, m := range l.matchers {
		if m.match(p) {
			return true
		}
	}
	return false
}

// Resolver partitions impacted paths into per-role subtasks.
type Resolver struct {
	lanes  []compiledLane
	shared []string
}

// New validates an assignment and compiles its patterns.
func New(a Assignment) (*Resolver, error) {
	r := &Resolver{}
	seen := make(map[string]bool)

	for i, l := range a.Lanes {
		field := fmt.Sprintf("lanes[%d]", i)
		if strings.TrimSpace(l.Role) == "" {
			return nil, lwerrors.NewConfigError(field+".role", "role cannot be empty")
		}
		if seen[l.Role] {
			return nil, lwerrors.NewConfigError(field+".role", fmt.Sprintf("duplicate role %q", l.Role))
		}
		seen[l.Role] = true
		if len(l.Paths) == 0 {
			return nil, lwerrors.NewConfigError(field+".paths", fmt.Sprintf("lane %q has no paths", l.Role))
		}

		cl := compiledLane{role: l.Role}
		for _, raw := range l.Paths {
			m, err := compile(raw)
			if err != nil {
				return nil, lwerrors.NewConfigError(field+".paths", err.Error())
			}
			cl.matchers = append(cl.matchers, m)
		}
		r.lanes = append(r.lanes, cl)
	}

	// Literal prefixes can be checked for overlap up front; globs are
	// caught when an impacted path matches two lanes.
	for i := range r.lanes {
		for j := i + 1; j < len(r.lanes); j++ {
			if p, ok := prefixOverlap(r.lanes[i], r.lanes[j]); ok {
				return nil, lwerrors.NewLaneOverlapError(p, r.lanes[i].role, r.lanes[j].role)
			}
		}
	}

	for _, raw := range a.Shared {
		p := Normalize(raw)
		if p == "" {
			return nil, lwerrors.NewConfigError("shared", "shared prefix cannot be empty")
		}
		if role, ok := r.Owner(p); ok {
			return nil, lwerrors.NewConfigError("shared", fmt.Sprintf("shared prefix %q lies inside lane %q", raw, role))
		}
		for _, l := range r.lanes {
			for _, m := range l.matchers {
				if m.prefix != "" && hasDirPrefix(m.prefix, p) {
					return nil, lwerrors.NewConfigError("shared", fmt.Sprintf("shared prefix %q contains lane %q path %q", raw, l.role, m.raw))
				}
			}
		}
		r.shared = append(r.shared, p)
	}

	return r, nil
}

func compile(raw string) (matcher, error) {
	p := Normalize(raw)
	if p == "" {
		return matcher{}, fmt.Errorf("empty path pattern %q", raw)
	}
	if !isGlob(p) {
		return matcher{raw: raw, prefix: p}, nil
	}
	g, err := glob.Compile(p, '/')
	if err != nil {
		return matcher{}, fmt.Errorf("invalid glob %q: %v", raw, err)
	}
	return matcher{raw: raw, glob: g}, nil
}

func prefixOverlap(a, b compiledLane) (string, bool) {
	for _, ma := range a.matchers {
		for _, mb := range b.matchers {
			if ma.prefix == "" || mb.prefix == "" {
				continue
			}
			if hasDirPrefix(ma.prefix, mb.prefix) {
				return ma.prefix, true
			}
			if hasDirPrefix(mb.prefix, ma.prefix) {
				return mb.prefix, true
			}
		}
	}
	return "", false
}

// Resolve maps each impacted path to its owning lane. Subtasks follow lane
// declaration order with one subtask per role touched; scopes keep the
// order in which paths were given.
func (r *Resolver) Resolve(impact []string) (Plan, error) {
	var plan Plan
	scopes := make(map[string][]string)

	for _, raw := range impact {
		p := Normalize(raw)
		if p == "" {
			continue
		}
		if r.IsShared(p) {
			plan.Shared = appendUnique(plan.Shared, p)
			continue
		}
		owners := r.owners(p)
		switch len(owners) {
		case 0:
			plan.Unassigned = appendUnique(plan.Unassigned, p)
		case 1:
			scopes[owners[0]] = appendUnique(scopes[owners[0]], p)
		default:
			return Plan{}, lwerrors.NewLaneOverlapError(p, owners[0], owners[1])
		}
	}

	for _, l := range r.lanes {
		if scope, ok := scopes[l.role]; ok {
			plan.Subtasks = append(plan.Subtasks, Subtask{Role: l.role, Scope: scope})
		}
	}
	return plan, nil
}

// ValidatePlan checks a hand-written plan: roles must be configured and
// distinct, and scopes must be pairwise disjoint outside shared prefixes.
func (r *Resolver) ValidatePlan(subtasks []Subtask) error {
	roles := make(map[string]bool)
	for _, s := range subtasks {
		if !slices.Contains(r.Roles(), s.Role) {
			return lwerrors.NewConfigError("plan", fmt.Sprintf("unknown role %q", s.Role))
		}
		if roles[s.Role] {
			return lwerrors.NewConfigError("plan", fmt.Sprintf("role %q planned twice", s.Role))
		}
		roles[s.Role] = true
		if len(s.Scope) == 0 {
			return lwerrors.NewConfigError("plan", fmt.Sprintf("role %q has an empty scope", s.Role))
		}
	}

	for i := range subtasks {
		for j := i + 1; j < len(subtasks); j++ {
			for _, a := range subtasks[i].Scope {
				for _, b := range subtasks[j].Scope {
					pa, pb := Normalize(a), Normalize(b)
					if !hasDirPrefix(pa, pb) && !hasDirPrefix(pb, pa) {
						continue
					}
					if r.IsShared(pa) && r.IsShared(pb) {
						continue
					}
					return lwerrors.Wrapf(lwerrors.ErrPlanOverlap, "%s scope %q overlaps %s scope %q",
						subtasks[i].Role, a, subtasks[j].Role, b)
				}
			}
		}
	}
	return nil
}

// Owner returns the single lane that owns p. Shared, unowned and
// ambiguous paths report false.
func (r *Resolver) Owner(p string) (string, bool) {
	p = Normalize(p)
	if r.IsShared(p) {
		return "", false
	}
	owners := r.owners(p)
	if len(owners) != 1 {
		return "", false
	}
	return owners[0], true
}

// Allowed reports whether role may write p: inside its lane or a shared prefix.
func (r *Resolver) Allowed(role, p string) bool {
	p = Normalize(p)
	if r.IsShared(p) {
		return true
	}
	for _, l := range r.lanes {
		if l.role == role {
			return l.owns(p)
		}
	}
	return false
}

// IsShared reports whether p lies under a shared prefix.
func (r *Resolver) IsShared(p string) bool {
	p = Normalize(p)
	for _, s := range r.shared {
		if hasDirPrefix(p, s) {
			return true
		}
	}
	return false
}

// Roles returns the configured roles in declaration order.
func (r *Resolver) Roles() []string {
	roles := make([]string, len(r.lanes))
	for i, l := range r.lanes {
		roles[i] = l.role
	}
	return roles
}

// Shared returns the normalized shared prefixes.
func (r *Resolver) Shared() []string {
	return slices.Clone(r.shared)
}

func (r *Resolver) owners(p string) []string {
	var owners []string
	for _, l := range r.lanes {
		if l.owns(p) {
			owners = append(owners, l.role)
		}
	}
	return owners
}

// Normalize converts a path or pattern to the slash-separated, relative,
// trailing-slash-free form used for matching.
func Normalize(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return ""
	}
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

func isGlob(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

// hasDirPrefix reports whether p equals prefix or lies beneath it.
func hasDirPrefix(p, prefix string) bool {
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func appendUnique(list []string, s string) []string {
	if slices.Contains(list, s) {
		return list
	}
	return append(list, s)
}
