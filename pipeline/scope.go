package pipeline

import (
	"strings"
	"sync"

	"github.com/saiset-co/sai-gate/types"
)

// MiddlewareSet is the storage every middleware-aware entity embeds.
// Registration is chainable and never fails in place: defects (nil
// units, writes after freeze) are recorded and surfaced by the next
// endpoint build touching the entity.
type MiddlewareSet struct {
	mu         sync.Mutex
	permission []types.PermissionUnit
	before     []types.BeforeUnit
	after      []types.AfterUnit
	frozen     bool
	defect     error
}

func (s *MiddlewareSet) addPermission(owner string, units []types.PermissionUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.writable(owner) {
		return
	}

	for _, unit := range units {
		if unit == nil {
			s.recordDefect(types.ConfigErrorf(types.ErrUnitIsNil, "permission unit on %s", owner))
			return
		}
		s.permission = append(s.permission, unit)
	}
}

func (s *MiddlewareSet) addBefore(owner string, units []types.BeforeUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.writable(owner) {
		return
	}

	for _, unit := range units {
		if unit == nil {
			s.recordDefect(types.ConfigErrorf(types.ErrUnitIsNil, "before unit on %s", owner))
			return
		}
		s.before = append(s.before, unit)
	}
}

func (s *MiddlewareSet) addAfter(owner string, units []types.AfterUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.writable(owner) {
		return
	}

	for _, unit := range units {
		if unit == nil {
			s.recordDefect(types.ConfigErrorf(types.ErrUnitIsNil, "after unit on %s", owner))
			return
		}
		s.after = append(s.after, unit)
	}
}

func (s *MiddlewareSet) writable(owner string) bool {
	if s.frozen {
		s.recordDefect(types.ConfigErrorf(types.ErrScopeFrozen, "%s modified after endpoint build", owner))
		return false
	}
	return true
}

// recordDefect keeps the first defect only; the entity stays broken
// until the caller rebuilds it from scratch.
func (s *MiddlewareSet) recordDefect(err error) {
	if s.defect == nil {
		s.defect = err
	}
}

func (s *MiddlewareSet) freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
}

func (s *MiddlewareSet) checkDefect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defect
}

func (s *MiddlewareSet) PermissionUnits() []types.PermissionUnit {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.PermissionUnit, len(s.permission))
	copy(out, s.permission)
	return out
}

func (s *MiddlewareSet) BeforeUnits() []types.BeforeUnit {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.BeforeUnit, len(s.before))
	copy(out, s.before)
	return out
}

func (s *MiddlewareSet) AfterUnits() []types.AfterUnit {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.AfterUnit, len(s.after))
	copy(out, s.after)
	return out
}

// Group scopes shared middleware over a path prefix. Routes built
// under it inherit its units first.
type Group struct {
	MiddlewareSet
	prefix string
}

func NewGroup(prefix string) *Group {
	return &Group{prefix: prefix}
}

func (g *Group) Prefix() string { return g.prefix }

func (g *Group) WithPermission(units ...types.PermissionUnit) *Group {
	g.addPermission("group "+g.prefix, units)
	return g
}

func (g *Group) WithBefore(units ...types.BeforeUnit) *Group {
	g.addBefore("group "+g.prefix, units)
	return g
}

func (g *Group) WithAfter(units ...types.AfterUnit) *Group {
	g.addAfter("group "+g.prefix, units)
	return g
}

// Route binds a method and path. Its units run between the group's and
// the action's.
type Route struct {
	MiddlewareSet
	method string
	path   string
}

func NewRoute(method, path string) *Route {
	return &Route{
		method: strings.ToUpper(method),
		path:   path,
	}
}

func (r *Route) Method() string { return r.method }
func (r *Route) Path() string   { return r.path }

func (r *Route) WithPermission(units ...types.PermissionUnit) *Route {
	r.addPermission("route "+r.method+" "+r.path, units)
	return r
}

func (r *Route) WithBefore(units ...types.BeforeUnit) *Route {
	r.addBefore("route "+r.method+" "+r.path, units)
	return r
}

func (r *Route) WithAfter(units ...types.AfterUnit) *Route {
	r.addAfter("route "+r.method+" "+r.path, units)
	return r
}

// Action names the terminal handler. Its units run closest to the
// handler.
type Action struct {
	MiddlewareSet
	name    string
	handler types.HandlerFunc
}

func NewAction(name string, handler types.HandlerFunc) *Action {
	return &Action{name: name, handler: handler}
}

func (a *Action) ActionName() string         { return a.name }
func (a *Action) Handler() types.HandlerFunc { return a.handler }

// Rename replaces the diagnostic action name. Valid until the first
// endpoint build; later calls are registration defects.
func (a *Action) Rename(name string) *Action {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.writable("action " + a.name) {
		return a
	}

	a.name = name
	return a
}

func (a *Action) WithPermission(units ...types.PermissionUnit) *Action {
	a.addPermission("action "+a.name, units)
	return a
}

func (a *Action) WithBefore(units ...types.BeforeUnit) *Action {
	a.addBefore("action "+a.name, units)
	return a
}

func (a *Action) WithAfter(units ...types.AfterUnit) *Action {
	a.addAfter("action "+a.name, units)
	return a
}
