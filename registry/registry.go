package registry

import (
	"sort"
	"sync"

	"github.com/saiset-co/sai-gate/types"
)

// Registry maps unit names to creators, one namespace per kind.
// Registration mistakes (duplicates, nil creators) and resolution
// mistakes (unknown names, wrong-kind lookups, rejected params) are
// configuration errors; nothing here is deferred to request time.
type Registry struct {
	mu         sync.RWMutex
	permission map[string]types.PermissionCreator
	before     map[string]types.BeforeCreator
	after      map[string]types.AfterCreator
}

func New() *Registry {
	return &Registry{
		permission: make(map[string]types.PermissionCreator),
		before:     make(map[string]types.BeforeCreator),
		after:      make(map[string]types.AfterCreator),
	}
}

func (r *Registry) RegisterPermission(name string, creator types.PermissionCreator) error {
	if creator == nil {
		return types.ConfigErrorf(types.ErrUnitIsNil, "permission creator %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkName(name, types.KindPermission); err != nil {
		return err
	}

	r.permission[name] = creator
	return nil
}

func (r *Registry) RegisterBefore(name string, creator types.BeforeCreator) error {
	if creator == nil {
		return types.ConfigErrorf(types.ErrUnitIsNil, "before creator %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkName(name, types.KindBefore); err != nil {
		return err
	}

	r.before[name] = creator
	return nil
}

func (r *Registry) RegisterAfter(name string, creator types.AfterCreator) error {
	if creator == nil {
		return types.ConfigErrorf(types.ErrUnitIsNil, "after creator %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkName(name, types.KindAfter); err != nil {
		return err
	}

	r.after[name] = creator
	return nil
}

// checkName enforces the per-kind namespace. Callers hold the lock.
func (r *Registry) checkName(name string, kind types.Kind) error {
	if name == "" {
		return types.Errorf(types.ErrConfiguration, "%s unit name is empty", kind)
	}

	exists := false
	switch kind {
	case types.KindPermission:
		_, exists = r.permission[name]
	case types.KindBefore:
		_, exists = r.before[name]
	case types.KindAfter:
		_, exists = r.after[name]
	}

	if exists {
		return types.ConfigErrorf(types.ErrUnitExists, "%s unit %q", kind, name)
	}
	return nil
}

// Permission resolves and instantiates a permission unit.
func (r *Registry) Permission(name string, params map[string]interface{}) (types.PermissionUnit, error) {
	r.mu.RLock()
	creator, ok := r.permission[name]
	r.mu.RUnlock()

	if !ok {
		return nil, r.missing(name, types.KindPermission)
	}

	unit, err := creator(params)
	if err != nil {
		return nil, types.ConfigErrorf(types.ErrUnitParamsInvalid, "permission unit %q: %v", name, err)
	}
	if unit == nil {
		return nil, types.ConfigErrorf(types.ErrUnitIsNil, "permission creator %q returned nil", name)
	}

	return unit, nil
}

// Before resolves and instantiates a before unit.
func (r *Registry) Before(name string, params map[string]interface{}) (types.BeforeUnit, error) {
	r.mu.RLock()
	creator, ok := r.before[name]
	r.mu.RUnlock()

	if !ok {
		return nil, r.missing(name, types.KindBefore)
	}

	unit, err := creator(params)
	if err != nil {
		return nil, types.ConfigErrorf(types.ErrUnitParamsInvalid, "before unit %q: %v", name, err)
	}
	if unit == nil {
		return nil, types.ConfigErrorf(types.ErrUnitIsNil, "before creator %q returned nil", name)
	}

	return unit, nil
}

// After resolves and instantiates an after unit.
func (r *Registry) After(name string, params map[string]interface{}) (types.AfterUnit, error) {
	r.mu.RLock()
	creator, ok := r.after[name]
	r.mu.RUnlock()

	if !ok {
		return nil, r.missing(name, types.KindAfter)
	}

	unit, err := creator(params)
	if err != nil {
		return nil, types.ConfigErrorf(types.ErrUnitParamsInvalid, "after unit %q: %v", name, err)
	}
	if unit == nil {
		return nil, types.ConfigErrorf(types.ErrUnitIsNil, "after creator %q returned nil", name)
	}

	return unit, nil
}

// missing distinguishes a name registered under another kind from one
// never registered at all.
func (r *Registry) missing(name string, requested types.Kind) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, kind := range []types.Kind{types.KindPermission, types.KindBefore, types.KindAfter} {
		if kind == requested {
			continue
		}

		exists := false
		switch kind {
		case types.KindPermission:
			_, exists = r.permission[name]
		case types.KindBefore:
			_, exists = r.before[name]
		case types.KindAfter:
			_, exists = r.after[name]
		}

		if exists {
			return types.ConfigErrorf(types.ErrUnitKindMismatch,
				"unit %q is a %s unit, requested as %s", name, kind, requested)
		}
	}

	return types.ConfigErrorf(types.ErrUnitNotFound, "%s unit %q", requested, name)
}

// Names lists the registered unit names of one kind, sorted.
func (r *Registry) Names(kind types.Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	switch kind {
	case types.KindPermission:
		for name := range r.permission {
			names = append(names, name)
		}
	case types.KindBefore:
		for name := range r.before {
			names = append(names, name)
		}
	case types.KindAfter:
		for name := range r.after {
			names = append(names, name)
		}
	}

	sort.Strings(names)
	return names
}
