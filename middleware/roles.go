package middleware

import (
	"sync"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-gate/types"
)

var (
	roleSourceMu      sync.RWMutex
	defaultRoleSource types.RoleSource
)

// SetRoleSource installs the application's role provider for the
// config-declared roles unit. Must be called before config units are
// materialized; programmatic units can pass a source directly to
// NewRolesUnit instead.
func SetRoleSource(source types.RoleSource) {
	roleSourceMu.Lock()
	defer roleSourceMu.Unlock()
	defaultRoleSource = source
}

func registeredRoleSource() types.RoleSource {
	roleSourceMu.RLock()
	defer roleSourceMu.RUnlock()
	return defaultRoleSource
}

// RolesUnit denies requests whose actor does not hold every required
// role. Identity resolution is not its business: the actor must already
// be on the request context (see RequestMetaUnit), and roles come from
// the RoleSource the embedding application supplies.
type RolesUnit struct {
	name     string
	source   types.RoleSource
	logger   types.Logger
	required []string
}

type RolesParams struct {
	Required []string `json:"required" validate:"required,min=1,dive,required"`
}

func NewRolesUnit(source types.RoleSource, logger types.Logger, required ...string) (*RolesUnit, error) {
	if source == nil {
		return nil, types.Errorf(types.ErrConfiguration, "roles unit requires a role source")
	}
	if len(required) == 0 {
		return nil, types.Errorf(types.ErrConfiguration, "roles unit requires at least one role")
	}

	return &RolesUnit{
		name:     "roles",
		source:   source,
		logger:   logger,
		required: required,
	}, nil
}

func (u *RolesUnit) Name() string { return u.name }

func (u *RolesUnit) Permit(ctx *types.RequestCtx, next types.PermissionNext) *types.Error {
	actor := ctx.Actor()
	if actor == types.AnonymousActor {
		return types.PermissionDenied("authentication required")
	}

	held, err := u.source.Roles(ctx, actor)
	if err != nil {
		u.logger.Error("Role lookup failed",
			zap.String("actor", actor),
			zap.Error(err))
		return types.PermissionFault()
	}

	for _, want := range u.required {
		if !containsRole(held, want) {
			u.logger.Debug("Role missing",
				zap.String("actor", actor),
				zap.String("role", want))
			return types.PermissionDenied("missing role " + want)
		}
	}

	return next(ctx)
}

func containsRole(held []string, want string) bool {
	for _, role := range held {
		if role == want {
			return true
		}
	}
	return false
}

// RolesCreator binds the registry entry to the application's role
// source. A nil source defers to whatever SetRoleSource installed by
// the time the unit is materialized.
func RolesCreator(source types.RoleSource, logger types.Logger) types.PermissionCreator {
	return func(params map[string]interface{}) (types.PermissionUnit, error) {
		cfg := &RolesParams{}
		if err := decodeParams(params, cfg); err != nil {
			return nil, err
		}

		src := source
		if src == nil {
			src = registeredRoleSource()
		}
		return NewRolesUnit(src, logger, cfg.Required...)
	}
}
