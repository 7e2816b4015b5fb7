package middleware

import (
	"github.com/go-playground/validator/v10"

	"github.com/saiset-co/sai-gate/registry"
	"github.com/saiset-co/sai-gate/types"
	"github.com/saiset-co/sai-gate/utils"
)

var paramsValidator = validator.New(validator.WithRequiredStructEnabled())

// decodeParams coerces loose creator params onto a typed struct and
// validates the result. Callers pre-fill the struct with defaults.
func decodeParams[T any](params map[string]interface{}, target *T) error {
	if len(params) > 0 {
		if err := utils.UnmarshalConfig(params, target); err != nil {
			return err
		}
	}
	return paramsValidator.Struct(target)
}

// Deps carries the managers the built-in units bind to. Nil fields are
// allowed; units that cannot work without a dependency fail at
// resolution time with a configuration error instead of at request
// time.
type Deps struct {
	Logger  types.Logger
	Metrics types.MetricsManager
	Cache   types.CacheManager
	Events  types.EventBroker
	Roles   types.RoleSource
}

// Built-in unit names as registered.
const (
	NameRoles         = "roles"
	NameRateLimit     = "rate_limit"
	NameBodyLimit     = "body_limit"
	NameRequestMeta   = "request_meta"
	NameResponseCache = "response_cache"
	NameCORS          = "cors"
	NameCompression   = "compression"
	NameAudit         = "audit"
)

// RegisterBuiltins installs every built-in creator into the registry.
func RegisterBuiltins(reg *registry.Registry, deps Deps) error {
	if err := reg.RegisterPermission(NameRoles, RolesCreator(deps.Roles, deps.Logger)); err != nil {
		return err
	}

	if err := reg.RegisterBefore(NameRequestMeta, RequestMetaCreator()); err != nil {
		return err
	}
	if err := reg.RegisterBefore(NameCORS, CORSCreator()); err != nil {
		return err
	}
	if err := reg.RegisterBefore(NameRateLimit, RateLimitCreator(deps.Metrics)); err != nil {
		return err
	}
	if err := reg.RegisterBefore(NameBodyLimit, BodyLimitCreator()); err != nil {
		return err
	}
	if err := reg.RegisterBefore(NameResponseCache, ResponseCacheBeforeCreator(deps.Cache, deps.Logger, deps.Metrics)); err != nil {
		return err
	}

	if err := reg.RegisterAfter(NameResponseCache, ResponseCacheAfterCreator(deps.Cache, deps.Logger)); err != nil {
		return err
	}
	if err := reg.RegisterAfter(NameAudit, AuditCreator(deps.Logger, deps.Events)); err != nil {
		return err
	}
	if err := reg.RegisterAfter(NameCompression, CompressionCreator(deps.Logger)); err != nil {
		return err
	}

	return nil
}

// UnitSet holds units materialized from configuration, in attachment
// order.
type UnitSet struct {
	Permission []types.PermissionUnit
	Before     []types.BeforeUnit
	After      []types.AfterUnit
}

// FromConfig resolves every enabled configured unit through the
// registry. Before units keep a fixed canonical order (metadata first,
// origin policy and limits next, response cache last so it sees the
// final request shape); after units run cache, audit, compression so
// the cache stores structured values and compression transforms last.
func FromConfig(reg *registry.Registry, cfg *types.MiddlewaresConfig) (*UnitSet, error) {
	set := &UnitSet{}
	if cfg == nil || !cfg.Enabled {
		return set, nil
	}

	if enabled(cfg.Roles) {
		unit, err := reg.Permission(NameRoles, cfg.Roles.Params)
		if err != nil {
			return nil, err
		}
		set.Permission = append(set.Permission, unit)
	}

	beforeOrder := []struct {
		name string
		item *types.MiddlewareItemConfig
	}{
		{NameRequestMeta, cfg.RequestMeta},
		{NameCORS, cfg.CORS},
		{NameRateLimit, cfg.RateLimit},
		{NameBodyLimit, cfg.BodyLimit},
		{NameResponseCache, cfg.ResponseCache},
	}
	for _, entry := range beforeOrder {
		if !enabled(entry.item) {
			continue
		}
		unit, err := reg.Before(entry.name, entry.item.Params)
		if err != nil {
			return nil, err
		}
		set.Before = append(set.Before, unit)
	}

	afterOrder := []struct {
		name string
		item *types.MiddlewareItemConfig
	}{
		{NameResponseCache, cfg.ResponseCache},
		{NameAudit, cfg.Audit},
		{NameCompression, cfg.Compression},
	}
	for _, entry := range afterOrder {
		if !enabled(entry.item) {
			continue
		}
		unit, err := reg.After(entry.name, entry.item.Params)
		if err != nil {
			return nil, err
		}
		set.After = append(set.After, unit)
	}

	return set, nil
}

func enabled(item *types.MiddlewareItemConfig) bool {
	return item != nil && item.Enabled
}
