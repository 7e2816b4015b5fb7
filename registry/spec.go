package registry

import (
	"strconv"
	"strings"

	"github.com/saiset-co/sai-gate/types"
)

// ParseSpec splits a middleware attachment string of the form
// "name:key=value,key=value" into its name and params. The bare form
// "name" carries no params. Values are coerced to bool, int64 or
// float64 when they parse as such, strings otherwise.
func ParseSpec(spec string) (string, map[string]interface{}, error) {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return "", nil, types.ConfigErrorf(types.ErrSpecStringMalformed, "empty spec")
	}

	name := trimmed
	raw := ""
	if idx := strings.IndexByte(trimmed, ':'); idx >= 0 {
		name, raw = trimmed[:idx], trimmed[idx+1:]
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, types.ConfigErrorf(types.ErrSpecStringMalformed, "no unit name in %q", spec)
	}

	if strings.TrimSpace(raw) == "" {
		return name, nil, nil
	}

	params := make(map[string]interface{})
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return "", nil, types.ConfigErrorf(types.ErrSpecStringMalformed, "pair %q in %q", pair, spec)
		}

		key := strings.TrimSpace(kv[0])
		if key == "" {
			return "", nil, types.ConfigErrorf(types.ErrSpecStringMalformed, "empty key in %q", spec)
		}

		params[key] = coerceValue(strings.TrimSpace(kv[1]))
	}

	return name, params, nil
}

func coerceValue(value string) interface{} {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

// PermissionFromSpec resolves a permission unit from its spec string.
func (r *Registry) PermissionFromSpec(spec string) (types.PermissionUnit, error) {
	name, params, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	return r.Permission(name, params)
}

// BeforeFromSpec resolves a before unit from its spec string.
func (r *Registry) BeforeFromSpec(spec string) (types.BeforeUnit, error) {
	name, params, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	return r.Before(name, params)
}

// AfterFromSpec resolves an after unit from its spec string.
func (r *Registry) AfterFromSpec(spec string) (types.AfterUnit, error) {
	name, params, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	return r.After(name, params)
}
