package middleware

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-gate/types"
)

var (
	trueBytes     = []byte("true")
	asteriskBytes = []byte("*")
	optionsBytes  = []byte("OPTIONS")
	varyOrigin    = []byte("Origin")
	varyPreflight = []byte("Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
)

// CORSUnit enforces the origin policy. Disallowed origins halt with
// 403; preflights short-circuit with 204 without reaching the handler;
// allowed requests get the response headers and continue.
type CORSUnit struct {
	name             string
	allowsAll        bool
	allowedOrigins   map[string]bool
	wildcardDomains  []string
	allowedMethods   []byte
	allowedHeaders   []byte
	exposedHeaders   []byte
	maxAge           []byte
	allowCredentials bool
}

type CORSParams struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	ExposedHeaders   []string `json:"exposed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age" validate:"min=0"`
}

func NewCORSUnit(params CORSParams) *CORSUnit {
	if len(params.AllowedOrigins) == 0 {
		params.AllowedOrigins = []string{"*"}
	}
	if len(params.AllowedMethods) == 0 {
		params.AllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	if len(params.AllowedHeaders) == 0 {
		params.AllowedHeaders = []string{"Content-Type", "Authorization", "X-Request-ID"}
	}
	if params.MaxAge == 0 {
		params.MaxAge = 86400
	}

	cu := &CORSUnit{
		name:             "cors",
		allowCredentials: params.AllowCredentials,
		allowedMethods:   []byte(strings.Join(params.AllowedMethods, ", ")),
		allowedHeaders:   []byte(strings.Join(params.AllowedHeaders, ", ")),
		maxAge:           []byte(strconv.Itoa(params.MaxAge)),
	}

	if len(params.ExposedHeaders) > 0 {
		cu.exposedHeaders = []byte(strings.Join(params.ExposedHeaders, ", "))
	}

	cu.allowsAll = len(params.AllowedOrigins) == 1 && params.AllowedOrigins[0] == "*"
	if !cu.allowsAll {
		cu.allowedOrigins = make(map[string]bool, len(params.AllowedOrigins))
		for _, origin := range params.AllowedOrigins {
			if strings.HasPrefix(origin, "*.") {
				cu.wildcardDomains = append(cu.wildcardDomains, strings.TrimPrefix(origin, "*."))
			} else {
				cu.allowedOrigins[origin] = true
			}
		}
	}

	return cu
}

func (c *CORSUnit) Name() string { return c.name }

func (c *CORSUnit) Before(ctx *types.RequestCtx, next types.BeforeNext) (interface{}, *types.Error) {
	origin := ctx.Request.Header.Peek("Origin")
	if len(origin) == 0 {
		return next(ctx)
	}

	if !c.originAllowed(origin) {
		return nil, types.Halt("CORS_FORBIDDEN", "origin not allowed", fasthttp.StatusForbidden)
	}

	if bytes.Equal(ctx.Method(), optionsBytes) {
		c.writePreflightHeaders(ctx, origin)
		return &types.RawResponse{Status: fasthttp.StatusNoContent}, nil
	}

	c.addHeaders(ctx, origin)
	return next(ctx)
}

func (c *CORSUnit) originAllowed(origin []byte) bool {
	if c.allowsAll {
		return true
	}

	originStr := string(origin)
	if c.allowedOrigins[originStr] {
		return true
	}

	for _, domain := range c.wildcardDomains {
		if matchesWildcardDomain(originStr, domain) {
			return true
		}
	}

	return false
}

func matchesWildcardDomain(origin, domain string) bool {
	if origin == domain {
		return true
	}

	suffix := "." + domain
	if strings.HasSuffix(origin, suffix) {
		prefixLen := len(origin) - len(suffix)
		if prefixLen > 0 {
			return origin[prefixLen-1] != '.'
		}
	}

	return false
}

func (c *CORSUnit) addHeaders(ctx *types.RequestCtx, origin []byte) {
	if c.allowsAll {
		ctx.Response.Header.SetBytesV("Access-Control-Allow-Origin", asteriskBytes)
	} else {
		ctx.Response.Header.SetBytesV("Access-Control-Allow-Origin", origin)
	}

	if len(c.exposedHeaders) > 0 {
		ctx.Response.Header.SetBytesV("Access-Control-Expose-Headers", c.exposedHeaders)
	}

	if c.allowCredentials {
		ctx.Response.Header.SetBytesV("Access-Control-Allow-Credentials", trueBytes)
	}

	ctx.Response.Header.AddBytesV("Vary", varyOrigin)
}

func (c *CORSUnit) writePreflightHeaders(ctx *types.RequestCtx, origin []byte) {
	if c.allowsAll {
		ctx.Response.Header.SetBytesV("Access-Control-Allow-Origin", asteriskBytes)
	} else {
		ctx.Response.Header.SetBytesV("Access-Control-Allow-Origin", origin)
	}

	ctx.Response.Header.SetBytesV("Access-Control-Allow-Methods", c.allowedMethods)
	ctx.Response.Header.SetBytesV("Access-Control-Allow-Headers", c.allowedHeaders)
	ctx.Response.Header.SetBytesV("Access-Control-Max-Age", c.maxAge)

	if c.allowCredentials {
		ctx.Response.Header.SetBytesV("Access-Control-Allow-Credentials", trueBytes)
	}

	ctx.Response.Header.SetBytesV("Vary", varyPreflight)
}

// PreflightHandler answers OPTIONS requests that match no endpoint, so
// browsers can preflight any path the gate serves. Installed on the
// HTTP host when the cors unit is enabled.
func PreflightHandler(params CORSParams) fasthttp.RequestHandler {
	unit := NewCORSUnit(params)

	return func(ctx *fasthttp.RequestCtx) {
		origin := ctx.Request.Header.Peek("Origin")
		if len(origin) == 0 || !unit.originAllowed(origin) {
			ctx.SetStatusCode(fasthttp.StatusForbidden)
			return
		}

		rctx := &types.RequestCtx{RequestCtx: ctx}
		unit.writePreflightHeaders(rctx, origin)
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}
}

// CORSCreator registers the origin policy unit.
func CORSCreator() types.BeforeCreator {
	return func(params map[string]interface{}) (types.BeforeUnit, error) {
		cfg := &CORSParams{}
		if err := decodeParams(params, cfg); err != nil {
			return nil, err
		}
		return NewCORSUnit(*cfg), nil
	}
}

// PreflightFromConfig builds the unmatched-OPTIONS fallback from the
// configured cors item. Returns false when the unit is not enabled.
func PreflightFromConfig(cfg *types.MiddlewaresConfig) (fasthttp.RequestHandler, bool, error) {
	if cfg == nil || !cfg.Enabled || !enabled(cfg.CORS) {
		return nil, false, nil
	}

	params := &CORSParams{}
	if err := decodeParams(cfg.CORS.Params, params); err != nil {
		return nil, false, err
	}

	return PreflightHandler(*params), true, nil
}
