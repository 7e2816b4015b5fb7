package types

import (
	"time"

	"github.com/valyala/fasthttp"
)

// AnonymousActor is the identity recorded for unauthenticated requests.
// It keys the permission cache the same way a real actor id does.
const AnonymousActor = "0"

const (
	actorKey     = "gate_actor"
	requestIDKey = "gate_request_id"
	clientIPKey  = "gate_client_ip"
	startedAtKey = "gate_started_at"
)

// RequestCtx wraps the transport request. It is owned by the caller and
// passed by reference through every pipeline stage; stages mutate it in
// place and never assume exclusive ownership.
type RequestCtx struct {
	*fasthttp.RequestCtx
}

// Actor returns the identity bound to this request, or AnonymousActor
// when none was set.
func (c *RequestCtx) Actor() string {
	if v := c.UserValue(actorKey); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return AnonymousActor
}

func (c *RequestCtx) SetActor(id string) {
	c.SetUserValue(actorKey, id)
}

func (c *RequestCtx) RequestID() string {
	if v := c.UserValue(requestIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (c *RequestCtx) SetRequestID(id string) {
	c.SetUserValue(requestIDKey, id)
}

// ClientIP returns the resolved client address, or the transport
// remote address when no unit resolved one.
func (c *RequestCtx) ClientIP() string {
	if v := c.UserValue(clientIPKey); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return c.RemoteIP().String()
}

func (c *RequestCtx) SetClientIP(ip string) {
	c.SetUserValue(clientIPKey, ip)
}

// StartedAt returns the request arrival time recorded by the metadata
// unit; the zero time means no unit recorded one.
func (c *RequestCtx) StartedAt() time.Time {
	if v := c.UserValue(startedAtKey); v != nil {
		if t, ok := v.(time.Time); ok {
			return t
		}
	}
	return time.Time{}
}

func (c *RequestCtx) SetStartedAt(t time.Time) {
	c.SetUserValue(startedAtKey, t)
}

// Param returns a route or middleware supplied user value as a string.
func (c *RequestCtx) Param(name string) string {
	if v := c.UserValue(name); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
