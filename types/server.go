package types

type HTTPServer interface {
	LifecycleManager
}

// HTTPRouter is the registration-time surface of the gate. Declarations
// made through it queue until Start, which compiles every queued
// (group, route, action) triple into an immutable Endpoint; a
// registration defect anywhere fails the whole compilation. Routes
// declared after Start compile on the spot.
//
// Dispatch is exact-match on method and path. URL-pattern matching
// belongs to whatever web layer embeds the gate.
type HTTPRouter interface {
	LifecycleManager
	Group(prefix string) GroupBuilder
	Route(method, path string, handler HandlerFunc) RouteBuilder
	Lookup(method, path string) (Endpoint, bool)
	Endpoints() []Endpoint
}

// GroupBuilder scopes shared middleware over a path prefix. Units
// attached here run before route- and action-level units on every
// route declared under the group.
type GroupBuilder interface {
	WithPermission(units ...PermissionUnit) GroupBuilder
	WithBefore(units ...BeforeUnit) GroupBuilder
	WithAfter(units ...AfterUnit) GroupBuilder
	Route(method, path string, handler HandlerFunc) RouteBuilder
	GET(path string, handler HandlerFunc) RouteBuilder
	POST(path string, handler HandlerFunc) RouteBuilder
	PUT(path string, handler HandlerFunc) RouteBuilder
	DELETE(path string, handler HandlerFunc) RouteBuilder
}

// RouteBuilder attaches route-scope middleware and names the action.
// Action() drops to the innermost scope.
type RouteBuilder interface {
	Named(name string) RouteBuilder
	WithPermission(units ...PermissionUnit) RouteBuilder
	WithBefore(units ...BeforeUnit) RouteBuilder
	WithAfter(units ...AfterUnit) RouteBuilder
	Action() ActionBuilder
}

// ActionBuilder attaches units to the action scope, which runs closest
// to the terminal handler.
type ActionBuilder interface {
	WithPermission(units ...PermissionUnit) ActionBuilder
	WithBefore(units ...BeforeUnit) ActionBuilder
	WithAfter(units ...AfterUnit) ActionBuilder
}
