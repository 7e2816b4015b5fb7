package server

import (
	"github.com/saiset-co/sai-gate/pipeline"
	"github.com/saiset-co/sai-gate/types"
)

// RouteBuilder attaches route-scope middleware to an already queued
// declaration. The underlying entities stay writable until the router
// compiles them; edits made after that are recorded as defects and
// surface from the compilation that observes them.
type RouteBuilder struct {
	router *Router
	route  *pipeline.Route
	action *pipeline.Action
}

// Named replaces the generated action name used in logs and fault
// reports.
func (rb *RouteBuilder) Named(name string) types.RouteBuilder {
	rb.action.Rename(name)
	return rb
}

func (rb *RouteBuilder) WithPermission(units ...types.PermissionUnit) types.RouteBuilder {
	rb.route.WithPermission(units...)
	return rb
}

func (rb *RouteBuilder) WithBefore(units ...types.BeforeUnit) types.RouteBuilder {
	rb.route.WithBefore(units...)
	return rb
}

func (rb *RouteBuilder) WithAfter(units ...types.AfterUnit) types.RouteBuilder {
	rb.route.WithAfter(units...)
	return rb
}

// Action drops to the innermost scope of the same declaration.
func (rb *RouteBuilder) Action() types.ActionBuilder {
	return &ActionBuilder{action: rb.action}
}

// ActionBuilder attaches units that run closest to the terminal
// handler.
type ActionBuilder struct {
	action *pipeline.Action
}

func (ab *ActionBuilder) WithPermission(units ...types.PermissionUnit) types.ActionBuilder {
	ab.action.WithPermission(units...)
	return ab
}

func (ab *ActionBuilder) WithBefore(units ...types.BeforeUnit) types.ActionBuilder {
	ab.action.WithBefore(units...)
	return ab
}

func (ab *ActionBuilder) WithAfter(units ...types.AfterUnit) types.ActionBuilder {
	ab.action.WithAfter(units...)
	return ab
}
