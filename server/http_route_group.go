package server

import (
	"github.com/saiset-co/sai-gate/pipeline"
	"github.com/saiset-co/sai-gate/types"
)

// GroupBuilder declares routes under a shared prefix and middleware
// scope. Every unit attached here wraps all routes of the group,
// outside their route- and action-level units.
type GroupBuilder struct {
	router *Router
	group  *pipeline.Group
}

func (gb *GroupBuilder) WithPermission(units ...types.PermissionUnit) types.GroupBuilder {
	gb.group.WithPermission(units...)
	return gb
}

func (gb *GroupBuilder) WithBefore(units ...types.BeforeUnit) types.GroupBuilder {
	gb.group.WithBefore(units...)
	return gb
}

func (gb *GroupBuilder) WithAfter(units ...types.AfterUnit) types.GroupBuilder {
	gb.group.WithAfter(units...)
	return gb
}

func (gb *GroupBuilder) Route(method, path string, handler types.HandlerFunc) types.RouteBuilder {
	return gb.router.newRoute(gb.group, method, path, handler)
}

func (gb *GroupBuilder) GET(path string, handler types.HandlerFunc) types.RouteBuilder {
	return gb.Route("GET", path, handler)
}

func (gb *GroupBuilder) POST(path string, handler types.HandlerFunc) types.RouteBuilder {
	return gb.Route("POST", path, handler)
}

func (gb *GroupBuilder) PUT(path string, handler types.HandlerFunc) types.RouteBuilder {
	return gb.Route("PUT", path, handler)
}

func (gb *GroupBuilder) DELETE(path string, handler types.HandlerFunc) types.RouteBuilder {
	return gb.Route("DELETE", path, handler)
}
