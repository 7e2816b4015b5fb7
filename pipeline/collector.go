package pipeline

import (
	"github.com/saiset-co/sai-gate/types"
)

// sequence is the effective per-kind unit ordering for one endpoint:
// group units, then route units, then action units. Empty scopes
// contribute nothing; duplicate instances are legal and preserved.
type sequence struct {
	permission []types.PermissionUnit
	before     []types.BeforeUnit
	after      []types.AfterUnit
}

func collect(sources ...types.MiddlewareSource) sequence {
	var seq sequence

	for _, src := range sources {
		if src == nil {
			continue
		}
		seq.permission = append(seq.permission, src.PermissionUnits()...)
		seq.before = append(seq.before, src.BeforeUnits()...)
		seq.after = append(seq.after, src.AfterUnits()...)
	}

	return seq
}
