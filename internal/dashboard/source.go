package dashboard

import (
	"github.com/erauner12/tenantmirror/internal/collection"
	"github.com/erauner12/tenantmirror/internal/mirror"
)

// mirrorSource feeds a mounted mirror into the stats observer
type mirrorSource struct {
	h *mirror.Handle
}

func (s mirrorSource) Collection() string          { return s.h.Mirror().Spec().Name }
func (s mirrorSource) Snapshot() []collection.Row { return s.h.Snapshot() }
func (s mirrorSource) Version() uint64            { return s.h.Version() }

func (s mirrorSource) Watch(fn func()) func() {
	return s.h.OnChange(func(mirror.Event) { fn() })
}
