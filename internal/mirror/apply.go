package mirror

import (
	"github.com/erauner12/tenantmirror/internal/collection"
	"github.com/erauner12/tenantmirror/internal/push"
)

// Kinds only produced by local entry points. They are journaled next to
// push deltas so a pull in flight cannot erase them.
const (
	kindUpsert push.Kind = "local-upsert"
	kindPatch  push.Kind = "local-patch"
	kindRevert push.Kind = "local-revert"
)

// indexOf returns the position of the row with id, or -1
func indexOf(spec collection.Spec, rows []collection.Row, id string) int {
	for i, r := range rows {
		if rid, ok := spec.ID(r); ok && rid == id {
			return i
		}
	}
	return -1
}

// applyChange returns rows with change applied. The input slice is never
// modified; when the change is a no-op the same slice is returned and
// changed is false.
func applyChange(spec collection.Spec, rows []collection.Row, change push.Change) ([]collection.Row, bool) {
	switch change.Kind {
	case push.KindInsert:
		id, ok := spec.ID(change.New)
		if !ok || indexOf(spec, rows, id) >= 0 {
			return rows, false
		}
		return appendRow(rows, change.New), true

	case push.KindUpdate:
		id, ok := spec.ID(change.New)
		if !ok {
			return rows, false
		}
		i := indexOf(spec, rows, id)
		if i < 0 {
			return rows, false
		}
		return replaceAt(rows, i, change.New), true

	case kindUpsert:
		id, ok := spec.ID(change.New)
		if !ok {
			return rows, false
		}
		if i := indexOf(spec, rows, id); i >= 0 {
			return replaceAt(rows, i, change.New), true
		}
		return appendRow(rows, change.New), true

	case kindPatch:
		id, ok := spec.ID(change.New)
		if !ok {
			return rows, false
		}
		i := indexOf(spec, rows, id)
		if i < 0 {
			return rows, false
		}
		fields := collection.Clone(change.New)
		delete(fields, spec.IDField)
		return replaceAt(rows, i, collection.Merge(rows[i], fields)), true

	case kindRevert:
		id, ok := spec.ID(change.Old)
		if !ok {
			return rows, false
		}
		i := indexOf(spec, rows, id)
		if i < 0 {
			return rows, false
		}
		if row, reverted := revertFields(spec, rows[i], change.Old, change.New); reverted {
			return replaceAt(rows, i, row), true
		}
		return rows, false

	case push.KindDelete:
		src := change.Old
		if src == nil {
			src = change.New
		}
		id, ok := spec.ID(src)
		if !ok {
			return rows, false
		}
		i := indexOf(spec, rows, id)
		if i < 0 {
			return rows, false
		}
		return removeAt(rows, i), true
	}
	return rows, false
}

func appendRow(rows []collection.Row, row collection.Row) []collection.Row {
	out := make([]collection.Row, len(rows), len(rows)+1)
	copy(out, rows)
	return append(out, row)
}

func replaceAt(rows []collection.Row, i int, row collection.Row) []collection.Row {
	out := make([]collection.Row, len(rows))
	copy(out, rows)
	out[i] = row
	return out
}

func removeAt(rows []collection.Row, i int) []collection.Row {
	out := make([]collection.Row, 0, len(rows)-1)
	out = append(out, rows[:i]...)
	return append(out, rows[i+1:]...)
}

// revertFields resets each patched field of cur that still holds the patched
// value back to its value in prev.
func revertFields(spec collection.Spec, cur, prev, patch collection.Row) (collection.Row, bool) {
	var out collection.Row
	for k, v := range patch {
		if k == spec.IDField || !collection.Matches(cur, collection.Row{k: v}) {
			continue
		}
		if out == nil {
			out = collection.Clone(cur)
		}
		if old, ok := prev[k]; ok {
			out[k] = old
		} else {
			delete(out, k)
		}
	}
	return out, out != nil
}
