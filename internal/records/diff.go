package records

import (
	"reflect"
	"sort"
)

// Change is the before/after value of a single field.
type Change struct {
	Old any `json:"old,omitempty"`
	New any `json:"new,omitempty"`
}

// Diff maps changed field names to their change. A nil Diff means no change.
type Diff map[string]Change

// Fields returns the changed field names in sorted order.
func (d Diff) Fields() []string {
	names := make([]string, 0, len(d))
	for k := range d {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Compare computes the field-level delta from old to new. Both maps are
// expected to be normalized by the same schema.
func Compare(old, new map[string]any) Diff {
	var d Diff
	add := func(k string, c Change) {
		if d == nil {
			d = make(Diff)
		}
		d[k] = c
	}
	for k, nv := range new {
		ov, ok := old[k]
		if !ok {
			add(k, Change{New: nv})
			continue
		}
		if !reflect.DeepEqual(ov, nv) {
			add(k, Change{Old: ov, New: nv})
		}
	}
	for k, ov := range old {
		if _, ok := new[k]; !ok {
			add(k, Change{Old: ov})
		}
	}
	return d
}
