package schemareg

import (
	"fmt"

	"github.com/apache/arrow/go/v16/arrow"

	"github.com/lakesignal/corepipe/internal/errs"
)

// rank orders numeric widening: int32 -> int64 -> float64. Types outside
// this table (utf8, binary, bool, timestamp) never widen into each
// other; a mismatch there is a hard incompatibility.
var rank = map[arrow.Type]int{
	arrow.INT32:   0,
	arrow.INT64:   1,
	arrow.FLOAT64: 2,
}

// widen returns the promoted type for two Arrow types that both appear in
// rank, or an error if no numeric promotion rule covers the pair.
func widen(a, b arrow.DataType) (arrow.DataType, error) {
	if arrow.TypeEqual(a, b) {
		return a, nil
	}
	ra, aok := rank[a.ID()]
	rb, bok := rank[b.ID()]
	if !aok || !bok {
		return nil, fmt.Errorf("schemareg: no promotion rule from %s to %s", a, b)
	}
	if ra >= rb {
		return a, nil
	}
	return b, nil
}

// Compatible reports whether every field of incoming is already
// representable under active without widening: present with an equal or
// narrower type. A field present in active but absent from incoming is
// fine (it is simply null in the batch); a field present in incoming but
// absent from active, or requiring a wider type, makes them incompatible.
func Compatible(active, incoming *arrow.Schema) bool {
	for _, f := range incoming.Fields() {
		idx := active.FieldIndices(f.Name)
		if len(idx) == 0 {
			return false
		}
		af := active.Field(idx[0])
		if arrow.TypeEqual(af.Type, f.Type) {
			continue
		}
		w, err := widen(af.Type, f.Type)
		if err != nil || !arrow.TypeEqual(w, af.Type) {
			return false
		}
	}
	return true
}

// Union computes the merged schema of active and incoming: every field
// present in either, types widened per the numeric promotion table,
// fields present in active but missing from incoming kept nullable:
// readers never assume a field is absent just because it is missing
// from a later version.
func Union(active, incoming *arrow.Schema) (*arrow.Schema, error) {
	byName := make(map[string]arrow.Field)
	order := make([]string, 0, active.NumFields()+incoming.NumFields())

	for _, f := range active.Fields() {
		f.Nullable = true
		byName[f.Name] = f
		order = append(order, f.Name)
	}
	for _, f := range incoming.Fields() {
		existing, ok := byName[f.Name]
		if !ok {
			f.Nullable = true
			byName[f.Name] = f
			order = append(order, f.Name)
			continue
		}
		wt, err := widen(existing.Type, f.Type)
		if err != nil {
			return nil, errs.New(errs.Validation, "schemareg.Union", f.Name, err)
		}
		existing.Type = wt
		byName[existing.Name] = existing
	}

	fields := make([]arrow.Field, 0, len(order))
	for _, name := range order {
		fields = append(fields, byName[name])
	}
	return arrow.NewSchema(fields, nil), nil
}
