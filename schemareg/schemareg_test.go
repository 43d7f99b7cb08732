package schemareg

import (
	"testing"

	"github.com/apache/arrow/go/v16/arrow"
	"github.com/stretchr/testify/require"
)

func schemaOf(fields ...arrow.Field) *arrow.Schema {
	return arrow.NewSchema(fields, nil)
}

func TestCompatibleSameSchema(t *testing.T) {
	s := schemaOf(arrow.Field{Name: "a", Type: arrow.PrimitiveTypes.Int32})
	require.True(t, Compatible(s, s))
}

func TestCompatibleMissingFieldOnIncomingIsFine(t *testing.T) {
	active := schemaOf(
		arrow.Field{Name: "a", Type: arrow.PrimitiveTypes.Int32},
		arrow.Field{Name: "b", Type: arrow.BinaryTypes.String},
	)
	incoming := schemaOf(arrow.Field{Name: "a", Type: arrow.PrimitiveTypes.Int32})
	require.True(t, Compatible(active, incoming))
}

func TestIncompatibleNewField(t *testing.T) {
	active := schemaOf(arrow.Field{Name: "a", Type: arrow.PrimitiveTypes.Int32})
	incoming := schemaOf(
		arrow.Field{Name: "a", Type: arrow.PrimitiveTypes.Int32},
		arrow.Field{Name: "c", Type: arrow.BinaryTypes.String},
	)
	require.False(t, Compatible(active, incoming))
}

func TestIncompatibleWiderType(t *testing.T) {
	active := schemaOf(arrow.Field{Name: "a", Type: arrow.PrimitiveTypes.Int32})
	incoming := schemaOf(arrow.Field{Name: "a", Type: arrow.PrimitiveTypes.Int64})
	require.False(t, Compatible(active, incoming))
}

func TestUnionWidensNumericAndAddsField(t *testing.T) {
	active := schemaOf(
		arrow.Field{Name: "a", Type: arrow.PrimitiveTypes.Int32},
		arrow.Field{Name: "b", Type: arrow.BinaryTypes.String},
	)
	incoming := schemaOf(
		arrow.Field{Name: "a", Type: arrow.PrimitiveTypes.Int64},
		arrow.Field{Name: "c", Type: arrow.PrimitiveTypes.Float64},
	)
	merged, err := Union(active, incoming)
	require.NoError(t, err)
	require.Equal(t, 3, merged.NumFields())

	idx := merged.FieldIndices("a")
	require.Len(t, idx, 1)
	require.True(t, arrow.TypeEqual(merged.Field(idx[0]).Type, arrow.PrimitiveTypes.Int64))

	idxB := merged.FieldIndices("b")
	require.True(t, merged.Field(idxB[0]).Nullable, "fields absent from a later version must stay nullable, not dropped")
}

func TestUnionIncompatibleTypesErrors(t *testing.T) {
	active := schemaOf(arrow.Field{Name: "a", Type: arrow.BinaryTypes.String})
	incoming := schemaOf(arrow.Field{Name: "a", Type: arrow.PrimitiveTypes.Int32})
	_, err := Union(active, incoming)
	require.Error(t, err)
}

type fakeStore struct {
	rows map[string][]Version
}

func newFakeStore() *fakeStore { return &fakeStore{rows: make(map[string][]Version)} }

func (f *fakeStore) InsertIfAbsent(org, streamType, stream string, v Version) (Version, bool, error) {
	key := org + "/" + streamType + "/" + stream
	for _, existing := range f.rows[key] {
		if existing.StartDT == v.StartDT {
			return existing, false, nil
		}
	}
	f.rows[key] = append(f.rows[key], v)
	return v, true, nil
}

func TestRegistryEvolveFirstVersion(t *testing.T) {
	r := NewRegistry()
	store := newFakeStore()
	s := schemaOf(arrow.Field{Name: "a", Type: arrow.PrimitiveTypes.Int32})

	got, err := r.Evolve(store, "org1", "logs", "default", s, 1000)
	require.NoError(t, err)
	require.True(t, arrow.TypeEqual(got, s))

	active, ok := r.ActiveAt("org1", "logs", "default", 2000)
	require.True(t, ok)
	require.True(t, arrow.TypeEqual(active, s))
}

func TestRegistryEvolveWidensOnIncompatibleField(t *testing.T) {
	r := NewRegistry()
	store := newFakeStore()
	base := schemaOf(arrow.Field{Name: "a", Type: arrow.PrimitiveTypes.Int32})
	_, err := r.Evolve(store, "org1", "logs", "default", base, 1000)
	require.NoError(t, err)

	wider := schemaOf(
		arrow.Field{Name: "a", Type: arrow.PrimitiveTypes.Int32},
		arrow.Field{Name: "b", Type: arrow.BinaryTypes.String},
	)
	merged, err := r.Evolve(store, "org1", "logs", "default", wider, 2000)
	require.NoError(t, err)
	require.Equal(t, 2, merged.NumFields())

	latest, ok := r.Latest("org1", "logs", "default")
	require.True(t, ok)
	require.Equal(t, int64(2000), latest.StartDT)
}
