package filelist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	keys []string
}

func (r *recordingEmitter) Publish(key string, _ []byte) error {
	r.keys = append(r.keys, key)
	return nil
}

func openTestStore(t *testing.T) (*Store, *recordingEmitter) {
	t.Helper()
	dir := t.TempDir()
	emit := &recordingEmitter{}
	s, err := Open(filepath.Join(dir, "filelist.db"), emit)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, emit
}

func TestAddAndQueryIntersection(t *testing.T) {
	s, emit := openTestStore(t)

	require.NoError(t, s.Add("acct1", "f1.parquet", Meta{
		OrgID: "org1", StreamType: "logs", Stream: "default", MinTS: 100, MaxTS: 200, Rows: 10,
	}))
	require.NoError(t, s.Add("acct1", "f2.parquet", Meta{
		OrgID: "org1", StreamType: "logs", Stream: "default", MinTS: 500, MaxTS: 600, Rows: 20,
	}))
	require.Equal(t, []string{"/file_list/acct1/f1.parquet", "/file_list/acct1/f2.parquet"}, emit.keys)

	rows, err := s.Query("org1", "logs", "default", 150, 250)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "f1.parquet", rows[0].File)

	rows, err = s.Query("org1", "logs", "default", 0, 1000)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestAddUpsertsOnConflict(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Add("acct1", "f1.parquet", Meta{OrgID: "org1", StreamType: "logs", Stream: "d", MinTS: 1, MaxTS: 2, Rows: 1}))
	require.NoError(t, s.Add("acct1", "f1.parquet", Meta{OrgID: "org1", StreamType: "logs", Stream: "d", MinTS: 1, MaxTS: 9, Rows: 5}))

	rows, err := s.Query("org1", "logs", "d", 0, 100)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(5), rows[0].Rows)
}

func TestMarkDeletedExcludesFromQuery(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Add("acct1", "f1.parquet", Meta{OrgID: "org1", StreamType: "logs", Stream: "d", MinTS: 1, MaxTS: 10, Rows: 1}))

	rows, err := s.Query("org1", "logs", "d", 0, 100)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, s.MarkDeleted([]AccountFile{{Account: "acct1", File: "f1.parquet"}}))

	rows, err = s.Query("org1", "logs", "d", 0, 100)
	require.NoError(t, err)
	require.Len(t, rows, 0)

	require.NoError(t, s.PurgeDeleted([]AccountFile{{Account: "acct1", File: "f1.parquet"}}))
}

func TestMaxIDMonotonic(t *testing.T) {
	s, _ := openTestStore(t)
	id0, err := s.MaxID()
	require.NoError(t, err)
	require.Equal(t, int64(0), id0)

	require.NoError(t, s.Add("acct1", "f1.parquet", Meta{OrgID: "org1", StreamType: "logs", Stream: "d", MinTS: 1, MaxTS: 2, Rows: 1}))
	require.NoError(t, s.Add("acct1", "f2.parquet", Meta{OrgID: "org1", StreamType: "logs", Stream: "d", MinTS: 1, MaxTS: 2, Rows: 1}))

	id1, err := s.MaxID()
	require.NoError(t, err)
	require.Greater(t, id1, id0)
}
