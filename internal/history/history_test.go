package history

import (
	"path/filepath"
	"pbak/internal/logging"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

	runs := []*Run{
		{Kind: KindBackup, Reason: "idle", StartTime: base, EndTime: base.Add(time.Second), Status: StatusSuccess, ArchivePath: "/b/one.html", SizeBytes: 10},
		{Kind: KindBackup, Reason: "manual", StartTime: base.Add(time.Hour), EndTime: base.Add(time.Hour), Status: StatusFailed, ErrorCode: "FILE_SYSTEM_ERROR", LastStep: "COMPRESS_STAGING"},
		{Kind: KindRestore, StartTime: base.Add(2 * time.Hour), EndTime: base.Add(2 * time.Hour), Status: StatusSuccess, Encrypted: true},
	}
	for _, r := range runs {
		require.NoError(t, s.Record(r))
		assert.NotEmpty(t, r.ID)
	}

	all, err := s.List("", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, KindRestore, all[0].Kind)
	assert.True(t, all[0].Encrypted)
	assert.Equal(t, "manual", all[1].Reason)
	assert.Equal(t, "COMPRESS_STAGING", all[1].LastStep)
	assert.True(t, base.Equal(all[2].StartTime))

	backups, err := s.List(KindBackup, 10)
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	last, err := s.Last(KindBackup)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, StatusFailed, last.Status)
	assert.Equal(t, "FILE_SYSTEM_ERROR", last.ErrorCode)

	none, err := s.Last(KindDelete)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Record(&Run{Kind: KindBackup, StartTime: ts, EndTime: ts, Status: StatusSuccess}))
	}

	n, err := s.Prune(2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	runs, err := s.List("", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, base.Add(4*time.Minute).Equal(runs[0].StartTime))
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	s, err := Open(path, logging.Discard())
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.Record(&Run{ID: "fixed-id", Kind: KindDelete, StartTime: now, EndTime: now, Status: StatusSuccess}))
	require.NoError(t, s.Close())

	s, err = Open(path, logging.Discard())
	require.NoError(t, err)
	defer s.Close()

	last, err := s.Last(KindDelete)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "fixed-id", last.ID)
}
