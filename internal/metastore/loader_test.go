package metastore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoaderTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(Params{
		MaxReadSize:               1 << 20,
		MaxInactiveTime:           time.Minute,
		MaxCheckpointsToKeepCount: 16,
		ThreadCount:               2,
	}, nil, nil, nil)
}

func TestLoadRegistersCheckpointsAndLogSegments(t *testing.T) {
	ckptDir := t.TempDir()
	logDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(ckptDir, "chkpt.1"), []byte("one"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(ckptDir, "chkpt.2"), []byte("two"), 0644))

	seg := "\nc/a/b/c/a/e\ndata\nc/a/b/c/14/e\n"
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "log.10"), []byte(seg), 0644))

	s := newLoaderTestStore(t)
	require.NoError(t, Load(s, LoaderConfig{CheckpointDir: ckptDir, LogDir: logDir}))

	assert.Equal(t, 2, s.checkpoints.len())
	assert.Equal(t, 1, s.logSegments.len())

	e, ok := s.logSegments.get(10)
	require.True(t, ok)
	assert.Equal(t, int64(0xa), e.LogSeq)
	assert.Equal(t, int64(0x14), e.LogEndSeq)
}

func TestLoadSkipsSentinelHardlinkedFile(t *testing.T) {
	ckptDir := t.TempDir()
	logDir := t.TempDir()

	real := filepath.Join(ckptDir, "chkpt.7")
	require.NoError(t, os.WriteFile(real, []byte("payload"), 0644))
	require.NoError(t, os.Link(real, filepath.Join(ckptDir, "latest")))

	s := newLoaderTestStore(t)
	require.NoError(t, Load(s, LoaderConfig{CheckpointDir: ckptDir, LogDir: logDir}))

	assert.Equal(t, 1, s.checkpoints.len())
}

func TestLoadRemovesStaleTempFiles(t *testing.T) {
	ckptDir := t.TempDir()
	logDir := t.TempDir()

	stale := filepath.Join(ckptDir, "chkpt.5.tmp.123")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0644))

	s := newLoaderTestStore(t)
	require.NoError(t, Load(s, LoaderConfig{CheckpointDir: ckptDir, LogDir: logDir, RemoveTmp: true}))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, s.checkpoints.len())
}

func TestLoadMalformedCheckpointNameAborts(t *testing.T) {
	ckptDir := t.TempDir()
	logDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(ckptDir, "chkpt.not-a-number"), []byte("x"), 0644))

	s := newLoaderTestStore(t)
	err := Load(s, LoaderConfig{CheckpointDir: ckptDir, LogDir: logDir})
	assert.Error(t, err)
}

func TestLoadMissingDirectoriesIsNotAnError(t *testing.T) {
	s := newLoaderTestStore(t)
	err := Load(s, LoaderConfig{
		CheckpointDir: filepath.Join(t.TempDir(), "missing-ckpt"),
		LogDir:        filepath.Join(t.TempDir(), "missing-log"),
	})
	assert.NoError(t, err)
}
