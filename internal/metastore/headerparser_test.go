package metastore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name string, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseLogSegmentBoundsLargeFile(t *testing.T) {
	head := "\nc/a/b/c/64/e\n" + strings.Repeat("x", headerBufSize*2)
	tail := strings.Repeat("y", headerBufSize) + "\nc/a/b/c/c8/e\n"
	path := writeTempFile(t, "log.100", head+tail)

	start, end, err := parseLogSegmentBounds(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0x64), start)
	assert.Equal(t, int64(0xc8), end)
}

func TestParseLogSegmentBoundsShortFileReusesHeadAsTail(t *testing.T) {
	content := "\nc/a/b/c/1/e\nsome data\nc/a/b/c/2/e\n"
	path := writeTempFile(t, "log.1", content)

	start, end, err := parseLogSegmentBounds(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), start)
	assert.Equal(t, int64(2), end)
}

func TestParseLogSegmentBoundsNoCommitRecord(t *testing.T) {
	path := writeTempFile(t, "log.5", "no commit records here")

	_, _, err := parseLogSegmentBounds(path)
	assert.Error(t, err)
}

func TestParseLogSegmentBoundsMissingFile(t *testing.T) {
	_, _, err := parseLogSegmentBounds(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}

func TestCommitSeqAtMalformedRecord(t *testing.T) {
	_, err := firstCommitSeq([]byte("\nc/only/three/fields\n"))
	assert.Error(t, err)
}
