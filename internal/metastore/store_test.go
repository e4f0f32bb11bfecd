package metastore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestStore(t *testing.T, threadCount int) *Store {
	t.Helper()
	s := NewStore(Params{
		MaxReadSize:               1 << 20,
		MaxInactiveTime:           time.Minute,
		MaxCheckpointsToKeepCount: 16,
		ThreadCount:               threadCount,
	}, nil, nil, nil)
	s.Start()
	t.Cleanup(s.Shutdown)
	return s
}

func writeStoreFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// awaitCompletion drains the store's completion queue with Tick until op has
// a terminal status or the timeout elapses.
func awaitCompletion(t *testing.T, s *Store, op *ReadOp, done <-chan struct{}) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("timed out waiting for op completion")
		case <-time.After(time.Millisecond):
			s.Tick(time.Now())
		}
	}
}

func submitAndWait(t *testing.T, s *Store, op *ReadOp) {
	t.Helper()
	done := make(chan struct{})
	s.OnComplete = func(completed *ReadOp) {
		if completed == op {
			close(done)
		}
	}
	if ok := s.Handle(op); ok {
		return
	}
	awaitCompletion(t, s, op, done)
}

// ============================================================================
// Handle: validation branching (spec.md §4.2 step 2 / §8)
// ============================================================================

func TestHandleCheckpointNoneRegistered(t *testing.T) {
	s := newTestStore(t, 2)
	op := &ReadOp{CheckpointFlag: true, StartLogSeq: -1, ReadSize: 10}

	ok := s.Handle(op)
	require.True(t, ok)
	assert.Equal(t, -ENOENT, op.Status)
}

func TestHandleCheckpointUnknownSeq(t *testing.T) {
	s := newTestStore(t, 2)
	dir := t.TempDir()
	s.RegisterCheckpoint(writeStoreFile(t, dir, "chkpt.1", "hello"), 1)

	op := &ReadOp{CheckpointFlag: true, StartLogSeq: 999, ReadSize: 10}
	ok := s.Handle(op)
	require.True(t, ok)
	assert.Equal(t, -ENOENT, op.Status)
}

func TestHandleLogSegmentNegativeSeq(t *testing.T) {
	s := newTestStore(t, 2)
	op := &ReadOp{CheckpointFlag: false, StartLogSeq: -5, ReadSize: 10}

	ok := s.Handle(op)
	require.True(t, ok)
	assert.Equal(t, -EINVAL, op.Status)
}

func TestHandleLogSegmentBeforeOldest(t *testing.T) {
	s := newTestStore(t, 2)
	dir := t.TempDir()
	s.RegisterLogSegment(writeStoreFile(t, dir, "log.100", "abc"), 100, 149)

	op := &ReadOp{CheckpointFlag: false, StartLogSeq: 10, ReadSize: 10}
	ok := s.Handle(op)
	require.True(t, ok)
	assert.Equal(t, -ENOENT, op.Status)
}

func TestHandleLogSegmentGapBetweenSegments(t *testing.T) {
	s := newTestStore(t, 2)
	dir := t.TempDir()
	s.RegisterLogSegment(writeStoreFile(t, dir, "log.100", "abc"), 100, 149)
	s.RegisterLogSegment(writeStoreFile(t, dir, "log.200", "def"), 200, 249)

	op := &ReadOp{CheckpointFlag: false, StartLogSeq: 175, ReadSize: 10}
	ok := s.Handle(op)
	require.True(t, ok)
	assert.Equal(t, -EFAULT, op.Status)
}

func TestHandleLogSegmentUnknownContinuation(t *testing.T) {
	s := newTestStore(t, 2)
	dir := t.TempDir()
	s.RegisterLogSegment(writeStoreFile(t, dir, "log.100", "abc"), 100, 149)

	// ReadPos != 0 means "continue reading segment 555", which was never
	// registered: this must be EINVAL, not ENOENT.
	op := &ReadOp{CheckpointFlag: false, StartLogSeq: 555, ReadPos: 5, ReadSize: 10}
	ok := s.Handle(op)
	require.True(t, ok)
	assert.Equal(t, -EINVAL, op.Status)
}

// ============================================================================
// Handle: successful round trips
// ============================================================================

func TestHandleCheckpointLatestWhenUnspecified(t *testing.T) {
	s := newTestStore(t, 2)
	dir := t.TempDir()
	s.RegisterCheckpoint(writeStoreFile(t, dir, "chkpt.1", "first"), 1)
	s.RegisterCheckpoint(writeStoreFile(t, dir, "chkpt.2", "second-checkpoint"), 2)

	op := &ReadOp{CheckpointFlag: true, StartLogSeq: -1, ReadSize: 32}
	submitAndWait(t, s, op)

	assert.Equal(t, 0, op.Status)
	assert.Equal(t, int64(2), op.StartLogSeq)
	assert.Equal(t, "second-checkpoint", string(op.Data))
}

func TestHandleLogSegmentReadCapsAtMaxReadSize(t *testing.T) {
	s := NewStore(Params{
		MaxReadSize:               4,
		MaxInactiveTime:           time.Minute,
		MaxCheckpointsToKeepCount: 16,
		ThreadCount:               1,
	}, nil, nil, nil)
	s.Start()
	defer s.Shutdown()

	dir := t.TempDir()
	s.RegisterLogSegment(writeStoreFile(t, dir, "log.1", "0123456789"), 1, 1)

	op := &ReadOp{CheckpointFlag: false, StartLogSeq: 1, ReadSize: 100}
	submitAndWait(t, s, op)

	assert.Equal(t, 0, op.Status)
	assert.Equal(t, "0123", string(op.Data))
}

func TestHandleLogSegmentPredecessorLookup(t *testing.T) {
	s := newTestStore(t, 2)
	dir := t.TempDir()
	s.RegisterLogSegment(writeStoreFile(t, dir, "log.100", "segment-A-content"), 100, 149)

	op := &ReadOp{CheckpointFlag: false, StartLogSeq: 130, ReadSize: 32}
	submitAndWait(t, s, op)

	assert.Equal(t, 0, op.Status)
	assert.Equal(t, int64(100), op.StartLogSeq)
}

// ============================================================================
// Sticky worker affinity
// ============================================================================

func TestRegisterAssignsRoundRobinWorkerAffinity(t *testing.T) {
	s := NewStore(Params{ThreadCount: 3, MaxReadSize: 1024, MaxInactiveTime: time.Minute, MaxCheckpointsToKeepCount: 1}, nil, nil, nil)
	dir := t.TempDir()

	s.RegisterCheckpoint(writeStoreFile(t, dir, "chkpt.1", "a"), 1)
	s.RegisterCheckpoint(writeStoreFile(t, dir, "chkpt.2", "b"), 2)
	s.RegisterCheckpoint(writeStoreFile(t, dir, "chkpt.3", "c"), 3)
	s.RegisterCheckpoint(writeStoreFile(t, dir, "chkpt.4", "d"), 4)

	e1, _ := s.checkpoints.get(1)
	e2, _ := s.checkpoints.get(2)
	e3, _ := s.checkpoints.get(3)
	e4, _ := s.checkpoints.get(4)

	assert.Equal(t, 0, e1.ThreadIdx)
	assert.Equal(t, 1, e2.ThreadIdx)
	assert.Equal(t, 2, e3.ThreadIdx)
	assert.Equal(t, 0, e4.ThreadIdx)
}

// ============================================================================
// SetParameters: ThreadCount frozen after Start
// ============================================================================

func TestSetParametersThreadCountFrozenAfterStart(t *testing.T) {
	s := newTestStore(t, 2)

	s.SetParameters(Params{ThreadCount: 8})

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 2, s.params.ThreadCount)
	assert.Len(t, s.workers, 2)
}

func TestSetParametersThreadCountAppliesBeforeStart(t *testing.T) {
	s := NewStore(Params{ThreadCount: 2, MaxReadSize: 1024, MaxInactiveTime: time.Minute, MaxCheckpointsToKeepCount: 1}, nil, nil, nil)

	s.SetParameters(Params{ThreadCount: 5})

	assert.Equal(t, 5, s.params.ThreadCount)
	assert.Len(t, s.workers, 5)
}

// ============================================================================
// Duplicate / malformed registration panics
// ============================================================================

func TestRegisterCheckpointDuplicatePanics(t *testing.T) {
	s := newTestStore(t, 1)
	dir := t.TempDir()
	s.RegisterCheckpoint(writeStoreFile(t, dir, "chkpt.1", "a"), 1)

	assert.Panics(t, func() {
		s.RegisterCheckpoint(writeStoreFile(t, dir, "chkpt.1b", "b"), 1)
	})
}

func TestRegisterLogSegmentMalformedRangePanics(t *testing.T) {
	s := newTestStore(t, 1)
	dir := t.TempDir()

	assert.Panics(t, func() {
		s.RegisterLogSegment(writeStoreFile(t, dir, "log.10", "a"), 10, 5)
	})
}
