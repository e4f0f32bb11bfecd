// Package metastore implements the concurrent, LRU-managed, multi-threaded
// read cache for on-disk checkpoint and log-segment files (spec.md §§2-4.4).
package metastore

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kfscache/metastore/internal/logger"
	"github.com/kfscache/metastore/internal/metastore/archive"
	"github.com/kfscache/metastore/internal/metastore/headercache"
	"github.com/kfscache/metastore/pkg/metrics"
)

// Params holds the SetParameters-tunable knobs of spec.md §6, already
// floored/defaulted by pkg/config.ApplyDefaults.
type Params struct {
	MaxReadSize               int64
	MaxInactiveTime           time.Duration
	MaxCheckpointsToKeepCount int
	ThreadCount               int
}

// Store is the concurrent metadata read cache (MetaDataStore).
//
// One mutex protects all store state; workers release it during file I/O
// (spec.md §9 "Deferred I/O outside the lock").
type Store struct {
	mu sync.Mutex

	checkpoints *table
	logSegments *table

	workers       []*worker
	nextThreadIdx int

	doneQueue []*ReadOp
	doneCount int64
	inFlight  int

	minLogSeq        int64
	pruneLogsFlag    bool
	lastPruneMinSeq  int64

	params  Params
	started bool
	closed  bool
	now     int64

	// OnComplete is invoked by Tick for each completed op, on the caller's
	// goroutine (spec.md §4.4: "hand it back to the caller's generic
	// request-submission entry point").
	OnComplete func(*ReadOp)

	metrics     *metrics.StoreMetrics
	headerCache *headercache.Cache
	archiver    *archive.Archiver

	wg sync.WaitGroup
}

// NewStore constructs a Store with a fixed-size worker pool sized from
// params.ThreadCount (floored to 1). The pool's goroutines are not started
// until Start is called, but the worker slice — and therefore round-robin
// affinity assignment during registration — is fixed at construction, per
// spec.md's "Directory Loader registers entries, then the worker pool comes
// online" data flow.
func NewStore(params Params, m *metrics.StoreMetrics, hc *headercache.Cache, ar *archive.Archiver) *Store {
	if params.ThreadCount < 1 {
		params.ThreadCount = 1
	}
	s := &Store{
		checkpoints: newTable(),
		logSegments: newTable(),
		params:      params,
		now:         time.Now().Unix(),
		metrics:     m,
		headerCache: hc,
		archiver:    ar,
	}
	s.makeWorkers(params.ThreadCount)
	return s
}

func (s *Store) makeWorkers(n int) {
	s.workers = make([]*worker, n)
	for i := range s.workers {
		w := &worker{idx: i}
		w.cond = sync.NewCond(&s.mu)
		s.workers[i] = w
	}
}

// SetParameters applies the recognized property keys of spec.md §6.
// ThreadCount changes are ignored once Start has been called (spec.md §9
// open question: mWorkersCount is frozen after Start).
func (s *Store) SetParameters(p Params) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.MaxReadSize > 0 {
		s.params.MaxReadSize = p.MaxReadSize
	}
	if p.MaxInactiveTime > 0 {
		s.params.MaxInactiveTime = p.MaxInactiveTime
	}
	if p.MaxCheckpointsToKeepCount > 0 {
		s.params.MaxCheckpointsToKeepCount = p.MaxCheckpointsToKeepCount
	}
	if p.ThreadCount > 0 && !s.started {
		s.params.ThreadCount = p.ThreadCount
		s.makeWorkers(p.ThreadCount)
	}
}

// RegisterCheckpoint registers an on-disk checkpoint file. Panics on a
// duplicate or negative logSeq — these are caller-misuse programmer errors
// spec.md §7 requires to abort the process, never a runtime status.
func (s *Store) RegisterCheckpoint(name string, logSeq int64) {
	if logSeq < 0 {
		panic(fmt.Sprintf("metastore: negative checkpoint logSeq=%d for %q", logSeq, name))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.checkpoints.get(logSeq); exists {
		panic(fmt.Sprintf("metastore: duplicate checkpoint logSeq=%d", logSeq))
	}

	e := &Entry{
		Kind:      KindCheckpoint,
		LogSeq:    logSeq,
		LogEndSeq: logSeq,
		FileName:  name,
		ThreadIdx: s.nextWorkerIdx(),
	}
	s.checkpoints.insert(e)
	s.setStoreMetricsLocked()
	s.pokeWorker0()
}

// RegisterLogSegment registers an on-disk log segment file. Panics on a
// duplicate startSeq, a negative startSeq, or endSeq < startSeq.
func (s *Store) RegisterLogSegment(name string, startSeq, endSeq int64) {
	if startSeq < 0 || endSeq < startSeq {
		panic(fmt.Sprintf("metastore: malformed log segment %q [%d,%d]", name, startSeq, endSeq))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.logSegments.get(startSeq); exists {
		panic(fmt.Sprintf("metastore: duplicate log segment startSeq=%d", startSeq))
	}

	e := &Entry{
		Kind:      KindLogSegment,
		LogSeq:    startSeq,
		LogEndSeq: endSeq,
		FileName:  name,
		ThreadIdx: s.nextWorkerIdx(),
	}
	s.logSegments.insert(e)

	if endSeq < s.minLogSeq {
		s.pruneLogsFlag = true
	}
	s.setStoreMetricsLocked()
	s.pokeWorker0()
}

func (s *Store) nextWorkerIdx() int {
	idx := s.nextThreadIdx % len(s.workers)
	s.nextThreadIdx++
	return idx
}

func (s *Store) pokeWorker0() {
	if len(s.workers) == 0 {
		return
	}
	w := s.workers[0]
	w.wake = true
	w.cond.Signal()
}

// Start launches the worker goroutines. Idempotent.
func (s *Store) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.now = time.Now().Unix()
	workers := s.workers
	s.mu.Unlock()

	for _, w := range workers {
		s.wg.Add(1)
		go s.runWorker(w)
	}
	logger.Info("metastore: started with %d workers", len(workers))
}

// Shutdown signals all workers to drain (completing in-flight and queued
// reads with ECANCELED) and waits for them to exit.
func (s *Store) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, w := range s.workers {
		w.cond.Broadcast()
	}
	s.mu.Unlock()

	s.wg.Wait()
	logger.Info("metastore: shutdown complete")
}

// Handle routes a read request. It returns true if the op already carries
// its final Status/Data when Handle returns (synchronous validation-error
// path, spec.md §4.2 step 2); it returns false if the op was routed to a
// worker and will complete asynchronously, delivered later through
// OnComplete via Tick.
func (s *Store) Handle(op *ReadOp) bool {
	s.mu.Lock()

	var t *table
	var e *Entry

	if op.CheckpointFlag {
		t = s.checkpoints
		if t.len() == 0 {
			op.fail(ENOENT, "no checkpoint exists")
			s.mu.Unlock()
			return true
		}
		if op.StartLogSeq >= 0 {
			var ok bool
			e, ok = t.get(op.StartLogSeq)
			if !ok {
				op.fail(ENOENT, "no such checkpoint")
				s.mu.Unlock()
				return true
			}
		} else {
			key, _ := t.maxKey()
			e, _ = t.get(key)
			op.ReadPos = 0
			op.StartLogSeq = key
		}
	} else {
		t = s.logSegments
		if op.StartLogSeq < 0 {
			op.fail(EINVAL, "negative log sequence")
			s.mu.Unlock()
			return true
		}

		var ok bool
		if op.ReadPos == 0 {
			e, ok = t.findBySeq(op.StartLogSeq)
		} else {
			e, ok = t.get(op.StartLogSeq)
		}
		if !ok {
			minKey, hasMin := t.minKey()
			switch {
			case !hasMin || op.StartLogSeq < minKey:
				op.fail(ENOENT, "sequence before oldest log segment")
			case op.ReadPos != 0:
				op.fail(EINVAL, "unknown log segment")
			default:
				op.fail(EFAULT, "gap between log segments")
			}
			s.mu.Unlock()
			return true
		}
		if op.ReadPos == 0 {
			op.StartLogSeq = e.LogSeq
		}
	}

	if e.PendingDelete {
		op.fail(ENOENT, "entry pending delete")
		s.mu.Unlock()
		return true
	}

	s.acquire(t, e)
	op.entry = e
	s.inFlight++

	w := s.workers[e.ThreadIdx]
	w.queue = append(w.queue, op)
	w.cond.Signal()
	if s.metrics != nil {
		s.metrics.SetQueueDepth(strconv.Itoa(w.idx), len(w.queue))
	}

	s.mu.Unlock()
	return false
}

func (s *Store) tableFor(e *Entry) *table {
	if e.Kind == KindCheckpoint {
		return s.checkpoints
	}
	return s.logSegments
}

// acquire binds a new reader to entry e. Caller holds s.mu.
func (s *Store) acquire(t *table, e *Entry) {
	e.UseCount++
	t.lruTouch(e, s.now)
}

// release unbinds a reader from entry e. Caller holds s.mu.
func (s *Store) release(t *table, e *Entry) {
	e.UseCount--
	t.lruTouch(e, s.now)
}

func (s *Store) setStoreMetricsLocked() {
	if s.metrics == nil {
		return
	}
	s.metrics.SetCheckpoints(s.checkpoints.len())
	s.metrics.SetLogSegments(s.logSegments.len())
	s.metrics.SetMinLogSeq(s.minLogSeq)
	s.metrics.SetOpenFDs(KindCheckpoint.String(), s.checkpoints.openCount())
	s.metrics.SetOpenFDs(KindLogSegment.String(), s.logSegments.openCount())
	for _, w := range s.workers {
		s.metrics.SetQueueDepth(strconv.Itoa(w.idx), len(w.queue))
	}
}

// Tick drives the Completion Reactor (spec.md §4.4). It is invoked by the
// external event loop's periodic timeout.
func (s *Store) Tick(now time.Time) {
	nowSec := now.Unix()

	s.mu.Lock()
	if len(s.doneQueue) == 0 && nowSec == s.now {
		s.mu.Unlock()
		return
	}

	completed := s.doneQueue
	s.doneQueue = nil
	s.now = nowSec
	atomic.StoreInt64(&s.doneCount, 0)
	s.inFlight -= len(completed)

	if s.inFlight <= 0 {
		expireAt := nowSec - int64(s.params.MaxInactiveTime/time.Second)
		if h := s.checkpoints.lruHead(); h != nil && h.AccessTime < expireAt {
			s.pokeWorker0()
		}
		if h := s.logSegments.lruHead(); h != nil && h.AccessTime < expireAt {
			s.pokeWorker0()
		}
	}
	s.mu.Unlock()

	for _, op := range completed {
		if op.Status == 0 {
			s.metrics.IncOpStatus("OK")
		} else {
			s.metrics.IncOpStatus(fmt.Sprintf("%d", op.Status))
		}
		if s.OnComplete != nil {
			s.OnComplete(op)
		}
	}
}
