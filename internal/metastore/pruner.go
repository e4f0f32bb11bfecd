package metastore

import "os"

// runPrunerPass implements the Expirer/Pruner of spec.md §4.3. It collects
// deferred file-system work under the mutex and performs the actual
// close/unlink/archive calls only after releasing it, so disk latency never
// blocks request submission (spec.md §9 "Deferred I/O outside the lock").
func (s *Store) runPrunerPass(workerIdx int) {
	s.mu.Lock()

	var closeFDs []*os.File
	var unlinkPaths []string

	expireAt := s.now - int64(s.params.MaxInactiveTime.Seconds())

	s.expireInactive(s.checkpoints, expireAt, &closeFDs, &unlinkPaths, "checkpoint")
	s.expireInactive(s.logSegments, expireAt, &closeFDs, &unlinkPaths, "log_segment")

	prevMinLogSeq := s.lastPruneMinSeq
	s.pruneCheckpoints(&closeFDs, &unlinkPaths)
	s.lastPruneMinSeq = s.minLogSeq

	if s.pruneLogsFlag || s.minLogSeq > prevMinLogSeq {
		s.pruneLogSegments(prevMinLogSeq, &closeFDs, &unlinkPaths)
		s.pruneLogsFlag = false
	}

	s.setStoreMetricsLocked()
	s.mu.Unlock()

	for _, f := range closeFDs {
		_ = f.Close()
	}
	for _, p := range unlinkPaths {
		if s.archiver != nil {
			s.archiver.Archive(p)
		}
		_ = os.Remove(p)
	}
}

// expireInactive walks t's LRU from the head, closing/unlinking entries
// that are idle past expireAt (or already closed) and have no readers.
func (s *Store) expireInactive(t *table, expireAt int64, closeFDs *[]*os.File, unlinkPaths *[]string, kind string) {
	for {
		head := t.lruHead()
		if head == nil {
			break
		}
		if !(head.UseCount <= 0 && (head.AccessTime < expireAt || !head.Open())) {
			break
		}

		t.popLRUHead()

		if head.Open() {
			*closeFDs = append(*closeFDs, head.file)
			head.file = nil
		}
		if head.PendingDelete {
			*unlinkPaths = append(*unlinkPaths, head.FileName)
			t.erase(head.LogSeq)
			if s.metrics != nil {
				s.metrics.IncPruned(kind)
			}
		}
	}
}

// pruneCheckpoints enforces the retention target (spec.md §4.3 "Checkpoint
// retention"): walk ascending while more than MaxCheckpointsToKeepCount
// remain, marking or deleting victims and raising minLogSeq monotonically.
func (s *Store) pruneCheckpoints(closeFDs *[]*os.File, unlinkPaths *[]string) {
	size := s.checkpoints.len()
	toRemove := size - s.params.MaxCheckpointsToKeepCount
	if toRemove <= 0 {
		return
	}

	keys := append([]int64(nil), s.checkpoints.keys...)
	processed := 0

	for _, key := range keys {
		if processed >= toRemove {
			break
		}
		e, ok := s.checkpoints.get(key)
		if !ok {
			continue
		}

		if e.LogSeq > s.minLogSeq {
			s.minLogSeq = e.LogSeq
		}

		if e.PendingDelete {
			processed++
			continue
		}

		if e.UseCount > 0 {
			e.PendingDelete = true
			processed++
			continue
		}

		if e.elem != nil {
			s.checkpoints.lru.Remove(e.elem)
			e.elem = nil
		}
		if e.Open() {
			*closeFDs = append(*closeFDs, e.file)
			e.file = nil
		}
		*unlinkPaths = append(*unlinkPaths, e.FileName)
		s.checkpoints.erase(key)
		if s.metrics != nil {
			s.metrics.IncPruned("checkpoint")
		}
		processed++
	}
}

// pruneLogSegments implements spec.md §4.3 "Log-segment pruning": starting
// from the segment containing prevMinLogSeq (or the first segment), walk
// forward while logEndSeq < minLogSeq.
func (s *Store) pruneLogSegments(prevMinLogSeq int64, closeFDs *[]*os.File, unlinkPaths *[]string) {
	startKey, ok := s.logSegments.minKey()
	if !ok {
		return
	}
	if pred, found := s.logSegments.findBySeq(prevMinLogSeq); found {
		startKey = pred.LogSeq
	}

	for _, key := range s.logSegments.ascendingFrom(startKey) {
		e, ok := s.logSegments.get(key)
		if !ok {
			continue
		}
		if e.LogEndSeq >= s.minLogSeq {
			break
		}

		if e.PendingDelete {
			continue
		}

		if e.UseCount > 0 {
			e.PendingDelete = true
			continue
		}

		if e.elem != nil {
			s.logSegments.lru.Remove(e.elem)
			e.elem = nil
		}
		if e.Open() {
			*closeFDs = append(*closeFDs, e.file)
			e.file = nil
		}
		*unlinkPaths = append(*unlinkPaths, e.FileName)
		s.logSegments.erase(key)
		if s.metrics != nil {
			s.metrics.IncPruned("log_segment")
		}
	}
}
