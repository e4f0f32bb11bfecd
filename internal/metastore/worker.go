package metastore

import (
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

// worker owns one sticky request queue and condition variable. All reads
// for a given entry execute on the same worker (spec.md §9 "sticky
// per-file worker assignment"), so a single goroutine ever touches that
// entry's *os.File.
type worker struct {
	idx   int
	queue []*ReadOp
	cond  *sync.Cond
	wake  bool
}

// runWorker is the worker loop of spec.md §4.2: wait, drain, process,
// publish completions, then run a pruning pass.
func (s *Store) runWorker(w *worker) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for len(w.queue) == 0 && !w.wake && !s.closed {
			w.cond.Wait()
		}

		if s.closed && len(w.queue) == 0 {
			s.mu.Unlock()
			return
		}

		batch := w.queue
		w.queue = nil
		w.wake = false
		stopping := s.closed
		if s.metrics != nil {
			s.metrics.SetQueueDepth(strconv.Itoa(w.idx), 0)
		}
		s.mu.Unlock()

		for _, op := range batch {
			if stopping {
				op.fail(ECANCELED, "canceled by shutdown")
				s.mu.Lock()
				e := op.entry
				s.release(s.tableFor(e), e)
				s.mu.Unlock()
				continue
			}
			s.process(op)
		}

		if len(batch) > 0 {
			s.mu.Lock()
			s.doneQueue = append(s.doneQueue, batch...)
			s.mu.Unlock()
			atomic.AddInt64(&s.doneCount, int64(len(batch)))
		}

		s.runPrunerPass(w.idx)

		if stopping {
			return
		}
	}
}

// process is the Reader of spec.md §4.2.1. It re-resolves the entry,
// performs the (possibly lazy) open and the read with the store mutex
// released, then releases the reference.
func (s *Store) process(op *ReadOp) {
	s.mu.Lock()
	e := op.entry
	if e == nil || e.UseCount <= 0 {
		s.mu.Unlock()
		panic("metastore: process called without a held entry reference")
	}
	t := s.tableFor(e)
	t.lruTouch(e, s.now)
	s.mu.Unlock()

	if !e.Open() {
		f, err := os.OpenFile(e.FileName, os.O_RDONLY, 0)
		if err != nil {
			op.fail(EIO, "failed to open file: "+err.Error())
			s.mu.Lock()
			s.release(t, e)
			s.mu.Unlock()
			return
		}
		e.file = f
	}

	readSize := op.ReadSize
	if readSize > s.params.MaxReadSize {
		readSize = s.params.MaxReadSize
	}
	if readSize < 0 {
		readSize = 0
	}

	buf := make([]byte, readSize)
	n, err := e.file.ReadAt(buf, op.ReadPos)
	if err != nil && err != io.EOF {
		op.fail(EIO, err.Error())
	} else {
		op.Data = buf[:n]
		op.succeed()
	}

	s.mu.Lock()
	s.release(t, e)
	s.mu.Unlock()
}
