package metastore

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
)

// headerBufSize is the amount of the file head/tail scanned for commit
// records, per spec.md §6 "Log segment header parsing".
const headerBufSize = 4096

// commitMarker prefixes every commit record line in a log segment: "c/"
// preceded by a newline, followed by 6 "/"-separated fields where the 5th
// field (index 4) is the hex log sequence number.
const commitMarker = "\nc/"

// parseLogSegmentBounds extracts [startSeq, endSeq] from a log segment file
// by reading its head and tail, grounded on
// original_source/MetaDataStore.cc's GetLogSegmentSeqNumbers /
// GetCommitLogSequence. Short files (smaller than headerBufSize) are
// handled as a first-class case — spec.md §9's open question — by reusing
// the single whole-file read for both the head and tail scan instead of
// retrying lseek offsets.
func parseLogSegmentBounds(path string) (startSeq, endSeq int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	size := info.Size()

	bufSize := int64(headerBufSize)
	if size < bufSize {
		bufSize = size
	}

	head := make([]byte, bufSize)
	if _, err := f.ReadAt(head, 0); err != nil {
		return 0, 0, fmt.Errorf("read head of %s: %w", path, err)
	}

	startSeq, err = firstCommitSeq(head)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: start seq: %w", path, err)
	}

	var tail []byte
	if size <= int64(headerBufSize) {
		tail = head // short-file first-class case: reuse the whole-file read
	} else {
		tail = make([]byte, headerBufSize)
		if _, err := f.ReadAt(tail, size-headerBufSize); err != nil {
			return 0, 0, fmt.Errorf("read tail of %s: %w", path, err)
		}
	}

	endSeq, err = lastCommitSeq(tail)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: end seq: %w", path, err)
	}

	return startSeq, endSeq, nil
}

// firstCommitSeq returns the sequence number of the first commit record in buf.
func firstCommitSeq(buf []byte) (int64, error) {
	idx := bytes.Index(buf, []byte(commitMarker))
	if idx < 0 {
		return 0, fmt.Errorf("no commit record found")
	}
	return commitSeqAt(buf, idx+1) // +1 skips the leading newline, lands on "c/..."
}

// lastCommitSeq returns the sequence number of the last commit record in buf.
func lastCommitSeq(buf []byte) (int64, error) {
	idx := bytes.LastIndex(buf, []byte(commitMarker))
	if idx < 0 {
		return 0, fmt.Errorf("no commit record found")
	}
	return commitSeqAt(buf, idx+1)
}

// commitSeqAt parses the hex sequence number out of the commit record
// starting at buf[start:] ("c/f1/f2/f3/<seq-hex>/f6...").
func commitSeqAt(buf []byte, start int) (int64, error) {
	end := bytes.IndexByte(buf[start:], '\n')
	var line []byte
	if end < 0 {
		line = buf[start:]
	} else {
		line = buf[start : start+end]
	}

	fields := bytes.Split(line, []byte("/"))
	if len(fields) < 6 {
		return 0, fmt.Errorf("malformed commit record: %q", line)
	}

	seq, err := strconv.ParseInt(string(fields[4]), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed sequence field %q: %w", fields[4], err)
	}

	return seq, nil
}
