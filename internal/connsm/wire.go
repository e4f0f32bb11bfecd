package connsm

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Format is the negotiated RPC header encoding (spec.md §6 "two header
// formats negotiated on first exchange").
type Format int

const (
	FormatUnknown Format = iota
	FormatLong
	FormatShort
)

// headerSet is a decoded block of "Name: value" lines, keyed by whichever
// key the peer actually sent — long or short — so a single lookup table
// covers both formats (spec.md §6: long uses Cseq/Status/..., short uses
// c/s/m/l/... with hex integer values).
type headerSet map[string]string

// longToShort maps every header name this router understands to its short
// single-character key.
var longToShort = map[string]string{
	"Cseq":           "c",
	"Status":         "s",
	"Status-message": "m",
	"Content-length": "l",
	"Resume":         "R",
	"File-handle":    "FI",
	"Data":           "DA",
	"Dir":            "D",
	"Max-pending":    "MP",
	"Key-id":         "K",
	"Cluster-key":    "C",
	"Drop":           "DR",
	"Proto-name":     "PN",
	"Meta-md5":       "M",
}

var shortToLong = func() map[string]string {
	m := make(map[string]string, len(longToShort))
	for long, short := range longToShort {
		m[short] = long
	}
	return m
}()

// parseHeaders reads "Name: value\r\n" lines up to the first blank line.
// It returns the headers, whether a terminating blank line was found, and
// an approximate byte count: each line counts as its text plus one byte, so
// the CR of a CRLF line is not included.
func parseHeaders(data []byte) (hdrs headerSet, complete bool, consumed int) {
	hdrs = make(headerSet)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Split(bufio.ScanLines)

	for scanner.Scan() {
		line := scanner.Text()
		consumed += len(line) + 1 // approximate; refined by caller via "\r\n\r\n" search
		if strings.TrimSpace(line) == "" {
			complete = true
			break
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		hdrs[key] = val
	}

	return hdrs, complete, consumed
}

// canonical looks up a header value by its long name, falling back to the
// matching short key when the long key is absent.
func (h headerSet) canonical(longKey string) (string, bool) {
	if v, ok := h[longKey]; ok {
		return v, true
	}
	if short, ok := longToShort[longKey]; ok {
		if v, ok := h[short]; ok {
			return v, true
		}
	}
	return "", false
}

// detectFormat implements spec.md §6 format negotiation: on the first
// reply, if "Cseq" is absent but "c" is present, the peer is using the
// short format.
func detectFormat(h headerSet) Format {
	if _, ok := h["Cseq"]; ok {
		return FormatLong
	}
	if _, ok := h["c"]; ok {
		return FormatShort
	}
	return FormatUnknown
}

// headerInt parses an integer header value, using decimal for the long
// format and hex for the short format (spec.md §6 "short ... numeric values
// in hex").
func headerInt(h headerSet, longKey string, format Format) (int64, bool, error) {
	v, ok := h.canonical(longKey)
	if !ok {
		return 0, false, nil
	}

	base := 10
	if format == FormatShort {
		base = 16
	}

	n, err := strconv.ParseInt(v, base, 64)
	if err != nil {
		return 0, true, fmt.Errorf("header %s: %w", longKey, err)
	}
	return n, true, nil
}

// kfsToSysErrno translates a KFS-space errno to a host errno (spec.md §6
// "Status codes are in KFS error space and must be translated to host
// errno values when negative"). KFS errno values below 1000 already match
// POSIX errno numbering in this codebase's domain; values at or above 1000
// are KFS-specific sentinels with no host equivalent and are passed through
// unchanged so callers can still match them by name (e.g. EBadClusterKey).
func kfsToSysErrno(kfsErrno int) int {
	if kfsErrno < 0 {
		kfsErrno = -kfsErrno
	}
	return kfsErrno
}

// EBadClusterKey is the fatal KFS sentinel for a cluster identity mismatch
// (spec.md §7 "EBADCLUSTERKEY").
const EBadClusterKey = 1001

// EAgain requests a HELLO Step 0 retry.
const EAgain = 11
