package metastore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kfscache/metastore/internal/logger"
)

// LoaderConfig controls the one-shot Directory Loader (spec.md §2, §6
// "Directory layout").
type LoaderConfig struct {
	CheckpointDir string
	LogDir        string

	// RemoveTmp unlinks stale "chkpt.<seq>.tmp.*" files found during the
	// scan (SPEC_FULL.md Directory Loader supplement).
	RemoveTmp bool
}

const (
	checkpointPrefix = "chkpt."
	checkpointLatest = "latest"
	logSegmentPrefix = "log."
	logSegmentLast   = "last"
)

// Load performs the startup scan: it registers every checkpoint and log
// segment file found in cfg.CheckpointDir/cfg.LogDir. Malformed file names
// abort the load with the offending name in the error, matching
// original_source/MetaDataStore.cc's LoadDir strictness.
func Load(s *Store, cfg LoaderConfig) error {
	if err := loadCheckpoints(s, cfg); err != nil {
		return err
	}
	if err := loadLogSegments(s, cfg); err != nil {
		return err
	}
	return nil
}

func loadCheckpoints(s *Store, cfg LoaderConfig) error {
	entries, err := os.ReadDir(cfg.CheckpointDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read checkpoint dir: %w", err)
	}

	sentinelIno, hasSentinel := fileIno(filepath.Join(cfg.CheckpointDir, checkpointLatest))

	for _, de := range entries {
		name := de.Name()
		full := filepath.Join(cfg.CheckpointDir, name)

		if name == checkpointLatest {
			continue
		}
		if ino, ok := fileIno(full); ok && hasSentinel && ino == sentinelIno {
			continue // hard-linked under the sentinel inode: skip regardless of name
		}
		if strings.Contains(name, ".tmp.") {
			if cfg.RemoveTmp {
				logger.Warn("metastore: removing stale temp checkpoint %s", full)
				_ = os.Remove(full)
			}
			continue
		}
		if !strings.HasPrefix(name, checkpointPrefix) {
			continue
		}

		seqStr := strings.TrimPrefix(name, checkpointPrefix)
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed checkpoint file name %q: %w", full, err)
		}

		s.RegisterCheckpoint(full, seq)
	}

	return nil
}

func loadLogSegments(s *Store, cfg LoaderConfig) error {
	entries, err := os.ReadDir(cfg.LogDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read log dir: %w", err)
	}

	sentinelIno, hasSentinel := fileIno(filepath.Join(cfg.LogDir, logSegmentLast))

	for _, de := range entries {
		name := de.Name()
		full := filepath.Join(cfg.LogDir, name)

		if name == logSegmentLast {
			continue
		}
		if ino, ok := fileIno(full); ok && hasSentinel && ino == sentinelIno {
			continue
		}
		if !strings.HasPrefix(name, logSegmentPrefix) {
			continue
		}

		seqStr := strings.TrimPrefix(name, logSegmentPrefix)
		startSeq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed log segment file name %q: %w", full, err)
		}

		_, endSeq, err := resolveLogSegmentBounds(s, full, startSeq)
		if err != nil {
			return fmt.Errorf("scan log segment %q: %w", full, err)
		}

		s.RegisterLogSegment(full, startSeq, endSeq)
	}

	return nil
}

// resolveLogSegmentBounds consults the header cache before falling back to
// a full file scan (SPEC_FULL.md Header-cache supplement).
func resolveLogSegmentBounds(s *Store, path string, expectedStart int64) (startSeq, endSeq int64, err error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return 0, 0, statErr
	}

	if s.headerCache != nil {
		if bounds, ok := s.headerCache.Lookup(path, info.Size(), info.ModTime()); ok {
			s.metrics.IncHeaderCacheHit()
			return bounds.StartSeq, bounds.EndSeq, nil
		}
		s.metrics.IncHeaderCacheMiss()
	}

	startSeq, endSeq, err = parseLogSegmentBounds(path)
	if err != nil {
		return 0, 0, err
	}

	if s.headerCache != nil {
		s.headerCache.Store(path, info.Size(), info.ModTime(), startSeq, endSeq)
	}

	return startSeq, endSeq, nil
}

// fileIno returns the platform inode number for path, or ok=false if the
// file does not exist or the platform cannot report one.
func fileIno(path string) (ino uint64, ok bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return inoOf(info)
}
