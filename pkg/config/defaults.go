package config

import (
	"strings"
	"time"
)

// Floors and defaults mirror the values named explicitly in the store's and
// the connection's external interface (SetParameters keys / chunk-server
// properties).
const (
	MinMaxReadSize        = 64 * 1024
	DefaultMaxReadSize    = 2 * 1024 * 1024
	MinMaxInactiveTime    = 10 * time.Second
	DefaultMaxInactiveTime = 60 * time.Second
	MinCheckpointsToKeep  = 1
	DefaultCheckpointsToKeep = 16
	MinThreadCount        = 1
	DefaultThreadCount    = 4

	DefaultInactivityTimeout    = 65 * time.Second
	DefaultMaxReadAhead         = 4 * 1024
	DefaultMaxPendingOps        = 64
	DefaultReconnectMinInterval = time.Second
)

// ApplyDefaults sets default values for any unspecified configuration fields
// and floors values that fall below the minimum the store/connection accept.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyStoreDefaults(&cfg.Store)
	applyConnDefaults(&cfg.Conn)
	applyMetricsDefaults(&cfg.Metrics)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.MaxReadSize == 0 {
		cfg.MaxReadSize = DefaultMaxReadSize
	} else if cfg.MaxReadSize < MinMaxReadSize {
		cfg.MaxReadSize = MinMaxReadSize
	}

	if cfg.MaxInactiveTime == 0 {
		cfg.MaxInactiveTime = DefaultMaxInactiveTime
	} else if cfg.MaxInactiveTime < MinMaxInactiveTime {
		cfg.MaxInactiveTime = MinMaxInactiveTime
	}

	if cfg.MaxCheckpointsToKeepCount == 0 {
		cfg.MaxCheckpointsToKeepCount = DefaultCheckpointsToKeep
	} else if cfg.MaxCheckpointsToKeepCount < MinCheckpointsToKeep {
		cfg.MaxCheckpointsToKeepCount = MinCheckpointsToKeep
	}

	if cfg.ThreadCount == 0 {
		cfg.ThreadCount = DefaultThreadCount
	} else if cfg.ThreadCount < MinThreadCount {
		cfg.ThreadCount = MinThreadCount
	}
}

func applyConnDefaults(cfg *ConnConfig) {
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.MaxReadAhead == 0 {
		cfg.MaxReadAhead = DefaultMaxReadAhead
	}
	if cfg.MaxPendingOps == 0 {
		cfg.MaxPendingOps = DefaultMaxPendingOps
	}
	if cfg.ReconnectMinInterval == 0 {
		cfg.ReconnectMinInterval = DefaultReconnectMinInterval
	}
	if cfg.Auth.AuthType == "" {
		cfg.Auth.AuthType = ""
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":9090"
	}
}
