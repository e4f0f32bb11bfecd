// Command chunkclient drives a MetaServerSM connection state machine
// against a real metadata server, for manual testing and as a reference
// wiring of internal/connsm outside of unit tests.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kfscache/metastore/internal/connsm"
	"github.com/kfscache/metastore/internal/connsm/auth"
	"github.com/kfscache/metastore/internal/logger"
	"github.com/kfscache/metastore/pkg/config"
	"github.com/kfscache/metastore/pkg/metrics"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chunkclient",
	Short: "Chunk-server side connection state machine driver",
	RunE:  run,
}

type disconnectLogger struct{}

func (disconnectLogger) OnMetaServerDisconnect(reason string) {
	logger.Warn("chunkclient: disconnected: %s", reason)
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.SetLevel(cfg.Logging.Level)

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}
	connMetrics := metrics.NewConnMetrics()

	var backend auth.Backend = auth.NoopBackend{}
	if cfg.Conn.Auth.AuthType != "" {
		psk, err := config.DecodePSKSettings(cfg.Conn.Auth)
		if err != nil {
			return fmt.Errorf("decode psk settings: %w", err)
		}
		if psk.KeyID != "" && psk.Key != "" {
			backend = &auth.PSKBackend{KeyID: psk.KeyID, Key: []byte(psk.Key)}
		}
	}

	loop := connsm.NewReactor()

	machine := connsm.New(connsm.Config{
		Addr:                 cfg.Conn.MetaServerAddr,
		InactivityTimeout:    cfg.Conn.InactivityTimeout,
		MaxReadAhead:         cfg.Conn.MaxReadAhead,
		MaxPendingOps:        cfg.Conn.MaxPendingOps,
		NoFids:               cfg.Conn.NoFids,
		HelloResume:          cfg.Conn.HelloResume,
		TraceRequestResponse: cfg.Conn.TraceRequestResponse,
		ReconnectMinInterval: cfg.Conn.ReconnectMinInterval,
		AuthTypeBitmap:       cfg.Conn.Auth.AuthType,
	}, loop, backend, disconnectLogger{}, connMetrics)

	if err := machine.Connect(); err != nil {
		logger.Warn("chunkclient: initial connect failed: %v", err)
	}

	scheduleTick(loop, machine, time.Second)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("chunkclient: session %s running against %s", machine.SessionID(), cfg.Conn.MetaServerAddr)
	<-ctx.Done()

	logger.Info("chunkclient: shutting down")
	machine.Shutdown()
	loop.Shutdown()
	return nil
}

func scheduleTick(loop connsm.EventLoop, machine *connsm.ConnectionStateMachine, interval time.Duration) {
	var tick func()
	tick = func() {
		machine.Tick(loop.Now())
		if machine.State() == connsm.StateDisconnected {
			if err := machine.Connect(); err != nil {
				logger.Warn("chunkclient: reconnect failed: %v", err)
			}
		}
		loop.RegisterTimeout(interval, tick)
	}
	loop.RegisterTimeout(interval, tick)
}
