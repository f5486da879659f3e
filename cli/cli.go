// Package cli wires the server together: configuration, store backend,
// registry, command queue, ingestion pipeline, and the maintenance loops.
package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mycosoft/mycobrain-server/src/commandqueue"
	"github.com/mycosoft/mycobrain-server/src/config"
	"github.com/mycosoft/mycobrain-server/src/datastore"
	"github.com/mycosoft/mycobrain-server/src/device_manager"
	"github.com/mycosoft/mycobrain-server/src/ingest"
	"github.com/mycosoft/mycobrain-server/src/inter"
	"github.com/mycosoft/mycobrain-server/src/mycorrhizae"
)

func Run() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := start(ctx); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server shut down cleanly")
}

// Server holds the wired components. Tests build one with NewServer and
// drive it directly instead of going through Run.
type Server struct {
	Config   *config.Config
	Log      *slog.Logger
	Store    inter.DataStore
	Devices  inter.DeviceManager
	Commands *commandqueue.Queue
	Ingest   *ingest.Pipeline
	Bridge   *mycorrhizae.Bridge
}

func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log := newLogger(cfg.Log)

	var (
		store inter.DataStore
		err   error
	)
	switch cfg.Store.Backend {
	case "postgres":
		store, err = datastore.NewPgStore(ctx, cfg.Store.PostgresDSN)
	default:
		store, err = datastore.NewLiteStore(cfg.Store.SQLitePath)
	}
	if err != nil {
		return nil, err
	}

	devices := device_manager.NewDeviceManager(store, log,
		device_manager.WithConnectivityWindows(cfg.Devices.OnlineWindow, cfg.Devices.StaleWindow))
	commands := commandqueue.NewQueue(store, devices, log,
		commandqueue.WithDefaultTTL(cfg.Commands.DefaultTTL))
	bridge := mycorrhizae.NewBridge(log)
	pipeline := ingest.NewPipeline(store, devices, commands, bridge, log)

	return &Server{
		Config:   cfg,
		Log:      log,
		Store:    store,
		Devices:  devices,
		Commands: commands,
		Ingest:   pipeline,
		Bridge:   bridge,
	}, nil
}

func (s *Server) Close() error { return s.Store.Close() }

func start(ctx context.Context) error {
	cfg, err := config.Load(os.Getenv("MYCOBRAIN_CONFIG"))
	if err != nil {
		return err
	}

	srv, err := NewServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	srv.Log.Info("mycobrain server started",
		"store", cfg.Store.Backend,
		"sweep_interval", cfg.Commands.SweepInterval)

	go srv.runExpirySweeper(ctx)
	go srv.runFramePruner(ctx)

	<-ctx.Done()
	return nil
}

// runExpirySweeper periodically moves overdue pending/sent commands to
// expired so devices that went dark do not pin commands forever.
func (s *Server) runExpirySweeper(ctx context.Context) {
	ticker := time.NewTicker(s.Config.Commands.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Commands.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				s.Log.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

// runFramePruner bounds the diagnostics frame log.
func (s *Server) runFramePruner(ctx context.Context) {
	ticker := time.NewTicker(s.Config.Frames.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.Config.Frames.Retention)
			n, err := s.Store.PruneFrames(ctx, cutoff)
			if err != nil && ctx.Err() == nil {
				s.Log.Error("frame prune failed", "error", err)
				continue
			}
			if n > 0 {
				s.Log.Info("frame log pruned", "removed", n)
			}
		}
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
