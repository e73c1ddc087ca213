package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/fabric-recovery/internal/checkpoint"
	"github.com/ChuLiYu/fabric-recovery/internal/engine"
	"github.com/ChuLiYu/fabric-recovery/internal/farm"
	"github.com/ChuLiYu/fabric-recovery/internal/httpapi"
	"github.com/ChuLiYu/fabric-recovery/internal/metrics"
	"github.com/ChuLiYu/fabric-recovery/internal/server"
	"github.com/ChuLiYu/fabric-recovery/internal/storage/badgerstore"
	"github.com/ChuLiYu/fabric-recovery/internal/storage/filestore"
	"github.com/ChuLiYu/fabric-recovery/internal/storage/memstore"
	"github.com/ChuLiYu/fabric-recovery/internal/storage/pgstore"
	"github.com/ChuLiYu/fabric-recovery/internal/telemetry"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

const shutdownTimeout = 10 * time.Second

// Daemon is a running engine with its store and optional metrics.
type Daemon struct {
	cfg     *Config
	store   checkpoint.Repository
	engine  *engine.Engine
	metrics *metrics.Collector
	tracing *sdktrace.TracerProvider
	log     *slog.Logger
}

// Run opens the store, starts the engine and serves until ctx is done.
func Run(ctx context.Context, cfg *Config) error {
	d, err := NewDaemon(ctx, cfg)
	if err != nil {
		return err
	}

	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		d.Close()
		return fmt.Errorf("listen grpc %s: %w", cfg.Server.GRPCAddr, err)
	}
	var httpLis net.Listener
	if cfg.Server.HTTPAddr != "" {
		httpLis, err = net.Listen("tcp", cfg.Server.HTTPAddr)
		if err != nil {
			grpcLis.Close()
			d.Close()
			return fmt.Errorf("listen http %s: %w", cfg.Server.HTTPAddr, err)
		}
	}
	return d.Serve(ctx, grpcLis, httpLis)
}

// NewDaemon opens the configured store and starts the engine, which runs
// crash recovery before returning.
func NewDaemon(ctx context.Context, cfg *Config) (*Daemon, error) {
	log := slog.With("component", "daemon")

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sim := farm.NewSimulator()
	for group, servers := range cfg.Farm {
		sim.AddGroup(group, servers...)
	}

	d := &Daemon{cfg: cfg, store: store, log: log}

	deps := engine.Deps{Repository: store, Farm: sim}
	if cfg.Metrics.Enabled {
		d.metrics = metrics.NewCollector()
		deps.Observer = d.metrics
	}

	if cfg.Tracing.Enabled {
		tp, err := telemetry.NewTracerProvider(ctx, cfg.TelemetryConfig())
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		otel.SetTracerProvider(tp)
		d.tracing = tp
		deps.Tracing = tp
	}

	eng, err := engine.New(cfg.EngineConfig(), deps)
	if err != nil {
		d.release()
		return nil, err
	}
	if err := eng.Start(ctx); err != nil {
		d.release()
		return nil, fmt.Errorf("start engine: %w", err)
	}
	d.engine = eng

	if d.metrics != nil {
		d.metrics.Bind(func() metrics.Snapshot { return snapshotOf(eng.Stats()) })
	}

	log.Info("engine started",
		"backend", cfg.Store.Backend,
		"workers", cfg.Executor.WorkerCount,
		"groups", len(cfg.Farm),
		"tracing", cfg.Tracing.Enabled)
	return d, nil
}

// Engine returns the running engine.
func (d *Daemon) Engine() *engine.Engine { return d.engine }

// Serve runs the gRPC server, the admin HTTP API (when httpLis is non-nil)
// and the finished-job purge loop until ctx is done, then shuts everything
// down. It always closes the daemon.
func (d *Daemon) Serve(ctx context.Context, grpcLis, httpLis net.Listener) error {
	defer d.Close()

	svc := server.NewServer(d.engine)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(server.LoggingInterceptor(slog.With("component", "grpc"))))
	server.Register(gs, svc)

	var httpSrv *http.Server
	if httpLis != nil {
		var metricsHandler http.Handler
		if d.metrics != nil {
			metricsHandler = d.metrics.Handler()
		}
		httpSrv = &http.Server{
			Handler:           httpapi.NewRouter(d.engine, metricsHandler),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.log.Info("grpc listening", "addr", grpcLis.Addr().String())
		if err := gs.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})

	if httpSrv != nil {
		g.Go(func() error {
			d.log.Info("http listening", "addr", httpLis.Addr().String())
			if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http serve: %w", err)
			}
			return nil
		})
	}

	if d.cfg.Jobs.PurgeAfter > 0 {
		g.Go(func() error {
			d.purgeLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		d.log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if httpSrv != nil {
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				d.log.Warn("http shutdown", "error", err)
			}
		}

		stopped := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			gs.Stop()
		}
		return nil
	})

	return g.Wait()
}

// purgeLoop deletes finished jobs older than Jobs.PurgeAfter. Jobs whose
// compensation failed are kept by the engine.
func (d *Daemon) purgeLoop(ctx context.Context) {
	interval := d.cfg.Jobs.PurgeAfter / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := d.engine.Purge(ctx, now.Add(-d.cfg.Jobs.PurgeAfter))
			if err != nil {
				d.log.Warn("purge failed", "error", err)
				continue
			}
			if n > 0 {
				d.log.Info("purged finished jobs", "count", n)
			}
		}
	}
}

// Close stops the engine, flushes buffered spans and closes the store.
func (d *Daemon) Close() {
	d.engine.Stop()
	d.release()
}

func (d *Daemon) release() {
	if d.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.tracing.Shutdown(ctx); err != nil {
			d.log.Warn("tracer shutdown", "error", err)
		}
		cancel()
		d.tracing = nil
	}
	if err := d.store.Close(); err != nil {
		d.log.Warn("close store", "error", err)
	}
}

func openStore(ctx context.Context, cfg *Config) (checkpoint.Repository, error) {
	switch cfg.Store.Backend {
	case "badger":
		bc := badgerstore.DefaultConfig()
		bc.Path = cfg.Store.Path
		bc.SyncWrites = cfg.Store.SyncWrites
		bc.Logger = slog.With("component", "badger")
		return badgerstore.Open(bc)
	case "file":
		return filestore.Open(filestore.Options{
			Dir:          cfg.Store.Path,
			SyncWrites:   cfg.Store.SyncWrites,
			CompactEvery: cfg.Store.CompactEvery,
		})
	case "postgres":
		st, err := pgstore.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	case "memory":
		return memstore.New(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func snapshotOf(st engine.Stats) metrics.Snapshot {
	return metrics.Snapshot{
		Running:     st.Jobs[string(types.JobRunning)] + st.Jobs[string(types.JobCompensating)],
		Waiting:     st.Scheduler.Waiting,
		Parked:      st.Parked,
		LocksHeld:   st.Scheduler.Locks.Held,
		WorkersBusy: st.Busy,
		EventsQueue: st.Bus.Queued,
	}
}
