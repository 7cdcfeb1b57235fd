// Command xcmq-server runs an inbound message queue node: it includes
// submitted pages into locally produced blocks, executes or defers their
// messages and serves the admin and state API.
//
// Usage:
//
//	xcmq-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/xcmq/internal/bucket"
	"github.com/snehjoshi/xcmq/internal/chain"
	"github.com/snehjoshi/xcmq/internal/config"
	"github.com/snehjoshi/xcmq/internal/consumer"
	"github.com/snehjoshi/xcmq/internal/engine"
	"github.com/snehjoshi/xcmq/internal/events"
	"github.com/snehjoshi/xcmq/internal/metrics"
	"github.com/snehjoshi/xcmq/internal/node"
	"github.com/snehjoshi/xcmq/internal/policy"
	"github.com/snehjoshi/xcmq/internal/storage"
	"github.com/snehjoshi/xcmq/internal/storage/local"
	"github.com/snehjoshi/xcmq/internal/storage/memory"
	transphttp "github.com/snehjoshi/xcmq/internal/transport/http"
	"github.com/snehjoshi/xcmq/internal/transport/inbox"
	transportws "github.com/snehjoshi/xcmq/internal/transport/websocket"
	"github.com/snehjoshi/xcmq/internal/types"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "xcmq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.Open(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	slog.Info("xcmq starting",
		"node_id", n.ID(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", n.DataDir(),
		"storage", cfg.Storage.Engine,
	)

	// ── 4. Open storage ──────────────────────────────────────────────────────
	db, err := openStorage(cfg)
	if err != nil {
		return err
	}

	// ── 5. Build the engine ──────────────────────────────────────────────────
	ops, err := cfg.Policy.Opcodes()
	if err != nil {
		_ = db.Close()
		return err
	}
	clock := chain.NewClock(types.BlockNumber(cfg.Chain.StartBlock))
	eng, err := engine.New(db,
		engine.WithLimits(bucket.Limits{
			MaxMessagesPerBucket: cfg.Limits.MaxMessagesPerBucket,
			MaxBucketsPerOrigin:  cfg.Limits.MaxBucketsPerOrigin,
		}),
		engine.WithMaxBucketsProcessed(cfg.Limits.MaxBucketsProcessed),
		engine.WithMaxOverweight(cfg.Limits.MaxOverweight),
		engine.WithGenesis(cfg.Queue),
		engine.WithPolicy(policy.New(
			policy.WithDelay(cfg.Policy.DelayBlocks),
			policy.WithClassifier(policy.NewInstructionClassifier(ops...)),
		)),
		engine.WithBypass(policy.SystemOrigins(types.OriginID(cfg.Policy.SystemOriginBound))),
		engine.WithRelay(clock),
	)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("init engine: %w", err)
	}

	// ── 6. Event sinks ───────────────────────────────────────────────────────
	reg := &metrics.Registry{}
	sinks := []events.Sink{reg}

	if cfg.Events.Journal != "" {
		path := cfg.Events.Journal
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.Node.DataDir, path)
		}
		j, err := events.OpenJournal(path)
		if err != nil {
			_ = eng.Close()
			return fmt.Errorf("open event journal: %w", err)
		}
		sinks = append(sinks, j)
		slog.Info("event journal enabled", "path", path)
	}

	if cfg.Events.Kafka.Enabled {
		openTimeout, _ := time.ParseDuration(cfg.Events.Kafka.OpenTimeout) // checked by Validate
		sinks = append(sinks, events.NewKafkaSink(events.KafkaConfig{
			Brokers:          cfg.Events.Kafka.Brokers,
			Topic:            cfg.Events.Kafka.Topic,
			NodeID:           n.ID().String(),
			FailureThreshold: cfg.Events.Kafka.FailureThreshold,
			OpenTimeout:      openTimeout,
		}))
		slog.Info("kafka event sink enabled", "brokers", cfg.Events.Kafka.Brokers, "topic", cfg.Events.Kafka.Topic)
	}

	var hub *transportws.Hub
	if cfg.Events.WebSocket {
		hub = transportws.NewHub()
		sinks = append(sinks, hub)
	}

	subs := consumer.NewManager()
	sinks = append(sinks, subs)
	for _, w := range cfg.Events.Webhooks {
		origins := make([]types.OriginID, len(w.Origins))
		for i, o := range w.Origins {
			origins[i] = types.OriginID(o)
		}
		kinds := make([]events.Kind, len(w.Kinds))
		for i, k := range w.Kinds {
			kinds[i] = events.Kind(k)
		}
		if _, err := subs.Register(w.URL, w.Secret, origins, kinds); err != nil {
			_ = events.NewFanout(sinks...).Close()
			_ = eng.Close()
			return fmt.Errorf("register webhook: %w", err)
		}
	}
	sink := events.NewFanout(sinks...)

	// ── 7. Block producer ────────────────────────────────────────────────────
	interval, _ := cfg.Chain.Interval() // checked by Validate
	prod := chain.NewProducer(eng, clock, sink, chain.Config{
		Interval:         interval,
		BlockWeight:      cfg.Chain.BlockWeight,
		MaxPendingPages:  cfg.Limits.MaxPendingPages,
		MaxPagesPerBlock: cfg.Limits.MaxPagesPerBlock,
	})

	// ── 8. HTTP / WebSocket transport ────────────────────────────────────────
	srv := transphttp.New(transphttp.Deps{
		Engine:        eng,
		Producer:      prod,
		Node:          n,
		Metrics:       reg,
		Hub:           hub,
		Subscriptions: subs,
	}, cfg)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	// ── 9. Run until SIGINT / SIGTERM or the first failure ───────────────────
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(sigCtx)

	g.Go(func() error { return prod.Run(ctx) })

	g.Go(func() error {
		slog.Info("xcmq ready", "node_id", n.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Inbox.Enabled {
		ib := inbox.New(cfg.Inbox.Dir, prod, inbox.WithMaxPageBytes(cfg.Limits.MaxPageSizeKB*1024))
		g.Go(func() error { return ib.Run(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down", "cause", context.Cause(ctx))
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("server shutdown error", "err", err)
		}
		return nil
	})

	runErr := g.Wait()

	// Sinks close after the producer has stopped publishing.
	if err := sink.Close(); err != nil {
		slog.Warn("event sink close error", "err", err)
	}
	if err := eng.Close(); err != nil {
		slog.Warn("engine close error", "err", err)
	}

	if runErr != nil {
		return runErr
	}
	slog.Info("xcmq stopped")
	return nil
}

func openStorage(cfg *config.Config) (storage.Engine, error) {
	switch cfg.Storage.Engine {
	case "memory":
		slog.Warn("using in-memory storage: state is lost on exit")
		return memory.New(), nil
	default:
		db, err := local.Open(cfg.Node.DataDir, local.Config{
			Fsync:           local.FsyncPolicy(cfg.Storage.Fsync),
			FsyncIntervalMs: cfg.Storage.FsyncIntervalMs,
			FsyncBatchSize:  cfg.Storage.FsyncBatchSize,
		})
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		return db, nil
	}
}
