// Command voxpipe-server is the voice-session pipeline process.
// It loads configuration, opens the session store and the work queues, and
// runs the scheduler loop, the queue workers and the HTTP API until signalled.
//
// Usage:
//
//	voxpipe-server [--config path/to/config.yaml]
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
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sneh-joshi/voxpipe/internal/ack"
	"github.com/sneh-joshi/voxpipe/internal/cleanup"
	"github.com/sneh-joshi/voxpipe/internal/config"
	"github.com/sneh-joshi/voxpipe/internal/dedup"
	"github.com/sneh-joshi/voxpipe/internal/finalize"
	"github.com/sneh-joshi/voxpipe/internal/guard"
	"github.com/sneh-joshi/voxpipe/internal/jobqueue"
	"github.com/sneh-joshi/voxpipe/internal/metrics"
	"github.com/sneh-joshi/voxpipe/internal/node"
	"github.com/sneh-joshi/voxpipe/internal/notify"
	"github.com/sneh-joshi/voxpipe/internal/pipeline"
	"github.com/sneh-joshi/voxpipe/internal/processor"
	"github.com/sneh-joshi/voxpipe/internal/retry"
	"github.com/sneh-joshi/voxpipe/internal/scope"
	"github.com/sneh-joshi/voxpipe/internal/stage"
	"github.com/sneh-joshi/voxpipe/internal/store"
	"github.com/sneh-joshi/voxpipe/internal/store/boltstore"
	"github.com/sneh-joshi/voxpipe/internal/store/gormstore"
	"github.com/sneh-joshi/voxpipe/internal/stuck"
	transphttp "github.com/sneh-joshi/voxpipe/internal/transport/http"
	transportws "github.com/sneh-joshi/voxpipe/internal/transport/websocket"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "voxpipe: %v\n", err)
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
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID, cfg.Node.RuntimeTag)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	logger = logger.With("worker", n.WorkerName())
	sc := scope.New(n.RuntimeTag())

	slog.Info("voxpipe starting",
		"node_id", n.ID(),
		"runtime_tag", n.RuntimeTag(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", n.DataDir(),
		"store", cfg.Store.Driver,
	)

	// ── 4. Open the session store ────────────────────────────────────────────
	st, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("store close error", "err", err)
		}
	}()

	// ── 5. Metrics and work queues ───────────────────────────────────────────
	metricsReg := &metrics.Registry{}

	queuePath := cfg.Queue.Path
	if queuePath == "" {
		queuePath = filepath.Join(cfg.Node.DataDir, "queues.db")
	}
	jobs, err := jobqueue.Open(queuePath, types.AllQueues(), queueConfig(cfg.Queue),
		jobqueue.WithMetrics(metricsReg),
		jobqueue.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("open work queues: %w", err)
	}
	defer func() {
		if err := jobs.Close(); err != nil {
			slog.Warn("work queue close error", "err", err)
		}
	}()

	// ── 6. Transports, notifications and finalization ────────────────────────
	acker, err := buildAcker(cfg.Transport)
	if err != nil {
		return fmt.Errorf("init transports: %w", err)
	}
	var sinkOpts []notify.SinkOption
	if !cfg.Notify.Websocket {
		sinkOpts = append(sinkOpts, notify.WithoutUIEvents())
	}
	sink := notify.NewQueueSink(jobs, logger, sinkOpts...)

	fin := finalize.New(st, sc, sink, acker, jobs, finalize.Config{
		ReactionEmoji:            cfg.Pipeline.ReactionEmoji,
		Verbose:                  cfg.Pipeline.FinalizeVerbose,
		SkipSummaryInterval:      cfg.Pipeline.SkipSummaryInterval,
		PostprocessDelay:         cfg.Pipeline.PostprocessDelay,
		DefaultSessionProcessors: cfg.Pipeline.DefaultSessionStages,
	}, finalize.WithMetrics(metricsReg), finalize.WithLogger(logger))

	hooks, err := notify.NewHooks(cfg.Notify.HooksPath, cfg.Notify.HooksLogDir, logger)
	if err != nil {
		return fmt.Errorf("load notify hooks: %w", err)
	}
	var hub *transportws.Hub
	if cfg.Notify.Websocket {
		hub = transportws.NewHub(logger)
	}

	// ── 7. Stage processors ──────────────────────────────────────────────────
	registry := processor.NewRegistry()
	for name, url := range cfg.Stages.Webhooks {
		registry.Register(name, processor.NewWebhook(name, url, cfg.Stages.Secret, cfg.Stages.Timeout))
	}
	if cfg.Stages.CustomURL != "" {
		name := string(types.StageCustomProcessing)
		registry.Register(name, processor.NewWebhook(name, cfg.Stages.CustomURL, cfg.Stages.Secret, cfg.Stages.Timeout))
	}
	prompts, err := processor.NewPrompts(cfg.Stages.PromptsDir, logger)
	if err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}

	policy := retry.FromConfig(cfg.Pipeline)
	runner := stage.New(st, sc, registry, policy, fin, sink,
		stage.WithPrompts(prompts),
		stage.WithMetrics(metricsReg),
		stage.WithLogger(logger),
	)

	// ── 8. Scheduler loop ────────────────────────────────────────────────────
	loop := pipeline.New(st, sc, jobs, policy,
		stuck.New(cfg.Pipeline.StuckAfter, cfg.Pipeline.PendingLogInterval, logger),
		fin, cfg.Pipeline.TickInterval, cfg.Pipeline.SessionLimit,
		pipeline.WithCustomProcessors(prompts),
		pipeline.WithMetrics(metricsReg),
		pipeline.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return prompts.Watch(gctx) })
	g.Go(func() error { return hooks.Watch(gctx) })

	// ── 9. Queue workers ─────────────────────────────────────────────────────
	handlers := map[string]func(w *jobqueue.Worker){
		types.QueueCommon: func(w *jobqueue.Worker) {
			w.Handle(types.JobProcessingLoop, loop.Handler())
		},
		types.QueueVoice: func(w *jobqueue.Worker) {
			w.Handle(types.JobTranscribe, runner.TranscribeHandler())
		},
		types.QueueProcessors: func(w *jobqueue.Worker) {
			w.Fallback(runner.ProcessorsHandler())
		},
		types.QueuePostprocessors: func(w *jobqueue.Worker) {
			w.Fallback(runner.SessionProcessorHandler())
		},
		types.QueueEvents: func(w *jobqueue.Worker) {
			if hub != nil {
				w.Handle(types.JobSendToSocket, notify.SocketHandler(hub))
			}
		},
		types.QueueNotifies: func(w *jobqueue.Worker) {
			w.Fallback(notify.HookHandler(hooks))
		},
	}
	for _, name := range types.AllQueues() {
		q, err := jobs.Queue(name)
		if err != nil {
			return fmt.Errorf("queue %s: %w", name, err)
		}
		w := jobqueue.NewWorker(q, cfg.Queue.ConcurrencyFor(name), cfg.Queue.PollInterval, logger)
		if register, ok := handlers[name]; ok {
			register(w)
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	// ── 10. Housekeeping ─────────────────────────────────────────────────────
	if cfg.Guard.Enabled {
		qg := guard.New(jobs, cfg.Guard, logger)
		g.Go(func() error { return qg.Run(gctx) })
	}
	if cfg.Cleanup.Enabled {
		sweeper := cleanup.New(st, sc, cfg.Cleanup, logger, cleanup.WithMetrics(metricsReg))
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	// ── 11. Start HTTP / WebSocket transport ─────────────────────────────────
	srv := transphttp.New(transphttp.Deps{
		NodeID:     string(n.ID()),
		RuntimeTag: n.RuntimeTag(),
		Queues:     jobs,
		Loop:       loop,
		Closer:     fin,
		Dedup:      dedup.NewResolver(st, sc, logger),
		Hub:        hub,
		Lookup: func(ctx context.Context, id string) error {
			_, err := st.GetSession(ctx, sc, id)
			return err
		},
	}, cfg, metricsReg, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	g.Go(func() error {
		slog.Info("voxpipe ready", "node_id", n.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// ── 12. Dedicated Prometheus metrics listener ────────────────────────────
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsReg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 13. Graceful shutdown on SIGINT / SIGTERM ────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		// Give in-flight requests 5 seconds to complete.
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("server shutdown error", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("voxpipe stopped")
	return nil
}

// openStore picks the session store backend named by cfg.Store.Driver.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "bolt":
		path := cfg.Store.DSN
		if path == "" {
			path = filepath.Join(cfg.Node.DataDir, "sessions.db")
		}
		return boltstore.Open(path, logger)
	case "sqlite":
		dsn := cfg.Store.DSN
		if dsn == "" {
			dsn = filepath.Join(cfg.Node.DataDir, "sessions.sqlite")
		}
		return gormstore.Open("sqlite", dsn, logger)
	default:
		return gormstore.Open(cfg.Store.Driver, cfg.Store.DSN, logger)
	}
}

func queueConfig(qc config.QueueConfig) jobqueue.Config {
	c := jobqueue.DefaultConfig()
	c.LeaseTimeout = qc.LeaseTimeout
	c.DefaultAttempts = qc.DefaultAttempts
	c.Backoff = qc.Backoff
	c.MaxBytes = int64(qc.MaxMemoryMB) << 20
	c.RejectWhenFull = qc.RejectWhenFull
	return c
}

// buildAcker routes reactions to every transport with a configured token.
func buildAcker(tc config.TransportConfig) (*ack.Router, error) {
	r := ack.NewRouter()
	if tc.TelegramToken != "" {
		r.Route(types.MessageSourceTelegram, ack.NewTelegram(tc.TelegramToken, tc.TelegramBaseURL))
	}
	if tc.DiscordToken != "" {
		d, err := ack.NewDiscord(tc.DiscordToken)
		if err != nil {
			return nil, err
		}
		r.Route(types.MessageSourceDiscord, d)
	}
	return r, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
