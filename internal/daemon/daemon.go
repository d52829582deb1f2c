// Package daemon assembles the orchestration core: config, logging, metrics,
// backends, rate limiting, tracing, the request queue, and the agent loop,
// with a lifecycle around them.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keel-ai/keel/internal/config"
	"github.com/keel-ai/keel/internal/logger"
	"github.com/keel-ai/keel/internal/metrics"
	"github.com/keel-ai/keel/internal/tracing"
	"github.com/keel-ai/keel/pkg/backend"
	"github.com/keel-ai/keel/pkg/loop"
	"github.com/keel-ai/keel/pkg/queue"
	"github.com/keel-ai/keel/pkg/ratelimit"
	"github.com/keel-ai/keel/pkg/schedule"
	"github.com/keel-ai/keel/pkg/subagent"
	"github.com/keel-ai/keel/pkg/supervisor"
	"github.com/keel-ai/keel/pkg/tool"
	"github.com/keel-ai/keel/pkg/trace"
)

// Daemon owns the process-wide components and their lifecycle
type Daemon struct {
	cfg        *config.Config
	configPath string

	logger   *logger.Logger
	metrics  *metrics.Metrics
	router   *backend.Router
	limiter  *reloadableLimiter
	sink     trace.Sink
	recorder *trace.Recorder
	registry *tool.Registry
	invoker  *tool.Invoker
	sup      *supervisor.Supervisor
	loop     *loop.Loop
	queue    *queue.Queue
	executor *subagent.Executor
	sched    *schedule.Scheduler
	watcher  *config.Watcher

	metricsSrv *http.Server
	cancel     context.CancelFunc
	startedAt  time.Time
}

// Status is a point-in-time snapshot of the daemon
type Status struct {
	Running  bool          `json:"running"`
	Uptime   time.Duration `json:"uptime"`
	Tools    []string      `json:"tools"`
	Subagent subagent.Stats `json:"subagent"`
}

// New builds a daemon from configuration. configPath enables hot reload of
// tunable limits when non-empty.
func New(cfg *config.Config, configPath string) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	d := &Daemon{
		cfg:        cfg,
		configPath: configPath,
		logger:     lg,
		metrics:    metrics.New(),
		registry:   tool.NewRegistry(),
	}

	if d.router, err = buildRouter(cfg); err != nil {
		return nil, err
	}

	limiter, err := buildLimiter(cfg)
	if err != nil {
		return nil, err
	}
	d.limiter = &reloadableLimiter{inner: limiter}

	if cfg.Trace.SQLitePath != "" {
		sink, err := trace.NewSQLiteSink(cfg.Trace.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open trace sink: %w", err)
		}
		d.sink = sink
		d.recorder = trace.NewRecorder(sink, trace.RecorderConfig{
			FlushThreshold: cfg.Trace.FlushThreshold,
			FlushInterval:  cfg.Trace.FlushInterval(),
		})
	}

	d.invoker = tool.NewInvoker(d.registry, cfg.Loop.ToolTimeout(), cfg.Loop.ToolResultLimitBytes)

	if d.sup, err = supervisor.New(supervisor.Config{
		SoftCeiling:    cfg.Supervisor.SoftCeiling(),
		RulePrecedence: cfg.Supervisor.RulePrecedence,
	}); err != nil {
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}

	loopCfg := loopConfig(cfg)
	if d.loop, err = loop.New(loop.Options{
		Router:     d.router,
		Limiter:    d.limiter,
		Invoker:    d.invoker,
		Specs:      d.registry.Specs,
		Supervisor: d.sup,
		Recorder:   d.recorder,
		Config:     loopCfg,
	}); err != nil {
		return nil, fmt.Errorf("failed to create loop: %w", err)
	}

	if d.executor, err = subagent.NewExecutor(subagent.Config{
		Router:          d.router,
		Limiter:         d.limiter,
		Invoker:         d.invoker,
		Specs:           d.registry.Specs,
		Recorder:        d.recorder,
		ParentLoop:      loopCfg,
		DefaultMaxTurns: cfg.Subagent.MaxTurns,
		DefaultTimeout:  cfg.Subagent.Timeout(),
		OnFinish: func(record subagent.RunRecord) {
			d.metrics.SubTasksTotal.WithLabelValues(string(record.Status)).Inc()
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to create sub-agent executor: %w", err)
	}
	if err := d.registry.Register(d.executor.ToolDefinition()); err != nil {
		return nil, err
	}

	if d.queue, err = queue.New(queue.Config{
		Workers:           cfg.Queue.WorkerPoolSize,
		MaxDepthPerTenant: cfg.Queue.MaxQueueDepthPerTenant,
		TenantRunningCap:  cfg.Queue.TenantConcurrencyCap,
		Handler:           d.runTask,
		Observer:          &queueObserver{metrics: d.metrics},
		Recorder:          d.recorder,
	}); err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}

	if d.sched, err = schedule.NewScheduler(d.queue); err != nil {
		return nil, err
	}

	return d, nil
}

// Start brings all components up
func (d *Daemon) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.startedAt = time.Now()

	if err := tracing.InitOpenTelemetry("keel", d.cfg.Trace.SampleRatio); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if d.recorder != nil {
		d.recorder.Start(runCtx)
	}
	d.queue.Start(runCtx)
	d.sched.Start()

	if d.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.metrics.Handler())
		d.metricsSrv = &http.Server{Addr: d.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := d.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	if d.configPath != "" {
		watcher, err := config.NewWatcher(d.configPath, d.applyReload)
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("failed to start config watcher: %w", err)
		}
		d.watcher = watcher
	}

	log.Info().
		Int("workers", d.cfg.Queue.WorkerPoolSize).
		Str("metrics_addr", d.cfg.MetricsAddr).
		Bool("hot_reload", d.watcher != nil).
		Msg("Daemon started")

	return nil
}

// Stop shuts the daemon down gracefully: stop admitting, drain workers,
// flush traces, then release everything else.
func (d *Daemon) Stop(ctx context.Context) error {
	log.Info().Msg("Daemon stopping")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop config watcher")
		}
	}
	d.sched.Stop()

	if err := d.queue.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Queue shutdown incomplete")
	}

	if d.recorder != nil {
		d.recorder.Drain(ctx)
	}
	if d.sink != nil {
		if err := d.sink.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close trace sink")
		}
	}

	if d.metricsSrv != nil {
		if err := d.metricsSrv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}

	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		log.Warn().Err(err).Msg("Tracer shutdown failed")
	}

	if d.cancel != nil {
		d.cancel()
	}

	log.Info().Dur("uptime", time.Since(d.startedAt)).Msg("Daemon stopped")

	return d.logger.Close()
}

// SubmitTask is the inbound submission surface. A full tenant queue rejects
// synchronously; an accepted task returns a handle the caller can wait on.
func (d *Daemon) SubmitTask(tenantID string, priority queue.Priority, payload string, deadline time.Time) (*queue.Handle, error) {
	task := &queue.Task{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Priority: priority,
		Goal:     payload,
		Tier:     backend.TierDefault,
		Deadline: deadline,
	}
	return d.queue.Submit(task)
}

// RegisterTool adds a tool to the runtime catalog
func (d *Daemon) RegisterTool(def tool.Definition) error {
	return d.registry.Register(def)
}

// AddSchedule registers a recurring task
func (d *Daemon) AddSchedule(entry schedule.Entry) error {
	return d.sched.Add(entry)
}

// Status reports a snapshot of the daemon
func (d *Daemon) Status() Status {
	return Status{
		Running:  !d.startedAt.IsZero(),
		Uptime:   time.Since(d.startedAt),
		Tools:    d.registry.Names(),
		Subagent: d.executor.Registry().Stats(),
	}
}

// Metrics exposes the metrics registry, mainly for tests
func (d *Daemon) Metrics() *metrics.Metrics {
	return d.metrics
}

// runTask executes one dequeued task in the agent loop
func (d *Daemon) runTask(ctx context.Context, task *queue.Task) queue.Result {
	ctx = tracing.NewTaskContext(ctx, task.ID, task.TenantID)
	ctx, span := tracing.StartSpan(ctx, "keel.daemon", "task.run")
	defer span.End()

	taskLog := tracing.LoggerFromContext(ctx, log.Logger)
	taskLog.Debug().Str("priority", string(task.Priority)).Msg("Task dispatched to loop")

	// Multi-step goals get a plan for the supervisor to judge progress by.
	complex := strings.ContainsAny(task.Goal, ";\n")
	d.sup.CreatePlan(task.ID, task.Goal, complex)
	defer d.sup.Forget(task.ID)

	tier := task.Tier
	if tier == "" {
		tier = backend.TierDefault
	}

	result := d.loop.Run(ctx, loop.Task{
		ID:       task.ID,
		TenantID: task.TenantID,
		Goal:     task.Goal,
		Tier:     tier,
	})

	d.metrics.LoopOutcomesTotal.WithLabelValues(string(result.Outcome)).Inc()
	d.metrics.LoopTurns.Observe(float64(result.Turns))
	d.metrics.LoopDuration.Observe(result.Duration.Seconds())
	if result.FinalTier.Above(tier) {
		d.metrics.TierEscalationsTotal.WithLabelValues(string(tier), string(result.FinalTier), "loop").Inc()
	}

	return queue.Result{
		TaskID:   task.ID,
		Outcome:  string(result.Outcome),
		Output:   result.Output,
		Err:      result.Err,
		Duration: result.Duration,
	}
}

// applyReload swaps tunable limits after a config file change. Structural
// settings (worker count, backends, tiers) require a restart and are left
// untouched.
func (d *Daemon) applyReload(next *config.Config) {
	limiter, err := buildLimiter(next)
	if err != nil {
		log.Error().Err(err).Msg("Config reload rejected")
		return
	}
	d.limiter.swap(limiter)

	log.Info().
		Float64("capacity", next.RateLimit.Capacity).
		Float64("refill_per_second", next.RateLimit.RefillPerSecond).
		Msg("Rate limits reloaded")
}

// buildRouter creates backend adapters and maps tiers onto them
func buildRouter(cfg *config.Config) (*backend.Router, error) {
	backends := make(map[string]backend.Backend, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		switch bc.Provider {
		case "anthropic":
			backends[bc.Name] = backend.NewAnthropicBackend(bc.Name, bc.APIKey)
		case "openai":
			backends[bc.Name] = backend.NewOpenAIBackend(bc.Name, bc.APIKey)
		default:
			return nil, fmt.Errorf("unknown backend provider: %s", bc.Provider)
		}
	}

	router := backend.NewRouter()
	for name, route := range cfg.Tiers {
		tier, err := backend.ParseTier(name)
		if err != nil {
			return nil, err
		}
		be, ok := backends[route.Backend]
		if !ok {
			// Routes without credentials stay unbound; tasks routed to them
			// fail with a routing error rather than at startup.
			log.Warn().
				Str("tier", name).
				Str("backend", route.Backend).
				Msg("Tier route has no configured backend")
			continue
		}
		if err := router.Register(tier, be, route.Model); err != nil {
			return nil, err
		}
	}

	return router, nil
}

// buildLimiter creates the token bucket limiter from config
func buildLimiter(cfg *config.Config) (*ratelimit.Limiter, error) {
	perTier := make(map[string]ratelimit.BucketConfig, len(cfg.RateLimit.PerTier))
	for tier, override := range cfg.RateLimit.PerTier {
		perTier[tier] = ratelimit.BucketConfig{
			Capacity:        override.Capacity,
			RefillPerSecond: override.RefillPerSecond,
		}
	}

	return ratelimit.New(ratelimit.Config{
		Default: ratelimit.BucketConfig{
			Capacity:        cfg.RateLimit.Capacity,
			RefillPerSecond: cfg.RateLimit.RefillPerSecond,
		},
		PerTier: perTier,
		MaxWait: cfg.RateLimit.MaxWait(),
	})
}

// loopConfig translates config durations into the loop's terms
func loopConfig(cfg *config.Config) loop.Config {
	return loop.Config{
		MaxTurns:             cfg.Loop.MaxTurns,
		AbsoluteTimeout:      cfg.Loop.AbsoluteTimeout(),
		MaxMessages:          cfg.Loop.MaxMessages,
		MaxPayloadBytes:      cfg.Loop.MaxPayloadBytes,
		CumulativeToolBytes:  cfg.Loop.CumulativeToolBytes,
		CheckpointEveryTurns: cfg.Loop.CheckpointEveryTurns,
		CheckpointEvery:      cfg.Loop.CheckpointEvery(),
		BackendRetries:       cfg.Loop.BackendRetries,
		MaxTokens:            cfg.Loop.MaxTokens,
		Temperature:          cfg.Loop.Temperature,
	}
}

// Logger returns the daemon's zerolog logger
func (d *Daemon) Logger() zerolog.Logger {
	return d.logger.GetZerolog()
}
