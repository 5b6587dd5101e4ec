package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slok/codeclaw/internal/app/orchestrator"
	"github.com/slok/codeclaw/internal/channel/outbox"
	"github.com/slok/codeclaw/internal/container"
	"github.com/slok/codeclaw/internal/container/docker"
	"github.com/slok/codeclaw/internal/conventions"
	"github.com/slok/codeclaw/internal/gate"
	"github.com/slok/codeclaw/internal/inbound/spool"
	"github.com/slok/codeclaw/internal/ipc"
	ipcfile "github.com/slok/codeclaw/internal/ipc/file"
	"github.com/slok/codeclaw/internal/metrics"
	metricsprometheus "github.com/slok/codeclaw/internal/metrics/prometheus"
	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/mount"
	"github.com/slok/codeclaw/internal/queue"
	"github.com/slok/codeclaw/internal/scheduler"
	"github.com/slok/codeclaw/internal/session"
	"github.com/slok/codeclaw/internal/utils/env"
)

const (
	gateCleanupInterval = time.Hour
	shutdownGracePeriod = 30 * time.Second
)

// RunCommand runs the daemon.
type RunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	image         string
	maxConcurrent int
	metricsAddr   string
	mainThread    string
	pullMissing   bool
}

// NewRunCommand returns the run command.
func NewRunCommand(rootCmd *RootCommand, app *kingpin.Application) *RunCommand {
	c := &RunCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("run", "Run the daemon: inbox spool, scheduler, queue and containers.")
	c.Cmd.Flag("image", "Agent container image (overrides config).").StringVar(&c.image)
	c.Cmd.Flag("max-concurrent", "Maximum number of concurrent containers (overrides config).").IntVar(&c.maxConcurrent)
	c.Cmd.Flag("metrics-addr", "Address of the Prometheus metrics server (overrides config).").StringVar(&c.metricsAddr)
	c.Cmd.Flag("main-thread", "ID of the privileged main thread (overrides config).").StringVar(&c.mainThread)
	c.Cmd.Flag("pull-missing", "Pull the agent image when it's not present locally.").BoolVar(&c.pullMissing)

	return c
}

func (c RunCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	cfg, err := c.rootCmd.LoadConfig()
	if err != nil {
		return err
	}
	if c.image != "" {
		cfg.Container.Image = c.image
	}
	if c.maxConcurrent > 0 {
		cfg.Container.MaxConcurrent = c.maxConcurrent
	}
	if c.metricsAddr != "" {
		cfg.MetricsAddr = c.metricsAddr
	}
	if c.mainThread != "" {
		cfg.MainThreadID = c.mainThread
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	repo, err := c.rootCmd.OpenRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	// Metrics.
	var (
		recorder metrics.Recorder = metrics.Noop
		registry *prometheus.Registry
	)
	if cfg.MetricsAddr != "" {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		recorder = metricsprometheus.MustNewRecorder(registry)
	}

	// Container environment and secrets.
	baseEnv, err := env.ParseSpecs(cfg.Container.EnvSpecs)
	if err != nil {
		return fmt.Errorf("invalid container env: %w", err)
	}
	var secrets map[string]string
	if cfg.Container.EnvFile != "" {
		secrets, err = env.ReadFile(mount.ExpandHome(cfg.Container.EnvFile), cfg.Container.EnvFileKeys)
		if err != nil {
			return fmt.Errorf("could not read env file: %w", err)
		}
	}

	// Mount policy, a missing allowlist only allows the system mounts.
	allowlist, err := mount.LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return fmt.Errorf("could not load mount allowlist: %w", err)
	}
	validator, err := mount.NewValidator(mount.ValidatorConfig{
		SystemEntries: mount.SystemEntries(cfg.DataDir),
		Allowlist:     allowlist,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("could not create mount validator: %w", err)
	}

	containerRuntime, err := docker.NewRuntime(docker.RuntimeConfig{
		PullMissing: c.pullMissing,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("could not create container runtime: %w", err)
	}
	removed, err := containerRuntime.CleanupOrphans(ctx)
	if err != nil {
		logger.Warningf("Could not cleanup orphan containers: %s", err)
	} else if removed > 0 {
		logger.Infof("Removed %d orphan containers", removed)
	}

	ch, err := outbox.NewChannel(outbox.ChannelConfig{
		Dir:    conventions.OutboxPath(cfg.DataDir),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create outbox channel: %w", err)
	}

	accessGate, err := gate.NewGate(gate.GateConfig{
		EventRepository:    repo,
		MinPermission:      cfg.Access.MinPermission,
		AllowExternal:      cfg.Access.AllowExternal,
		RateLimit:          cfg.Access.RateLimit,
		RateWindow:         cfg.Access.RateWindow,
		DedupCacheSize:     cfg.Access.DedupCacheSize,
		ProcessedRetention: cfg.Access.ProcessedRetention,
		Metrics:            recorder,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("could not create access gate: %w", err)
	}

	sessions, err := session.NewManager(session.ManagerConfig{
		SessionRepository: repo,
		MessageRepository: repo,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("could not create session manager: %w", err)
	}

	// The queue, the scheduler and the orchestrator depend on each other, the closures
	// are only called once everything is created.
	var orch *orchestrator.Orchestrator

	q, err := queue.NewQueue(queue.QueueConfig{
		Executor: queue.ExecutorFunc(func(ctx context.Context, job model.Job) (model.JobRun, error) {
			return orch.Execute(ctx, job)
		}),
		MaxConcurrent:        cfg.Container.MaxConcurrent,
		JobRunRepository:     repo,
		MaxSpawnAttempts:     cfg.Retry.SpawnAttempts,
		OnSpawnExhausted:     func(job model.Job, err error) { orch.SpawnExhausted(job, err) },
		RetryInitialInterval: cfg.Retry.SpawnBackoff,
		Metrics:              recorder,
		Logger:               logger,
	})
	if err != nil {
		return fmt.Errorf("could not create queue: %w", err)
	}

	taskSvc, err := scheduler.NewService(scheduler.ServiceConfig{
		Repository: repo,
		Location:   cfg.Location(),
		Canceler:   q,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create task service: %w", err)
	}

	tools, err := ipc.NewTools(ipc.ToolsConfig{
		Tasks:   taskSvc,
		Channel: ch,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("could not create ipc tools: %w", err)
	}

	mailboxes := func(threadID string) (ipc.Mailbox, error) {
		mb, err := ipcfile.NewMailbox(ipcfile.MailboxConfig{
			Dir:          conventions.ThreadIPCDir(cfg.DataDir, threadID),
			PollInterval: cfg.IPC.PollInterval,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return mb, nil
	}

	runner, err := container.NewRunner(container.RunnerConfig{
		Runtime:         containerRuntime,
		MountValidator:  validator,
		Mailboxes:       mailboxes,
		ToolHandler:     tools,
		DataDir:         cfg.DataDir,
		Image:           cfg.Container.Image,
		HardTimeout:     cfg.Container.HardTimeout,
		IdleTimeout:     cfg.Container.IdleTimeout,
		GracePeriod:     cfg.Container.GracePeriod,
		MaxOutputBytes:  cfg.Container.MaxOutputBytes,
		PidsLimit:       cfg.Container.PidsLimit,
		MemoryMB:        cfg.Container.MemoryMB,
		Network:         cfg.Container.Network,
		Timezone:        cfg.Timezone,
		Env:             baseEnv,
		Secrets:         secrets,
		ResultCacheSize: cfg.IPC.ResultCacheSize,
		Metrics:         recorder,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("could not create container runner: %w", err)
	}

	sched, err := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Repository: repo,
		Submitter: scheduler.SubmitterFunc(func(ctx context.Context, job model.Job) error {
			return orch.SubmitTask(ctx, job)
		}),
		PollInterval: cfg.Scheduler.PollInterval,
		Location:     cfg.Location(),
		Metrics:      recorder,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("could not create scheduler: %w", err)
	}

	threadMounts := map[string][]model.AdditionalMount{}
	for id, t := range cfg.Threads {
		threadMounts[id] = t.AdditionalMounts
	}

	orch, err = orchestrator.NewOrchestrator(orchestrator.OrchestratorConfig{
		Gate:              accessGate,
		Queue:             q,
		Runner:            runner,
		Sessions:          sessions,
		MessageRepository: repo,
		Channel:           ch,
		TaskRuns:          sched,
		MainThreadID:      cfg.MainThreadID,
		ThreadMounts:      threadMounts,
		MaxRunRetries:     cfg.Retry.MaxRunRetries,
		RunRetryBackoff:   cfg.Retry.RunRetryBackoff,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("could not create orchestrator: %w", err)
	}

	inbox, err := spool.NewSpool(spool.SpoolConfig{
		Dir:       conventions.InboxPath(cfg.DataDir),
		Submitter: orch,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("could not create inbox spool: %w", err)
	}

	recovered, err := orch.RecoverPending(ctx)
	if err != nil {
		return fmt.Errorf("could not recover pending messages: %w", err)
	}
	if recovered > 0 {
		logger.Infof("Recovered %d threads with pending messages", recovered)
	}

	var g run.Group

	// Scheduler.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				return sched.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Inbox spool.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				return inbox.Run(ctx)
			},
			func(_ error) {
				cancel()
				_ = inbox.Close()
			},
		)
	}

	// Processed deliveries cleanup.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				return accessGate.RunCleanup(ctx, gateCleanupInterval)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Mount allowlist reload on SIGHUP.
	{
		sighup := make(chan os.Signal, 1)
		signal.Notify(sighup, syscall.SIGHUP)
		stopC := make(chan struct{})
		g.Add(
			func() error {
				for {
					select {
					case <-stopC:
						return nil
					case <-sighup:
						if err := validator.ReloadFile(cfg.AllowlistPath); err != nil {
							logger.Errorf("Could not reload mount allowlist, keeping the previous one: %s", err)
							continue
						}
						logger.Infof("Mount allowlist reloaded")
					}
				}
			},
			func(_ error) {
				signal.Stop(sighup)
				close(stopC)
			},
		)
	}

	// Metrics server.
	if registry != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Add(
			func() error {
				logger.Infof("Metrics server listening on %s", cfg.MetricsAddr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server failed: %w", err)
				}
				return nil
			},
			func(_ error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(ctx)
			},
		)
	}

	// Context cancellation (from parent signal handling).
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				<-ctx.Done()
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	logger.Infof("Daemon running: image=%s max-concurrent=%d main-thread=%s", cfg.Container.Image, cfg.Container.MaxConcurrent, cfg.MainThreadID)
	runErr := g.Run()

	// Running containers get the grace period to finish, then they are killed.
	logger.Infof("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := q.Shutdown(shutdownCtx); err != nil {
		logger.Warningf("Queue shutdown: %s", err)
	}
	if err := orch.Close(); err != nil {
		logger.Warningf("Orchestrator close: %s", err)
	}

	return runErr
}
