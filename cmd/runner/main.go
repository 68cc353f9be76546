// Command runner drives the form-submission fleet. Invoked without
// -worker-mode it acts as the supervisor and re-executes itself once per
// worker; with -worker-mode it runs a single worker actor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/formfleet/internal/adapter/browser/stub"
	"github.com/fairyhunter13/formfleet/internal/adapter/observability"
	"github.com/fairyhunter13/formfleet/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/formfleet/internal/adapter/store/postgres"
	"github.com/fairyhunter13/formfleet/internal/config"
	"github.com/fairyhunter13/formfleet/internal/domain"
	"github.com/fairyhunter13/formfleet/internal/profile"
	"github.com/fairyhunter13/formfleet/internal/runner"
	"github.com/fairyhunter13/formfleet/internal/service/throttle"
	"github.com/fairyhunter13/formfleet/pkg/jst"
)

type cliFlags struct {
	campaignID   int
	configFile   string
	numWorkers   int
	headless     string
	targetDate   string
	shardID      int
	maxProcessed int
	companyID    int

	// Internal: set by the supervisor on child processes.
	workerMode bool
	workerID   int
	runID      string
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.IntVar(&f.campaignID, "campaign-id", 0, "campaign to drive (required)")
	flag.StringVar(&f.configFile, "config-file", "", "campaign profile path, one * wildcard allowed (required)")
	flag.IntVar(&f.numWorkers, "num-workers", runner.DefaultWorkers, "worker process count, 1..4")
	flag.StringVar(&f.headless, "headless", "auto", "headless browser mode: on|off|auto")
	flag.StringVar(&f.targetDate, "target-date", "", "processing day YYYY-MM-DD, default today JST")
	flag.IntVar(&f.shardID, "shard-id", -1, "claim shard hint")
	flag.IntVar(&f.maxProcessed, "max-processed", 0, "stop each worker after N claims (testing)")
	flag.IntVar(&f.companyID, "company-id", 0, "process only this company, forces one worker")
	flag.BoolVar(&f.workerMode, "worker-mode", false, "run as a worker child (internal)")
	flag.IntVar(&f.workerID, "worker-id", 0, "worker ordinal (internal)")
	flag.StringVar(&f.runID, "run-id", "", "run identifier (internal)")
	flag.Parse()
	return f
}

func validateFlags(f cliFlags) error {
	if f.campaignID <= 0 {
		return fmt.Errorf("op=main: -campaign-id is required and must be positive")
	}
	if f.configFile == "" {
		return fmt.Errorf("op=main: -config-file is required")
	}
	switch f.headless {
	case "on", "off", "auto":
	default:
		return fmt.Errorf("op=main: -headless must be on, off or auto")
	}
	if f.targetDate != "" {
		if _, err := jst.ParseDate(f.targetDate); err != nil {
			return fmt.Errorf("op=main: bad -target-date: %w", err)
		}
	}
	return nil
}

func main() {
	os.Exit(run(parseFlags()))
}

// run keeps deferred cleanup (tracer flush, pool close) ahead of the
// process exit code.
func run(f cliFlags) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	if err := validateFlags(f); err != nil {
		logger.Error("invalid arguments", "err", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		return 1
	}

	if f.targetDate == "" {
		f.targetDate = jst.Today()
	}
	if f.runID == "" {
		f.runID = cfg.RunID
	}
	if f.runID == "" {
		f.runID = strings.ToLower(ulid.Make().String())
	}

	observability.InitMetrics()
	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		logger.Error("failed to setup tracing", "err", err)
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if f.workerMode {
		return runWorker(ctx, cfg, f, logger)
	}
	return runSupervisor(ctx, cfg, f, logger)
}

func runSupervisor(ctx context.Context, cfg config.Config, f cliFlags, logger *slog.Logger) int {
	// Fail fast on a broken profile before spawning anything.
	if _, err := profile.Load(f.configFile, profile.NewStore()); err != nil {
		logger.Error("campaign profile invalid", "err", err)
		return 1
	}

	startOpsServer(cfg.OpsPortBase, logger)

	params := runner.SupervisorParams{
		CampaignID:     f.campaignID,
		ConfigFile:     f.configFile,
		NumWorkers:     f.numWorkers,
		Headless:       f.headless,
		TargetDate:     f.targetDate,
		MaxProcessed:   f.maxProcessed,
		RunID:          f.runID,
		RespawnOnCrash: cfg.RespawnOnCrash,
	}
	if f.shardID >= 0 {
		shard := f.shardID
		params.ShardID = &shard
	}
	if f.companyID > 0 {
		company := f.companyID
		params.FixedCompanyID = &company
	}

	sup, err := runner.NewSupervisor(params, logger)
	if err != nil {
		logger.Error("supervisor init failed", "err", err)
		return 1
	}
	if err := sup.Run(ctx); err != nil {
		logger.Error("run failed", "err", err)
		return 1
	}
	logger.Info("run complete", "run_id", f.runID)
	return 0
}

func runWorker(ctx context.Context, cfg config.Config, f cliFlags, logger *slog.Logger) int {
	prof, err := profile.Load(f.configFile, profile.NewStore())
	if err != nil {
		logger.Error("campaign profile invalid", "err", err)
		return 1
	}

	pool, err := postgres.NewPool(ctx, cfg.DBURL, cfg.DBServiceKey)
	if err != nil {
		logger.Error("store connect failed", "err", err)
		return 1
	}
	defer pool.Close()

	workerTag := fmt.Sprintf("w%d-%s", f.workerID, uuid.NewString())
	store := postgres.NewRetryingStore(
		postgres.NewStore(pool, workerTag),
		postgres.RetryPolicy{
			MaxRetries:      uint64(cfg.StoreRetryMax),
			InitialInterval: cfg.StoreRetryInitialInterval,
			MaxInterval:     cfg.StoreRetryMaxInterval,
		},
	)

	driver := newDriver(cfg, logger)
	defer func() { _ = driver.Close() }()

	params := runner.WorkerParams{
		WorkerID:     f.workerID,
		CampaignID:   f.campaignID,
		TargetDate:   f.targetDate,
		RunID:        f.runID,
		MaxProcessed: f.maxProcessed,
	}
	if f.shardID >= 0 {
		shard := f.shardID
		params.ShardID = &shard
	}
	if f.companyID > 0 {
		company := f.companyID
		params.FixedCompanyID = &company
	}

	bo := runner.NewBackoff(cfg.BackoffInitial, cfg.BackoffMax, cfg.JitterRatio)
	w := runner.NewWorker(params, prof, store, driver, bo, logger)

	if cfg.RedisAddr != "" && cfg.SubmitRatePerMin > 0 {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		w.WithThrottle(throttle.NewSubmitThrottle(rdb, cfg.SubmitRatePerMin, logger))
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := redpanda.NewOutcomeProducer(cfg.KafkaBrokers, f.runID, f.workerID, logger)
		if err != nil {
			logger.Warn("outcome producer unavailable", "err", err)
		} else {
			defer producer.Close()
			if err := producer.EnsureTopic(ctx); err != nil {
				logger.Warn("topic ensure failed", "err", err)
			}
			w.WithPublisher(producer)
		}
	}

	startOpsServer(cfg.OpsPortBase+f.workerID+1, logger)

	if err := w.Run(ctx); err != nil {
		logger.Error("worker failed", "err", err)
		return 1
	}
	return 0
}

// newDriver selects the injected BrowserDriver. Only the stub ships in this
// module; real drivers register here.
func newDriver(cfg config.Config, logger *slog.Logger) domain.BrowserDriver {
	if cfg.BrowserDriver != "stub" {
		logger.Warn("unknown browser driver, falling back to stub", "driver", cfg.BrowserDriver)
	}
	return stub.New(logger)
}

func startOpsServer(port int, logger *slog.Logger) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           observability.NewOpsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("ops server stopped", "port", port, "err", err)
		}
	}()
}
