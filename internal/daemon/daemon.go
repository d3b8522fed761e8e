package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/groundseg/missiond/internal/buildinfo"
	"github.com/groundseg/missiond/internal/config"
	"github.com/groundseg/missiond/internal/db"
	"github.com/groundseg/missiond/internal/ledger"
	"github.com/groundseg/missiond/internal/logging"
	"github.com/groundseg/missiond/internal/notify"
	"github.com/groundseg/missiond/internal/observability"
)

const shutdownTimeout = 5 * time.Second

// Deps are the collaborators a Service runs against.
type Deps struct {
	Store  *db.Store
	Ledger ledger.Ledger
	// Events and Alarms receive notifications in addition to the store and log sinks.
	Events notify.Publisher
	Alarms notify.AlarmRaiser
	Logger logging.Logger
	// Now overrides the clock of every component.
	Now func() time.Time
}

// Service wires the scheduler, executor and downlink manager with their sinks.
type Service struct {
	cfg       config.Config
	store     *db.Store
	log       logging.Logger
	metrics   *Metrics
	notifier  *notify.Notifier
	executor  *Executor
	scheduler *Scheduler
	downlink  *DownlinkManager

	metricsListener net.Listener
	metricsServer   *http.Server
}

// Run opens the store and ledger, applies the seed file, and serves until ctx is canceled.
func Run(ctx context.Context, cfg config.Config, log logging.Logger) error {
	if log == nil {
		log = logging.Noop()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	store, err := db.OpenDriver(cfg.DBDriver, cfg.DBSource())
	if err != nil {
		return err
	}
	defer store.Close()
	led, closeLedger, err := OpenLedger(cfg.Ledger)
	if err != nil {
		return err
	}
	defer closeLedger()

	if cfg.SeedFile != "" {
		if _, err := SeedFromFile(ctx, cfg.SeedFile, store, led, log); err != nil {
			return err
		}
	}
	service, err := NewService(cfg, Deps{Store: store, Ledger: led, Logger: log})
	if err != nil {
		return err
	}
	return service.Serve(ctx)
}

// OpenLedger builds the configured ledger and a func that releases it.
func OpenLedger(cfg config.LedgerConfig) (ledger.Ledger, func(), error) {
	switch cfg.Backend {
	case config.LedgerEtcd:
		led, err := ledger.NewEtcdLedger(ledger.EtcdConfig{
			Endpoints:   cfg.EtcdEndpoints,
			Prefix:      cfg.EtcdPrefix,
			DialTimeout: cfg.DialTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return led, func() { _ = led.Close() }, nil
	case config.LedgerMemory, "":
		return ledger.NewMemoryLedger(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// SeedFromFile loads, resolves and applies a seed file against store and led.
func SeedFromFile(ctx context.Context, path string, store *db.Store, led ledger.Ledger, log logging.Logger) (SeedReport, error) {
	if log == nil {
		log = logging.Noop()
	}
	if warn, err := config.CheckSeedPermissions(path); err != nil {
		return SeedReport{}, err
	} else if warn != "" {
		log.Warn(ctx, warn)
	}
	seed, err := config.LoadSeed(path)
	if err != nil {
		return SeedReport{}, err
	}
	data, err := seed.Resolve(time.Now())
	if err != nil {
		return SeedReport{}, err
	}
	seeder, _ := led.(ledger.Seeder)
	report, err := ApplySeed(ctx, store, seeder, data)
	if err != nil {
		return report, err
	}
	log.Info(ctx, "seed applied",
		logging.String("path", path),
		logging.Int("stations_created", report.StationsCreated),
		logging.Int("windows_created", report.WindowsCreated),
		logging.Int("satellites", report.SatellitesAssigned),
	)
	return report, nil
}

// NewService constructs the components and binds the metrics listener when configured.
func NewService(cfg config.Config, deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	log := deps.Logger
	if log == nil {
		log = logging.Noop()
	}
	metrics := NewMetrics()

	storeSink := notify.NewStoreSink(deps.Store)
	logSink := notify.NewLogSink(log)
	events := notify.Fanout{storeSink, logSink}
	alarms := notify.AlarmFanout{storeSink, logSink}
	if deps.Events != nil {
		events = append(events, deps.Events)
	}
	if deps.Alarms != nil {
		alarms = append(alarms, deps.Alarms)
	}
	notifier := notify.NewNotifier(events, alarms, log)

	downlink := NewDownlinkManager(deps.Store, notifier, metrics, log, DownlinkConfig{
		DefaultMinDuration: cfg.Downlink.DefaultMinDuration,
		MissedRetention:    cfg.Downlink.MissedRetention,
	}).WithClock(deps.Now)

	executor := NewExecutor(deps.Store, deps.Ledger, notifier, metrics, log).
		WithClock(deps.Now).
		WithRunTimeout(cfg.Scheduler.MissionTimeout)
	executor.RegisterHandlers(SimulatedHandlers(cfg.Executor, downlink))

	scheduler := NewScheduler(deps.Store, executor, notifier, metrics, log, SchedulerConfig{
		DispatchInterval:  cfg.Scheduler.DispatchInterval,
		MaxConcurrent:     cfg.Scheduler.MaxConcurrent,
		RetryBackoff:      cfg.Scheduler.RetryBackoff,
		MaxRetryBackoff:   cfg.Scheduler.MaxRetryBackoff,
		DefaultMaxRetries: cfg.Scheduler.DefaultMaxRetries,
	}).WithClock(deps.Now)

	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		log:       log,
		metrics:   metrics,
		notifier:  notifier,
		executor:  executor,
		scheduler: scheduler,
		downlink:  downlink,
	}
	if cfg.MetricsListen != "" {
		listener, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", healthHandler)
		mux.Handle("/metrics", metrics.Handler())
		s.metricsListener = listener
		s.metricsServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
	}
	return s, nil
}

// Scheduler returns the mission scheduler.
func (s *Service) Scheduler() *Scheduler {
	return s.scheduler
}

// Executor returns the mission executor.
func (s *Service) Executor() *Executor {
	return s.executor
}

// Downlink returns the downlink manager.
func (s *Service) Downlink() *DownlinkManager {
	return s.downlink
}

func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// MetricsAddr is the bound metrics address, or nil when metrics are disabled.
func (s *Service) MetricsAddr() net.Addr {
	if s.metricsListener == nil {
		return nil
	}
	return s.metricsListener.Addr()
}

// Serve starts the dispatch loop, cleanup sweep and metrics listener, and blocks
// until ctx is canceled or the listener fails.
func (s *Service) Serve(ctx context.Context) error {
	s.log.Info(ctx, "missiond starting", logging.String("build", buildinfo.String()))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.scheduler.Start(runCtx)
	s.downlink.StartCleanup(runCtx, s.cfg.Downlink.CleanupInterval)

	errCh := make(chan error, 1)
	if s.metricsServer != nil {
		s.log.Info(ctx, "metrics listening", logging.String("addr", s.metricsListener.Addr().String()))
		go func() { errCh <- s.metricsServer.Serve(s.metricsListener) }()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}
	cancel()
	if err := s.shutdown(); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

func (s *Service) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics: %w", err))
		}
	}
	if err := s.executor.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	s.log.Info(ctx, "missiond stopped")
	return errors.Join(errs...)
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}
