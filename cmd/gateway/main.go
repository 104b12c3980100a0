package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signalgw/internal/api"
	"signalgw/internal/bot"
	"signalgw/internal/codec"
	"signalgw/internal/config"
	"signalgw/internal/database"
	"signalgw/internal/device"
	"signalgw/internal/domain"
	"signalgw/internal/events"
	"signalgw/internal/google"
	"signalgw/internal/logging"
	"signalgw/internal/metrics"
	"signalgw/internal/models"
	"signalgw/internal/protocol"
	"signalgw/internal/repository"
	"signalgw/internal/scheduler"
	"signalgw/internal/service"
	"signalgw/internal/subscription"
	"signalgw/internal/transport"
	"signalgw/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	inventory, err := loadInventory(cfg.Inventory.Path, &logger)
	if err != nil {
		return err
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer (func() { _ = repository.Close(redisClient) })()
	}
	sessions := initSessions(cfg, redisClient, &logger)

	adapters, err := initDevices(inventory)
	if err != nil {
		logger.Error().Err(err).Msg("init device registry")
		return err
	}

	bus := events.NewEventBus()
	bus.OnError(func(ev *events.Event, err error) {
		logger.Warn().Err(err).Str("event", ev.Type).Msg("event handler failed")
	})

	sched := initScheduler(cfg, adapters, db, redisClient, bus, &logger)

	svc := service.NewSignalService(service.Options{
		SysName:        cfg.App.Name,
		SysVersion:     cfg.App.Version,
		Supplier:       cfg.Gateway.SystemID,
		TimeoutSeconds: int(cfg.Scheduler.DefaultTimeout / time.Second),
		MaxRetryCount:  cfg.Scheduler.MaxRetryCount,
	}, inventory, sched, adapters, bus, &logger)
	svc.Listen(bus)

	// The handlers need the subscription engine, which needs the transport,
	// which needs the dispatcher. deps is filled in before the first Reload.
	var deps protocol.Deps
	registry := protocol.NewRegistry(func() []protocol.Handler { return protocol.BuiltinSet(deps)() })
	dispatcher := protocol.NewDispatcher(registry, sessions, &logger)

	jsonCodec := codec.NewJSON()
	gateway := transport.NewServer(cfg.Gateway, jsonCodec, dispatcher, sessions, bus, &logger)

	engine := subscription.New(subscription.Options{
		SupportedObjects: cfg.Subscription.SupportedObjects,
		PushInterval:     cfg.Subscription.PushInterval,
		DeliverTimeout:   cfg.Subscription.DeliverTimeout,
		From:             models.Address{Sys: cfg.Gateway.SystemID, Instance: cfg.Gateway.InstanceID},
	}, gateway, &logger)
	engine.RegisterProducer(models.ObjCrossState, svc.CrossStateProducer)
	engine.RegisterProducer(models.ObjSysInfo, svc.SysInfoProducer)
	engine.Listen(bus)
	defer engine.Close()

	deps = protocol.Deps{
		Service:       svc,
		Sessions:      sessions,
		Auth:          service.NewUserAuthenticator(cfg.Gateway.Users),
		Subscriptions: engine,
		TokenTTL:      cfg.Session.TokenTTL,
		Logger:        &logger,
	}
	if err := registry.Reload(); err != nil {
		logger.Error().Err(err).Msg("register handlers")
		return err
	}
	logger.Info().Strs("handlers", registry.Names()).Msg("protocol handlers registered")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer (func() {
		if err := sched.Stop(10 * time.Second); err != nil {
			logger.Warn().Err(err).Msg("scheduler stop")
		}
	})()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return gateway.ListenAndServe(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return svc.PollStates(gctx, cfg.Subscription.PushInterval) })
	g.Go(func() error {
		db.RunRetention(gctx, cfg.Database.PurgeInterval, cfg.Database.HistoryRetention)
		return nil
	})
	if cfg.Database.Backup.Enabled {
		backups := database.NewBackupService(cfg.Database.Path, cfg.Database.Backup, &logger)
		g.Go(func() error {
			backups.Start(gctx)
			return nil
		})
	}

	if cfg.API.Enabled {
		if err := startAPI(gctx, g, cfg, sched, engine, jsonCodec, sessions, redisClient, &logger); err != nil {
			return err
		}
	}
	startMetrics(gctx, g, cfg, &logger)

	if cfg.Google.Enabled {
		if err := startReporting(gctx, g, cfg, sched, redisClient, bus, &logger); err != nil {
			return err
		}
	}
	if cfg.Telegram.Enabled {
		if err := startBot(gctx, g, cfg, sched, svc, bus, &logger); err != nil {
			return err
		}
	}

	logger.Info().
		Int("gateway_port", cfg.Gateway.Port).
		Int("controllers", len(inventory)).
		Strs("brands", adapters.Brands()).
		Msg("gateway started")

	err = g.Wait()
	logger.Info().Msg("gateway stopped")
	return err
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App, cfg.Gateway)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "gateway-main").Logger()

	return cfg, logger, closer, nil
}

func loadInventory(path string, logger *zerolog.Logger) ([]models.ControllerSpec, error) {
	if envPath := os.Getenv("INVENTORY_PATH"); envPath != "" {
		path = envPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error().Err(err).Str("inventory_path", path).Msg("read inventory")
		return nil, err
	}

	var inventory struct {
		Controllers []models.ControllerSpec `yaml:"controllers"`
	}
	if err := yaml.Unmarshal(data, &inventory); err != nil {
		logger.Error().Err(err).Str("inventory_path", path).Msg("parse inventory")
		return nil, err
	}
	return inventory.Controllers, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

// initSessions picks the session backend. A redis backend falls back to
// memory while redis is unreachable.
func initSessions(cfg *config.Config, client *redis.Client, logger *zerolog.Logger) domain.SessionStore {
	memory := repository.NewMemorySessionStore(cfg.Session.TokenTTL)
	if cfg.Session.Backend != "redis" {
		return memory
	}
	if client == nil {
		logger.Warn().Msg("session backend is redis but redis is unavailable, using memory")
		return memory
	}
	return repository.NewFailoverSessionStore(
		repository.NewRedisSessionStore(client, cfg.Session.TokenTTL),
		memory,
		logger,
	)
}

// initDevices registers one simulated adapter per inventory brand and seeds
// it with the brand's controllers.
func initDevices(inventory []models.ControllerSpec) (*device.Registry, error) {
	registry := device.NewRegistry()
	sims := make(map[string]*device.SimAdapter)
	for _, spec := range inventory {
		sim, ok := sims[spec.Brand]
		if !ok {
			sim = device.NewSimAdapter(spec.Brand, 0)
			if err := registry.Register(sim); err != nil {
				return nil, err
			}
			sims[spec.Brand] = sim
		}
		sim.Seed(spec.ID, spec.CrossIDs()...)
	}
	if err := registry.LoadInventory(inventory); err != nil {
		return nil, err
	}
	return registry, nil
}

func initScheduler(
	cfg *config.Config,
	adapters *device.Registry,
	db *database.DB,
	redisClient *redis.Client,
	bus *events.EventBus,
	logger *zerolog.Logger,
) *scheduler.Scheduler {
	options := []scheduler.Option{
		scheduler.WithArchive(db),
		scheduler.WithEvents(bus),
	}
	if redisClient != nil {
		options = append(options, scheduler.WithDeadLetter(redisClient, cfg.Scheduler.DeadLetterKey))
	}

	return scheduler.New(scheduler.Options{
		Workers:         cfg.Scheduler.Workers,
		MonitorInterval: cfg.Scheduler.MonitorInterval,
		DefaultTimeout:  cfg.Scheduler.DefaultTimeout,
		Retention:       cfg.Scheduler.Retention,
		Retry: scheduler.RetryPolicy{
			InitialDelay: cfg.Scheduler.RetryDelay,
			MaxDelay:     cfg.Scheduler.RetryMaxDelay,
		},
	}, scheduler.NewAdapterExecutor(adapters), logger, options...)
}

func startAPI(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	sched *scheduler.Scheduler,
	engine *subscription.Engine,
	decoder api.PayloadDecoder,
	sessions domain.SessionStore,
	redisClient *redis.Client,
	logger *zerolog.Logger,
) error {
	if cfg.API.HTTP.Enabled {
		httpServer := api.NewHTTPServer(cfg.API, sched, engine, decoder, cfg.Exports.Path, logger)
		g.Go(httpServer.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if !cfg.API.GRPC.Enabled {
		return nil
	}
	grpcServer, err := api.NewGRPCServer(&cfg.API, logger)
	if err != nil {
		logger.Error().Err(err).Msg("create grpc server")
		return err
	}

	checks := map[string]api.HealthCheck{
		"scheduler": func(context.Context) error {
			if sched.GetStats().Paused {
				return errors.New("scheduler paused")
			}
			return nil
		},
		"sessions": func(ctx context.Context) error {
			_, err := sessions.Validate(ctx, "healthcheck")
			return err
		},
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return repository.Ping(ctx, redisClient) }
	}

	g.Go(grpcServer.Serve)
	g.Go(func() error {
		grpcServer.MonitorHealth(ctx, 15*time.Second, checks)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.Shutdown(shutdownCtx)
		return nil
	})
	return nil
}

func startMetrics(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}
	metrics.Register()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(ctxShutdown)
	})
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}

// startReporting mirrors finished sync tasks into the configured spreadsheet.
func startReporting(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	sched *scheduler.Scheduler,
	redisClient *redis.Client,
	bus *events.EventBus,
	logger *zerolog.Logger,
) error {
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	sheet, err := google.NewTaskSheet(initCtx, cfg.Google.CredentialsFile, cfg.Google.SpreadsheetID, cfg.Google.SheetName)
	if err != nil {
		logger.Error().Err(err).Msg("init google sheets")
		return err
	}
	if err := sheet.TestConnection(initCtx); err != nil {
		logger.Error().Err(err).Str("spreadsheet_id", cfg.Google.SpreadsheetID).Msg("google sheets connection")
		return err
	}
	if err := sheet.EnsureHeader(initCtx); err != nil {
		return fmt.Errorf("ensure sheet header: %w", err)
	}
	if err := sheet.WarmUpCache(initCtx); err != nil {
		logger.Warn().Err(err).Msg("warm up sheet row cache")
	}

	reports := worker.NewReportWorker(worker.Options{
		QueueKey:      cfg.Google.QueueKey,
		DeadLetterKey: cfg.Google.DeadLetterKey,
		MaxRetries:    cfg.Google.MaxRetries,
		Retry: scheduler.RetryPolicy{
			InitialDelay: cfg.Google.RetryDelay,
			MaxDelay:     cfg.Scheduler.RetryMaxDelay,
		},
	}, sheet, sched, redisClient, logger)
	reports.Listen(bus)

	g.Go(func() error {
		reports.Start(ctx)
		return nil
	})
	logger.Info().Str("spreadsheet_id", cfg.Google.SpreadsheetID).Msg("sheet reporting enabled")
	return nil
}

func startBot(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	sched *scheduler.Scheduler,
	svc *service.SignalService,
	bus *events.EventBus,
	logger *zerolog.Logger,
) error {
	client, err := bot.NewTelegramClient(cfg.Telegram)
	if err != nil {
		logger.Error().Err(err).Msg("init telegram client")
		return err
	}

	operatorBot := bot.NewBot(client, cfg.Telegram, sched, svc, logger)
	operatorBot.Listen(bus)
	g.Go(func() error {
		operatorBot.Start(ctx)
		return nil
	})
	return nil
}
