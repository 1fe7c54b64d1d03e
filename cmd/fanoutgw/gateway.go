package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-fanout/internal/api"
	"github.com/nerrad567/gray-logic-fanout/internal/bus"
	"github.com/nerrad567/gray-logic-fanout/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-fanout/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-fanout/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-fanout/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-fanout/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-fanout/internal/iottcp"
	"github.com/nerrad567/gray-logic-fanout/internal/journal"
	"github.com/nerrad567/gray-logic-fanout/internal/metrics"
	"github.com/nerrad567/gray-logic-fanout/internal/mqttlink"
	"github.com/nerrad567/gray-logic-fanout/internal/relay"
	"github.com/nerrad567/gray-logic-fanout/migrations"
)

// poolCloseTimeout bounds how long shutdown waits for broker sessions.
const poolCloseTimeout = 5 * time.Second

// gateway holds every running component. Components that are disabled in
// the config stay nil.
type gateway struct {
	cfg *config.Config
	log *logging.Logger

	router   *bus.Router
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	db       *database.DB
	journal  *journal.Journal
	influx   *influxdb.Client
	pool     *mqttlink.Pool
	listener *iottcp.Listener
	relay    *relay.Relay
	api      *api.Server

	taps         []func()
	shutdownOnce sync.Once
	releaseOnce  sync.Once
}

// newGateway builds and starts the components in dependency order: bus
// observers first, so the start-up traffic is logged, counted and
// journaled, then the pool, the listener, the relay and the API. MQTT
// endpoints are added and device sockets bound last.
func newGateway(ctx context.Context, cfg *config.Config, log *logging.Logger) (*gateway, error) {
	gw := &gateway{
		cfg:    cfg,
		log:    log,
		router: bus.NewRouter(),
	}
	gw.router.SetLogger(log.With("component", "router"))
	gw.taps = append(gw.taps, logging.Attach(gw.router, log))

	fail := func(err error) (*gateway, error) {
		gw.shutdown()
		gw.release()
		return nil, err
	}

	gw.startMetrics()

	if err := gw.startJournal(ctx); err != nil {
		return fail(err)
	}
	if err := gw.startInfluxDB(ctx); err != nil {
		return fail(err)
	}

	topics := mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix}
	var subscriptions []string
	if cfg.Relay.Enabled {
		subscriptions = append(subscriptions, topics.Downlinks()...)
	}
	subscriptions = append(subscriptions, cfg.MQTT.Subscribe...)

	gw.pool = mqttlink.NewPool(gw.router, mqttlink.BrokerDialer(cfg.MQTT, log), subscriptions)
	gw.pool.SetLogger(log.With("component", "mqtt"))

	gw.listener = iottcp.NewListener(gw.router)
	gw.listener.SetLogger(log.With("component", "iottcp"))

	if cfg.Relay.Enabled {
		gw.relay = relay.New(gw.router, relay.Options{
			Listener:  gw.listener.Addr(),
			Pool:      gw.pool.Addr(),
			Topics:    topics,
			Telemetry: gw.telemetry(),
		})
		gw.relay.SetLogger(log.With("component", "relay"))
	} else {
		log.Info("relay disabled")
	}

	if cfg.API.Enabled {
		if err := gw.startAPI(ctx); err != nil {
			return fail(err)
		}
	} else {
		log.Info("API disabled")
	}

	for _, endpoint := range cfg.MQTT.Endpoints {
		gw.router.Send(bus.Envelope{
			Dst:     gw.pool.Addr(),
			Type:    mqttlink.TypeAdd,
			Payload: mqttlink.ConnectProps{ConnectionString: endpoint},
		})
	}
	log.Info("MQTT endpoints added", "count", len(cfg.MQTT.Endpoints))

	for _, l := range cfg.Gateway.Listen {
		bound, err := gw.listener.Listen(l.HostPort())
		if err != nil {
			return fail(fmt.Errorf("binding device listener: %w", err))
		}
		log.Info("device listener bound", "address", bound.String())
	}

	return gw, nil
}

func (gw *gateway) startMetrics() {
	gw.registry = prometheus.NewRegistry()
	if !gw.cfg.Metrics.Enabled {
		gw.log.Info("metrics disabled")
		return
	}
	gw.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	gw.metrics = metrics.New(gw.registry, gw.cfg.Metrics.Namespace)
	gw.taps = append(gw.taps, gw.metrics.Attach(gw.router))
}

func (gw *gateway) startJournal(ctx context.Context) error {
	if !gw.cfg.Journal.Enabled {
		gw.log.Info("journal disabled")
		return nil
	}

	db, err := database.Open(ctx, database.Config{
		Path:        gw.cfg.Database.Path,
		WALMode:     gw.cfg.Database.WALMode,
		BusyTimeout: gw.cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	gw.db = db
	gw.log.Info("database connected", "path", gw.cfg.Database.Path)

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	gw.log.Info("database migrations complete")

	gw.journal = journal.New(journal.NewSQLiteRepository(db.DB), journal.Options{
		QueueSize: gw.cfg.Journal.QueueSize,
		Retention: time.Duration(gw.cfg.Journal.RetentionDays) * 24 * time.Hour,
	})
	gw.journal.SetLogger(gw.log.With("component", "journal"))
	gw.taps = append(gw.taps, gw.journal.Attach(gw.router))

	if gw.metrics != nil {
		gw.metrics.RegisterDropped(gw.registry, gw.cfg.Metrics.Namespace, gw.journal.Dropped)
	}
	return nil
}

func (gw *gateway) startInfluxDB(ctx context.Context) error {
	if !gw.cfg.InfluxDB.Enabled {
		gw.log.Info("InfluxDB disabled")
		return nil
	}

	client, err := influxdb.Connect(ctx, gw.cfg.InfluxDB)
	if err != nil {
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	gw.influx = client
	gw.log.Info("InfluxDB connected",
		"url", gw.cfg.InfluxDB.URL,
		"org", gw.cfg.InfluxDB.Org,
		"bucket", gw.cfg.InfluxDB.Bucket,
	)

	client.SetOnError(func(err error) {
		gw.log.Error("InfluxDB write error", "error", err)
	})
	gw.taps = append(gw.taps, bus.Tap(gw.router, func(env bus.Envelope) {
		if journal.Tracked(env.Type) {
			client.Lifecycle(env.Type, env.Src)
		}
	}))
	return nil
}

// telemetry combines the sinks interested in relayed traffic.
func (gw *gateway) telemetry() relay.Telemetry {
	var sinks []relay.Telemetry
	if gw.metrics != nil {
		sinks = append(sinks, gw.metrics)
	}
	if gw.influx != nil {
		sinks = append(sinks, gw.influx)
	}
	return relay.MultiTelemetry(sinks...)
}

func (gw *gateway) startAPI(ctx context.Context) error {
	deps := api.Deps{
		Config:      gw.cfg.API,
		WS:          gw.cfg.WebSocket,
		Logger:      gw.log,
		Router:      gw.router,
		Pool:        gw.pool,
		Listener:    gw.listener,
		MetricsPath: gw.cfg.Metrics.Path,
		Version:     version,
	}
	if gw.journal != nil {
		deps.Journal = gw.journal
	}
	if gw.metrics != nil {
		deps.Gatherer = gw.registry
	}

	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	gw.api = server
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	return nil
}

// healthCheck verifies the optional backends are reachable.
func (gw *gateway) healthCheck(ctx context.Context) error {
	if gw.db != nil {
		if err := gw.db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if gw.influx != nil {
		if err := gw.influx.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	if gw.api != nil {
		if err := gw.api.HealthCheck(ctx); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}
	return nil
}

// wait runs the journal writer until ctx is cancelled or the writer fails,
// then shuts the components down. The writer outlives the components so
// their terminal events are journaled too.
func (gw *gateway) wait(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	jctx, stopJournal := context.WithCancel(context.Background())
	defer stopJournal()

	if gw.journal != nil {
		g.Go(func() error {
			if err := gw.journal.Run(jctx); err != nil {
				return fmt.Errorf("journal: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		gw.log.Info("shutdown signal received, cleaning up")
		gw.shutdown()
		stopJournal()
		return nil
	})

	return g.Wait()
}

// shutdown stops the bus participants in reverse start order.
func (gw *gateway) shutdown() {
	gw.shutdownOnce.Do(func() {
		if gw.api != nil {
			if err := gw.api.Close(); err != nil {
				gw.log.Error("error closing API server", "error", err)
			}
		}
		if gw.relay != nil {
			gw.relay.Close()
		}
		if gw.listener != nil {
			if err := gw.listener.Close(); err != nil {
				gw.log.Error("error closing device listener", "error", err)
			}
		}
		if gw.pool != nil {
			ctx, cancel := context.WithTimeout(context.Background(), poolCloseTimeout)
			if err := gw.pool.Close(ctx); err != nil {
				gw.log.Error("error closing MQTT pool", "error", err)
			}
			cancel()
		}
	})
}

// release detaches the bus observers and closes the backends. It runs after
// shutdown and after the journal writer has flushed.
func (gw *gateway) release() {
	gw.releaseOnce.Do(func() {
		for i := len(gw.taps) - 1; i >= 0; i-- {
			gw.taps[i]()
		}
		if gw.influx != nil {
			gw.log.Info("closing InfluxDB connection")
			if err := gw.influx.Close(); err != nil {
				gw.log.Error("error closing InfluxDB", "error", err)
			}
		}
		if gw.db != nil {
			gw.log.Info("closing database")
			if err := gw.db.Close(); err != nil {
				gw.log.Error("error closing database", "error", err)
			}
		}
		gw.router.Dispose()
	})
}
