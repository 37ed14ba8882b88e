package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	_ "github.com/nerrad567/hivehub/migrations"

	"github.com/nerrad567/hivehub/internal/api"
	"github.com/nerrad567/hivehub/internal/audit"
	"github.com/nerrad567/hivehub/internal/auth"
	"github.com/nerrad567/hivehub/internal/device"
	"github.com/nerrad567/hivehub/internal/discovery"
	"github.com/nerrad567/hivehub/internal/hub"
	"github.com/nerrad567/hivehub/internal/infrastructure/config"
	"github.com/nerrad567/hivehub/internal/infrastructure/database"
	"github.com/nerrad567/hivehub/internal/infrastructure/influxdb"
	"github.com/nerrad567/hivehub/internal/infrastructure/logging"
	"github.com/nerrad567/hivehub/internal/infrastructure/mqtt"
)

func serveCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub server",
		Long: `Run the hub server: the REST and long-poll API, the WebSocket
endpoints and, when enabled, the MQTT mirror, InfluxDB telemetry and mDNS
announcement.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

// runServe starts the hub and blocks until ctx is cancelled.
//
// Deferred cleanup runs in reverse order of startup: discovery, API server,
// telemetry, MQTT, hub, database.
func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	log := newLogger(cfg)
	log.Info("starting hivehub", "version", version, "commit", commit, "build_date", date)

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db.DB, "hivehub"),
	)

	bus := hub.New(device.NewSQLiteRepository(db.DB),
		hub.WithLogger(log.With("component", "hub")),
		hub.WithMetrics(hub.NewMetrics(reg)),
	)
	defer func() {
		log.Info("closing hub")
		if closeErr := bus.Close(); closeErr != nil {
			log.Error("error closing hub", "error", closeErr)
		}
	}()

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		var mirror *mqtt.Mirror
		mqttClient, mirror, err = startMirror(cfg, bus, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		// Flush queued messages while the client is still connected.
		defer func() {
			mirror.Close()
			if n := mirror.Dropped(); n > 0 {
				log.Warn("MQTT mirror dropped messages", "count", n)
			}
		}()
	} else {
		log.Info("MQTT mirror disabled")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		bus.AddListener(influxdb.NewTelemetry(influxClient))
		log.Info("InfluxDB telemetry enabled", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB telemetry disabled")
	}

	authn := auth.NewAuthenticator(
		auth.NewUserRepository(db.DB),
		auth.NewKeyRepository(db.DB),
		cfg.Security.AccessKeys.Secret,
		cfg.Security.LockAfter,
	)
	admin := cfg.Security.Admin
	if _, err := auth.SeedAdmin(ctx, authn, admin.Login, admin.Password, admin.IssueKey, log.Logger); err != nil {
		return fmt.Errorf("seeding admin: %w", err)
	}

	deps := api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Hub:     cfg.Hub,
		Metrics: cfg.Metrics,
		Logger:  log,
		Bus:     bus,
		Auth:    authn,
		Audit:   audit.NewSQLiteRepository(db.DB),
		Version: version,
	}
	if cfg.Metrics.Enabled {
		deps.Registry = reg
	}
	srv, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()
	log.Info("API server listening", "address", srv.Addr().String(), "base_path", cfg.API.BasePath)

	if cfg.Discovery.Enabled {
		scheme := "http"
		if cfg.API.TLS.Enabled {
			scheme = "https"
		}
		adv, advErr := discovery.Advertise(cfg.Discovery, cfg.Hub.Name, cfg.API.Port, discovery.TXT(scheme, cfg.API.BasePath))
		if advErr != nil {
			log.Warn("mDNS announcement unavailable", "error", advErr)
		} else {
			defer adv.Shutdown() //nolint:errcheck // best-effort
			log.Info("announcing hub over mDNS", "service", cfg.Discovery.Service, "name", cfg.Hub.Name)
		}
	}

	if err := healthCheck(ctx, db, bus, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return nil
}

func openDatabase(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(databaseConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)
	return db, nil
}

// startMirror connects to the broker, mirrors hub messages to it and stores
// commands published by MQTT clients.
func startMirror(cfg *config.Config, bus *hub.Hub, log *logging.Logger) (*mqtt.Client, *mqtt.Mirror, error) {
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log)
	client.SetOnConnect(func() { log.Info("MQTT connected") })
	client.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })

	mirror := mqtt.NewMirror(client, client.Topics(), client.QoS(), log.With("component", "mqtt-mirror"))
	bus.AddListener(mirror)

	if err := mqtt.AcceptCommands(client, client.Topics(), client.QoS(), bus); err != nil {
		mirror.Close()
		client.Close() //nolint:errcheck // already failing
		return nil, nil, fmt.Errorf("subscribing to MQTT commands: %w", err)
	}
	log.Info("MQTT mirror started",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"prefix", client.Topics().Prefix(),
	)
	return client, mirror, nil
}

// healthCheck verifies every enabled backend is reachable.
func healthCheck(ctx context.Context, db *database.DB, bus *hub.Hub, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := bus.Ping(ctx); err != nil {
		return fmt.Errorf("hub: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
