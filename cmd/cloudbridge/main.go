// Gray Logic Cloud Bridge
//
// This is the main entry point for the cloud bridge. It keeps the local
// thing state of a Gray Logic site synchronised with a cloud MQTT broker:
//   - Local state changes are pushed to <prefix>/o
//   - Cloud updates on <prefix>/i/# are applied locally
//   - A liveness ping is published on a fixed interval
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/nerrad567/gray-logic-cloudbridge/internal/bridge"
	"github.com/nerrad567/gray-logic-cloudbridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-cloudbridge/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-cloudbridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-cloudbridge/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-cloudbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-cloudbridge/internal/localbus"
	"github.com/nerrad567/gray-logic-cloudbridge/internal/thingstate"
	"github.com/nerrad567/gray-logic-cloudbridge/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// defaultConfigPath is used when neither --config nor CLOUDBRIDGE_CONFIG is set.
	defaultConfigPath = "configs/config.yaml"

	// shutdownTimeout bounds the metrics server shutdown.
	shutdownTimeout = 5 * time.Second

	// readHeaderTimeout guards the metrics server against slow clients.
	readHeaderTimeout = 5 * time.Second

	// healthCheckTimeout bounds each dependency check behind /status.
	healthCheckTimeout = 3 * time.Second
)

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - args: Command line arguments without the program name
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, args []string) error { //nolint:gocognit,gocyclo // linear startup sequence
	flags := pflag.NewFlagSet("cloudbridge", pflag.ContinueOnError)
	configFlag := flags.StringP("config", "c", "", "path to the YAML configuration file (env CLOUDBRIDGE_CONFIG)")
	versionFlag := flags.BoolP("version", "v", false, "print version information and exit")
	migrateDownFlag := flags.Bool("migrate-down", false, "roll back the latest database migration and exit")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}

	if *versionFlag {
		fmt.Printf("cloudbridge %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic Cloud Bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath(*configFlag)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if *migrateDownFlag {
		return rollbackMigration(ctx, db, log)
	}

	// Run migrations
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	applied, pending, err := db.GetMigrationStatus(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	log.Info("database migrations complete", "applied", len(applied), "pending", len(pending))

	// Dependencies reported by /status
	checks := map[string]healthChecker{"database": db}

	// Initialise thing state store
	store, err := thingstate.New(thingstate.Options{
		DB:     db,
		Owner:  cfg.Bridge.ID,
		Logger: log.Component("thingstate"),
	})
	if err != nil {
		return fmt.Errorf("creating thing state store: %w", err)
	}

	// Connect to the local Gray Logic bus (optional)
	if cfg.Local.Enabled {
		localClient, connErr := mqtt.Connect(cfg.Local.MQTT)
		if connErr != nil {
			return fmt.Errorf("connecting to local MQTT: %w", connErr)
		}
		defer func() {
			log.Info("disconnecting from local MQTT")
			if closeErr := localClient.Close(); closeErr != nil {
				log.Error("error closing local MQTT", "error", closeErr)
			}
		}()
		localClient.SetLogger(log.Component("localbus"))
		localClient.SetOnConnect(func() {
			log.Info("local MQTT reconnected")
		})
		localClient.SetOnDisconnect(func(err error) {
			log.Warn("local MQTT connection lost", "error", err)
		})
		checks["local_mqtt"] = localClient
		log.Info("local MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.Local.MQTT.Broker.Host, cfg.Local.MQTT.Broker.Port),
			"client_id", cfg.Local.MQTT.Broker.ClientID,
		)

		bus, busErr := localbus.New(localbus.Options{
			Client: localClient,
			Store:  store,
			QoS:    byte(cfg.Local.MQTT.QoS), // #nosec G115 -- validated 0-2
			Logger: log.Component("localbus"),
		})
		if busErr != nil {
			return fmt.Errorf("creating local bus: %w", busErr)
		}
		if startErr := bus.Start(ctx); startErr != nil {
			return fmt.Errorf("starting local bus: %w", startErr)
		}
		defer func() {
			if stopErr := bus.Stop(); stopErr != nil {
				log.Error("error stopping local bus", "error", stopErr)
			}
		}()
		store.SetOnApply(bus.PublishSet)
	} else {
		log.Info("local bus disabled")
	}

	// Connect to InfluxDB (optional)
	var recorder bridge.Recorder
	if cfg.InfluxDB.Enabled {
		influxClient, connErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		recorder = influxClient
		checks["influxdb"] = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := bridge.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	// Build the cloud bridge. Missing credentials are an expected state on a
	// fresh install: stay up so provisioning can complete.
	cloudBridge, err := newCloudBridge(cfg, store, log, metrics, recorder)
	switch {
	case errors.Is(err, bridge.ErrNotConfigured):
		log.Warn("cloud connection is not configured, waiting for provisioning")
	case err != nil:
		return fmt.Errorf("creating cloud bridge: %w", err)
	}

	if cfg.Metrics.Enabled {
		srv := newMetricsServer(cfg.Metrics, registry, cloudBridge, checks)
		go func() {
			log.Info("metrics server listening", "addr", cfg.Metrics.Listen, "path", cfg.Metrics.Path)
			if serveErr := srv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", serveErr)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
				log.Error("error stopping metrics server", "error", shutdownErr)
			}
		}()
	}

	if cloudBridge != nil {
		if startErr := cloudBridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting cloud bridge: %w", startErr)
		}
		defer cloudBridge.Stop()
		log.Info("cloud bridge running", "status", cloudBridge.Status(), "origin", cloudBridge.Origin())
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. Cloud bridge (unsubscribe, stop ping, release connection)
	// 2. Metrics server
	// 3. InfluxDB (if enabled)
	// 4. Local bus and local MQTT (if enabled)
	// 5. Database

	log.Info("Gray Logic Cloud Bridge stopped")
	return nil
}

// newCloudBridge builds the bridge from configuration. It returns
// bridge.ErrNotConfigured when no cloud credentials are present.
func newCloudBridge(cfg *config.Config, store *thingstate.Store, log *logging.Logger, metrics *bridge.Metrics, recorder bridge.Recorder) (*bridge.Bridge, error) {
	if !cfg.Cloud.IsConfigured() {
		return nil, bridge.ErrNotConfigured
	}

	creds := mqtt.Credentials{
		Host:                     cfg.Cloud.Host,
		CertificateAuthorityPath: cfg.Cloud.CAFile,
		ClientCertificatePath:    cfg.Cloud.CertFile,
		ClientKeyPath:            cfg.Cloud.KeyFile,
		TopicPrefix:              cfg.Cloud.TopicPrefix,
	}

	clientID := cfg.Cloud.ClientID
	if clientID == "" {
		clientID = cfg.Bridge.ID
	}

	return bridge.New(bridge.Options{
		Credentials: creds,
		Config: bridge.Config{
			OutBands:        cfg.Bridge.OutBands,
			InBands:         cfg.Bridge.InBands,
			PingInterval:    cfg.GetPingInterval(),
			UseCompactModel: cfg.Bridge.UseCompactModel,
			Origin:          cfg.Bridge.Origin,
			QoS:             byte(cfg.Bridge.QoS), // #nosec G115 -- validated 0-2
			InboundWorkers:  cfg.Bridge.InboundWorkers,
			Version:         version,
		},
		Connector: bridge.NewManagerConnector(mqtt.NewManager(mqtt.ManagerOptions{
			Credentials: creds,
			ClientID:    clientID,
			Logger:      log.Component("cloud"),
		})),
		Local:    store,
		Logger:   log.Component("bridge"),
		Metrics:  metrics,
		Recorder: recorder,
	})
}

// rollbackMigration undoes the most recent migration for --migrate-down.
func rollbackMigration(ctx context.Context, db *database.DB, log *logging.Logger) error {
	if err := db.MigrateDown(ctx, migrations.FS); err != nil {
		return fmt.Errorf("rolling back migration: %w", err)
	}
	applied, pending, err := db.GetMigrationStatus(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	log.Info("rolled back latest migration", "applied", len(applied), "pending", len(pending))
	return nil
}

// healthChecker is implemented by the database, local MQTT and InfluxDB clients.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// newMetricsServer serves Prometheus metrics and the bridge status.
func newMetricsServer(cfg config.MetricsConfig, registry *prometheus.Registry, b *bridge.Bridge, checks map[string]healthChecker) *http.Server {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/status", statusHandler(b, checks))

	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// statusResponse is the body of GET /status.
type statusResponse struct {
	Configured bool              `json:"configured"`
	Origin     string            `json:"origin,omitempty"`
	Status     bridge.Status     `json:"status"`
	Health     map[string]string `json:"health"`
}

// statusHandler reports which parts of the bridge are running and the
// health of each dependency ("ok" or the check error). Any failing check
// turns the response into 503.
func statusHandler(b *bridge.Bridge, checks map[string]healthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{Health: make(map[string]string, len(checks))}
		if b != nil {
			resp.Configured = true
			resp.Origin = b.Origin()
			resp.Status = b.Status()
		}

		code := http.StatusOK
		for name, check := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			err := check.HealthCheck(ctx)
			cancel()
			if err != nil {
				resp.Health[name] = err.Error()
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Health[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// getConfigPath returns the configuration file path.
// The --config flag wins, then CLOUDBRIDGE_CONFIG, then the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("CLOUDBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
