// Breeze Core - local control service for Tuya fan/light devices.
//
// Breeze Core talks to each device directly over its LAN protocol, keeps a
// short-lived state cache in front of it, and exposes the devices over MQTT
// and a small REST API. It is designed to run unattended next to the devices:
//   - Local-first operation (no cloud dependency for control)
//   - Per-device reconnection with bounded backoff
//   - Retained MQTT state so consumers recover after restarts
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nvalett/breezecore/migrations"

	"github.com/nvalett/breezecore/internal/api"
	"github.com/nvalett/breezecore/internal/bridges/tuya"
	"github.com/nvalett/breezecore/internal/device"
	"github.com/nvalett/breezecore/internal/infrastructure/config"
	"github.com/nvalett/breezecore/internal/infrastructure/database"
	"github.com/nvalett/breezecore/internal/infrastructure/influxdb"
	"github.com/nvalett/breezecore/internal/infrastructure/logging"
	"github.com/nvalett/breezecore/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Breeze Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath, "devices", len(cfg.Devices))

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

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Initialise device repositories and seed the registry from config.
	// Upsert keeps state and health for devices that already exist; only
	// the addressing fields follow the config file.
	deviceRepo := device.NewSQLiteRepository(db.DB)
	historyRepo := device.NewSQLiteStateHistoryRepository(db.DB)

	if seedErr := seedDevices(ctx, deviceRepo, cfg.Devices); seedErr != nil {
		return fmt.Errorf("seeding device registry: %w", seedErr)
	}
	log.Info("device registry seeded", "devices", len(cfg.Devices))

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start the Tuya bridge
	bridge, err := startBridge(ctx, cfg, mqttClient, deviceRepo, historyRepo, influxClient, log)
	if err != nil {
		return fmt.Errorf("starting Tuya bridge: %w", err)
	}
	defer func() {
		log.Info("stopping Tuya bridge")
		bridge.Stop()
	}()

	// Start the REST API (optional)
	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:  cfg.API,
			Logger:  log,
			Devices: deviceRepo,
			History: historyRepo,
			MQTT:    mqttClient,
			Bridge:  bridge,
			Version: version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)
	} else {
		log.Info("API server disabled")
	}

	// Verify all infrastructure connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server (if enabled)
	// 2. Tuya bridge
	// 3. InfluxDB (if enabled)
	// 4. MQTT
	// 5. Database

	log.Info("Breeze Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses BREEZECORE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("BREEZECORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// seedDevices upserts every configured device into the repository so the
// API and bridge callbacks always find a row to update.
func seedDevices(ctx context.Context, repo device.Repository, configs []config.DeviceConfig) error {
	for _, dc := range configs {
		dev := &device.Device{
			ID:           dc.ID,
			Name:         dc.Name,
			DeviceID:     dc.DeviceID,
			Host:         dc.Host,
			Port:         dc.Port,
			Version:      dc.Version,
			HealthStatus: device.HealthStatusUnknown,
		}
		if err := repo.Upsert(ctx, dev); err != nil {
			return fmt.Errorf("device %s: %w", dc.ID, err)
		}
	}
	return nil
}

// startBridge builds and starts the Tuya bridge from configuration.
func startBridge(ctx context.Context, cfg *config.Config, mqttClient *mqtt.Client, devices device.Repository, history device.StateHistoryRepository, influxClient *influxdb.Client, log *logging.Logger) (*tuya.Bridge, error) {
	// A typed nil *influxdb.Client must not reach the bridge as a
	// non-nil Telemetry interface.
	var telemetry tuya.Telemetry
	if influxClient != nil {
		telemetry = influxClient
	}

	bridgeID := cfg.Service.ID
	if bridgeID == "" {
		bridgeID = "tuya-bridge"
	}

	bridge, err := tuya.NewBridge(tuya.BridgeOptions{
		BridgeID: bridgeID,
		Version:  version,
		QoS:      byte(cfg.MQTT.QoS),
		Session: tuya.SessionConfig{
			CacheTTL:         cfg.Session.CacheTTL(),
			OperationTimeout: cfg.Session.OperationTimeout(),
			RefreshInterval:  cfg.Session.RefreshInterval(),
			RetryBaseDelay:   cfg.Session.RetryBaseDelay(),
			RetryMaxDelay:    cfg.Session.RetryMaxDelay(),
			MaxRetries:       cfg.Session.MaxRetries,
			MaxTimeouts:      cfg.Session.MaxTimeouts,
			FailFastWindow:   cfg.Session.FailFastWindow(),
		},
	}, mqttClient, devices, history, telemetry)
	if err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}
	bridge.SetLogger(log)

	log.Info("starting Tuya bridge", "bridge_id", bridgeID, "devices", len(cfg.Devices))

	if err := bridge.Start(ctx, cfg.Devices); err != nil {
		return nil, fmt.Errorf("starting bridge: %w", err)
	}
	log.Info("Tuya bridge started")

	return bridge, nil
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.HealthCheck(checkCtx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(checkCtx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(checkCtx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// Bridge health is verified during Start() - it connects its MQTT
	// subscriptions before returning successfully.

	return nil
}
