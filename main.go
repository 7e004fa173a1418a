/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/intel/rsp-sw-toolkit-im-suite-utilities/go-metrics"
	reporter "github.com/intel/rsp-sw-toolkit-im-suite-utilities/go-metrics-influxdb"
	// postgres driver
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"github.com/wasteant/delivery-state-service/app/assets"
	"github.com/wasteant/delivery-state-service/app/config"
	"github.com/wasteant/delivery-state-service/app/dispatcher"
	"github.com/wasteant/delivery-state-service/app/engine"
	"github.com/wasteant/delivery-state-service/app/events"
	"github.com/wasteant/delivery-state-service/app/gate"
	"github.com/wasteant/delivery-state-service/app/routes"
	"github.com/wasteant/delivery-state-service/app/tasks"
	"github.com/wasteant/delivery-state-service/pkg/gatelock"
	"github.com/wasteant/delivery-state-service/pkg/healthcheck"
)

func main() {

	mConfigurationError := metrics.GetOrRegisterGauge("DeliveryState.Main.ConfigurationError", nil)
	mDatabaseRegisterError := metrics.GetOrRegisterGauge("DeliveryState.Main.DatabaseRegisterError", nil)
	mDbSchemaError := metrics.GetOrRegisterGauge("DeliveryState.Main.DbSchemaError", nil)
	mGateSeedError := metrics.GetOrRegisterGauge("DeliveryState.Main.GateSeedError", nil)
	mEventBusError := metrics.GetOrRegisterGauge("DeliveryState.Main.EventBusError", nil)

	// Ensure simple text format
	log.SetFormatter(&log.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	})

	isHealthyPtr := flag.Bool("isHealthy", false, "a bool, runs a healthcheck")
	flag.Parse()

	// Load config variables
	err := config.InitConfig()
	fatalErrorHandler("unable to load configuration variables", err, &mConfigurationError)

	// Docker healthcheck probe, exits immediately
	if *isHealthyPtr {
		os.Exit(healthcheck.Healthcheck(config.AppConfig.Port))
	}

	// Initialize metrics reporting
	initMetrics()

	setLoggingLevel(config.AppConfig.LoggingLevel)

	log.WithFields(log.Fields{
		"Method": "main",
		"Action": "Start",
	}).Info("Starting delivery state service...")

	// Connect to postgres
	log.WithFields(log.Fields{
		"Method": "main",
		"Action": "Start",
		"Host":   config.AppConfig.DbHost,
	}).Info("Registering a new master db...")

	connectionString := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.AppConfig.DbHost, config.AppConfig.DbPort, config.AppConfig.DbUser,
		config.AppConfig.DbPass, config.AppConfig.DbName, config.AppConfig.DbSSLMode)

	masterDB, err := sql.Open("postgres", connectionString)
	fatalErrorHandler("Unable to register a new master db.", err, &mDatabaseRegisterError)
	err = masterDB.Ping()
	fatalErrorHandler("Unable to reach the master db.", err, &mDatabaseRegisterError)

	// Close master db
	defer masterDB.Close()

	// Apply database schema
	errorHandler("error applying the db schema", prepareDB(masterDB), &mDbSchemaError)

	// Register the configured gates
	errorHandler("error seeding gates", seedGates(masterDB), &mGateSeedError)

	// Connect to the delivery events bus
	publisher := newPublisher(&mEventBusError)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.WithField("Method", "main").Error(err)
		}
	}()

	notifier := dispatcher.New(dispatcher.Config{
		RecordingServiceURL: config.AppConfig.RecordingServiceURL,
		SyncServiceURL:      config.AppConfig.SyncServiceURL,
		Retries:             config.AppConfig.NotifyRetries,
		RetryWait:           time.Duration(config.AppConfig.NotifyRetrySeconds) * time.Second,
		RequestTimeout:      time.Duration(config.AppConfig.EndpointConnectionTimedOutSeconds) * time.Second,
		ImageRate:           time.Duration(config.AppConfig.ImageRateSeconds) * time.Second,
		EventsSubject:       config.AppConfig.DeliveryEventsSubject,
	}, publisher)
	notifier.Start()
	defer notifier.Stop()

	deriveEngine := &engine.Engine{
		DB:       masterDB,
		Locks:    gatelock.New(time.Duration(config.AppConfig.LeaseTTLSeconds) * time.Second),
		Notifier: notifier,
	}

	runner := tasks.NewRunner(deriveEngine,
		config.AppConfig.WorkerCount,
		config.AppConfig.QueueDepth,
		config.AppConfig.TaskMaxRetries,
		time.Duration(config.AppConfig.TaskRetryBaseSeconds)*time.Second,
		time.Duration(config.AppConfig.TaskRetentionMinutes)*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner.Start(ctx)
	defer runner.Stop()

	// Periodic progress snapshots for open deliveries
	go notifier.SnapshotLoop(ctx, masterDB)

	resolver := assets.NewResolver(config.AppConfig.MediaRoot,
		time.Duration(config.AppConfig.DisplayTimeOffsetHours)*time.Hour)

	// Initiate webserver and routes
	startWebServer(masterDB, runner, resolver, config.AppConfig.Port, config.AppConfig.ResponseLimit, config.AppConfig.ServiceName)

	log.WithField("Method", "main").Info("Completed.")
}

func startWebServer(masterDB *sql.DB, runner *tasks.Runner, resolver *assets.Resolver,
	port string, responseLimit int, serviceName string) {

	// Start Webserver and pass additional data
	router := routes.NewRouter(masterDB, runner, resolver, responseLimit)

	// Create a new server and set timeout values.
	server := http.Server{
		Addr:           ":" + port,
		Handler:        router,
		ReadTimeout:    time.Duration(config.AppConfig.ServerReadTimeOutSeconds) * time.Second,
		WriteTimeout:   time.Duration(config.AppConfig.ServerWriteTimeOutSeconds) * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	// We want to report the listener is closed.
	var wg sync.WaitGroup
	wg.Add(1)

	// Start the listener.
	go func() {
		log.Infof("%s running!", serviceName)
		log.Infof("Listener closed : %v", server.ListenAndServe())
		wg.Done()
	}()

	// Listen for an interrupt signal from the OS.
	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt)

	// Wait for a signal to shutdown.
	<-osSignals

	// Create a context to attempt a graceful 5 second shutdown.
	const timeout = 5 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Attempt the graceful shutdown by closing the listener and
	// completing all inflight requests.
	if err := server.Shutdown(ctx); err != nil {

		log.WithFields(log.Fields{
			"Method":  "main",
			"Action":  "shutdown",
			"Timeout": timeout,
			"Message": err.Error(),
		}).Error("Graceful shutdown did not complete")

		// Looks like we timedout on the graceful shutdown. Kill it hard.
		if err := server.Close(); err != nil {
			log.WithFields(log.Fields{
				"Method":  "main",
				"Action":  "shutdown",
				"Message": err.Error(),
			}).Error("Error killing server")
		}
	}

	// Wait for the listener to report it is closed.
	wg.Wait()
}

// prepareDB applies the service DDL. Every statement is idempotent so this
// runs on each boot.
func prepareDB(masterDB *sql.DB) error {
	_, err := masterDB.Exec(config.DbSchema)
	return err
}

// seedGates registers the configured gates. Existing gates are untouched.
func seedGates(masterDB *sql.DB) error {
	for _, gateID := range config.AppConfig.Gates {
		g := gate.Gate{
			GateID:     gateID,
			EntityType: config.AppConfig.GateEntityType,
		}
		if err := gate.Insert(masterDB, &g); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"Method": "main",
			"Action": "seedGates",
			"GateID": gateID,
		}).Info("gate registered")
	}
	return nil
}

// newPublisher connects to NATS when a URL is configured and falls back to
// a no-op publisher otherwise, so a missing bus never blocks deliveries.
func newPublisher(errorGauge *metrics.Gauge) events.Publisher {
	if config.AppConfig.NatsURL == "" {
		log.WithField("Method", "main").Info("No NATS URL configured, delivery events will not be published")
		return events.NoopPublisher{}
	}
	publisher, err := events.NewNATSPublisher(config.AppConfig.NatsURL)
	if err != nil {
		errorHandler("unable to connect to the delivery events bus", err, errorGauge)
		return events.NoopPublisher{}
	}
	return publisher
}

func initMetrics() {
	// setup metrics reporting
	if config.AppConfig.TelemetryEndpoint != "" {
		go reporter.InfluxDBWithTags(
			metrics.DefaultRegistry,
			time.Second*10,
			config.AppConfig.TelemetryEndpoint,
			config.AppConfig.TelemetryDataStoreName,
			"",
			"",
			nil,
		)
	}
}
