/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package config

import (
	"strings"

	"github.com/intel/rsp-sw-toolkit-im-suite-utilities/configuration"
	"github.com/intel/rsp-sw-toolkit-im-suite-utilities/helper"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	maxServerReadTimeoutSeconds  = 1800
	maxServerWriteTimeoutSeconds = 1800
	maxNotifyRetrySeconds        = 60
)

type (
	variables struct {
		ServiceName, LoggingLevel, Port                   string
		DbHost, DbPort, DbUser, DbPass, DbSSLMode, DbName string
		TelemetryEndpoint, TelemetryDataStoreName         string
		EndpointConnectionTimedOutSeconds                 int
		ServerReadTimeOutSeconds                          int
		ServerWriteTimeOutSeconds                         int
		ResponseLimit                                     int

		// service endpoints notified on delivery boundaries
		RecordingServiceURL, SyncServiceURL string
		NotifyRetries, NotifyRetrySeconds   int

		// delivery event bus; empty NatsURL disables publishing
		NatsURL, DeliveryEventsSubject string

		// registered gates seeded at startup, e.g. "gate03,gate04"
		Gates          []string
		GateEntityType string

		ImageRateSeconds       int
		GateStatusDiffSeconds  int
		DisplayTimeOffsetHours int
		DefaultPageSize        int
		MediaRoot              string

		LeaseTTLSeconds int

		WorkerCount          int
		QueueDepth           int
		TaskMaxRetries       int
		TaskRetryBaseSeconds int
		TaskRetentionMinutes int

		EnableCORS bool
		CORSOrigin string
	}
)

// AppConfig exports all config variables
var AppConfig variables

// InitConfig loads application variables
// nolint :gocyclo
func InitConfig() error {
	AppConfig = variables{}

	config, err := configuration.NewConfiguration()
	if err != nil {
		return errors.Wrapf(err, "Unable to load config variables: %s", err.Error())
	}

	AppConfig.ServiceName, err = config.GetString("serviceName")
	if err != nil {
		return errors.Wrapf(err, "Unable to load config variables: %s", err.Error())
	}

	AppConfig.DbHost, err = config.GetString("dbHost")
	if err != nil {
		return errors.Wrapf(err, "Unable to load config variables: %s", err.Error())
	}

	AppConfig.DbPort, err = config.GetString("dbPort")
	if err != nil {
		return errors.Wrapf(err, "Unable to load config variables: %s", err.Error())
	}

	AppConfig.DbUser, err = config.GetString("dbUser")
	if err != nil {
		return errors.Wrapf(err, "Unable to load config variables: %s", err.Error())
	}

	AppConfig.DbName, err = config.GetString("dbName")
	if err != nil {
		return errors.Wrapf(err, "Unable to load config variables: %s", err.Error())
	}

	AppConfig.DbSSLMode, err = config.GetString("dbSSLMode")
	if err != nil {
		return errors.Wrapf(err, "Unable to load config variables: %s", err.Error())
	}

	AppConfig.DbPass, err = helper.GetSecret("dbPass")
	if err != nil {
		AppConfig.DbPass, err = config.GetString("dbPass")
		if err != nil {
			return errors.Wrapf(err, "Unable to load config variables: %s", err.Error())
		}
	}

	AppConfig.Port, err = config.GetString("port")
	if err != nil {
		return errors.Wrapf(err, "Unable to load config variables: %s", err.Error())
	}

	// Set "debug" for development purposes. Nil or "" for Production.
	AppConfig.LoggingLevel, err = config.GetString("loggingLevel")
	if err != nil {
		return errors.Wrapf(err, "Unable to load config variables: %s", err.Error())
	}

	AppConfig.EndpointConnectionTimedOutSeconds, err = config.GetInt("endpointConnectionTimedOutSeconds")
	if err != nil {
		return errors.Wrapf(err, "Unable to load config variables: %s", err.Error())
	}
	if AppConfig.EndpointConnectionTimedOutSeconds < 1 {
		return errors.New("EndpointConnectionTimedOutSeconds cannot be lesser than 1")
	}
	if AppConfig.EndpointConnectionTimedOutSeconds > maxServerReadTimeoutSeconds {
		// limit to max value
		log.Debugf("EndpointConnectionTimedOutSeconds value %d exceeds the max value allowed, set to max value %d",
			AppConfig.EndpointConnectionTimedOutSeconds, maxServerReadTimeoutSeconds)
		AppConfig.EndpointConnectionTimedOutSeconds = maxServerReadTimeoutSeconds
	}

	AppConfig.ServerReadTimeOutSeconds, err = config.GetInt("serverReadTimeOutSeconds")
	if err != nil {
		return errors.Wrapf(err, "Unable to load config variables: %s", err.Error())
	}
	if AppConfig.ServerReadTimeOutSeconds < 1 {
		return errors.New("ServerReadTimeOutSeconds cannot be lesser than 1")
	}
	if AppConfig.ServerReadTimeOutSeconds > maxServerReadTimeoutSeconds {
		// limit to max value
		log.Debugf("serverReadTimeOutSeconds value %d exceeds the max value allowed, set to max value %d",
			AppConfig.ServerReadTimeOutSeconds, maxServerReadTimeoutSeconds)
		AppConfig.ServerReadTimeOutSeconds = maxServerReadTimeoutSeconds
	}

	AppConfig.ServerWriteTimeOutSeconds, err = config.GetInt("serverWriteTimeOutSeconds")
	if err != nil {
		return errors.Wrapf(err, "Unable to load config variables: %s", err.Error())
	}
	if AppConfig.ServerWriteTimeOutSeconds < 1 {
		return errors.New("ServerWriteTimeOutSeconds cannot be lesser than 1")
	}
	if AppConfig.ServerWriteTimeOutSeconds > maxServerWriteTimeoutSeconds {
		// limit to max value
		log.Debugf("serverWriteTimeOutSeconds value %d exceeds the max value allowed, set to max value %d",
			AppConfig.ServerWriteTimeOutSeconds, maxServerWriteTimeoutSeconds)
		AppConfig.ServerWriteTimeOutSeconds = maxServerWriteTimeoutSeconds
	}

	// size limit of RESTFul endpoints
	AppConfig.ResponseLimit, err = config.GetInt("responseLimit")
	if err != nil {
		return errors.Wrapf(err, "Unable to load config variables: %s", err.Error())
	}

	AppConfig.RecordingServiceURL, err = config.GetString("recordingServiceURL")
	if err != nil {
		return errors.Wrapf(err, "Unable to load config variables: %s", err.Error())
	}

	AppConfig.SyncServiceURL, err = config.GetString("syncServiceURL")
	if err != nil {
		return errors.Wrapf(err, "Unable to load config variables: %s", err.Error())
	}

	AppConfig.NotifyRetries = getOrDefaultInt(config, "notifyRetries", 5)
	if AppConfig.NotifyRetries < 1 {
		return errors.New("NotifyRetries cannot be lesser than 1")
	}

	AppConfig.NotifyRetrySeconds = getOrDefaultInt(config, "notifyRetrySeconds", 1)
	if AppConfig.NotifyRetrySeconds < 1 {
		return errors.New("NotifyRetrySeconds cannot be lesser than 1")
	}
	if AppConfig.NotifyRetrySeconds > maxNotifyRetrySeconds {
		// limit to max value
		log.Debugf("NotifyRetrySeconds value %d exceeds the max value allowed, set to max value %d",
			AppConfig.NotifyRetrySeconds, maxNotifyRetrySeconds)
		AppConfig.NotifyRetrySeconds = maxNotifyRetrySeconds
	}

	AppConfig.NatsURL = getOrDefaultString(config, "natsURL", "")
	AppConfig.DeliveryEventsSubject = getOrDefaultString(config, "deliveryEventsSubject", "delivery.events")

	// gates are not optional, since having none would mean every event is rejected
	gatesString, err := config.GetString("gates")
	if err != nil {
		return errors.Wrapf(err, "Unable to load config variables: %s", err.Error())
	}
	AppConfig.Gates, err = parseGates(gatesString)
	if err != nil {
		return errors.Wrapf(err, "Unable to load config variables: %s", err.Error())
	}

	AppConfig.GateEntityType = getOrDefaultString(config, "gateEntityType", "gate")

	AppConfig.ImageRateSeconds = getOrDefaultInt(config, "imageRateSeconds", 10)
	if AppConfig.ImageRateSeconds < 1 {
		return errors.Errorf("ImageRateSeconds should be greater than 0! ImageRateSeconds: %d", AppConfig.ImageRateSeconds)
	}

	AppConfig.GateStatusDiffSeconds = getOrDefaultInt(config, "gateStatusDiffSeconds", 60)
	if AppConfig.GateStatusDiffSeconds < 1 {
		return errors.Errorf("GateStatusDiffSeconds should be greater than 0! GateStatusDiffSeconds: %d", AppConfig.GateStatusDiffSeconds)
	}

	AppConfig.DisplayTimeOffsetHours = getOrDefaultInt(config, "displayTimeOffsetHours", 2)

	AppConfig.DefaultPageSize = getOrDefaultInt(config, "defaultPageSize", 15)
	if AppConfig.DefaultPageSize < 1 {
		return errors.Errorf("DefaultPageSize should be greater than 0! DefaultPageSize: %d", AppConfig.DefaultPageSize)
	}

	AppConfig.MediaRoot = getOrDefaultString(config, "mediaRoot", "/media/alarms/delivery")

	AppConfig.LeaseTTLSeconds = getOrDefaultInt(config, "leaseTTLSeconds", 30)
	if AppConfig.LeaseTTLSeconds < 1 {
		return errors.Errorf("LeaseTTLSeconds should be greater than 0! LeaseTTLSeconds: %d", AppConfig.LeaseTTLSeconds)
	}

	AppConfig.WorkerCount = getOrDefaultInt(config, "workerCount", 4)
	if AppConfig.WorkerCount < 1 {
		return errors.Errorf("WorkerCount should be greater than 0! WorkerCount: %d", AppConfig.WorkerCount)
	}

	AppConfig.QueueDepth = getOrDefaultInt(config, "queueDepth", 64)
	if AppConfig.QueueDepth < 1 {
		return errors.Errorf("QueueDepth should be greater than 0! QueueDepth: %d", AppConfig.QueueDepth)
	}

	AppConfig.TaskMaxRetries = getOrDefaultInt(config, "taskMaxRetries", 5)
	if AppConfig.TaskMaxRetries < 0 {
		return errors.Errorf("TaskMaxRetries should not be negative! TaskMaxRetries: %d", AppConfig.TaskMaxRetries)
	}

	AppConfig.TaskRetryBaseSeconds = getOrDefaultInt(config, "taskRetryBaseSeconds", 1)
	if AppConfig.TaskRetryBaseSeconds < 1 {
		return errors.Errorf("TaskRetryBaseSeconds should be greater than 0! TaskRetryBaseSeconds: %d", AppConfig.TaskRetryBaseSeconds)
	}

	AppConfig.TaskRetentionMinutes = getOrDefaultInt(config, "taskRetentionMinutes", 60)
	if AppConfig.TaskRetentionMinutes < 1 {
		return errors.Errorf("TaskRetentionMinutes should be greater than 0! TaskRetentionMinutes: %d", AppConfig.TaskRetentionMinutes)
	}

	AppConfig.TelemetryEndpoint = getOrDefaultString(config, "telemetryEndpoint", "")
	AppConfig.TelemetryDataStoreName = getOrDefaultString(config, "telemetryDataStoreName", "")

	AppConfig.EnableCORS = getOrDefaultBool(config, "enableCORS", true)
	AppConfig.CORSOrigin = getOrDefaultString(config, "corsOrigin", "*")

	return nil
}

func getOrDefaultBool(config *configuration.Configuration, path string, defaultValue bool) bool {
	value, err := config.GetBool(path)
	if err != nil {
		log.Debugf("%s was missing from configuration, setting to default value of %v", path, defaultValue)
		return defaultValue
	}
	return value
}

func getOrDefaultString(config *configuration.Configuration, path string, defaultValue string) string {
	value, err := config.GetString(path)
	if err != nil {
		log.Debugf("%s was missing from configuration, setting to default value of %s", path, defaultValue)
		return defaultValue
	}
	return value
}

func getOrDefaultInt(config *configuration.Configuration, path string, defaultValue int) int {
	value, err := config.GetInt(path)
	if err != nil {
		log.Debugf("%s was missing from configuration, setting to default value of %d", path, defaultValue)
		return defaultValue
	}
	return value
}

// parseGates splits the comma separated gate list and rejects empty entries,
// since a blank gate id would make every lookup ambiguous.
func parseGates(gatesString string) ([]string, error) {
	if len(strings.TrimSpace(gatesString)) == 0 {
		return nil, errors.New("gates list cannot be empty")
	}

	var gates []string
	for _, gateID := range strings.Split(gatesString, ",") {
		gateID = strings.TrimSpace(gateID)
		if gateID == "" {
			return nil, errors.Errorf("gates string %q includes an empty gate id", gatesString)
		}
		gates = append(gates, gateID)
	}

	return gates, nil
}

// DbSchema postgreSQL db schema
const DbSchema = `
CREATE TABLE IF NOT EXISTS gates (
	id SERIAL PRIMARY KEY,
	entity_type TEXT NOT NULL DEFAULT 'gate',
	gate_id TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	meta_info JSONB
);

CREATE TABLE IF NOT EXISTS delivery_state (
	id SERIAL PRIMARY KEY,
	gate_id TEXT NOT NULL REFERENCES gates (gate_id),
	delivery_uid TEXT NOT NULL,
	delivery_start TIMESTAMPTZ NOT NULL,
	delivery_end TIMESTAMPTZ,
	delivery_status TEXT NOT NULL DEFAULT 'pending',
	delivery_location TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	meta_info JSONB
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_delivery_uid
ON delivery_state (delivery_uid);

CREATE UNIQUE INDEX IF NOT EXISTS idx_one_open_delivery
ON delivery_state (gate_id) WHERE delivery_status = 'open';

CREATE INDEX IF NOT EXISTS idx_delivery_created_at
ON delivery_state (created_at);

CREATE INDEX IF NOT EXISTS idx_delivery_start
ON delivery_state (delivery_start);
`
