/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/intel/rsp-sw-toolkit-im-suite-utilities/go-metrics"
	"github.com/pkg/errors"

	"github.com/wasteant/delivery-state-service/app/assets"
	"github.com/wasteant/delivery-state-service/app/config"
	"github.com/wasteant/delivery-state-service/app/delivery"
	"github.com/wasteant/delivery-state-service/app/engine"
	"github.com/wasteant/delivery-state-service/app/gate"
	"github.com/wasteant/delivery-state-service/app/routes/schemas"
	"github.com/wasteant/delivery-state-service/app/tasks"
	"github.com/wasteant/delivery-state-service/pkg/web"
)

const datetimeFormat = "2006-01-02 15:04:05"

// severity flags rendered by the dashboards
const (
	greenSquare  = "\U0001F7E9"
	yellowSquare = "\U0001F7E8"
	orangeSquare = "\U0001F7E7"
	redSquare    = "\U0001F7E5"
)

var severityFlags = map[int]string{
	0: greenSquare,
	1: yellowSquare,
	2: orangeSquare,
	3: redSquare,
}

// Deliveries represents the delivery API method handler set.
type Deliveries struct {
	MasterDB *sql.DB
	Runner   *tasks.Runner
	Resolver *assets.Resolver
	MaxSize  int
}

type eventRequest struct {
	EventUID    string            `json:"event_uid"`
	EventName   string            `json:"event_name"`
	Location    string            `json:"location"`
	Timestamp   string            `json:"timestamp"`
	Status      string            `json:"status"`
	Description string            `json:"description"`
	MetaInfo    delivery.MetaInfo `json:"meta_info"`
}

type receivedResponse struct {
	Status string `json:"status"`
	TaskID string `json:"task_id"`
}

// DeliveryItem is one row of the delivery listing with display fields
// already computed.
type DeliveryItem struct {
	DeliveryID         string `json:"delivery_id"`
	Date               string `json:"date"`
	Start              string `json:"start"`
	End                string `json:"end"`
	Location           string `json:"location"`
	ProblematicObjects string `json:"problematic_objects"`
	LongObjects        string `json:"long_objects"`
	Dust               string `json:"dust"`
	Hotspot            string `json:"hotspot"`
}

// FlagInterpretation explains one severity flag color.
type FlagInterpretation struct {
	Description string `json:"description"`
	Color       string `json:"color"`
	Hex         string `json:"hex"`
}

// DeliveryCollection is the paginated delivery listing.
type DeliveryCollection struct {
	Type               string                        `json:"type"`
	TotalRecord        int                           `json:"total_record"`
	Pages              int                           `json:"pages"`
	Items              []DeliveryItem                `json:"items"`
	FlagInterpretation map[string]FlagInterpretation `json:"flag_interpretation"`
}

// GateStatus is the point-in-time occupancy summary of a gate.
type GateStatus struct {
	DeliveryID       int64  `json:"delivery_id"`
	DeliveryUID      string `json:"delivery_uid"`
	DeliveryLocation string `json:"delivery_location"`
	DeliveryStart    string `json:"delivery_start"`
	DeliveryEnd      string `json:"delivery_end"`
	DeliveryStatus   string `json:"delivery_status"`
	GateStatus       string `json:"gate_status"`
	VideosDir        string `json:"videos_dir"`
	SnapshotsDir     string `json:"snapshots_dir"`
}

// GateIdle reports that the gate's last delivery closed too long ago to
// still count as current.
type GateIdle struct {
	DeliveryID  interface{} `json:"delivery_id"`
	DeliveryEnd string      `json:"delivery_end"`
	Timestamp   string      `json:"timestamp"`
	Diff        float64     `json:"diff"`
}

// Index is used for Docker Healthcheck commands to indicate
// whether the http server is up and running to take requests
// nolint:unparam
func (deli *Deliveries) Index(ctx context.Context, writer http.ResponseWriter, request *http.Request) error {
	web.Respond(ctx, writer, "Delivery State Service", http.StatusOK)
	return nil
}

// PostDeliveryEvent accepts a presence event, validates it against the
// ingestion schema and enqueues it for async processing.
// 202 Accepted, 400 Bad Request, 503 Service Unavailable
func (deli *Deliveries) PostDeliveryEvent(ctx context.Context, writer http.ResponseWriter, request *http.Request) error {

	// Metrics
	metrics.GetOrRegisterGauge("Deliveries.PostDeliveryEvent.Attempt", nil).Update(1)
	startTime := time.Now()
	defer metrics.GetOrRegisterTimer("Deliveries.PostDeliveryEvent.Latency", nil).Update(time.Since(startTime))
	mSuccess := metrics.GetOrRegisterGauge("Deliveries.PostDeliveryEvent.Success", nil)
	mValidationErr := metrics.GetOrRegisterGauge("Deliveries.PostDeliveryEvent.Validation-Error", nil)
	mSubmitErr := metrics.GetOrRegisterGauge("Deliveries.PostDeliveryEvent.Submit-Error", nil)

	var requestBody eventRequest
	validationErrors, err := readAndValidateRequest(request, schemas.DeliveryEventSchema, &requestBody)
	if err != nil {
		mValidationErr.Update(1)
		return err
	}
	if validationErrors != nil {
		mValidationErr.Update(1)
		web.Respond(ctx, writer, validationErrors, http.StatusBadRequest)
		return nil
	}

	timestamp, err := parseTimestamp(requestBody.Timestamp)
	if err != nil {
		mValidationErr.Update(1)
		return err
	}

	// the caller may pin the idempotency key through X-Request-Id, so a
	// redelivered ingestion request maps onto the same task
	taskID := request.Header.Get("X-Request-Id")
	if taskID == "" {
		taskID = uuid.New().String()
	}

	event := engine.Event{
		EventUID:    requestBody.EventUID,
		EventName:   requestBody.EventName,
		Location:    requestBody.Location,
		Timestamp:   timestamp,
		Status:      requestBody.Status,
		Description: requestBody.Description,
		MetaInfo:    requestBody.MetaInfo,
	}
	if err := deli.Runner.Submit(taskID, event); err != nil {
		mSubmitErr.Update(1)
		if errors.Cause(err) == tasks.ErrQueueFull {
			web.RespondError(ctx, writer, err, http.StatusServiceUnavailable)
			return nil
		}
		return errors.Wrap(err, "submitting delivery event")
	}

	mSuccess.Update(1)
	web.Respond(ctx, writer, receivedResponse{Status: "received", TaskID: taskID}, http.StatusAccepted)
	return nil
}

// GetTaskStatus reports the progress of a previously submitted event.
// 200 OK, 404 Not Found
func (deli *Deliveries) GetTaskStatus(ctx context.Context, writer http.ResponseWriter, request *http.Request) error {

	metrics.GetOrRegisterGauge("Deliveries.GetTaskStatus.Attempt", nil).Update(1)
	mSuccess := metrics.GetOrRegisterGauge("Deliveries.GetTaskStatus.Success", nil)

	taskID := mux.Vars(request)["task_id"]
	state, ok := deli.Runner.Lookup(taskID)
	if !ok {
		return errors.Wrapf(web.ErrNotFound, "task %s", taskID)
	}

	mSuccess.Update(1)
	web.Respond(ctx, writer, state, http.StatusOK)
	return nil
}

// GetDeliveries retrieves a page of deliveries for an optional gate and
// date range, with display fields computed for the dashboards.
// 200 OK, 400 Bad Request, 404 Not Found, 500 Internal Error
// nolint: gocyclo
func (deli *Deliveries) GetDeliveries(ctx context.Context, writer http.ResponseWriter, request *http.Request) error {

	// Metrics
	metrics.GetOrRegisterGauge("Deliveries.GetDeliveries.Attempt", nil).Update(1)
	startTime := time.Now()
	defer metrics.GetOrRegisterTimer("Deliveries.GetDeliveries.Latency", nil).Update(time.Since(startTime))
	mSuccess := metrics.GetOrRegisterGauge("Deliveries.GetDeliveries.Success", nil)
	mRetrieveErr := metrics.GetOrRegisterGauge("Deliveries.GetDeliveries.Retrieve-Error", nil)

	query := request.URL.Query()

	page, err := parseIntDefault(query.Get("page"), 1)
	if err != nil {
		return err
	}
	if page < 1 {
		page = 1
	}

	perPage, err := parseIntDefault(query.Get("items_per_page"), config.AppConfig.DefaultPageSize)
	if err != nil {
		return err
	}
	if perPage == 0 {
		return errors.Wrap(web.ErrInvalidInput, "items_per_page should not be 0")
	}
	if perPage < 0 {
		return errors.Wrapf(web.ErrInvalidInput, "items_per_page should be positive, got %d", perPage)
	}

	from := dayStartUTC(time.Now())
	if value := query.Get("from_date"); value != "" {
		if from, err = parseTimestamp(value); err != nil {
			return err
		}
	}
	to := from.AddDate(0, 0, 1)
	if value := query.Get("to_date"); value != "" {
		if to, err = parseTimestamp(value); err != nil {
			return err
		}
	}
	// the upper bound is padded by one day so late-arriving closes of
	// deliveries started on the last day still show up
	to = to.AddDate(0, 0, 1)

	gateID := query.Get("gate_id")
	if gateID != "" {
		known, err := gate.Exists(ctx, deli.MasterDB, gateID)
		if err != nil {
			mRetrieveErr.Update(1)
			return errors.Wrap(err, "checking gate")
		}
		if !known {
			return errors.Wrapf(web.ErrNotFound, "gate %s", gateID)
		}
	}

	items, total, err := delivery.RetrieveByRange(ctx, deli.MasterDB, gateID, from, to, page, perPage)
	if err != nil {
		mRetrieveErr.Update(1)
		return errors.Wrap(err, "retrieving deliveries")
	}

	offset := time.Duration(config.AppConfig.DisplayTimeOffsetHours) * time.Hour
	rows := make([]DeliveryItem, 0, len(items))
	for i := range items {
		rows = append(rows, buildDeliveryItem(&items[i], offset))
	}

	mSuccess.Update(1)
	web.Respond(ctx, writer, DeliveryCollection{
		Type:               "collection",
		TotalRecord:        total,
		Pages:              int(math.Ceil(float64(total) / float64(perPage))),
		Items:              rows,
		FlagInterpretation: flagInterpretation(),
	}, http.StatusOK)
	return nil
}

// GetDeliveryAssets lists the media files recorded for one delivery.
// 200 OK, 400 Bad Request, 404 Not Found
func (deli *Deliveries) GetDeliveryAssets(ctx context.Context, writer http.ResponseWriter, request *http.Request) error {

	metrics.GetOrRegisterGauge("Deliveries.GetDeliveryAssets.Attempt", nil).Update(1)
	mSuccess := metrics.GetOrRegisterGauge("Deliveries.GetDeliveryAssets.Success", nil)

	rawID := mux.Vars(request)["delivery_id"]
	if rawID == "null" {
		return errors.Wrap(web.ErrInvalidInput, "delivery_id is not supposed to be null")
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return errors.Wrapf(web.ErrInvalidInput, "delivery_id is expected a number but got %s", rawID)
	}

	found, err := delivery.FindByID(ctx, deli.MasterDB, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return errors.Wrapf(web.ErrNotFound, "delivery_id %d", id)
		}
		return errors.Wrap(err, "retrieving delivery")
	}

	mSuccess.Update(1)
	web.Respond(ctx, writer, map[string]interface{}{
		"delivery": deli.Resolver.Resolve(found),
	}, http.StatusOK)
	return nil
}

// GetGateStatus reports whether the gate currently has a delivery in
// progress at the requested point in time.
// 200 OK, 404 Not Found
func (deli *Deliveries) GetGateStatus(ctx context.Context, writer http.ResponseWriter, request *http.Request) error {

	metrics.GetOrRegisterGauge("Deliveries.GetGateStatus.Attempt", nil).Update(1)
	mSuccess := metrics.GetOrRegisterGauge("Deliveries.GetGateStatus.Success", nil)

	gateID := mux.Vars(request)["gate_id"]
	known, err := gate.Exists(ctx, deli.MasterDB, gateID)
	if err != nil {
		return errors.Wrap(err, "checking gate")
	}
	if !known {
		return errors.Wrapf(web.ErrNotFound, "gate %s", gateID)
	}

	timestamp := time.Now().UTC()
	if value := request.URL.Query().Get("timestamp"); value != "" {
		if timestamp, err = parseTimestamp(value); err != nil {
			return err
		}
	}
	diff := float64(config.AppConfig.GateStatusDiffSeconds)
	if value := request.URL.Query().Get("diff"); value != "" {
		if diff, err = strconv.ParseFloat(value, 64); err != nil {
			return errors.Wrapf(web.ErrInvalidInput, "expected a number for diff, got %s", value)
		}
	}

	last, err := delivery.LastDelivery(ctx, deli.MasterDB, gateID)
	if err != nil {
		return errors.Wrap(err, "retrieving last delivery")
	}
	if last == nil {
		return errors.Wrapf(web.ErrNotFound, "no delivery has been registered for %s yet", gateID)
	}

	if last.Status != delivery.StatusOpen && last.End != nil {
		elapsed := timestamp.Sub(last.End.UTC()).Seconds()
		if elapsed > diff {
			mSuccess.Update(1)
			web.Respond(ctx, writer, GateIdle{
				DeliveryID:  nil,
				DeliveryEnd: last.End.UTC().Format(datetimeFormat),
				Timestamp:   timestamp.Format(datetimeFormat),
				Diff:        elapsed,
			}, http.StatusOK)
			return nil
		}
	}

	gateState := "Anlieferung in Bearbeitung"
	if last.Status == delivery.StatusClosed {
		gateState = "Keine Anlieferung"
	}

	mSuccess.Update(1)
	web.Respond(ctx, writer, GateStatus{
		DeliveryID:       last.ID,
		DeliveryUID:      last.DeliveryUID,
		DeliveryLocation: gateID,
		DeliveryStart:    last.Start.UTC().Format(datetimeFormat),
		DeliveryEnd:      time.Now().UTC().Format(datetimeFormat),
		DeliveryStatus:   last.Status,
		GateStatus:       gateState,
		VideosDir:        metaDir(last.MetaInfo, "videos"),
		SnapshotsDir:     metaDir(last.MetaInfo, "snapshots"),
	}, http.StatusOK)
	return nil
}

// GetGates lists the registered gates.
// 200 OK, 500 Internal Error
func (deli *Deliveries) GetGates(ctx context.Context, writer http.ResponseWriter, request *http.Request) error {

	metrics.GetOrRegisterGauge("Deliveries.GetGates.Attempt", nil).Update(1)
	mSuccess := metrics.GetOrRegisterGauge("Deliveries.GetGates.Success", nil)

	gates, err := gate.RetrieveAll(ctx, deli.MasterDB)
	if err != nil {
		return errors.Wrap(err, "retrieving gates")
	}

	count := len(gates)
	mSuccess.Update(1)
	web.Respond(ctx, writer, gate.Response{Results: gates, Count: &count}, http.StatusOK)
	return nil
}

func buildDeliveryItem(d *delivery.Delivery, offset time.Duration) DeliveryItem {
	start := d.Start.UTC()
	end := time.Now().UTC()
	if d.End != nil {
		end = d.End.UTC()
	}

	// severity scoring lives in a separate analytics service; until it is
	// queried here every flag reports the lowest level
	impurityFlag := severityFlags[0]
	longObjectFlag := severityFlags[0]

	return DeliveryItem{
		DeliveryID:         fmt.Sprintf("%06d", d.ID),
		Date:               start.Add(offset).Format("2006-01-02"),
		Start:              start.Add(offset).Format("15:04:05"),
		End:                end.Add(offset).Format("15:04:05"),
		Location:           d.Location,
		ProblematicObjects: impurityFlag,
		LongObjects:        longObjectFlag,
		Dust:               greenSquare,
		Hotspot:            greenSquare,
	}
}

func flagInterpretation() map[string]FlagInterpretation {
	return map[string]FlagInterpretation{
		"niedrig": {
			Description: "Auffälligkeitgrad ist niedrig",
			Color:       "yellow",
			Hex:         "#FFFF00",
		},
		"mittel": {
			Description: "Auffälligkeitgrad ist mittel",
			Color:       "orange",
			Hex:         "#FFA500",
		},
		"hoch": {
			Description: "Auffälligkeitgrad ist hoch",
			Color:       "red",
			Hex:         "#FF0000",
		},
		"normal": {
			Description: "Keine Auffälligkeit",
			Color:       "green",
			Hex:         "#008000",
		},
	}
}

func metaDir(meta delivery.MetaInfo, key string) string {
	if meta == nil {
		return ""
	}
	if value, ok := meta[key].(string); ok {
		return value
	}
	return ""
}
