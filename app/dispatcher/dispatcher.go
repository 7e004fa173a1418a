/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package dispatcher

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/intel/rsp-sw-toolkit-im-suite-utilities/go-metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/wasteant/delivery-state-service/app/delivery"
	"github.com/wasteant/delivery-state-service/app/events"
)

const queueDepth = 128

const (
	intentOpen     = "open"
	intentClose    = "close"
	intentSnapshot = "snapshot"
)

// Config carries the downstream endpoints and retry policy.
type Config struct {
	RecordingServiceURL string
	SyncServiceURL      string
	Retries             int
	RetryWait           time.Duration
	RequestTimeout      time.Duration
	ImageRate           time.Duration
	EventsSubject       string
}

type intent struct {
	kind     string
	delivery delivery.Delivery
}

// videoPayload is consumed by the recording service's rt_video and
// rt_image endpoints.
type videoPayload struct {
	GateID   string `json:"gate_id"`
	EventUID string `json:"event_uid"`
	Topic    string `json:"topic"`
}

// syncPayload is the normalized delivery-closed record replicated to the
// sync service.
type syncPayload struct {
	DeliveryUID string            `json:"delivery_uid"`
	GateID      string            `json:"gate_id"`
	Start       time.Time         `json:"delivery_start"`
	End         *time.Time        `json:"delivery_end"`
	Status      string            `json:"delivery_status"`
	Location    string            `json:"delivery_location"`
	MetaInfo    delivery.MetaInfo `json:"meta_info,omitempty"`
}

// Dispatcher delivers boundary notifications to the recording and sync
// services and publishes them on the event bus. Everything here is best
// effort: a downstream outage is logged and swallowed, never surfaced back
// to the ledger mutation that already committed.
type Dispatcher struct {
	cfg       Config
	publisher events.Publisher
	client    *http.Client
	queue     chan intent
	wg        sync.WaitGroup

	mu           sync.Mutex
	lastSnapshot map[string]time.Time
	stopped      bool

	// test hooks
	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a stopped Dispatcher; call Start before notifying.
func New(cfg Config, publisher events.Publisher) *Dispatcher {
	return &Dispatcher{
		cfg:          cfg,
		publisher:    publisher,
		client:       &http.Client{Timeout: cfg.RequestTimeout},
		queue:        make(chan intent, queueDepth),
		lastSnapshot: make(map[string]time.Time),
		now:          time.Now,
		sleep:        time.Sleep,
	}
}

// Start launches the single delivery worker. One worker keeps open/close
// notifications in the order the engine emitted them.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.worker()
}

// Stop drains the queue and waits for in-flight notifications. Notify
// calls racing a Stop drop their notification instead of panicking on a
// closed queue.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// NotifyOpen implements engine.Notifier
func (d *Dispatcher) NotifyOpen(del delivery.Delivery) {
	d.enqueue(intent{kind: intentOpen, delivery: del})
}

// NotifyClose implements engine.Notifier
func (d *Dispatcher) NotifyClose(del delivery.Delivery) {
	d.enqueue(intent{kind: intentClose, delivery: del})
}

// NotifyProgressSnapshot requests a progress image for an open delivery.
// Emissions are rate limited per gate by the configured image rate.
func (d *Dispatcher) NotifyProgressSnapshot(del delivery.Delivery) {
	d.mu.Lock()
	last, ok := d.lastSnapshot[del.GateID]
	now := d.now()
	if ok && now.Sub(last) < d.cfg.ImageRate {
		d.mu.Unlock()
		return
	}
	d.lastSnapshot[del.GateID] = now
	d.mu.Unlock()

	d.enqueue(intent{kind: intentSnapshot, delivery: del})
}

// SnapshotLoop polls for open deliveries and requests progress snapshots
// until ctx is done. Run it on its own goroutine.
func (d *Dispatcher) SnapshotLoop(ctx context.Context, dbs *sql.DB) {
	ticker := time.NewTicker(d.cfg.ImageRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			open, err := delivery.RetrieveOpen(ctx, dbs)
			if err != nil {
				log.WithFields(log.Fields{
					"Method": "dispatcher.SnapshotLoop",
					"Action": "retrieve open deliveries",
					"Error":  err.Error(),
				}).Error(err)
				continue
			}
			for i := range open {
				d.NotifyProgressSnapshot(open[i])
			}
		}
	}
}

func (d *Dispatcher) enqueue(it intent) {
	mDropped := metrics.GetOrRegisterGauge("Dispatcher.Enqueue.Dropped", nil)

	// The enqueue stays under the lock so Stop cannot close the queue
	// between the stopped check and the send.
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		mDropped.Update(1)
		log.WithFields(log.Fields{
			"Method": "dispatcher.enqueue",
			"Action": "dispatcher stopped, dropping " + it.kind + " notification",
			"GateID": it.delivery.GateID,
		}).Warn("notification dropped")
		return
	}
	select {
	case d.queue <- it:
	default:
		// best effort: never block the engine on downstream slowness
		mDropped.Update(1)
		log.WithFields(log.Fields{
			"Method": "dispatcher.enqueue",
			"Action": "queue full, dropping " + it.kind + " notification",
			"GateID": it.delivery.GateID,
		}).Warn("notification dropped")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for it := range d.queue {
		switch it.kind {
		case intentOpen:
			d.notifyOpen(it.delivery)
		case intentClose:
			d.notifyClose(it.delivery)
		case intentSnapshot:
			d.notifySnapshot(it.delivery)
		}
	}
}

func (d *Dispatcher) notifyOpen(del delivery.Delivery) {
	payload := videoPayload{GateID: del.GateID, EventUID: del.DeliveryUID, Topic: d.subject(events.TopicOpened)}
	if err := d.postWithRetry(d.cfg.RecordingServiceURL+"/event/rt_video/start", payload); err != nil {
		d.logSwallowed("notifyOpen", del, err)
	}
	d.publish(events.TopicOpened, del)
}

func (d *Dispatcher) notifyClose(del delivery.Delivery) {
	payload := videoPayload{GateID: del.GateID, EventUID: del.DeliveryUID, Topic: d.subject(events.TopicClosed)}
	if err := d.postWithRetry(d.cfg.RecordingServiceURL+"/event/rt_video/stop", payload); err != nil {
		d.logSwallowed("notifyClose", del, err)
	}

	record := syncPayload{
		DeliveryUID: del.DeliveryUID,
		GateID:      del.GateID,
		Start:       del.Start,
		End:         del.End,
		Status:      del.Status,
		Location:    del.Location,
		MetaInfo:    del.MetaInfo,
	}
	if err := d.postWithRetry(d.cfg.SyncServiceURL+"/data", record); err != nil {
		d.logSwallowed("notifyClose", del, err)
	}
	d.publish(events.TopicClosed, del)
}

func (d *Dispatcher) notifySnapshot(del delivery.Delivery) {
	payload := videoPayload{GateID: del.GateID, EventUID: del.DeliveryUID, Topic: d.subject(events.TopicSnapshot)}
	if err := d.postWithRetry(d.cfg.RecordingServiceURL+"/event/rt_image", payload); err != nil {
		d.logSwallowed("notifySnapshot", del, err)
	}
}

func (d *Dispatcher) subject(topic string) string {
	return d.cfg.EventsSubject + "." + topic
}

func (d *Dispatcher) publish(topic string, del delivery.Delivery) {
	if err := d.publisher.Publish(context.Background(), d.subject(topic), del); err != nil {
		log.WithFields(log.Fields{
			"Method": "dispatcher.publish",
			"Action": "publishing " + topic + " event",
			"GateID": del.GateID,
			"Error":  err.Error(),
		}).Error(err)
	}
}

func (d *Dispatcher) logSwallowed(method string, del delivery.Delivery, err error) {
	metrics.GetOrRegisterGauge("Dispatcher.Notify.Notify-Error", nil).Update(1)
	log.WithFields(log.Fields{
		"Method":      "dispatcher." + method,
		"Action":      "downstream notification",
		"GateID":      del.GateID,
		"DeliveryUID": del.DeliveryUID,
		"Error":       err.Error(),
	}).Error(err)
}

func (d *Dispatcher) postWithRetry(url string, payload interface{}) error {
	metrics.GetOrRegisterMeter(`Dispatcher.postWithRetry.Attempt`, nil).Mark(1)
	mSuccess := metrics.GetOrRegisterGauge(`Dispatcher.postWithRetry.Success`, nil)
	mPostErr := metrics.GetOrRegisterGauge(`Dispatcher.postWithRetry.Post-Error`, nil)

	dataBytes, err := json.Marshal(payload)
	if err != nil {
		mPostErr.Update(1)
		return errors.Wrap(err, "problem marshalling the data")
	}

	for attempt := 0; attempt < d.cfg.Retries; attempt++ {
		err = d.makePostCall(dataBytes, url)
		if err == nil {
			mSuccess.Update(1)
			return nil
		}
		log.Debugf("Attempt %d of %d failed, retrying...", attempt+1, d.cfg.Retries)
		d.sleep(d.cfg.RetryWait)
	}

	mPostErr.Update(1)
	return errors.Wrapf(err, "unable to make http POST request to %s", url)
}

func (d *Dispatcher) makePostCall(dataBytes []byte, destination string) error {
	mGetLatency := metrics.GetOrRegisterTimer(`Dispatcher.makePostCall.Latency`, nil)

	request, err := http.NewRequest(http.MethodPost, destination, bytes.NewBuffer(dataBytes))
	if err != nil {
		return errors.Wrap(err, "building POST request")
	}
	request.Header.Set("Content-Type", "application/json")

	getTimer := time.Now()
	response, err := d.client.Do(request)
	if err != nil {
		return errors.Wrap(err, "making POST request")
	}
	defer func() {
		if closeErr := response.Body.Close(); closeErr != nil {
			log.WithFields(log.Fields{
				"Method": "makePostCall",
				"Action": "closing response body",
			}).Error(closeErr)
		}
	}()
	if response.StatusCode >= http.StatusMultipleChoices {
		return errors.Errorf("response code: %d from POST URL %s", response.StatusCode, destination)
	}
	mGetLatency.UpdateSince(getTimer)
	return nil
}
