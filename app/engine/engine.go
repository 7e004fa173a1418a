/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/intel/rsp-sw-toolkit-im-suite-utilities/go-metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/wasteant/delivery-state-service/app/delivery"
	"github.com/wasteant/delivery-state-service/app/gate"
	"github.com/wasteant/delivery-state-service/pkg/gatelock"
	"github.com/wasteant/delivery-state-service/pkg/statemodel"
)

var (
	// ErrInvalidEvent is returned for a presence value outside Truck/NoTruck.
	ErrInvalidEvent = errors.New("invalid presence event")
	// ErrUnknownGate is returned for an event on an unregistered gate.
	ErrUnknownGate = errors.New("unknown gate")
	// ErrLockContention is returned when the gate lease is held by another
	// in-flight transition. Transient, safe to retry.
	ErrLockContention = errors.New("gate lease unavailable")
)

// Result actions reported back to the task queue.
const (
	ActionDone   = "done"
	ActionFailed = "failed"
)

// Event is a presence detection signal from an upstream vision system.
// EventUID doubles as the idempotency key and becomes the delivery_uid of
// the delivery it opens.
type Event struct {
	EventUID    string            `json:"event_uid"`
	EventName   string            `json:"event_name"`
	Location    string            `json:"location"`
	Timestamp   time.Time         `json:"timestamp"`
	Status      string            `json:"status"`
	Description string            `json:"description,omitempty"`
	MetaInfo    delivery.MetaInfo `json:"meta_info,omitempty"`
}

// Result summarizes one processed event.
type Result struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

// Notifier receives delivery boundary intents. Implementations must not
// block: the engine fires them after the ledger mutation committed and
// expects the delivery record to stand regardless of downstream outcome.
type Notifier interface {
	NotifyOpen(d delivery.Delivery)
	NotifyClose(d delivery.Delivery)
}

// Engine derives delivery state transitions from presence events. The
// current machine state is never stored: it is re-derived from the ledger's
// last record on every call, so a crashed or replayed event always sees the
// true latest state.
type Engine struct {
	DB       *sql.DB
	Locks    *gatelock.Registry
	Notifier Notifier
}

// Process runs one presence event through the state machine and applies the
// resulting ledger mutation. It serializes with other events on the same
// gate through the gate lease and is a no-op for redundant events.
func (e *Engine) Process(ctx context.Context, event Event) (Result, error) {
	metrics.GetOrRegisterGauge(`Engine.Process.Attempt`, nil).Update(1)
	mSuccess := metrics.GetOrRegisterGauge(`Engine.Process.Success`, nil)
	mValidationErr := metrics.GetOrRegisterGauge("Engine.Process.Validation-Error", nil)
	mContentionErr := metrics.GetOrRegisterGauge("Engine.Process.Contention-Error", nil)
	mProcessErr := metrics.GetOrRegisterGauge("Engine.Process.Process-Error", nil)
	processTimer := time.Now()
	defer metrics.GetOrRegisterTimer(`Engine.Process.Process-Latency`, nil).Update(time.Since(processTimer))

	if !statemodel.IsValidPresence(event.Status) {
		mValidationErr.Update(1)
		return Result{}, errors.Wrapf(ErrInvalidEvent, "status %q", event.Status)
	}

	gateID := event.Location
	known, err := gate.Exists(ctx, e.DB, gateID)
	if err != nil {
		mProcessErr.Update(1)
		return Result{}, err
	}
	if !known {
		mValidationErr.Update(1)
		return Result{}, errors.Wrapf(ErrUnknownGate, "gate %q", gateID)
	}

	if !e.Locks.Acquire(gateID) {
		mContentionErr.Update(1)
		return Result{}, errors.Wrapf(ErrLockContention, "gate %q", gateID)
	}
	defer e.Locks.Release(gateID)

	last, err := delivery.LastDelivery(ctx, e.DB, gateID)
	if err != nil {
		mProcessErr.Update(1)
		return Result{}, err
	}

	current := statemodel.NoTruckState
	if last != nil && last.Status == delivery.StatusOpen {
		current = statemodel.TruckState
	}

	next, err := statemodel.Transition(current, event.Status)
	if err != nil {
		mValidationErr.Update(1)
		return Result{}, errors.Wrap(ErrInvalidEvent, err.Error())
	}

	timestamp := event.Timestamp.UTC()

	switch {
	case current == statemodel.NoTruckState && next == statemodel.TruckState:
		// A redelivered open event for an interval that already closed must
		// not reopen it. Anything timestamped after the last close is a new
		// truck arriving.
		if last != nil && last.End != nil && !timestamp.After(last.End.UTC()) {
			mSuccess.Update(1)
			log.WithFields(log.Fields{
				"Method":   "engine.Process",
				"Action":   "stale replay",
				"GateID":   gateID,
				"EventUID": event.EventUID,
			}).Warn("ignoring presence event older than the last closed delivery")
			return Result{Action: ActionDone, Message: "stale event ignored"}, nil
		}

		opened, err := delivery.Open(ctx, e.DB, gateID, event.EventUID, timestamp, event.Location, event.MetaInfo)
		if err != nil {
			mProcessErr.Update(1)
			return Result{}, err
		}
		log.WithFields(log.Fields{
			"Method":      "engine.Process",
			"Action":      "delivery opened",
			"GateID":      gateID,
			"DeliveryUID": opened.DeliveryUID,
		}).Info("delivery opened")
		e.Notifier.NotifyOpen(*opened)
		mSuccess.Update(1)
		return Result{Action: ActionDone, Message: "delivery opened"}, nil

	case current == statemodel.TruckState && next == statemodel.NoTruckState:
		// A redelivered or out-of-order close event stamped before the open
		// delivery began must not produce an interval that ends before it
		// starts.
		if timestamp.Before(last.Start.UTC()) {
			mSuccess.Update(1)
			log.WithFields(log.Fields{
				"Method":   "engine.Process",
				"Action":   "stale replay",
				"GateID":   gateID,
				"EventUID": event.EventUID,
			}).Warn("ignoring absence event older than the open delivery")
			return Result{Action: ActionDone, Message: "stale event ignored"}, nil
		}

		closed, err := delivery.Close(ctx, e.DB, last, timestamp)
		if err != nil {
			mProcessErr.Update(1)
			return Result{}, err
		}
		log.WithFields(log.Fields{
			"Method":      "engine.Process",
			"Action":      "delivery closed",
			"GateID":      gateID,
			"DeliveryUID": closed.DeliveryUID,
		}).Info("delivery closed")
		e.Notifier.NotifyClose(*closed)
		mSuccess.Update(1)
		return Result{Action: ActionDone, Message: "delivery closed"}, nil
	}

	mSuccess.Update(1)
	return Result{Action: ActionDone, Message: "no transition"}, nil
}

// Retryable reports whether a Process failure is worth redelivering.
// Validation failures and ledger invariant violations never heal on retry;
// lock contention and infrastructure errors usually do.
func Retryable(err error) bool {
	switch errors.Cause(err) {
	case ErrInvalidEvent, ErrUnknownGate:
		return false
	case delivery.ErrConflict, delivery.ErrInvalidState:
		return false
	}
	return true
}
