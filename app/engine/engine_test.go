/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package engine

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/pkg/errors"

	"github.com/wasteant/delivery-state-service/app/delivery"
	"github.com/wasteant/delivery-state-service/pkg/gatelock"
)

var deliveryColumns = []string{"id", "gate_id", "delivery_uid", "delivery_start",
	"delivery_end", "delivery_status", "delivery_location", "created_at", "meta_info"}

type recordingNotifier struct {
	opened []delivery.Delivery
	closed []delivery.Delivery
}

func (n *recordingNotifier) NotifyOpen(d delivery.Delivery)  { n.opened = append(n.opened, d) }
func (n *recordingNotifier) NotifyClose(d delivery.Delivery) { n.closed = append(n.closed, d) }

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, *recordingNotifier, func()) {
	dbs, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	notifier := &recordingNotifier{}
	eng := &Engine{
		DB:       dbs,
		Locks:    gatelock.New(30 * time.Second),
		Notifier: notifier,
	}
	return eng, mock, notifier, func() { dbs.Close() }
}

func expectKnownGate(mock sqlmock.Sqlmock, gateID string) {
	mock.ExpectQuery("SELECT 1 FROM gates").
		WithArgs(gateID).
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
}

func TestProcessOpensDelivery(t *testing.T) {
	eng, mock, notifier, closeDB := newTestEngine(t)
	defer closeDB()

	t0 := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)

	expectKnownGate(mock, "gate03")
	mock.ExpectQuery("SELECT id, gate_id, delivery_uid").
		WithArgs("gate03").
		WillReturnRows(sqlmock.NewRows(deliveryColumns))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM delivery_state").
		WithArgs("gate03", delivery.StatusOpen).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("INSERT INTO delivery_state").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, t0))
	mock.ExpectCommit()

	event := Event{EventUID: "E1", EventName: "delivery", Location: "gate03", Timestamp: t0, Status: "Truck"}
	result, err := eng.Process(context.Background(), event)
	if err != nil {
		t.Fatalf("Process failed: %s", err)
	}
	if result.Action != ActionDone {
		t.Errorf("expected done, got %+v", result)
	}
	if len(notifier.opened) != 1 {
		t.Fatalf("expected 1 open notification, got %d", len(notifier.opened))
	}
	opened := notifier.opened[0]
	if opened.DeliveryUID != "E1" || opened.Status != delivery.StatusOpen {
		t.Errorf("unexpected opened delivery: %+v", opened)
	}
	if !opened.Start.Equal(t0) {
		t.Errorf("start should be the event timestamp, got %s", opened.Start)
	}
	if eng.Locks.Held("gate03") {
		t.Error("lease must be released after processing")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %s", err)
	}
}

func TestProcessClosesDelivery(t *testing.T) {
	eng, mock, notifier, closeDB := newTestEngine(t)
	defer closeDB()

	t0 := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	t1 := t0.Add(20 * time.Minute)

	expectKnownGate(mock, "gate03")
	rows := sqlmock.NewRows(deliveryColumns).
		AddRow(1, "gate03", "E1", t0, nil, delivery.StatusOpen, "gate03", t0, nil)
	mock.ExpectQuery("SELECT id, gate_id, delivery_uid").
		WithArgs("gate03").
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE delivery_state").
		WithArgs(t1, delivery.StatusClosed, int64(1), delivery.StatusOpen).
		WillReturnResult(sqlmock.NewResult(0, 1))

	event := Event{EventUID: "E2", Location: "gate03", Timestamp: t1, Status: "NoTruck"}
	result, err := eng.Process(context.Background(), event)
	if err != nil {
		t.Fatalf("Process failed: %s", err)
	}
	if result.Action != ActionDone {
		t.Errorf("expected done, got %+v", result)
	}
	if len(notifier.closed) != 1 {
		t.Fatalf("expected 1 close notification, got %d", len(notifier.closed))
	}
	closed := notifier.closed[0]
	if closed.Status != delivery.StatusClosed || closed.End == nil || !closed.End.Equal(t1) {
		t.Errorf("unexpected closed delivery: %+v", closed)
	}
	if closed.End.Before(closed.Start) {
		t.Error("end must not precede start")
	}
}

func TestProcessUnknownGate(t *testing.T) {
	eng, mock, notifier, closeDB := newTestEngine(t)
	defer closeDB()

	mock.ExpectQuery("SELECT 1 FROM gates").
		WithArgs("gate99").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))

	event := Event{EventUID: "E1", Location: "gate99", Timestamp: time.Now().UTC(), Status: "Truck"}
	_, err := eng.Process(context.Background(), event)
	if errors.Cause(err) != ErrUnknownGate {
		t.Fatalf("expected ErrUnknownGate, got %v", err)
	}
	if Retryable(err) {
		t.Error("unknown gate must not be retried")
	}
	if len(notifier.opened)+len(notifier.closed) != 0 {
		t.Error("no notification expected")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("ledger must not be touched: %s", err)
	}
}

func TestProcessInvalidStatus(t *testing.T) {
	eng, _, _, closeDB := newTestEngine(t)
	defer closeDB()

	event := Event{EventUID: "E1", Location: "gate03", Timestamp: time.Now().UTC(), Status: "Bicycle"}
	_, err := eng.Process(context.Background(), event)
	if errors.Cause(err) != ErrInvalidEvent {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if Retryable(err) {
		t.Error("invalid events must not be retried")
	}
}

func TestProcessDuplicateTruckIsNoop(t *testing.T) {
	eng, mock, notifier, closeDB := newTestEngine(t)
	defer closeDB()

	t0 := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)

	expectKnownGate(mock, "gate03")
	rows := sqlmock.NewRows(deliveryColumns).
		AddRow(1, "gate03", "E1", t0, nil, delivery.StatusOpen, "gate03", t0, nil)
	mock.ExpectQuery("SELECT id, gate_id, delivery_uid").
		WithArgs("gate03").
		WillReturnRows(rows)

	event := Event{EventUID: "E1", Location: "gate03", Timestamp: t0.Add(time.Second), Status: "Truck"}
	result, err := eng.Process(context.Background(), event)
	if err != nil {
		t.Fatalf("Process failed: %s", err)
	}
	if result.Action != ActionDone {
		t.Errorf("expected done, got %+v", result)
	}
	if len(notifier.opened) != 0 {
		t.Errorf("duplicate Truck event must not open a second delivery")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("no ledger mutation expected: %s", err)
	}
}

func TestProcessStaleReplayIgnored(t *testing.T) {
	eng, mock, notifier, closeDB := newTestEngine(t)
	defer closeDB()

	t0 := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	t1 := t0.Add(20 * time.Minute)

	expectKnownGate(mock, "gate03")
	rows := sqlmock.NewRows(deliveryColumns).
		AddRow(1, "gate03", "E1", t0, t1, delivery.StatusClosed, "gate03", t0, nil)
	mock.ExpectQuery("SELECT id, gate_id, delivery_uid").
		WithArgs("gate03").
		WillReturnRows(rows)

	// same open event redelivered after its delivery already closed
	event := Event{EventUID: "E1", Location: "gate03", Timestamp: t0, Status: "Truck"}
	result, err := eng.Process(context.Background(), event)
	if err != nil {
		t.Fatalf("Process failed: %s", err)
	}
	if result.Message != "stale event ignored" {
		t.Errorf("expected stale event to be ignored, got %+v", result)
	}
	if len(notifier.opened) != 0 {
		t.Error("stale replay must not reopen a closed delivery")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("no ledger mutation expected: %s", err)
	}
}

func TestProcessOutOfOrderCloseIgnored(t *testing.T) {
	eng, mock, notifier, closeDB := newTestEngine(t)
	defer closeDB()

	t0 := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)

	expectKnownGate(mock, "gate03")
	rows := sqlmock.NewRows(deliveryColumns).
		AddRow(1, "gate03", "E1", t0, nil, delivery.StatusOpen, "gate03", t0, nil)
	mock.ExpectQuery("SELECT id, gate_id, delivery_uid").
		WithArgs("gate03").
		WillReturnRows(rows)

	// absence event stamped before the open delivery even started
	event := Event{EventUID: "E2", Location: "gate03", Timestamp: t0.Add(-10 * time.Minute), Status: "NoTruck"}
	result, err := eng.Process(context.Background(), event)
	if err != nil {
		t.Fatalf("Process failed: %s", err)
	}
	if result.Message != "stale event ignored" {
		t.Errorf("expected stale event to be ignored, got %+v", result)
	}
	if len(notifier.closed) != 0 {
		t.Error("an out-of-order absence event must not close the delivery")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("no ledger mutation expected: %s", err)
	}
}

func TestProcessTruckAfterCloseOpensNewDelivery(t *testing.T) {
	eng, mock, notifier, closeDB := newTestEngine(t)
	defer closeDB()

	t0 := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	t1 := t0.Add(20 * time.Minute)
	t2 := t1.Add(5 * time.Minute)

	expectKnownGate(mock, "gate03")
	rows := sqlmock.NewRows(deliveryColumns).
		AddRow(1, "gate03", "E1", t0, t1, delivery.StatusClosed, "gate03", t0, nil)
	mock.ExpectQuery("SELECT id, gate_id, delivery_uid").
		WithArgs("gate03").
		WillReturnRows(rows)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM delivery_state").
		WithArgs("gate03", delivery.StatusOpen).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("INSERT INTO delivery_state").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(2, t2))
	mock.ExpectCommit()

	event := Event{EventUID: "E3", Location: "gate03", Timestamp: t2, Status: "Truck"}
	result, err := eng.Process(context.Background(), event)
	if err != nil {
		t.Fatalf("Process failed: %s", err)
	}
	if result.Action != ActionDone {
		t.Errorf("expected done, got %+v", result)
	}
	if len(notifier.opened) != 1 || notifier.opened[0].DeliveryUID != "E3" {
		t.Errorf("expected a fresh delivery for E3, got %+v", notifier.opened)
	}
}

func TestProcessLockContention(t *testing.T) {
	eng, mock, _, closeDB := newTestEngine(t)
	defer closeDB()

	expectKnownGate(mock, "gate03")
	if !eng.Locks.Acquire("gate03") {
		t.Fatal("test setup: lease should be free")
	}

	event := Event{EventUID: "E1", Location: "gate03", Timestamp: time.Now().UTC(), Status: "Truck"}
	_, err := eng.Process(context.Background(), event)
	if errors.Cause(err) != ErrLockContention {
		t.Fatalf("expected ErrLockContention, got %v", err)
	}
	if !Retryable(err) {
		t.Error("lock contention must be retryable")
	}
	if !eng.Locks.Held("gate03") {
		t.Error("contention must not release the other holder's lease")
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"invalid event", errors.Wrap(ErrInvalidEvent, "status"), false},
		{"unknown gate", errors.Wrap(ErrUnknownGate, "gate99"), false},
		{"ledger conflict", errors.Wrap(delivery.ErrConflict, "gate03"), false},
		{"invalid state", errors.Wrap(delivery.ErrInvalidState, "delivery 7"), false},
		{"lock contention", errors.Wrap(ErrLockContention, "gate03"), true},
		{"infrastructure", errors.New("connection refused"), true},
	}
	for _, c := range cases {
		if got := Retryable(c.err); got != c.want {
			t.Errorf("%s: Retryable = %v, want %v", c.name, got, c.want)
		}
	}
}
