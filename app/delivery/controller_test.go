/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package delivery

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var deliveryColumns = []string{"id", "gate_id", "delivery_uid", "delivery_start",
	"delivery_end", "delivery_status", "delivery_location", "created_at", "meta_info"}

func TestLastDeliveryNoHistory(t *testing.T) {
	dbs, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	defer dbs.Close()

	mock.ExpectQuery("SELECT id, gate_id, delivery_uid").
		WithArgs("gate03").
		WillReturnRows(sqlmock.NewRows(deliveryColumns))

	last, err := LastDelivery(context.Background(), dbs, "gate03")
	if err != nil {
		t.Fatalf("LastDelivery failed: %s", err)
	}
	if last != nil {
		t.Errorf("expected no delivery, got %+v", last)
	}
}

func TestLastDelivery(t *testing.T) {
	dbs, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	defer dbs.Close()

	start := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	rows := sqlmock.NewRows(deliveryColumns).
		AddRow(7, "gate03", "E1", start, nil, StatusOpen, "gate03", start, nil)
	mock.ExpectQuery("SELECT id, gate_id, delivery_uid").
		WithArgs("gate03").
		WillReturnRows(rows)

	last, err := LastDelivery(context.Background(), dbs, "gate03")
	if err != nil {
		t.Fatalf("LastDelivery failed: %s", err)
	}
	if last == nil {
		t.Fatal("expected a delivery")
	}
	if last.ID != 7 || last.Status != StatusOpen || last.DeliveryUID != "E1" {
		t.Errorf("unexpected delivery: %+v", last)
	}
	if last.End != nil {
		t.Errorf("open delivery should have no end, got %s", last.End)
	}
}

func TestOpen(t *testing.T) {
	dbs, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	defer dbs.Close()

	start := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	created := start.Add(time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM delivery_state").
		WithArgs("gate03", StatusOpen).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("INSERT INTO delivery_state").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(8, created))
	mock.ExpectCommit()

	d, err := Open(context.Background(), dbs, "gate03", "E1", start, "gate03", nil)
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	if d.ID != 8 || d.Status != StatusOpen {
		t.Errorf("unexpected delivery: %+v", d)
	}
	if !d.Start.Equal(start) {
		t.Errorf("start should be the event timestamp, got %s", d.Start)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %s", err)
	}
}

func TestOpenConflictPrecheck(t *testing.T) {
	dbs, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	defer dbs.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM delivery_state").
		WithArgs("gate03", StatusOpen).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectRollback()

	_, err = Open(context.Background(), dbs, "gate03", "E2", time.Now().UTC(), "gate03", nil)
	if errors.Cause(err) != ErrConflict {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestOpenConflictUniqueIndex(t *testing.T) {
	dbs, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	defer dbs.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM delivery_state").
		WithArgs("gate03", StatusOpen).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("INSERT INTO delivery_state").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "idx_one_open_delivery"})
	mock.ExpectRollback()

	_, err = Open(context.Background(), dbs, "gate03", "E2", time.Now().UTC(), "gate03", nil)
	if errors.Cause(err) != ErrConflict {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestClose(t *testing.T) {
	dbs, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	defer dbs.Close()

	start := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	end := start.Add(20 * time.Minute)

	mock.ExpectExec("UPDATE delivery_state").
		WithArgs(end, StatusClosed, int64(7), StatusOpen).
		WillReturnResult(sqlmock.NewResult(0, 1))

	open := Delivery{ID: 7, GateID: "gate03", DeliveryUID: "E1", Start: start, Status: StatusOpen}
	closed, err := Close(context.Background(), dbs, &open, end)
	if err != nil {
		t.Fatalf("Close failed: %s", err)
	}
	if closed.Status != StatusClosed {
		t.Errorf("expected closed status, got %s", closed.Status)
	}
	if closed.End == nil || !closed.End.Equal(end) {
		t.Errorf("unexpected end: %v", closed.End)
	}
	if closed.End.Before(closed.Start) {
		t.Error("end must not precede start")
	}
}

func TestCloseNotOpen(t *testing.T) {
	dbs, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	defer dbs.Close()

	mock.ExpectExec("UPDATE delivery_state").
		WillReturnResult(sqlmock.NewResult(0, 0))

	closed := Delivery{ID: 7, GateID: "gate03", Status: StatusClosed}
	_, err = Close(context.Background(), dbs, &closed, time.Now().UTC())
	if errors.Cause(err) != ErrInvalidState {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestCloseEndBeforeStart(t *testing.T) {
	dbs, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	defer dbs.Close()

	start := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)

	open := Delivery{ID: 7, GateID: "gate03", DeliveryUID: "E1", Start: start, Status: StatusOpen}
	_, err = Close(context.Background(), dbs, &open, start.Add(-10*time.Minute))
	if errors.Cause(err) != ErrInvalidState {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("the ledger must not be touched: %s", err)
	}
}

func TestRetrieveByRange(t *testing.T) {
	dbs, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	defer dbs.Close()

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 2)
	s1 := from.Add(10 * time.Hour)
	s2 := from.Add(8 * time.Hour)
	e2 := s2.Add(15 * time.Minute)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(from, to, "gate03").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	rows := sqlmock.NewRows(deliveryColumns).
		AddRow(9, "gate03", "E3", s1, nil, StatusOpen, "gate03", s1, nil).
		AddRow(8, "gate03", "E2", s2, e2, StatusClosed, "gate03", s2, nil)
	mock.ExpectQuery("SELECT id, gate_id, delivery_uid").
		WithArgs(from, to, "gate03", 15, 0).
		WillReturnRows(rows)

	items, total, err := RetrieveByRange(context.Background(), dbs, "gate03", from, to, 1, 15)
	if err != nil {
		t.Fatalf("RetrieveByRange failed: %s", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 items, got %d of %d", len(items), total)
	}
	if items[0].ID != 9 || items[1].ID != 8 {
		t.Errorf("expected newest first, got %+v", items)
	}
}

func TestRetrieveByRangeAfterAllDeliveries(t *testing.T) {
	dbs, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	defer dbs.Close()

	from := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 2)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT id, gate_id, delivery_uid").
		WithArgs(from, to, 15, 0).
		WillReturnRows(sqlmock.NewRows(deliveryColumns))

	items, total, err := RetrieveByRange(context.Background(), dbs, "", from, to, 1, 15)
	if err != nil {
		t.Fatalf("RetrieveByRange failed: %s", err)
	}
	if total != 0 || len(items) != 0 {
		t.Errorf("expected no matches, got %d of %d", len(items), total)
	}
}

func TestRetrieveOpen(t *testing.T) {
	dbs, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	defer dbs.Close()

	start := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	rows := sqlmock.NewRows(deliveryColumns).
		AddRow(7, "gate03", "E1", start, nil, StatusOpen, "gate03", start, nil).
		AddRow(9, "gate04", "E4", start, nil, StatusOpen, "gate04", start, nil)
	mock.ExpectQuery("SELECT id, gate_id, delivery_uid").
		WithArgs(StatusOpen).
		WillReturnRows(rows)

	open, err := RetrieveOpen(context.Background(), dbs)
	if err != nil {
		t.Fatalf("RetrieveOpen failed: %s", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open deliveries, got %d", len(open))
	}
	for _, d := range open {
		if d.Status != StatusOpen {
			t.Errorf("expected only open deliveries, got %+v", d)
		}
	}
}
