/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package gate

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestInsert(t *testing.T) {
	dbs, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	defer dbs.Close()

	mock.ExpectExec("INSERT INTO gates").
		WithArgs("gate03", "gate", "seeded gate").
		WillReturnResult(sqlmock.NewResult(0, 1))

	g := Gate{GateID: "gate03", EntityType: "gate", Description: "seeded gate"}
	if err := Insert(dbs, &g); err != nil {
		t.Errorf("Insert failed: %s", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %s", err)
	}
}

func TestInsertExistingIsNoop(t *testing.T) {
	dbs, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	defer dbs.Close()

	// ON CONFLICT DO NOTHING reports zero rows affected
	mock.ExpectExec("INSERT INTO gates").
		WithArgs("gate03", "gate", "seeded gate").
		WillReturnResult(sqlmock.NewResult(0, 0))

	g := Gate{GateID: "gate03", EntityType: "gate", Description: "seeded gate"}
	if err := Insert(dbs, &g); err != nil {
		t.Errorf("Insert of existing gate should not fail: %s", err)
	}
}

func TestExists(t *testing.T) {
	dbs, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	defer dbs.Close()

	mock.ExpectQuery("SELECT 1 FROM gates").
		WithArgs("gate03").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	found, err := Exists(context.Background(), dbs, "gate03")
	if err != nil {
		t.Fatalf("Exists failed: %s", err)
	}
	if !found {
		t.Error("expected gate03 to exist")
	}
}

func TestExistsUnknownGate(t *testing.T) {
	dbs, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	defer dbs.Close()

	mock.ExpectQuery("SELECT 1 FROM gates").
		WithArgs("gate99").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))

	found, err := Exists(context.Background(), dbs, "gate99")
	if err != nil {
		t.Fatalf("Exists failed: %s", err)
	}
	if found {
		t.Error("expected gate99 to be unknown")
	}
}

func TestRetrieve(t *testing.T) {
	dbs, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	defer dbs.Close()

	created := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"gate_id", "entity_type", "description", "created_at"}).
		AddRow("gate04", "gate", "", created)
	mock.ExpectQuery("SELECT gate_id, entity_type, description, created_at").
		WithArgs("gate04").
		WillReturnRows(rows)

	g, err := Retrieve(context.Background(), dbs, "gate04")
	if err != nil {
		t.Fatalf("Retrieve failed: %s", err)
	}
	if g.GateID != "gate04" || g.EntityType != "gate" {
		t.Errorf("unexpected gate: %+v", g)
	}
	if !g.CreatedAt.Equal(created) {
		t.Errorf("unexpected created_at: %s", g.CreatedAt)
	}
}

func TestRetrieveAll(t *testing.T) {
	dbs, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening stub database: %s", err)
	}
	defer dbs.Close()

	created := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"gate_id", "entity_type", "description", "created_at"}).
		AddRow("gate03", "gate", "", created).
		AddRow("gate04", "gate", "", created)
	mock.ExpectQuery("SELECT gate_id, entity_type, description, created_at").
		WillReturnRows(rows)

	gates, err := RetrieveAll(context.Background(), dbs)
	if err != nil {
		t.Fatalf("RetrieveAll failed: %s", err)
	}
	if len(gates) != 2 {
		t.Fatalf("expected 2 gates, got %d", len(gates))
	}
	if gates[0].GateID != "gate03" || gates[1].GateID != "gate04" {
		t.Errorf("unexpected order: %+v", gates)
	}
}
