/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package delivery_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/wasteant/delivery-state-service/app/delivery"
	"github.com/wasteant/delivery-state-service/app/gate"
	"github.com/wasteant/delivery-state-service/pkg/integrationtest"
)

// Full open/close lifecycle against a real Postgres, including the partial
// unique index that guards the one-open-delivery rule. Run without -short
// and with the service db configuration present.
func TestDeliveryLifecycleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	dbHost := integrationtest.InitHost("delivery_test")
	masterDB := dbHost.CreateDB(t)
	defer masterDB.Close()

	ctx := context.Background()

	if err := gate.Insert(masterDB, &gate.Gate{GateID: "gate03", EntityType: "gate"}); err != nil {
		t.Fatalf("unable to insert gate: %+v", err)
	}

	start := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)

	opened, err := delivery.Open(ctx, masterDB, "gate03", "E1", start, "bunker1", nil)
	if err != nil {
		t.Fatalf("unable to open delivery: %+v", err)
	}
	if opened.Status != delivery.StatusOpen {
		t.Errorf("expected status %s, got %s", delivery.StatusOpen, opened.Status)
	}

	// Second open on the same gate must hit the open-delivery guard.
	if _, err := delivery.Open(ctx, masterDB, "gate03", "E2", start.Add(time.Minute), "bunker1", nil); errors.Cause(err) != delivery.ErrConflict {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	last, err := delivery.LastDelivery(ctx, masterDB, "gate03")
	if err != nil {
		t.Fatalf("unable to fetch last delivery: %+v", err)
	}
	if last == nil || last.ID != opened.ID {
		t.Fatalf("expected last delivery %v, got %v", opened, last)
	}

	closed, err := delivery.Close(ctx, masterDB, last, start.Add(20*time.Minute))
	if err != nil {
		t.Fatalf("unable to close delivery: %+v", err)
	}
	if closed.Status != delivery.StatusClosed || closed.End == nil {
		t.Errorf("expected a closed delivery with an end time, got %+v", closed)
	}

	// Closing twice is rejected.
	if _, err := delivery.Close(ctx, masterDB, last, start.Add(25*time.Minute)); errors.Cause(err) != delivery.ErrInvalidState {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}

	// The gate is free again once the delivery is closed.
	reopened, err := delivery.Open(ctx, masterDB, "gate03", "E3", start.Add(time.Hour), "bunker1", nil)
	if err != nil {
		t.Fatalf("unable to reopen after close: %+v", err)
	}

	deliveries, count, err := delivery.RetrieveByRange(ctx, masterDB, "gate03",
		start.Add(-time.Hour), start.Add(2*time.Hour), 1, 10)
	if err != nil {
		t.Fatalf("unable to query range: %+v", err)
	}
	if count != 2 || len(deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got count=%d len=%d", count, len(deliveries))
	}
	// Newest first.
	if deliveries[0].ID != reopened.ID {
		t.Errorf("expected delivery %d first, got %d", reopened.ID, deliveries[0].ID)
	}
}
