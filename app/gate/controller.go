/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package gate

import (
	"context"
	"database/sql"
	"time"

	"github.com/intel/rsp-sw-toolkit-im-suite-utilities/go-metrics"
	"github.com/pkg/errors"
)

const table = "gates"

// Insert registers a gate. Re-registering an existing gate is a no-op so
// the seeding on startup can run on every boot.
func Insert(dbs *sql.DB, g *Gate) error {
	metrics.GetOrRegisterGauge(`Gate.Insert.Attempt`, nil).Update(1)
	mSuccess := metrics.GetOrRegisterGauge(`Gate.Insert.Success`, nil)
	mInsertErr := metrics.GetOrRegisterGauge("Gate.Insert.Insert-Error", nil)

	insertStmt := `INSERT INTO ` + table + ` (gate_id, entity_type, description)
				   VALUES ($1, $2, $3)
				   ON CONFLICT (gate_id) DO NOTHING;`

	if _, err := dbs.Exec(insertStmt, g.GateID, g.EntityType, g.Description); err != nil {
		mInsertErr.Update(1)
		return errors.Wrap(err, "db.gates.insert()")
	}

	mSuccess.Update(1)
	return nil
}

// Exists reports whether gateID is registered.
func Exists(ctx context.Context, dbs *sql.DB, gateID string) (bool, error) {
	metrics.GetOrRegisterGauge(`Gate.Exists.Attempt`, nil).Update(1)
	mSuccess := metrics.GetOrRegisterGauge(`Gate.Exists.Success`, nil)
	mFindErr := metrics.GetOrRegisterGauge("Gate.Exists.Find-Error", nil)

	selectQuery := `SELECT 1 FROM ` + table + ` WHERE gate_id = $1;`

	var one int
	if err := dbs.QueryRowContext(ctx, selectQuery, gateID).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			mSuccess.Update(1)
			return false, nil
		}
		mFindErr.Update(1)
		return false, errors.Wrap(err, "db.gates.exists()")
	}

	mSuccess.Update(1)
	return true, nil
}

// Retrieve returns the gate identified by gateID, or sql.ErrNoRows when it
// is not registered.
func Retrieve(ctx context.Context, dbs *sql.DB, gateID string) (*Gate, error) {
	metrics.GetOrRegisterGauge(`Gate.Retrieve.Attempt`, nil).Update(1)
	mSuccess := metrics.GetOrRegisterGauge(`Gate.Retrieve.Success`, nil)
	mFindErr := metrics.GetOrRegisterGauge("Gate.Retrieve.Find-Error", nil)

	selectQuery := `SELECT gate_id, entity_type, description, created_at
					FROM ` + table + ` WHERE gate_id = $1;`

	var g Gate
	err := dbs.QueryRowContext(ctx, selectQuery, gateID).
		Scan(&g.GateID, &g.EntityType, &g.Description, &g.CreatedAt)
	if err != nil {
		if err != sql.ErrNoRows {
			mFindErr.Update(1)
			err = errors.Wrap(err, "db.gates.retrieve()")
		}
		return nil, err
	}

	mSuccess.Update(1)
	return &g, nil
}

// RetrieveAll returns every registered gate ordered by identifier.
func RetrieveAll(ctx context.Context, dbs *sql.DB) ([]Gate, error) {
	metrics.GetOrRegisterGauge(`Gate.RetrieveAll.Attempt`, nil).Update(1)
	mSuccess := metrics.GetOrRegisterGauge(`Gate.RetrieveAll.Success`, nil)
	mFindErr := metrics.GetOrRegisterGauge("Gate.RetrieveAll.Find-Error", nil)
	retrieveTimer := time.Now()
	defer metrics.GetOrRegisterTimer(`Gate.RetrieveAll.Find-Latency`, nil).Update(time.Since(retrieveTimer))

	selectQuery := `SELECT gate_id, entity_type, description, created_at
					FROM ` + table + ` ORDER BY gate_id ASC;`

	rows, err := dbs.QueryContext(ctx, selectQuery)
	if err != nil {
		mFindErr.Update(1)
		return nil, errors.Wrap(err, "db.gates.retrieveall()")
	}
	defer rows.Close()

	gates := make([]Gate, 0)
	for rows.Next() {
		var g Gate
		if err := rows.Scan(&g.GateID, &g.EntityType, &g.Description, &g.CreatedAt); err != nil {
			mFindErr.Update(1)
			return nil, errors.Wrap(err, "db.gates.retrieveall() scan")
		}
		gates = append(gates, g)
	}
	if err := rows.Err(); err != nil {
		mFindErr.Update(1)
		return nil, errors.Wrap(err, "db.gates.retrieveall() rows")
	}

	mSuccess.Update(1)
	return gates, nil
}
