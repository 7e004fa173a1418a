/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package delivery

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/intel/rsp-sw-toolkit-im-suite-utilities/go-metrics"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const table = "delivery_state"

const selectColumns = `id, gate_id, delivery_uid, delivery_start, delivery_end,
					   delivery_status, delivery_location, created_at, meta_info`

// uniqueViolation is the postgres error code raised by the partial unique
// index on open deliveries and by the delivery_uid index.
const uniqueViolation = "23505"

func scanDelivery(row interface {
	Scan(dest ...interface{}) error
}) (*Delivery, error) {
	var d Delivery
	var end pq.NullTime
	err := row.Scan(&d.ID, &d.GateID, &d.DeliveryUID, &d.Start, &end,
		&d.Status, &d.Location, &d.CreatedAt, &d.MetaInfo)
	if err != nil {
		return nil, err
	}
	if end.Valid {
		d.End = &end.Time
	}
	return &d, nil
}

// LastDelivery returns the most recently created delivery for the gate, or
// nil when the gate has no history yet. The caller derives the gate's
// effective presence state from this record.
func LastDelivery(ctx context.Context, dbs *sql.DB, gateID string) (*Delivery, error) {
	metrics.GetOrRegisterGauge(`Delivery.LastDelivery.Attempt`, nil).Update(1)
	mSuccess := metrics.GetOrRegisterGauge(`Delivery.LastDelivery.Success`, nil)
	mFindErr := metrics.GetOrRegisterGauge("Delivery.LastDelivery.Find-Error", nil)

	selectQuery := `SELECT ` + selectColumns + `
					FROM ` + table + `
					WHERE gate_id = $1
					ORDER BY created_at DESC, id DESC
					LIMIT 1;`

	d, err := scanDelivery(dbs.QueryRowContext(ctx, selectQuery, gateID))
	if err != nil {
		if err == sql.ErrNoRows {
			mSuccess.Update(1)
			return nil, nil
		}
		mFindErr.Update(1)
		return nil, errors.Wrap(err, "db.delivery_state.lastdelivery()")
	}

	mSuccess.Update(1)
	return d, nil
}

// Open appends a new open delivery for the gate. It fails with ErrConflict
// when an open delivery already exists, both via an explicit pre-check and
// via the partial unique index that backs it at the database level.
func Open(ctx context.Context, dbs *sql.DB, gateID string, deliveryUID string,
	start time.Time, location string, metaInfo MetaInfo) (*Delivery, error) {

	metrics.GetOrRegisterGauge(`Delivery.Open.Attempt`, nil).Update(1)
	mSuccess := metrics.GetOrRegisterGauge(`Delivery.Open.Success`, nil)
	mConflictErr := metrics.GetOrRegisterGauge("Delivery.Open.Conflict-Error", nil)
	mInsertErr := metrics.GetOrRegisterGauge("Delivery.Open.Insert-Error", nil)
	insertTimer := time.Now()
	defer metrics.GetOrRegisterTimer(`Delivery.Open.Insert-Latency`, nil).Update(time.Since(insertTimer))

	tx, err := dbs.BeginTx(ctx, nil)
	if err != nil {
		mInsertErr.Update(1)
		return nil, errors.Wrap(err, "db.delivery_state.open() begin")
	}
	// nolint: errcheck
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM `+table+` WHERE gate_id = $1 AND delivery_status = $2;`,
		gateID, StatusOpen).Scan(&existing)
	if err == nil {
		mConflictErr.Update(1)
		return nil, errors.Wrapf(ErrConflict, "gate %s delivery %d", gateID, existing)
	}
	if err != sql.ErrNoRows {
		mInsertErr.Update(1)
		return nil, errors.Wrap(err, "db.delivery_state.open() precheck")
	}

	insertStmt := `INSERT INTO ` + table + `
				   (gate_id, delivery_uid, delivery_start, delivery_status, delivery_location, meta_info)
				   VALUES ($1, $2, $3, $4, $5, $6)
				   RETURNING id, created_at;`

	d := Delivery{
		GateID:      gateID,
		DeliveryUID: deliveryUID,
		Start:       start,
		Status:      StatusOpen,
		Location:    location,
		MetaInfo:    metaInfo,
	}
	err = tx.QueryRowContext(ctx, insertStmt, d.GateID, d.DeliveryUID, d.Start,
		d.Status, d.Location, d.MetaInfo).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			mConflictErr.Update(1)
			return nil, errors.Wrapf(ErrConflict, "gate %s uid %s", gateID, deliveryUID)
		}
		mInsertErr.Update(1)
		return nil, errors.Wrap(err, "db.delivery_state.open() insert")
	}

	if err := tx.Commit(); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			mConflictErr.Update(1)
			return nil, errors.Wrapf(ErrConflict, "gate %s uid %s", gateID, deliveryUID)
		}
		mInsertErr.Update(1)
		return nil, errors.Wrap(err, "db.delivery_state.open() commit")
	}

	mSuccess.Update(1)
	return &d, nil
}

// Close marks the delivery closed and stamps its end time. It fails with
// ErrInvalidState when the row is no longer open, which guards against a
// lost update if another writer closed it first.
func Close(ctx context.Context, dbs *sql.DB, d *Delivery, end time.Time) (*Delivery, error) {
	metrics.GetOrRegisterGauge(`Delivery.Close.Attempt`, nil).Update(1)
	mSuccess := metrics.GetOrRegisterGauge(`Delivery.Close.Success`, nil)
	mStateErr := metrics.GetOrRegisterGauge("Delivery.Close.State-Error", nil)
	mUpdateErr := metrics.GetOrRegisterGauge("Delivery.Close.Update-Error", nil)
	updateTimer := time.Now()
	defer metrics.GetOrRegisterTimer(`Delivery.Close.Update-Latency`, nil).Update(time.Since(updateTimer))

	// A delivery interval must never end before it starts.
	if end.Before(d.Start) {
		mStateErr.Update(1)
		return nil, errors.Wrapf(ErrInvalidState, "delivery %d end %s before start %s",
			d.ID, end.UTC().Format(time.RFC3339), d.Start.UTC().Format(time.RFC3339))
	}

	updateStmt := `UPDATE ` + table + `
				   SET delivery_end = $1, delivery_status = $2
				   WHERE id = $3 AND delivery_status = $4;`

	result, err := dbs.ExecContext(ctx, updateStmt, end, StatusClosed, d.ID, StatusOpen)
	if err != nil {
		mUpdateErr.Update(1)
		return nil, errors.Wrap(err, "db.delivery_state.close()")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		mUpdateErr.Update(1)
		return nil, errors.Wrap(err, "db.delivery_state.close() rows")
	}
	if rows == 0 {
		mStateErr.Update(1)
		return nil, errors.Wrapf(ErrInvalidState, "delivery %d status %s", d.ID, d.Status)
	}

	closed := *d
	closed.End = &end
	closed.Status = StatusClosed

	mSuccess.Update(1)
	return &closed, nil
}

// FindByID returns the delivery with the given ordinal, or sql.ErrNoRows.
func FindByID(ctx context.Context, dbs *sql.DB, id int64) (*Delivery, error) {
	metrics.GetOrRegisterGauge(`Delivery.FindByID.Attempt`, nil).Update(1)
	mSuccess := metrics.GetOrRegisterGauge(`Delivery.FindByID.Success`, nil)
	mFindErr := metrics.GetOrRegisterGauge("Delivery.FindByID.Find-Error", nil)

	selectQuery := `SELECT ` + selectColumns + ` FROM ` + table + ` WHERE id = $1;`

	d, err := scanDelivery(dbs.QueryRowContext(ctx, selectQuery, id))
	if err != nil {
		if err != sql.ErrNoRows {
			mFindErr.Update(1)
			err = errors.Wrap(err, "db.delivery_state.findbyid()")
		}
		return nil, err
	}

	mSuccess.Update(1)
	return d, nil
}

// RetrieveByRange returns one page of deliveries whose start falls in
// [from, to), newest first, plus the total match count for paging. An empty
// gateID matches every gate.
func RetrieveByRange(ctx context.Context, dbs *sql.DB, gateID string,
	from time.Time, to time.Time, page int, pageSize int) ([]Delivery, int, error) {

	metrics.GetOrRegisterGauge(`Delivery.RetrieveByRange.Attempt`, nil).Update(1)
	mSuccess := metrics.GetOrRegisterGauge(`Delivery.RetrieveByRange.Success`, nil)
	mCountErr := metrics.GetOrRegisterGauge("Delivery.RetrieveByRange.Count-Error", nil)
	mRetrieveErr := metrics.GetOrRegisterGauge("Delivery.RetrieveByRange.Retrieve-Error", nil)
	retrieveTimer := time.Now()
	defer metrics.GetOrRegisterTimer(`Delivery.RetrieveByRange.Retrieve-Latency`, nil).Update(time.Since(retrieveTimer))

	where := ` WHERE delivery_start >= $1 AND delivery_start < $2`
	args := []interface{}{from, to}
	if gateID != "" {
		where += ` AND gate_id = $3`
		args = append(args, gateID)
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM ` + table + where + `;`
	if err := dbs.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		mCountErr.Update(1)
		return nil, 0, errors.Wrap(err, "db.delivery_state.retrievebyrange() count")
	}

	limitPos := len(args) + 1
	selectQuery := `SELECT ` + selectColumns + ` FROM ` + table + where + `
					ORDER BY delivery_start DESC, id DESC
					LIMIT $` + strconv.Itoa(limitPos) + ` OFFSET $` + strconv.Itoa(limitPos+1) + `;`
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := dbs.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		mRetrieveErr.Update(1)
		return nil, 0, errors.Wrap(err, "db.delivery_state.retrievebyrange()")
	}
	defer rows.Close()

	deliveries := make([]Delivery, 0)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			mRetrieveErr.Update(1)
			return nil, 0, errors.Wrap(err, "db.delivery_state.retrievebyrange() scan")
		}
		deliveries = append(deliveries, *d)
	}
	if err := rows.Err(); err != nil {
		mRetrieveErr.Update(1)
		return nil, 0, errors.Wrap(err, "db.delivery_state.retrievebyrange() rows")
	}

	mSuccess.Update(1)
	return deliveries, total, nil
}

// RetrieveOpen returns every delivery currently open, across all gates.
// Used by the snapshot loop to drive periodic progress notifications.
func RetrieveOpen(ctx context.Context, dbs *sql.DB) ([]Delivery, error) {
	metrics.GetOrRegisterGauge(`Delivery.RetrieveOpen.Attempt`, nil).Update(1)
	mSuccess := metrics.GetOrRegisterGauge(`Delivery.RetrieveOpen.Success`, nil)
	mRetrieveErr := metrics.GetOrRegisterGauge("Delivery.RetrieveOpen.Retrieve-Error", nil)

	selectQuery := `SELECT ` + selectColumns + `
					FROM ` + table + `
					WHERE delivery_status = $1
					ORDER BY gate_id ASC;`

	rows, err := dbs.QueryContext(ctx, selectQuery, StatusOpen)
	if err != nil {
		mRetrieveErr.Update(1)
		return nil, errors.Wrap(err, "db.delivery_state.retrieveopen()")
	}
	defer rows.Close()

	deliveries := make([]Delivery, 0)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			mRetrieveErr.Update(1)
			return nil, errors.Wrap(err, "db.delivery_state.retrieveopen() scan")
		}
		deliveries = append(deliveries, *d)
	}
	if err := rows.Err(); err != nil {
		mRetrieveErr.Update(1)
		return nil, errors.Wrap(err, "db.delivery_state.retrieveopen() rows")
	}

	mSuccess.Update(1)
	return deliveries, nil
}
