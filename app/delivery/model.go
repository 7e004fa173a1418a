/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package delivery

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Delivery lifecycle states as stored in delivery_status.
const (
	StatusPending = "pending"
	StatusOpen    = "open"
	StatusClosed  = "closed"
)

var (
	// ErrConflict is returned when an open delivery already exists for the
	// gate. With the gate lease held this should be unreachable, so seeing
	// it means two writers raced.
	ErrConflict = errors.New("gate already has an open delivery")
	// ErrInvalidState is returned when closing a delivery that is not open.
	ErrInvalidState = errors.New("delivery is not open")
)

// MetaInfo carries the free-form attributes attached to a delivery by the
// detection system. Stored as JSONB.
type MetaInfo map[string]interface{}

// Value implements driver.Valuer
func (m MetaInfo) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling meta_info")
	}
	return data, nil
}

// Scan implements sql.Scanner
func (m *MetaInfo) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	data, ok := src.([]byte)
	if !ok {
		return errors.Errorf("unsupported meta_info type %T", src)
	}
	return errors.Wrap(json.Unmarshal(data, m), "unmarshaling meta_info")
}

// Delivery represents one truck's occupancy interval at a gate.
type Delivery struct {
	ID          int64      `json:"id" db:"id"`
	GateID      string     `json:"gate_id" db:"gate_id"`
	DeliveryUID string     `json:"delivery_uid" db:"delivery_uid"`
	Start       time.Time  `json:"delivery_start" db:"delivery_start"`
	End         *time.Time `json:"delivery_end" db:"delivery_end"`
	Status      string     `json:"delivery_status" db:"delivery_status"`
	Location    string     `json:"delivery_location" db:"delivery_location"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	MetaInfo    MetaInfo   `json:"meta_info,omitempty" db:"meta_info"`
}

// Response is the model used to return the query response
type Response struct {
	Results interface{} `json:"results"`
	Count   *int        `json:"count,omitempty"`
}
