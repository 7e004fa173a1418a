/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package gate

import "time"

// Gate represents a registered plant entity that trucks can occupy.
type Gate struct {
	// Gate identifier, e.g. "gate03"
	GateID string `json:"gate_id" db:"gate_id"`
	// Entity classification, currently always "gate"
	EntityType string `json:"entity_type" db:"entity_type"`
	// Free text shown in dashboards
	Description string `json:"description" db:"description"`
	// Registration time
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Response is the model used to return the query response
type Response struct {
	Results interface{} `json:"results"`
	Count   *int        `json:"count,omitempty"`
}
