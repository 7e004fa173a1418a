/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package schemas

// DeliveryEventSchema defines the request body for the delivery event
// ingestion endpoint. The status enum is enforced here so malformed events
// are rejected before they reach the task queue.
const DeliveryEventSchema = `{
	"type": "object",
	"required": ["event_uid", "event_name", "location", "timestamp", "status"],
	"properties": {
		"event_uid": {
			"type": "string",
			"minLength": 1
		},
		"event_name": {
			"type": "string",
			"minLength": 1
		},
		"location": {
			"type": "string",
			"minLength": 1
		},
		"timestamp": {
			"type": "string",
			"format": "date-time"
		},
		"status": {
			"type": "string",
			"enum": ["Truck", "NoTruck"]
		},
		"description": {
			"type": "string"
		},
		"meta_info": {
			"type": "object"
		}
	},
	"additionalProperties": false
}`
