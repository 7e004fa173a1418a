/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package statemodel

const (
	// NoTruckState is the initial state: the gate is unoccupied.
	NoTruckState = "NoTruck"
	// TruckState means a truck currently occupies the gate.
	TruckState = "Truck"
)
