/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

// Package statemodel holds the presence state machine for a gate. The
// machine is a pure transition table; the caller derives the current state
// from the delivery ledger and feeds it in together with the incoming
// presence status, so no state is shared between calls.
package statemodel

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidPresence is returned for presence values outside Truck/NoTruck.
	ErrInvalidPresence = errors.New("presence status must be Truck or NoTruck")

	// ErrInvalidState is returned when the supplied current state is unknown.
	ErrInvalidState = errors.New("unknown machine state")
)

// transitions maps (current state, presence event) to the next state.
// Repeating the current presence is a no-op transition by design of the
// table, not by special casing in the engine.
var transitions = map[string]map[string]string{
	NoTruckState: {
		TruckState:   TruckState,
		NoTruckState: NoTruckState,
	},
	TruckState: {
		NoTruckState: NoTruckState,
		TruckState:   TruckState,
	},
}

// Transition computes the next state for the given current state and
// presence event. Invalid input is rejected synchronously, never coerced.
func Transition(current string, presence string) (string, error) {
	row, ok := transitions[current]
	if !ok {
		return "", errors.Wrapf(ErrInvalidState, "got %q", current)
	}

	next, ok := row[presence]
	if !ok {
		return "", errors.Wrapf(ErrInvalidPresence, "got %q", presence)
	}

	return next, nil
}

// IsValidPresence reports whether the given value is an accepted presence
// status. Used by the ingestion boundary to reject bad events before they
// are queued.
func IsValidPresence(presence string) bool {
	return presence == TruckState || presence == NoTruckState
}
