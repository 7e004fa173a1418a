/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

// Package gatelock provides per-gate mutual exclusion for delivery state
// transitions. Locks are leases with a TTL: a holder that crashes without
// releasing cannot wedge its gate, because the next Acquire after expiry
// reclaims the lease.
package gatelock

import (
	"sync"
	"time"

	"github.com/intel/rsp-sw-toolkit-im-suite-utilities/go-metrics"
	log "github.com/sirupsen/logrus"
)

// Registry is a keyed lease registry. The zero value is not usable; create
// one with New.
type Registry struct {
	mu     sync.Mutex
	ttl    time.Duration
	leases map[string]time.Time

	// now is replaceable for tests
	now func() time.Time
}

// New creates a lease registry where every acquired lease expires after ttl.
func New(ttl time.Duration) *Registry {
	return &Registry{
		ttl:    ttl,
		leases: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Acquire attempts to take the lease for gateID. It never blocks: when the
// lease is held and not expired, it returns false immediately and the caller
// is expected to report the skipped transition. An expired lease is
// reclaimed in place.
func (registry *Registry) Acquire(gateID string) bool {
	metrics.GetOrRegisterGauge(`GateLock.Acquire.Attempt`, nil).Update(1)
	mContention := metrics.GetOrRegisterGauge(`GateLock.Acquire.Contention`, nil)
	mReclaimed := metrics.GetOrRegisterGauge(`GateLock.Acquire.Reclaimed`, nil)

	registry.mu.Lock()
	defer registry.mu.Unlock()

	now := registry.now()
	expiry, held := registry.leases[gateID]
	if held {
		if now.Before(expiry) {
			mContention.Update(1)
			return false
		}

		// Lease outlived its TTL; the holder is presumed dead.
		mReclaimed.Update(1)
		log.WithFields(log.Fields{
			"Method":  "gatelock.Acquire",
			"GateID":  gateID,
			"Expired": expiry,
		}).Warn("Reclaiming expired gate lease")
	}

	registry.leases[gateID] = now.Add(registry.ttl)
	return true
}

// Release frees the lease for gateID. Releasing an unheld lease is a no-op.
func (registry *Registry) Release(gateID string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	delete(registry.leases, gateID)
}

// Held reports whether a live lease currently exists for gateID.
func (registry *Registry) Held(gateID string) bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	expiry, held := registry.leases[gateID]
	return held && registry.now().Before(expiry)
}
