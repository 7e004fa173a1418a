/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package events

import "context"

// NoopPublisher discards every event. Used when no NATS URL is configured.
type NoopPublisher struct{}

// Publish implements Publisher
func (NoopPublisher) Publish(context.Context, string, interface{}) error { return nil }

// Close implements Publisher
func (NoopPublisher) Close() error { return nil }
