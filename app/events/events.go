/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package events

import "context"

// Topic suffixes appended to the configured delivery events subject.
const (
	TopicOpened   = "opened"
	TopicClosed   = "closed"
	TopicSnapshot = "snapshot"
)

// Publisher sends delivery lifecycle events to the message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, event interface{}) error
	Close() error
}
