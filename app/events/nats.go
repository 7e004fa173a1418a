/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package events

import (
	"context"
	"encoding/json"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// NATSPublisher publishes JSON-encoded delivery events to NATS subjects.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher connects to NATS with automatic reconnection support.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to NATS at %s", url)
	}
	return &NATSPublisher{conn: nc}, nil
}

// Publish implements Publisher
func (p *NATSPublisher) Publish(_ context.Context, topic string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshaling event")
	}
	return errors.Wrapf(p.conn.Publish(topic, data), "publishing to %s", topic)
}

// Close implements Publisher
func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}
