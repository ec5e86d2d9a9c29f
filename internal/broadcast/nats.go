// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

const DefaultNATSSubject = "location-updates.events"

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every event as JSON on a NATS subject.
type NATSSink struct {
	conn    *nats.Conn
	pub     publisher
	subject string
}

func NewNATSSink(url, subject string) (*NATSSink, error) {
	if url == "" {
		return nil, errors.New("NATS URL is required")
	}
	if subject == "" {
		subject = DefaultNATSSubject
	}
	conn, err := nats.Connect(url, nats.Name("location-updates"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSSink{conn: conn, pub: conn, subject: subject}, nil
}

func (s *NATSSink) Publish(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err = s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish event to NATS: %w", err)
	}
	return nil
}

// Close flushes pending events and closes the connection.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
