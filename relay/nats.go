package relay

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSForwarder mirrors published envelopes to a NATS subject per session:
// <prefix>.<session_id>. A nil forwarder degrades gracefully, so callers can
// wire it unconditionally.
type NATSForwarder struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSForwarder connects to the given NATS URL. An empty prefix defaults to
// "taskmesh.events".
func NewNATSForwarder(url, prefix string) (*NATSForwarder, error) {
	if prefix == "" {
		prefix = "taskmesh.events"
	}
	nc, err := nats.Connect(url, nats.Name("taskmesh-relay"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSForwarder{nc: nc, prefix: prefix}, nil
}

// NewNATSForwarderFromConn wraps an existing connection.
func NewNATSForwarderFromConn(nc *nats.Conn, prefix string) *NATSForwarder {
	if prefix == "" {
		prefix = "taskmesh.events"
	}
	return &NATSForwarder{nc: nc, prefix: prefix}
}

// Forward implements Forwarder.
func (f *NATSForwarder) Forward(env Envelope) error {
	if f == nil || f.nc == nil {
		return nil // skip publishing if no NATS connection (graceful degradation)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", f.prefix, env.SessionID)
	if err := f.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

// Close drains the underlying connection.
func (f *NATSForwarder) Close() error {
	if f == nil || f.nc == nil {
		return nil
	}
	return f.nc.Drain()
}
