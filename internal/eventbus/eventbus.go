// Package eventbus is the internal NATS pub/sub wiring used to fan out
// "a PDU was durably persisted" notifications after the Transaction
// Ingestor appends an event to a room's graph. It carries no federation
// wire traffic itself; it is the persist-then-notify seam a future
// sync/gateway layer (out of this core's scope) would subscribe to.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cirnoe/homefed/internal/model"
)

// SubjectPDUPersisted is published once per PDU after it is durably
// appended to a room's event graph.
const SubjectPDUPersisted = "homefed.pdu.persisted"

// SubjectTypingUpdated is published whenever an m.typing EDU changes the
// typing state of a room.
const SubjectTypingUpdated = "homefed.typing.updated"

// streamName is the single JetStream stream this bus maintains; federation
// notifications are low-volume and short-lived, so one stream with a short
// retention window is enough.
const streamName = "HOMEFED_EVENTS"

// PDUPersisted is the payload published on SubjectPDUPersisted.
type PDUPersisted struct {
	RoomID  string        `json:"room_id"`
	EventID model.EventID `json:"event_id"`
	PDUID   []byte        `json:"pdu_id"`
}

// TypingUpdated is the payload published on SubjectTypingUpdated.
type TypingUpdated struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// Bus wraps a NATS connection with JetStream enabled, publishing the
// ingestor's internal notifications.
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// New connects to the NATS server at natsURL and initializes JetStream.
func New(natsURL string, logger *slog.Logger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("homefed"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", slog.String("error", err.Error()))
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", natsURL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("initializing JetStream: %w", err)
	}

	logger.Info("NATS connection established", slog.String("url", nc.ConnectedUrl()))
	return &Bus{conn: nc, js: js, logger: logger}, nil
}

// EnsureStream creates the HOMEFED_EVENTS JetStream stream if it does not
// already exist. Call once during server startup.
func (b *Bus) EnsureStream() error {
	cfg := &nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"homefed.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	info, err := b.js.StreamInfo(streamName)
	if err != nil && err != nats.ErrStreamNotFound {
		return fmt.Errorf("checking stream %s: %w", streamName, err)
	}
	if info != nil {
		b.logger.Debug("JetStream stream exists", slog.String("stream", streamName))
		return nil
	}
	if _, err := b.js.AddStream(cfg); err != nil {
		return fmt.Errorf("creating stream %s: %w", streamName, err)
	}
	b.logger.Info("JetStream stream created", slog.String("stream", streamName))
	return nil
}

// PublishPDUPersisted notifies the bus that a PDU was appended.
func (b *Bus) PublishPDUPersisted(_ context.Context, ev PDUPersisted) error {
	return b.publish(SubjectPDUPersisted, ev)
}

// PublishTypingUpdated notifies the bus of a typing state change.
func (b *Bus) PublishTypingUpdated(_ context.Context, ev TypingUpdated) error {
	return b.publish(SubjectTypingUpdated, ev)
}

func (b *Bus) publish(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	b.logger.Debug("event published", slog.String("subject", subject))
	return nil
}

// HealthCheck verifies the NATS connection is alive.
func (b *Bus) HealthCheck() error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS connection is not active (status: %s)", b.conn.Status())
	}
	return nil
}

// Close drains pending messages and closes the NATS connection.
func (b *Bus) Close() {
	b.logger.Info("closing NATS connection")
	b.conn.Drain()
}
