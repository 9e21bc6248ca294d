package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

// NATSConfig mirrors the connection knobs the rest of the platform uses.
type NATSConfig struct {
	URL            string
	Token          string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

// NATSBroadcaster publishes room events to NATS subjects. A socket gateway
// subscribed to `<subjectPrefix>.>` fans them out to connected clients.
type NATSBroadcaster struct {
	conn    *natsgo.Conn
	subject string
	log     *slog.Logger
}

// NewNATSBroadcaster connects and returns a broadcaster publishing under
// subjectPrefix (e.g. "zapblast.rooms").
func NewNATSBroadcaster(cfg NATSConfig, subjectPrefix string, log *slog.Logger) (*NATSBroadcaster, error) {
	opts := []natsgo.Option{
		natsgo.Name("zapblast-engine"),
		natsgo.Timeout(cfg.ConnectTimeout),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.MaxReconnects(cfg.MaxReconnects),
	}
	if cfg.Token != "" {
		opts = append(opts, natsgo.Token(cfg.Token))
	}

	conn, err := natsgo.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect to %s: %w", cfg.URL, err)
	}

	return &NATSBroadcaster{
		conn:    conn,
		subject: subjectPrefix,
		log:     log.With(slog.String("component", "broadcaster")),
	}, nil
}

type envelope struct {
	Room    string `json:"room"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

func (b *NATSBroadcaster) Emit(ctx context.Context, room, event string, payload any) error {
	data, err := json.Marshal(envelope{Room: room, Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal broadcast payload: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", b.subject, room, event)
	if err := b.conn.Publish(subject, data); err != nil {
		b.log.Warn("broadcast publish failed",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Close drains the connection.
func (b *NATSBroadcaster) Close() {
	if b.conn != nil {
		_ = b.conn.Drain()
	}
}
