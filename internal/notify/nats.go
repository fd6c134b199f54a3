package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/prateushsharma/amlbot/internal/idgen"
)

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON payload published for each notification.
type Message struct {
	ID           string    `json:"id"`
	SubscriberID string    `json:"subscriberId"`
	Message      string    `json:"message"`
	SentAt       time.Time `json:"sentAt"`
}

// NATS publishes notifications to <subject>.<subscriber id> so a front-end
// can subscribe to <subject>.> and route them.
type NATS struct {
	pub     Publisher
	conn    *nats.Conn
	subject string
	now     func() time.Time
}

// NewNATS creates a sink publishing through pub.
func NewNATS(pub Publisher, subject string) *NATS {
	return &NATS{pub: pub, subject: subject, now: time.Now}
}

// ConnectNATS dials url with unlimited reconnects and returns a sink that
// owns the connection.
func ConnectNATS(url, subject string, logger *slog.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("amlbot"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	n := NewNATS(nc, subject)
	n.conn = nc
	return n, nil
}

func (n *NATS) Notify(_ context.Context, subscriberExternalID, message string) error {
	data, err := json.Marshal(Message{
		ID:           idgen.WithPrefix("ntf_"),
		SubscriberID: subscriberExternalID,
		Message:      message,
		SentAt:       n.now().UTC(),
	})
	if err != nil {
		return err
	}
	subject := n.subject + "." + subjectToken(subscriberExternalID)
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes an owned connection.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}

// subjectToken makes s safe as a single NATS subject token.
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
