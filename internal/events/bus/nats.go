package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/liminal/liminal/internal/common/config"
	"github.com/liminal/liminal/internal/common/logger"
)

// NATSBus carries notices over a NATS connection so a UI shell or a
// secondary director process can observe coordination traffic out of
// process. Notice subjects map 1:1 onto NATS subjects.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSBus connects to the configured NATS server.
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	busLog := log.WithFields(zap.String("component", "notice-bus"))

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			busLog.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			busLog.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.URL, err)
	}

	busLog.Info("notice bus connected to nats", zap.String("url", cfg.URL))
	return &NATSBus{conn: conn, logger: busLog}, nil
}

// Publish marshals the notice onto its subject.
func (b *NATSBus) Publish(ctx context.Context, n *Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("cannot marshal notice: %w", err)
	}
	if err := b.conn.Publish(n.Subject, data); err != nil {
		return fmt.Errorf("cannot publish notice on %s: %w", n.Subject, err)
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *NATSBus) Subscribe(pattern string, h Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(pattern, func(msg *nats.Msg) {
		var n Notice
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			b.logger.Error("dropping malformed notice",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		if err := h(context.Background(), &n); err != nil {
			b.logger.Error("notice handler failed",
				zap.String("subject", msg.Subject),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("cannot subscribe to %s: %w", pattern, err)
	}
	return &natsSub{sub: sub}, nil
}

// Close drains the connection so queued notices still go out.
func (b *NATSBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("nats drain failed, closing hard", zap.Error(err))
		b.conn.Close()
	}
}

// Connected reports connection state.
func (b *NATSBus) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSub) Active() bool {
	return s.sub.IsValid()
}

var _ Bus = (*NATSBus)(nil)
