// Package messaging wraps the NATS connection used by the notification
// ingress. Producers publish to notify.user.<user_id>; the gateway subscribes
// to the wildcard and hands each event to the fan-out bus.
package messaging

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectNotifyAll matches every per-user notification subject.
const SubjectNotifyAll = "notify.user.*"

// ErrNotSubscribed is returned when unsubscribing from a subject that has no
// active subscription.
var ErrNotSubscribed = errors.New("messaging: not subscribed")

// NATSConfig holds connection settings.
type NATSConfig struct {
	URL           string        // e.g. nats://localhost:4222
	Name          string        // client name shown in server monitoring
	ConnectWait   time.Duration // dial timeout for the initial connection
	ReconnectWait time.Duration // pause between reconnect attempts
	MaxReconnects int           // -1 reconnects forever, 0 disables reconnects
}

// DefaultNATSConfig returns the gateway's defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "presence-gateway",
		ConnectWait:   5 * time.Second,
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSClient owns one NATS connection and the subscriptions made through it.
type NATSClient struct {
	nc     *nats.Conn
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription // subject -> subscription
}

// NewNATSClient dials NATS. Only the initial connection failure is returned;
// later disconnects are retried per config and logged.
func NewNATSClient(config NATSConfig, logger *zap.Logger) (*NATSClient, error) {
	logger = logger.Named("nats")

	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.Timeout(config.ConnectWait),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("connection lost", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("connection restored", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("async error", zap.String("subject", subject), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect %s: %w", config.URL, err)
	}

	logger.Info("connected", zap.String("url", nc.ConnectedUrl()), zap.String("name", config.Name))
	return &NATSClient{
		nc:     nc,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data on subject. Delivery to subscribers is not confirmed.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// Flush waits until the server has acknowledged everything published so far.
func (c *NATSClient) Flush(timeout time.Duration) error {
	if err := c.nc.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("messaging: flush: %w", err)
	}
	return nil
}

// Subscribe installs handler on subject, replacing any earlier subscription
// made through this client for the same subject.
func (c *NATSClient) Subscribe(subject string, handler nats.MsgHandler) error {
	sub, err := c.nc.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	prev := c.subs[subject]
	c.subs[subject] = sub
	c.mu.Unlock()

	if prev != nil {
		_ = prev.Unsubscribe()
	}
	return nil
}

// SubscribeNotifications delivers every per-user notification to handler
// with the subject it arrived on.
func (c *NATSClient) SubscribeNotifications(handler func(subject string, data []byte)) error {
	return c.Subscribe(SubjectNotifyAll, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
}

// UnsubscribeNotifications stops the notification ingress.
func (c *NATSClient) UnsubscribeNotifications() error {
	return c.Unsubscribe(SubjectNotifyAll)
}

// Unsubscribe removes the subscription on subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	delete(c.subs, subject)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("messaging: unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains every subscription and then the connection. The drain finishes
// in the background.
func (c *NATSClient) Close() {
	c.mu.Lock()
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	if err := c.nc.Drain(); err != nil {
		c.logger.Warn("drain failed", zap.Error(err))
		c.nc.Close()
	}
	c.logger.Info("closed")
}
