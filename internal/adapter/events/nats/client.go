package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	natspkg "github.com/nats-io/nats.go"

	"github.com/strogmv/sessionguard/internal/port"
)

// Envelope is the wire form of a security alert on the bus.
type Envelope struct {
	Event    string    `json:"event"`
	Severity string    `json:"severity"`
	UserID   string    `json:"userId,omitempty"`
	Text     string    `json:"text,omitempty"`
	Payload  any       `json:"payload,omitempty"`
	SentAt   time.Time `json:"sentAt"`
}

type Client struct {
	nc     *natspkg.Conn
	prefix string
}

// NewClient connects to url. Alerts are published on <prefix>.<event>.
func NewClient(url, prefix string, opts ...natspkg.Option) (*Client, error) {
	opts = append([]natspkg.Option{natspkg.Name("sessionguard")}, opts...)
	nc, err := natspkg.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}, nil
}

func (c *Client) Close() {
	c.nc.Close()
}

func (c *Client) IsConnected() bool {
	return c.nc != nil && c.nc.Status() == natspkg.CONNECTED
}

// Subject returns the subject an event is published on.
func (c *Client) Subject(event string) string {
	return subjectFor(c.prefix, event)
}

func subjectFor(prefix, event string) string {
	if prefix == "" {
		return event
	}
	return prefix + "." + event
}

// Send implements port.NotificationSink.
func (c *Client) Send(ctx context.Context, msg port.NotificationMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{
		Event:    msg.Event,
		Severity: msg.Severity,
		UserID:   msg.UserID,
		Text:     msg.Text,
		Payload:  msg.Payload,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return c.nc.Publish(c.Subject(msg.Event), data)
}

// Subscribe delivers every alert under the prefix to handler.
func (c *Client) Subscribe(handler func(Envelope) error) (*natspkg.Subscription, error) {
	return c.nc.Subscribe(subjectFor(c.prefix, ">"), func(msg *natspkg.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		_ = handler(env)
	})
}

var _ port.NotificationSink = (*Client)(nil)
