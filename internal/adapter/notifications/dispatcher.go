package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/strogmv/sessionguard/internal/domain"
	"github.com/strogmv/sessionguard/internal/pkg/templaterender"
	"github.com/strogmv/sessionguard/internal/port"
)

// Channel names understood by the dispatcher.
const (
	ChannelAuditLog = "audit_log"
	ChannelEvents   = "events"
)

// Dispatcher routes security alerts to configured channel sinks.
type Dispatcher struct {
	sinks    map[string]port.NotificationSink
	renderer *templaterender.Renderer
	logger   *slog.Logger
}

type dispatchPolicy struct {
	Event    string
	Severity string
	Channels []string
	Template string
}

var dispatchPolicies = []dispatchPolicy{
	{
		Event:    domain.EventTokenReuseDetected,
		Severity: "critical",
		Channels: []string{ChannelAuditLog, ChannelEvents},
		Template: "refresh token reuse for user {{.UserID}}: family {{.Family}} revoked ({{.RevokedCount}} tokens)",
	},
	{
		Event:    domain.EventSessionEvicted,
		Severity: "info",
		Channels: []string{ChannelAuditLog},
		Template: "session {{.TokenID}} of user {{.UserID}} evicted by the session cap",
	},
	{
		Event:    domain.EventSessionsRevoked,
		Severity: "info",
		Channels: []string{ChannelAuditLog, ChannelEvents},
		Template: "{{.RevokedCount}} sessions of user {{.UserID}} revoked",
	},
	{
		Event:    domain.EventLoginLocked,
		Severity: "warning",
		Channels: []string{ChannelAuditLog, ChannelEvents},
		Template: "login locked for {{.Identity}} from {{.Origin}} after {{.Attempts}} attempts",
	},
	{
		Event:    domain.EventTwoFactorEnabled,
		Severity: "info",
		Channels: []string{ChannelAuditLog, ChannelEvents},
		Template: "two-factor enabled for user {{.UserID}}",
	},
	{
		Event:    domain.EventTwoFactorDisabled,
		Severity: "warning",
		Channels: []string{ChannelAuditLog, ChannelEvents},
		Template: "two-factor disabled for user {{.UserID}}",
	},
}

// NewDispatcher builds a dispatcher. Channels without a sink are skipped with
// a debug log, so a deployment without NATS still gets the audit log.
func NewDispatcher(log *slog.Logger, sinks map[string]port.NotificationSink) *Dispatcher {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	d := &Dispatcher{
		sinks:    make(map[string]port.NotificationSink, len(sinks)),
		renderer: templaterender.New(),
		logger:   log,
	}
	for name, sink := range sinks {
		if sink != nil {
			d.sinks[name] = sink
		}
	}
	return d
}

// Dispatch delivers msg to its channels, or to the policy channels when
// omitted. Every channel is attempted; failures are joined.
func (d *Dispatcher) Dispatch(ctx context.Context, msg port.NotificationMessage) error {
	msg = applyDispatchPolicy(msg)
	if msg.Text == "" && msg.Template != "" {
		text, err := d.renderer.Render(msg.Template, msg.Payload)
		if err != nil {
			return fmt.Errorf("render notification %q: %w", msg.Event, err)
		}
		msg.Text = text
	}
	channels := msg.Channels
	if len(channels) == 0 {
		channels = []string{ChannelAuditLog}
	}
	var errs []error
	for _, channel := range channels {
		channel = strings.TrimSpace(channel)
		sink, ok := d.sinks[channel]
		if !ok {
			d.logger.Debug("notification channel not configured", slog.String("channel", channel), slog.String("event", msg.Event))
			continue
		}
		if err := sink.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("send via %s: %w", channel, err))
		}
	}
	return errors.Join(errs...)
}

func applyDispatchPolicy(msg port.NotificationMessage) port.NotificationMessage {
	for _, rule := range dispatchPolicies {
		if !strings.EqualFold(rule.Event, strings.TrimSpace(msg.Event)) {
			continue
		}
		if strings.TrimSpace(msg.Severity) == "" {
			msg.Severity = rule.Severity
		}
		if len(msg.Channels) == 0 && len(rule.Channels) > 0 {
			msg.Channels = append([]string(nil), rule.Channels...)
		}
		if strings.TrimSpace(msg.Template) == "" {
			msg.Template = rule.Template
		}
		return msg
	}
	return msg
}

// AuditLogSink writes alerts to the structured log.
type AuditLogSink struct {
	logger *slog.Logger
}

func NewAuditLogSink(log *slog.Logger) *AuditLogSink {
	return &AuditLogSink{logger: log.With(slog.String("channel", ChannelAuditLog))}
}

func (s *AuditLogSink) Send(ctx context.Context, msg port.NotificationMessage) error {
	level := slog.LevelInfo
	switch msg.Severity {
	case "critical", "error":
		level = slog.LevelError
	case "warning":
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "security alert",
		slog.String("event", msg.Event),
		slog.String("severity", msg.Severity),
		slog.String("user_id", msg.UserID),
		slog.String("text", msg.Text),
		slog.Any("payload", msg.Payload),
	)
	return nil
}

var (
	_ port.NotificationDispatcher = (*Dispatcher)(nil)
	_ port.NotificationSink       = (*AuditLogSink)(nil)
)
