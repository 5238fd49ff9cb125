package port

import "context"

// NotificationMessage is a transport-agnostic envelope for security alerts.
type NotificationMessage struct {
	Event    string
	Severity string
	UserID   string
	Payload  any
	Channels []string
	Template string
	Text     string
	Metadata map[string]any
}

// NotificationDispatcher routes notification message to configured channel sinks.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, msg NotificationMessage) error
}

// NotificationSink delivers notifications on one channel.
type NotificationSink interface {
	Send(ctx context.Context, msg NotificationMessage) error
}
