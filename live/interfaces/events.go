package interfaces

import (
	"context"
	"time"
)

type EventKind string

const (
	CaptureStarted   EventKind = "capture_started"
	CaptureFinished  EventKind = "capture_finished"
	CaptureAbandoned EventKind = "capture_abandoned"
	FatalError       EventKind = "fatal_error"
)

type Event struct {
	Kind     EventKind     `json:"kind"`
	Channel  string        `json:"channel"`
	VodID    string        `json:"vod_id,omitempty"`
	Title    string        `json:"title,omitempty"`
	Path     string        `json:"path,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Time     time.Time     `json:"time"`
}

// NotificationSink receives capture events. Implementations must be safe
// for concurrent use, since every channel pipeline shares the sinks.
type NotificationSink interface {
	Notify(ctx context.Context, ev *Event) error
}
