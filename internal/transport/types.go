package transport

import (
	"context"
	"time"
)

type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaAnimation MediaKind = "animation"
	MediaDocument  MediaKind = "document"
)

// Media references a file by URL, platform file id, or local path
// ("file://" prefix).
type Media struct {
	Kind MediaKind
	Ref  string
}

type Button struct {
	Text string
	URL  string
}

// Payload is one outbound message. When Media is set, Text is used as the
// caption.
type Payload struct {
	Text           string
	Media          *Media
	Buttons        [][]Button
	ParseMode      string
	DisablePreview bool
}

type SendResult struct {
	MessageID string
	SentAt    time.Time
}

type ViewState uint8

const (
	ViewsUnknown ViewState = iota
	ViewsKnown
	ViewsNotFound
)

func (s ViewState) String() string {
	switch s {
	case ViewsKnown:
		return "known"
	case ViewsNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// ViewCount is the result of a view-count lookup. A message that no longer
// exists is reported as ViewsNotFound, not as an error.
type ViewCount struct {
	State ViewState
	Views int64
}

func Known(n int64) ViewCount { return ViewCount{State: ViewsKnown, Views: n} }

func NotFound() ViewCount { return ViewCount{State: ViewsNotFound} }

func Unknown() ViewCount { return ViewCount{State: ViewsUnknown} }

// Client is the messaging API consumed by the dispatcher and the sync engine.
//
// Send returns *RateLimitError when the platform asks to back off and
// *PermanentError when the destination is unreachable or forbidden. Any other
// error is transient.
type Client interface {
	Send(ctx context.Context, destination string, p Payload) (SendResult, error)
	FetchViewCount(ctx context.Context, destination, messageID string) (ViewCount, error)
}
