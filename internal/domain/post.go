package domain

import (
	"time"

	"github.com/google/uuid"
)

// TrackedPost is a delivered item whose view count is kept current.
type TrackedPost struct {
	ID                   string     `json:"id"`
	ScheduledItemID      string     `json:"scheduled_item_id"`
	DestinationChannelID string     `json:"destination_channel_id"`
	ExternalMessageID    string     `json:"external_message_id"`
	CurrentViewCount     int64      `json:"current_view_count"`
	LastSyncedAt         *time.Time `json:"last_synced_at,omitempty"`
	SentAt               time.Time  `json:"sent_at"`
}

func NewPostID() string { return "pst_" + uuid.NewString() }

// ViewUpdate is one row of a batched view-count write.
type ViewUpdate struct {
	PostID string
	Views  int64
}

type OutcomeKind string

const (
	OutcomeSent        OutcomeKind = "sent"
	OutcomeDuplicate   OutcomeKind = "duplicate"
	OutcomeInvalid     OutcomeKind = "invalid"
	OutcomePermanent   OutcomeKind = "permanent"
	OutcomeRateLimited OutcomeKind = "rate_limited"
	OutcomeTransient   OutcomeKind = "transient"
)

// DeliveryOutcome is the result of one dispatch attempt.
type DeliveryOutcome struct {
	ItemID            string      `json:"item_id"`
	Kind              OutcomeKind `json:"kind"`
	Success           bool        `json:"success"`
	ExternalMessageID string      `json:"external_message_id,omitempty"`
	Duplicate         bool        `json:"duplicate"`
	RateLimited       bool        `json:"rate_limited"`
	ErrorReason       string      `json:"error_reason,omitempty"`
	// Requeued is set when a transient failure put the item back to pending.
	Requeued bool `json:"requeued,omitempty"`
}
