// Package domain holds the scheduled-delivery and view-tracking records
// shared by the stores, the dispatcher and the sync engine.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusError   Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether from→to is an allowed lifecycle step.
// sending→pending is the only backward step (requeue).
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusSending || to == StatusError
	case StatusSending:
		return to == StatusSent || to == StatusError || to == StatusPending
	}
	return false
}

type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaAnimation MediaKind = "animation"
	MediaDocument  MediaKind = "document"
)

type Button struct {
	Text string `json:"text" validate:"required,max=64"`
	URL  string `json:"url" validate:"required,url"`
}

// ButtonLayout is rows of inline URL buttons.
type ButtonLayout [][]Button

var ErrValidation = errors.New("invalid scheduled item")

type ScheduledItem struct {
	ID                   string       `json:"id"`
	OwnerID              string       `json:"owner_id" validate:"required"`
	DestinationChannelID string       `json:"destination_channel_id" validate:"required"`
	BodyText             string       `json:"body_text,omitempty" validate:"max=4096"`
	MediaReference       string       `json:"media_reference,omitempty"`
	MediaKind            MediaKind    `json:"media_kind,omitempty" validate:"omitempty,oneof=photo video animation document"`
	Buttons              ButtonLayout `json:"button_layout,omitempty" validate:"omitempty,dive,dive"`
	ScheduledAt          time.Time    `json:"scheduled_at" validate:"required"`
	Status               Status       `json:"status"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`

	Attempts          int    `json:"attempts"`
	ExternalMessageID string `json:"external_message_id,omitempty"`
	ErrorReason       string `json:"error_reason,omitempty"`
	RateLimited       bool   `json:"rate_limited,omitempty"`
}

func NewItemID() string { return "itm_" + uuid.NewString() }

func (it ScheduledItem) HasBody() bool  { return strings.TrimSpace(it.BodyText) != "" }
func (it ScheduledItem) HasMedia() bool { return strings.TrimSpace(it.MediaReference) != "" }

// EffectiveMediaKind defaults to photo when media is present without a kind.
func (it ScheduledItem) EffectiveMediaKind() MediaKind {
	if it.MediaKind == "" {
		return MediaPhoto
	}
	return it.MediaKind
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// CheckContent validates the deliverable part of an item. A body, media,
// or media with a caption body are accepted; neither is a data-integrity
// error.
func (it ScheduledItem) CheckContent() error {
	if !it.HasBody() && !it.HasMedia() {
		return fmt.Errorf("%w: neither body_text nor media_reference is set", ErrValidation)
	}
	if err := validatorInstance().Struct(it); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Validate is the creation-time check: content rules plus a scheduled_at
// strictly after now.
func (it ScheduledItem) Validate(now time.Time) error {
	if err := it.CheckContent(); err != nil {
		return err
	}
	if !it.ScheduledAt.After(now) {
		return fmt.Errorf("%w: scheduled_at must be in the future", ErrValidation)
	}
	return nil
}
