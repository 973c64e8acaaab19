package storage

import (
	"encoding/json"
	"strings"
	"time"

	"chanpost/internal/domain"
)

func encodeButtons(b domain.ButtonLayout) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	return json.Marshal(b)
}

func decodeButtons(raw []byte) (domain.ButtonLayout, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var b domain.ButtonLayout
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return b, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// prepareItem fills the defaults a new row needs.
func prepareItem(it domain.ScheduledItem, now time.Time) domain.ScheduledItem {
	if strings.TrimSpace(it.ID) == "" {
		it.ID = domain.NewItemID()
	}
	if it.Status == "" {
		it.Status = domain.StatusPending
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now
	return it
}
