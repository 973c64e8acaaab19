package dispatch

import (
	"chanpost/internal/domain"
	"chanpost/internal/transport"
)

// buildPayload maps an item to a text post, a media post, or a media post
// with the body as caption, plus optional inline buttons.
func buildPayload(it domain.ScheduledItem, cfg Config) transport.Payload {
	p := transport.Payload{
		Text:           it.BodyText,
		ParseMode:      cfg.ParseMode,
		DisablePreview: cfg.DisablePreview,
	}
	if it.HasMedia() {
		p.Media = &transport.Media{
			Kind: transport.MediaKind(it.EffectiveMediaKind()),
			Ref:  it.MediaReference,
		}
	}
	if len(it.Buttons) > 0 {
		p.Buttons = make([][]transport.Button, 0, len(it.Buttons))
		for _, row := range it.Buttons {
			r := make([]transport.Button, 0, len(row))
			for _, b := range row {
				r = append(r, transport.Button{Text: b.Text, URL: b.URL})
			}
			p.Buttons = append(p.Buttons, r)
		}
	}
	return p
}
