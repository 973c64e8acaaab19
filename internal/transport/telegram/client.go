package telegram

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"chanpost/internal/transport"
	"chanpost/pkg/logx"
)

const (
	telegramTextLimit    = 4096
	telegramCaptionLimit = 1024
)

type Config struct {
	Token      string
	ParseMode  string
	RatePerSec float64
	Burst      int

	// WidgetBaseURL is the public post widget origin used for view counts.
	WidgetBaseURL string
	HTTPTimeout   time.Duration
	UsernameTTL   time.Duration
}

// Client delivers channel posts through the Bot API and reads view counts
// from the public post widget.
type Client struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	http    *http.Client
	limiter *rate.Limiter

	userMu    sync.Mutex
	usernames map[int64]cachedUsername

	// resolveChat is bot.ChatByID; tests replace it.
	resolveChat func(id int64) (*tele.Chat, error)
}

type cachedUsername struct {
	name string
	at   time.Time
}

type recipient string

func (r recipient) Recipient() string { return string(r) }

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	cfg = withDefaults(cfg)
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	c := newClient(cfg, log)
	c.bot = b
	c.resolveChat = b.ChatByID
	return c, nil
}

func newClient(cfg Config, log logx.Logger) *Client {
	cfg = withDefaults(cfg)
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:       cfg,
		log:       log,
		http:      &http.Client{Timeout: cfg.HTTPTimeout},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		usernames: make(map[int64]cachedUsername),
	}
}

func withDefaults(cfg Config) Config {
	if cfg.ParseMode == "" {
		cfg.ParseMode = tele.ModeHTML
	}
	if cfg.RatePerSec <= 0 {
		// Bot API allows roughly 30 messages per second across chats.
		cfg.RatePerSec = 25
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if strings.TrimSpace(cfg.WidgetBaseURL) == "" {
		cfg.WidgetBaseURL = "https://t.me"
	}
	cfg.WidgetBaseURL = strings.TrimRight(cfg.WidgetBaseURL, "/")
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.UsernameTTL <= 0 {
		cfg.UsernameTTL = 6 * time.Hour
	}
	return cfg
}

// Send delivers p to destination ("@channel" or a numeric chat id) and
// returns the id of the first message posted.
func (c *Client) Send(ctx context.Context, destination string, p transport.Payload) (transport.SendResult, error) {
	if c.bot == nil {
		return transport.SendResult{}, errors.New("telegram: bot not initialized")
	}
	to := recipient(strings.TrimSpace(destination))
	if to == "" {
		return transport.SendResult{}, &transport.PermanentError{Reason: "empty destination"}
	}

	parseMode := p.ParseMode
	if parseMode == "" {
		parseMode = c.cfg.ParseMode
	}
	opt := &tele.SendOptions{
		ParseMode:             parseMode,
		DisableWebPagePreview: p.DisablePreview,
		ReplyMarkup:           inlineMarkup(p.Buttons),
	}

	if p.Media != nil {
		what, err := mediaSendable(*p.Media, p.Text)
		if err != nil {
			return transport.SendResult{}, err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return transport.SendResult{}, err
		}
		msg, err := c.bot.Send(to, what, opt)
		if err != nil {
			return transport.SendResult{}, classify(err)
		}
		return transport.SendResult{MessageID: strconv.Itoa(msg.ID), SentAt: time.Now()}, nil
	}

	chunks := splitTelegramText(p.Text, telegramTextLimit, parseMode)
	var first transport.SendResult
	for i, chunk := range chunks {
		if err := c.limiter.Wait(ctx); err != nil {
			if i > 0 {
				return first, nil
			}
			return transport.SendResult{}, err
		}
		o := *opt
		if i > 0 {
			o.ReplyMarkup = nil
		}
		msg, err := c.bot.Send(to, chunk, &o)
		if err != nil {
			if i > 0 {
				// The post is already visible; report the first part as delivered.
				c.log.Warn("telegram continuation send failed", logx.String("dest", string(to)), logx.Int("part", i), logx.Err(err))
				return first, nil
			}
			return transport.SendResult{}, classify(err)
		}
		if i == 0 {
			first = transport.SendResult{MessageID: strconv.Itoa(msg.ID), SentAt: time.Now()}
		}
	}
	return first, nil
}

func inlineMarkup(rows [][]transport.Button) *tele.ReplyMarkup {
	if len(rows) == 0 {
		return nil
	}
	kb := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		r := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			if strings.TrimSpace(b.Text) == "" || strings.TrimSpace(b.URL) == "" {
				continue
			}
			r = append(r, tele.InlineButton{Text: b.Text, URL: b.URL})
		}
		if len(r) > 0 {
			kb = append(kb, r)
		}
	}
	if len(kb) == 0 {
		return nil
	}
	return &tele.ReplyMarkup{InlineKeyboard: kb}
}

func mediaFile(ref string) tele.File {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return tele.FromURL(ref)
	case strings.HasPrefix(ref, "file://"):
		return tele.FromDisk(strings.TrimPrefix(ref, "file://"))
	default:
		return tele.File{FileID: ref}
	}
}

func mediaSendable(m transport.Media, caption string) (tele.Sendable, error) {
	if len([]rune(caption)) > telegramCaptionLimit {
		return nil, &transport.PermanentError{Reason: "caption exceeds " + strconv.Itoa(telegramCaptionLimit) + " characters"}
	}
	f := mediaFile(m.Ref)
	switch m.Kind {
	case transport.MediaPhoto, "":
		return &tele.Photo{File: f, Caption: caption}, nil
	case transport.MediaVideo:
		return &tele.Video{File: f, Caption: caption}, nil
	case transport.MediaAnimation:
		return &tele.Animation{File: f, Caption: caption}, nil
	case transport.MediaDocument:
		return &tele.Document{File: f, Caption: caption}, nil
	default:
		return nil, &transport.PermanentError{Reason: "unsupported media kind " + string(m.Kind)}
	}
}
