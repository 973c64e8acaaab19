package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"chanpost/internal/transport"
	"chanpost/pkg/logx"
)

var (
	viewsRe       = regexp.MustCompile(`<span class="tgme_widget_message_views"[^>]*>([^<]+)</span>`)
	widgetErrorRe = regexp.MustCompile(`class="tgme_widget_message_error"`)
	widgetPostRe  = regexp.MustCompile(`data-post="[^"]+"`)
)

// FetchViewCount reads the view counter of a channel post from the public
// post widget. Posts that were deleted come back as ViewsNotFound; channels
// without a public username come back as ViewsUnknown.
func (c *Client) FetchViewCount(ctx context.Context, destination, messageID string) (transport.ViewCount, error) {
	if _, err := strconv.Atoi(strings.TrimSpace(messageID)); err != nil {
		return transport.NotFound(), nil
	}
	username, err := c.channelUsername(destination)
	if err != nil {
		return transport.ViewCount{}, err
	}
	if username == "" {
		return transport.Unknown(), nil
	}

	url := fmt.Sprintf("%s/%s/%s?embed=1", c.cfg.WidgetBaseURL, username, strings.TrimSpace(messageID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return transport.ViewCount{}, err
	}
	req.Header.Set("User-Agent", "chanpost/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return transport.ViewCount{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return transport.ViewCount{}, &transport.RateLimitError{After: retryAfterHeader(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusNotFound:
		return transport.NotFound(), nil
	case resp.StatusCode/100 != 2:
		return transport.ViewCount{}, fmt.Errorf("widget %s: http %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return transport.ViewCount{}, err
	}
	return parseWidget(body)
}

func parseWidget(body []byte) (transport.ViewCount, error) {
	if widgetErrorRe.Match(body) {
		return transport.NotFound(), nil
	}
	m := viewsRe.FindSubmatch(body)
	if m == nil {
		if widgetPostRe.Match(body) {
			// Post exists but the counter is hidden.
			return transport.Unknown(), nil
		}
		return transport.NotFound(), nil
	}
	n, err := parseViewCount(html.UnescapeString(string(m[1])))
	if err != nil {
		return transport.ViewCount{}, err
	}
	return transport.Known(n), nil
}

// parseViewCount expands abbreviated counters such as "987", "1.2K", "3M".
func parseViewCount(s string) (int64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0, errors.New("empty view count")
	}
	mult := 1.0
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = 1e3
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = 1e6
		s = s[:len(s)-1]
	case 'B', 'b':
		mult = 1e9
		s = s[:len(s)-1]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse view count %q: %w", s, err)
	}
	return int64(f*mult + 0.5), nil
}

func retryAfterHeader(v string) time.Duration {
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return 5 * time.Second
}

// channelUsername returns the public username of a destination. Numeric ids
// are resolved through the Bot API and cached.
func (c *Client) channelUsername(destination string) (string, error) {
	d := strings.TrimSpace(destination)
	if d == "" {
		return "", &transport.PermanentError{Reason: "empty destination"}
	}
	if strings.HasPrefix(d, "@") {
		return d[1:], nil
	}
	id, err := strconv.ParseInt(d, 10, 64)
	if err != nil {
		return d, nil
	}

	c.userMu.Lock()
	if cu, ok := c.usernames[id]; ok && time.Since(cu.at) < c.cfg.UsernameTTL {
		c.userMu.Unlock()
		return cu.name, nil
	}
	c.userMu.Unlock()

	if c.resolveChat == nil {
		return "", nil
	}
	chat, err := c.resolveChat(id)
	if err != nil {
		return "", classify(err)
	}
	name := ""
	if chat != nil {
		name = chat.Username
	}
	c.userMu.Lock()
	c.usernames[id] = cachedUsername{name: name, at: time.Now()}
	c.userMu.Unlock()
	if name == "" {
		c.log.Debug("channel has no public username; views unavailable", logx.Int64("chat_id", id))
	}
	return name, nil
}
