package telegram

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"chanpost/internal/transport"
)

var retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+)`)

// permanentMarkers are Bot API descriptions that will not change on retry.
var permanentMarkers = []string{
	"chat not found",
	"bot was kicked",
	"bot was blocked",
	"bot is not a member",
	"not enough rights",
	"have no rights",
	"need administrator rights",
	"chat_write_forbidden",
	"user is deactivated",
	"group chat was upgraded",
	"wrong file identifier",
	"wrong remote file",
	"failed to get http url content",
	"message is too long",
}

// classify maps Bot API errors to the transport error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	var te *tele.Error
	code := 0
	if errors.As(err, &te) && te != nil {
		code = te.Code
		if te.Description != "" {
			msg = strings.ToLower(te.Description) + " " + msg
		}
	}

	if code == 429 || strings.Contains(msg, "too many requests") || retryAfterRe.MatchString(msg) {
		return &transport.RateLimitError{After: parseRetryAfter(msg), Err: err}
	}
	if code == 403 {
		return &transport.PermanentError{Reason: "forbidden", Err: err}
	}
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return &transport.PermanentError{Reason: m, Err: err}
		}
	}
	return err
}

func parseRetryAfter(msg string) time.Duration {
	m := retryAfterRe.FindStringSubmatch(msg)
	if len(m) == 2 {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Second
}
