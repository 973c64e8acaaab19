package telegram

import "strings"

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			if cut := lastNewline(rs, start, end, limit/3); cut != -1 {
				end = cut
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			if open := danglingTag(rs, start, end); open > start+1 {
				end = open
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// lastNewline returns the index just past the last newline in rs[start:end]
// that leaves a chunk of at least minLen runes, or -1.
func lastNewline(rs []rune, start, end, minLen int) int {
	for i := end - 1; i > start; i-- {
		if rs[i] == '\n' && i-start >= minLen {
			return i + 1
		}
	}
	return -1
}

// danglingTag returns the position of an unclosed '<' in rs[start:end], or -1.
func danglingTag(rs []rune, start, end int) int {
	lastOpen, lastClose := -1, -1
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			lastOpen = i
		case '>':
			lastClose = i
		}
	}
	if lastOpen > lastClose {
		return lastOpen
	}
	return -1
}
