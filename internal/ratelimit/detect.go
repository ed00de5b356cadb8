package ratelimit

import "strings"

// DetectFromMessage inspects an error/response message from a venue and
// reports whether it signals a rate limit or an IP ban, using per-exchange
// wording, ported from the teacher's internal/metrics/rate.detectLimit.
func DetectFromMessage(exchange, msg string) (rateLimited, ipBanned bool) {
	lower := strings.ToLower(msg)
	switch strings.ToLower(exchange) {
	case "binance":
		rateLimited = strings.Contains(lower, "too many requests") || strings.Contains(lower, "rate limit")
		ipBanned = strings.Contains(lower, "ip") && strings.Contains(lower, "ban")
	case "bybit":
		ipBanned = strings.Contains(lower, "ip rate limit") || (strings.Contains(lower, "ip") && strings.Contains(lower, "ban"))
		rateLimited = !ipBanned && (strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests") || strings.Contains(lower, "too many visits"))
	case "kucoin":
		rateLimited = strings.Contains(lower, "too many requests") || strings.Contains(lower, "rate limit")
		ipBanned = strings.Contains(lower, "ip") && strings.Contains(lower, "limit") && strings.Contains(lower, "triggered")
	default:
		rateLimited = strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests")
		ipBanned = strings.Contains(lower, "ip") && strings.Contains(lower, "ban")
	}
	return
}
