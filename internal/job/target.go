package job

import (
	"net/url"
	"strings"
)

// ParseTarget validates an absolute http(s) address and returns its lowercased host.
func ParseTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", NewInputError("invalid_url", "target url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", NewInputError("invalid_url", "target url cannot be parsed")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", NewInputError("invalid_url", "target url must use http or https")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", NewInputError("invalid_url", "target url has no host")
	}
	return host, nil
}

// ValidateCallback accepts http(s) webhooks and pubsub://<topic> addresses.
func ValidateCallback(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return NewInputError("invalid_callback", "callback url cannot be parsed")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Hostname() == "" {
			return NewInputError("invalid_callback", "callback url has no host")
		}
	case "pubsub":
		if u.Host == "" {
			return NewInputError("invalid_callback", "pubsub callback needs a topic")
		}
	default:
		return NewInputError("invalid_callback", "callback url must use http, https or pubsub")
	}
	return nil
}
