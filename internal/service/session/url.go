package session

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/zhouzirui/assistant-harness/backend/internal/model/session"
)

var ErrInvalidConfig = errors.New("invalid channel config")

// BuildURL renders scheme://host/path?token=T&language=L&platform=P[&sessionId=S].
// Empty language and platform default to en and web.
func BuildURL(cfg session.ChannelConfig) (string, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return "", fmt.Errorf("%w: url is required", ErrInvalidConfig)
	}
	if cfg.Token == "" {
		return "", fmt.Errorf("%w: token is required", ErrInvalidConfig)
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfig, u.Scheme)
	}

	language := cfg.Language
	if language == "" {
		language = session.LanguageEnglish
	}
	if language != session.LanguageEnglish && language != session.LanguageArabic {
		return "", fmt.Errorf("%w: language must be en or ar", ErrInvalidConfig)
	}

	platform := cfg.Platform
	if platform == "" {
		platform = session.PlatformWeb
	}
	if platform != session.PlatformWeb && platform != session.PlatformMobile {
		return "", fmt.Errorf("%w: platform must be web or mobile", ErrInvalidConfig)
	}

	params := []string{
		"token=" + url.QueryEscape(cfg.Token),
		"language=" + language,
		"platform=" + platform,
	}
	if cfg.SessionID != "" {
		params = append(params, "sessionId="+url.QueryEscape(cfg.SessionID))
	}
	query := strings.Join(params, "&")
	if u.RawQuery != "" {
		query = u.RawQuery + "&" + query
	}
	u.RawQuery = query
	return u.String(), nil
}

// Redact strips the query string so tokens never reach the logs.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
