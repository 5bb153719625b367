package session

// Language values accepted by the channel.
const (
	LanguageEnglish = "en"
	LanguageArabic  = "ar"
)

// Platform values accepted by the channel.
const (
	PlatformWeb    = "web"
	PlatformMobile = "mobile"
)

// ChannelConfig is captured at connect time and never mutated afterwards.
type ChannelConfig struct {
	URL       string `json:"url"`
	Token     string `json:"token"`
	Language  string `json:"language"`
	Platform  string `json:"platform"`
	SessionID string `json:"sessionId,omitempty"`
}
