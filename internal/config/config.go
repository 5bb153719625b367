package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v6"
	"github.com/zhouzirui/assistant-harness/backend/internal/model/session"
)

// Config 聚合整个服务与测试工具的配置项。
type Config struct {
	Server    ServerConfig
	Channel   ChannelConfig
	Media     MediaConfig
	Audio     AudioConfig
	Assistant AssistantConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	addr, err := normalizeAddr(cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	if err := cfg.Channel.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Audio.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port        string   `env:"PORT" envDefault:"8080"`
	CORSOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	Addr        string
}

// normalizeAddr 解析服务器监听地址。
func normalizeAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// ChannelConfig 描述助手双工通道的连接参数。
type ChannelConfig struct {
	URL          string `env:"CHANNEL_URL" envDefault:"ws://localhost:8080/api/assistant/ws"`
	Token        string `env:"CHANNEL_TOKEN"`
	Language     string `env:"CHANNEL_LANGUAGE" envDefault:"en"`
	Platform     string `env:"CHANNEL_PLATFORM" envDefault:"web"`
	SessionID    string `env:"CHANNEL_SESSION_ID"`
	ClearOnClose bool   `env:"CHANNEL_CLEAR_ON_CLOSE" envDefault:"true"`
}

func (c *ChannelConfig) validate() error {
	if c.Language == "" {
		c.Language = session.LanguageEnglish
	}
	if c.Platform == "" {
		c.Platform = session.PlatformWeb
	}

	switch c.Language {
	case session.LanguageEnglish, session.LanguageArabic:
	default:
		return fmt.Errorf("invalid CHANNEL_LANGUAGE value %q: want en or ar", c.Language)
	}
	switch c.Platform {
	case session.PlatformWeb, session.PlatformMobile:
	default:
		return fmt.Errorf("invalid CHANNEL_PLATFORM value %q: want web or mobile", c.Platform)
	}
	return nil
}

// Session converts the configuration into a connect descriptor.
func (c ChannelConfig) Session() session.ChannelConfig {
	return session.ChannelConfig{
		URL:       c.URL,
		Token:     c.Token,
		Language:  c.Language,
		Platform:  c.Platform,
		SessionID: c.SessionID,
	}
}

// MediaConfig 描述媒体令牌握手配置。
type MediaConfig struct {
	Salt string `env:"MEDIA_TOKEN_SALT"`
}

// AudioConfig 描述 ffmpeg 采集与编码配置
type AudioConfig struct {
	FFmpegBinary string `env:"FFMPEG_BIN" envDefault:"ffmpeg"`
	InputFormat  string `env:"AUDIO_INPUT_FORMAT"`
	InputDevice  string `env:"AUDIO_INPUT_DEVICE"`
	SampleRate   int    `env:"AUDIO_SAMPLE_RATE" envDefault:"16000"`
	Channels     int    `env:"AUDIO_CHANNELS" envDefault:"1"`
	PayloadMIME  string `env:"AUDIO_PAYLOAD_MIME" envDefault:"audio/wav"`
}

func (c AudioConfig) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid AUDIO_SAMPLE_RATE value %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("invalid AUDIO_CHANNELS value %d", c.Channels)
	}
	return nil
}

// AssistantConfig 描述本地模拟助手服务。
type AssistantConfig struct {
	// 为空时接受任意 token
	Token    string `env:"ASSISTANT_TOKEN"`
	Greeting string `env:"ASSISTANT_GREETING" envDefault:"Hello! How can I help you with your banking today?"`

	// 每收到 N 条用户消息轮换一次会话，0 表示不轮换
	RenewEvery int `env:"ASSISTANT_RENEW_EVERY" envDefault:"0"`
}
