package settings

import (
	"fmt"
	"strings"
	"time"

	"github.com/cateringcrm/omnichannel/internal/channel"
)

const (
	KeyTelegram  = "telegram"
	KeyWhatsApp  = "whatsapp"
	KeyMatrix    = "whatsapp_matrix"
	KeyInstagram = "instagram"
	KeyFacebook  = "facebook"
	KeyEmail     = "email"
	KeyAI        = "ai"
)

const (
	DefaultGraphURL            = "https://graph.facebook.com"
	DefaultGraphAPIVersion     = "v21.0"
	DefaultMatrixPollInterval  = 5
	DefaultEmailPollInterval   = 60
	DefaultAITriggerDelay      = 10
	DefaultIMAPPort            = 993
	DefaultSMTPPort            = 587
	DefaultTelegramAPIEndpoint = "https://api.telegram.org/bot%s/%s"
)

// Keys lists every settings row the service knows about.
var Keys = []string{KeyTelegram, KeyWhatsApp, KeyMatrix, KeyInstagram, KeyFacebook, KeyEmail, KeyAI}

type TelegramSettings struct {
	BotToken      string `json:"bot_token" validate:"required"`
	SessionString string `json:"session_string,omitempty"`
	APIID         int    `json:"api_id,omitempty"`
	APIHash       string `json:"api_hash,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
	UsePolling    bool   `json:"use_polling,omitempty"`
	// APIEndpoint overrides the Bot API URL template.
	APIEndpoint string `json:"api_endpoint,omitempty"`
}

// HasUserSession reports whether a Telethon-style session can be used.
func (s TelegramSettings) HasUserSession() bool {
	return strings.TrimSpace(s.SessionString) != "" && s.APIID > 0 && strings.TrimSpace(s.APIHash) != ""
}

func (s *TelegramSettings) normalize() {
	if strings.TrimSpace(s.APIEndpoint) == "" {
		s.APIEndpoint = DefaultTelegramAPIEndpoint
	}
}

// GraphSettings is the part shared by the Meta family.
type GraphSettings struct {
	AccessToken string `json:"access_token" validate:"required"`
	AppSecret   string `json:"app_secret" validate:"required"`
	VerifyToken string `json:"verify_token,omitempty"`
	APIVersion  string `json:"api_version,omitempty"`
	GraphURL    string `json:"graph_url,omitempty"`
}

func (s *GraphSettings) normalize() {
	if strings.TrimSpace(s.APIVersion) == "" {
		s.APIVersion = DefaultGraphAPIVersion
	}
	if strings.TrimSpace(s.GraphURL) == "" {
		s.GraphURL = DefaultGraphURL
	}
	s.GraphURL = strings.TrimRight(s.GraphURL, "/")
}

type WhatsAppSettings struct {
	GraphSettings
	PhoneNumberID string `json:"phone_number_id" validate:"required"`
}

type InstagramSettings struct {
	GraphSettings
	PageID          string `json:"page_id" validate:"required"`
	PageAccessToken string `json:"page_access_token,omitempty"`
}

// SendToken prefers the page token for messaging calls.
func (s InstagramSettings) SendToken() string {
	if strings.TrimSpace(s.PageAccessToken) != "" {
		return s.PageAccessToken
	}
	return s.AccessToken
}

type FacebookSettings struct {
	GraphSettings
	PageID string `json:"page_id" validate:"required"`
}

type MatrixSettings struct {
	HomeserverURL string `json:"homeserver_url" validate:"required,url"`
	AccessToken   string `json:"access_token" validate:"required"`
	UserID        string `json:"user_id" validate:"required"`
	DeviceID      string `json:"device_id,omitempty"`
	PollIntervalS int    `json:"poll_interval_s,omitempty"`
	// BridgeBot is the mautrix-whatsapp bot MXID, defaults to @whatsappbot:<server>.
	BridgeBot string `json:"bridge_bot,omitempty"`
}

// PollInterval returns the /sync cadence.
func (s MatrixSettings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalS) * time.Second
}

// ServerName is the domain part of the listener's MXID.
func (s MatrixSettings) ServerName() string {
	if idx := strings.Index(s.UserID, ":"); idx >= 0 {
		return s.UserID[idx+1:]
	}
	return ""
}

func (s *MatrixSettings) normalize() {
	s.HomeserverURL = strings.TrimRight(strings.TrimSpace(s.HomeserverURL), "/")
	if s.PollIntervalS <= 0 {
		s.PollIntervalS = DefaultMatrixPollInterval
	}
	if strings.TrimSpace(s.BridgeBot) == "" && s.ServerName() != "" {
		s.BridgeBot = "@whatsappbot:" + s.ServerName()
	}
}

type EmailSettings struct {
	IMAPHost      string `json:"imap_host,omitempty"`
	IMAPPort      int    `json:"imap_port,omitempty"`
	IMAPUser      string `json:"imap_user,omitempty"`
	IMAPPassword  string `json:"imap_password,omitempty"`
	SMTPHost      string `json:"smtp_host,omitempty"`
	SMTPPort      int    `json:"smtp_port,omitempty"`
	SMTPUser      string `json:"smtp_user,omitempty"`
	SMTPPassword  string `json:"smtp_password,omitempty"`
	FromName      string `json:"from_name,omitempty"`
	FromAddress   string `json:"from_address,omitempty" validate:"omitempty,email"`
	PollIntervalS int    `json:"poll_interval_s,omitempty"`
}

func (s *EmailSettings) normalize() {
	if s.IMAPPort <= 0 {
		s.IMAPPort = DefaultIMAPPort
	}
	if s.SMTPPort <= 0 {
		s.SMTPPort = DefaultSMTPPort
	}
	if s.PollIntervalS <= 0 {
		s.PollIntervalS = DefaultEmailPollInterval
	}
	if strings.TrimSpace(s.FromAddress) == "" && strings.Contains(s.SMTPUser, "@") {
		s.FromAddress = s.SMTPUser
	}
}

// IMAPReady reports whether the inbound half is configured.
func (s EmailSettings) IMAPReady() error {
	if strings.TrimSpace(s.IMAPHost) == "" || strings.TrimSpace(s.IMAPUser) == "" || s.IMAPPassword == "" {
		return channel.Errorf(channel.KindConfigurationMissing, "settings.email", "imap host, user and password are required")
	}
	return nil
}

// SMTPReady reports whether the outbound half is configured.
func (s EmailSettings) SMTPReady() error {
	if strings.TrimSpace(s.SMTPHost) == "" || strings.TrimSpace(s.FromAddress) == "" {
		return channel.Errorf(channel.KindConfigurationMissing, "settings.email", "smtp host and from address are required")
	}
	return nil
}

type AISettings struct {
	RAGAPIURL           string   `json:"rag_api_url,omitempty" validate:"omitempty,url"`
	RAGAPIKey           string   `json:"rag_api_key,omitempty"`
	RAGToken            string   `json:"rag_token,omitempty"`
	IsEnabled           bool     `json:"is_enabled"`
	TriggerDelaySeconds int      `json:"trigger_delay_seconds,omitempty"`
	ActiveChannels      []string `json:"active_channels,omitempty"`
}

func (s *AISettings) normalize() {
	if s.TriggerDelaySeconds <= 0 {
		s.TriggerDelaySeconds = DefaultAITriggerDelay
	}
	for i, ch := range s.ActiveChannels {
		s.ActiveChannels[i] = strings.ToLower(strings.TrimSpace(ch))
	}
}

// TriggerDelay returns the hand-off delay.
func (s AISettings) TriggerDelay() time.Duration {
	return time.Duration(s.TriggerDelaySeconds) * time.Second
}

// ActiveFor reports whether AI hand-off runs for the platform.
func (s AISettings) ActiveFor(platform channel.Platform) bool {
	if !s.IsEnabled {
		return false
	}
	for _, ch := range s.ActiveChannels {
		if ch == platform.String() {
			return true
		}
	}
	return false
}

// View is the admin representation of one settings row.
type View struct {
	Key    string         `json:"key"`
	Source string         `json:"source"`
	Value  map[string]any `json:"value"`
}

const (
	SourceStore = "store"
	SourceEnv   = "env"
	SourceNone  = "none"
)

func unknownKey(key string) error {
	return fmt.Errorf("%w: %s", ErrUnknownKey, key)
}
