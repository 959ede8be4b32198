package settings

import (
	"strconv"
	"strings"
)

type envReader struct {
	getenv func(string) string
	any    bool
}

func (r *envReader) str(name string) string {
	value := strings.TrimSpace(r.getenv(name))
	if value != "" {
		r.any = true
	}
	return value
}

func (r *envReader) int(name string) int {
	value, err := strconv.Atoi(r.str(name))
	if err != nil {
		return 0
	}
	return value
}

func (r *envReader) bool(name string) bool {
	value, err := strconv.ParseBool(r.str(name))
	return err == nil && value
}

func (r *envReader) list(name string) []string {
	raw := r.str(name)
	if raw == "" {
		return nil
	}
	var items []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}

func envTelegram(getenv func(string) string) (TelegramSettings, bool) {
	r := &envReader{getenv: getenv}
	s := TelegramSettings{
		BotToken:      r.str("TELEGRAM_BOT_TOKEN"),
		SessionString: r.str("TELEGRAM_SESSION_STRING"),
		APIID:         r.int("TELEGRAM_API_ID"),
		APIHash:       r.str("TELEGRAM_API_HASH"),
		WebhookSecret: r.str("TELEGRAM_WEBHOOK_SECRET"),
		UsePolling:    r.bool("TELEGRAM_USE_POLLING"),
	}
	return s, r.any
}

func envGraph(r *envReader, prefix string) GraphSettings {
	return GraphSettings{
		AccessToken: r.str(prefix + "_ACCESS_TOKEN"),
		AppSecret:   r.str(prefix + "_APP_SECRET"),
		VerifyToken: r.str(prefix + "_VERIFY_TOKEN"),
		APIVersion:  r.str(prefix + "_API_VERSION"),
	}
}

func envWhatsApp(getenv func(string) string) (WhatsAppSettings, bool) {
	r := &envReader{getenv: getenv}
	s := WhatsAppSettings{
		GraphSettings: envGraph(r, "WHATSAPP"),
		PhoneNumberID: r.str("WHATSAPP_PHONE_NUMBER_ID"),
	}
	return s, r.any
}

func envInstagram(getenv func(string) string) (InstagramSettings, bool) {
	r := &envReader{getenv: getenv}
	s := InstagramSettings{
		GraphSettings:   envGraph(r, "INSTAGRAM"),
		PageID:          r.str("INSTAGRAM_PAGE_ID"),
		PageAccessToken: r.str("INSTAGRAM_PAGE_ACCESS_TOKEN"),
	}
	return s, r.any
}

func envFacebook(getenv func(string) string) (FacebookSettings, bool) {
	r := &envReader{getenv: getenv}
	s := FacebookSettings{
		GraphSettings: envGraph(r, "FACEBOOK"),
		PageID:        r.str("FACEBOOK_PAGE_ID"),
	}
	return s, r.any
}

func envMatrix(getenv func(string) string) (MatrixSettings, bool) {
	r := &envReader{getenv: getenv}
	s := MatrixSettings{
		HomeserverURL: r.str("MATRIX_HOMESERVER_URL"),
		AccessToken:   r.str("MATRIX_ACCESS_TOKEN"),
		UserID:        r.str("MATRIX_USER_ID"),
		DeviceID:      r.str("MATRIX_DEVICE_ID"),
		PollIntervalS: r.int("MATRIX_POLL_INTERVAL_S"),
		BridgeBot:     r.str("MATRIX_BRIDGE_BOT"),
	}
	return s, r.any
}

func envEmail(getenv func(string) string) (EmailSettings, bool) {
	r := &envReader{getenv: getenv}
	s := EmailSettings{
		IMAPHost:     r.str("IMAP_HOST"),
		IMAPPort:     r.int("IMAP_PORT"),
		IMAPUser:     r.str("IMAP_USER"),
		IMAPPassword: r.str("IMAP_PASSWORD"),
		SMTPHost:     r.str("SMTP_HOST"),
		SMTPPort:     r.int("SMTP_PORT"),
		SMTPUser:     r.str("SMTP_USER"),
		SMTPPassword: r.str("SMTP_PASSWORD"),
		FromName:     r.str("EMAIL_FROM_NAME"),
		FromAddress:  r.str("EMAIL_FROM_ADDRESS"),
	}
	return s, r.any
}

func envAI(getenv func(string) string) (AISettings, bool) {
	r := &envReader{getenv: getenv}
	s := AISettings{
		RAGAPIURL:           r.str("RAG_API_URL"),
		RAGAPIKey:           r.str("RAG_API_KEY"),
		RAGToken:            r.str("RAG_TOKEN"),
		IsEnabled:           r.bool("AI_ENABLED"),
		TriggerDelaySeconds: r.int("AI_TRIGGER_DELAY_SECONDS"),
		ActiveChannels:      r.list("AI_ACTIVE_CHANNELS"),
	}
	return s, r.any
}
