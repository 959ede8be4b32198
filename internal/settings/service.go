package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/config"
)

// Store reads and writes raw settings rows.
type Store interface {
	GetSetting(ctx context.Context, key string) ([]byte, error)
	UpsertSetting(ctx context.Context, key string, value []byte) error
}

type cacheEntry struct {
	value   []byte
	found   bool
	expires time.Time
}

// Service is the typed settings port. Rows are read at call time through a
// short TTL cache; environment variables are consulted only when a row is absent.
type Service struct {
	store    Store
	logger   *slog.Logger
	ttl      time.Duration
	validate *validator.Validate
	getenv   func(string) string
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewService(log *slog.Logger, store Store, cfg config.Config) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		logger:   log.With(slog.String("service", "settings")),
		ttl:      cfg.Settings.CacheTTL.Duration,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		getenv:   os.Getenv,
		now:      time.Now,
		cache:    map[string]cacheEntry{},
	}
}

func (s *Service) Telegram(ctx context.Context) (TelegramSettings, error) {
	return load(ctx, s, KeyTelegram, envTelegram)
}

func (s *Service) WhatsApp(ctx context.Context) (WhatsAppSettings, error) {
	return load(ctx, s, KeyWhatsApp, envWhatsApp)
}

func (s *Service) Matrix(ctx context.Context) (MatrixSettings, error) {
	return load(ctx, s, KeyMatrix, envMatrix)
}

func (s *Service) Instagram(ctx context.Context) (InstagramSettings, error) {
	return load(ctx, s, KeyInstagram, envInstagram)
}

func (s *Service) Facebook(ctx context.Context) (FacebookSettings, error) {
	return load(ctx, s, KeyFacebook, envFacebook)
}

func (s *Service) Email(ctx context.Context) (EmailSettings, error) {
	return load(ctx, s, KeyEmail, envEmail)
}

// AI returns the AI settings. A missing row and env means AI is disabled.
func (s *Service) AI(ctx context.Context) (AISettings, error) {
	ai, err := load(ctx, s, KeyAI, envAI)
	if errors.Is(err, channel.ErrConfigurationMissing) {
		disabled := AISettings{}
		disabled.normalize()
		return disabled, nil
	}
	if err != nil {
		return AISettings{}, err
	}
	if ai.IsEnabled && strings.TrimSpace(ai.RAGAPIURL) == "" {
		return AISettings{}, channel.Errorf(channel.KindConfigurationMissing, "settings.ai", "rag_api_url is required when AI is enabled")
	}
	return ai, nil
}

// Invalidate drops the cached row so the next read hits the store.
func (s *Service) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, key)
}

// Get returns the effective settings for key with secrets masked.
func (s *Service) Get(ctx context.Context, key string) (View, error) {
	if !knownKey(key) {
		return View{}, unknownKey(key)
	}
	raw, found, err := s.raw(ctx, key)
	if err != nil {
		return View{}, err
	}
	view := View{Key: key, Source: SourceNone, Value: map[string]any{}}
	var payload any
	switch {
	case found:
		view.Source = SourceStore
		var decoded map[string]any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return View{}, fmt.Errorf("decode %s settings: %w", key, err)
		}
		view.Value = maskSecrets(decoded)
		return view, nil
	default:
		payload, found = s.envPayload(key)
	}
	if !found {
		return view, nil
	}
	view.Source = SourceEnv
	encoded, err := json.Marshal(payload)
	if err != nil {
		return View{}, err
	}
	var decoded map[string]any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return View{}, err
	}
	view.Value = maskSecrets(decoded)
	return view, nil
}

// Put validates and stores a settings row, then invalidates the cache.
func (s *Service) Put(ctx context.Context, key string, raw json.RawMessage) error {
	if !knownKey(key) {
		return unknownKey(key)
	}
	if s.store == nil {
		return fmt.Errorf("settings store not configured")
	}
	if err := s.check(key, raw); err != nil {
		return err
	}
	if err := s.store.UpsertSetting(ctx, key, raw); err != nil {
		return fmt.Errorf("upsert %s settings: %w", key, err)
	}
	s.Invalidate(key)
	s.logger.Info("settings updated", slog.String("key", key))
	return nil
}

func (s *Service) check(key string, raw json.RawMessage) error {
	var err error
	switch key {
	case KeyTelegram:
		_, err = decodeRow[TelegramSettings](s, key, raw)
	case KeyWhatsApp:
		_, err = decodeRow[WhatsAppSettings](s, key, raw)
	case KeyMatrix:
		_, err = decodeRow[MatrixSettings](s, key, raw)
	case KeyInstagram:
		_, err = decodeRow[InstagramSettings](s, key, raw)
	case KeyFacebook:
		_, err = decodeRow[FacebookSettings](s, key, raw)
	case KeyEmail:
		_, err = decodeRow[EmailSettings](s, key, raw)
	case KeyAI:
		var ai AISettings
		ai, err = decodeRow[AISettings](s, key, raw)
		if err == nil && ai.IsEnabled && strings.TrimSpace(ai.RAGAPIURL) == "" {
			err = fmt.Errorf("%w: rag_api_url is required when AI is enabled", ErrInvalid)
		}
	}
	if err != nil && !errors.Is(err, ErrInvalid) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return err
}

func (s *Service) raw(ctx context.Context, key string) ([]byte, bool, error) {
	now := s.now()
	s.mu.Lock()
	entry, ok := s.cache[key]
	s.mu.Unlock()
	if ok && now.Before(entry.expires) {
		return entry.value, entry.found, nil
	}
	if s.store == nil {
		return nil, false, nil
	}
	value, err := s.store.GetSetting(ctx, key)
	found := true
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, false, fmt.Errorf("load %s settings: %w", key, err)
		}
		found = false
		value = nil
	}
	if s.ttl > 0 {
		s.mu.Lock()
		s.cache[key] = cacheEntry{value: value, found: found, expires: now.Add(s.ttl)}
		s.mu.Unlock()
	}
	return value, found, nil
}

func (s *Service) envPayload(key string) (any, bool) {
	switch key {
	case KeyTelegram:
		return envTelegram(s.getenv)
	case KeyWhatsApp:
		return envWhatsApp(s.getenv)
	case KeyMatrix:
		return envMatrix(s.getenv)
	case KeyInstagram:
		return envInstagram(s.getenv)
	case KeyFacebook:
		return envFacebook(s.getenv)
	case KeyEmail:
		return envEmail(s.getenv)
	case KeyAI:
		return envAI(s.getenv)
	}
	return nil, false
}

type normalizer interface {
	normalize()
}

func load[T any](ctx context.Context, s *Service, key string, env func(func(string) string) (T, bool)) (T, error) {
	var zero T
	raw, found, err := s.raw(ctx, key)
	if err != nil {
		return zero, err
	}
	if found {
		value, err := decodeRow[T](s, key, raw)
		if err != nil {
			return zero, channel.NewError(channel.KindConfigurationMissing, "settings."+key, err)
		}
		return value, nil
	}
	value, ok := env(s.getenv)
	if !ok {
		return zero, channel.Errorf(channel.KindConfigurationMissing, "settings."+key, "no settings row and no environment fallback")
	}
	if n, ok := any(&value).(normalizer); ok {
		n.normalize()
	}
	if err := s.validate.Struct(value); err != nil {
		return zero, channel.NewError(channel.KindConfigurationMissing, "settings."+key, err)
	}
	return value, nil
}

func decodeRow[T any](s *Service, key string, raw []byte) (T, error) {
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, fmt.Errorf("%w: decode %s: %v", ErrInvalid, key, err)
	}
	if n, ok := any(&value).(normalizer); ok {
		n.normalize()
	}
	if err := s.validate.Struct(value); err != nil {
		return value, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return value, nil
}

func knownKey(key string) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}

var secretMarkers = []string{"token", "secret", "password", "session", "key", "hash"}

func maskSecrets(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		lower := strings.ToLower(k)
		masked := false
		for _, marker := range secretMarkers {
			if strings.Contains(lower, marker) {
				masked = true
				break
			}
		}
		if str, ok := v.(string); masked && ok && str != "" {
			out[k] = "********"
			continue
		}
		out[k] = v
	}
	return out
}
