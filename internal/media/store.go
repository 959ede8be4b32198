package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/config"
	dbpkg "github.com/cateringcrm/omnichannel/internal/db"
	"github.com/cateringcrm/omnichannel/internal/db/sqlc"
)

const (
	// MaxAssetBytes caps any single download or upload.
	MaxAssetBytes int64 = 100 * 1024 * 1024
	attachmentsDir      = "attachments"
	defaultMime         = "application/octet-stream"
)

var fileTypes = map[string]bool{
	"image": true, "video": true, "audio": true, "document": true, "file": true,
}

// Store persists attachment files and their rows.
type Store struct {
	provider StorageProvider
	client   *http.Client
	timeout  time.Duration
	logger   *slog.Logger
}

// NewStore creates a media store on top of provider.
func NewStore(log *slog.Logger, provider StorageProvider, cfg config.MediaConfig) *Store {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.DownloadTimeout.Duration
	if timeout <= 0 {
		timeout = config.DefaultDownloadTimeout
	}
	return &Store{
		provider: provider,
		client:   &http.Client{},
		timeout:  timeout,
		logger:   log.With(slog.String("service", "media")),
	}
}

// Save writes data to a fresh file under attachments/ and records the row
// through rec. When the insert fails the file is removed; when rec is a
// TxRecorder the file is also removed if the transaction later rolls back.
func (s *Store) Save(ctx context.Context, rec Recorder, input SaveInput) (Attachment, error) {
	if s.provider == nil {
		return Attachment{}, ErrProviderUnavailable
	}
	if rec == nil {
		return Attachment{}, fmt.Errorf("attachment recorder is required")
	}
	if len(input.Data) == 0 {
		return Attachment{}, ErrEmptyPayload
	}
	if int64(len(input.Data)) > MaxAssetBytes {
		return Attachment{}, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, MaxAssetBytes)
	}
	messageID, err := dbpkg.ParseUUID(input.MessageID)
	if err != nil {
		return Attachment{}, fmt.Errorf("invalid message id: %w", err)
	}

	mimeType := detectMime(input.Data, input.Mime)
	fileType := strings.ToLower(strings.TrimSpace(input.FileType))
	if !fileTypes[fileType] {
		fileType = channel.FileTypeFromMime(mimeType)
	}
	id := dbpkg.NewID()
	key := path.Join(attachmentsDir, id.String()+extensionFor(mimeType, input.OriginalName))

	written, err := s.provider.Put(ctx, key, bytes.NewReader(input.Data))
	if err != nil {
		return Attachment{}, fmt.Errorf("store media: %w", err)
	}
	remove := func() {
		if delErr := s.provider.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			s.logger.Warn("remove orphaned media failed", slog.String("path", key), slog.Any("error", delErr))
		}
	}
	row, err := rec.CreateAttachment(ctx, sqlc.CreateAttachmentParams{
		ID:           dbpkg.UUID(id),
		MessageID:    messageID,
		FilePath:     key,
		FileType:     fileType,
		MimeType:     mimeType,
		OriginalName: strings.TrimSpace(input.OriginalName),
		FileSize:     written,
	})
	if err != nil {
		remove()
		return Attachment{}, fmt.Errorf("create attachment record: %w", err)
	}
	if tx, ok := rec.(*TxRecorder); ok {
		tx.OnRollback(remove)
	}
	return s.convert(row), nil
}

// Fetch downloads url with the provider auth headers. It does not touch the
// database, so callers run it outside any transaction.
func (s *Store) Fetch(ctx context.Context, url string, headers http.Header) (Payload, error) {
	if strings.TrimSpace(url) == "" {
		return Payload{}, channel.Errorf(channel.KindMediaDownloadFailed, "media.fetch", "url is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Payload{}, channel.NewError(channel.KindMediaDownloadFailed, "media.fetch", err)
	}
	for name, values := range headers {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Payload{}, channel.NewError(channel.KindMediaDownloadFailed, "media.fetch", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Payload{}, channel.Errorf(channel.KindMediaDownloadFailed, "media.fetch", "unexpected status %d", resp.StatusCode)
	}
	data, err := readLimited(resp.Body, MaxAssetBytes)
	if err != nil {
		return Payload{}, channel.NewError(channel.KindMediaDownloadFailed, "media.fetch", err)
	}
	return Payload{Data: data, Mime: resp.Header.Get("Content-Type")}, nil
}

// DownloadAndSave fetches input.URL and stores it. A failed download is
// logged and yields (nil, nil); callers keep the message without the file.
func (s *Store) DownloadAndSave(ctx context.Context, rec Recorder, input DownloadInput) (*Attachment, error) {
	payload, err := s.Fetch(ctx, input.URL, input.Headers)
	if err != nil {
		s.logger.Warn("media download failed",
			slog.String("message_id", input.MessageID),
			slog.Any("error", err),
		)
		return nil, nil
	}
	mimeType := input.Mime
	if strings.TrimSpace(mimeType) == "" {
		mimeType = payload.Mime
	}
	att, err := s.Save(ctx, rec, SaveInput{
		MessageID:    input.MessageID,
		Data:         payload.Data,
		Mime:         mimeType,
		OriginalName: input.OriginalName,
		FileType:     input.FileType,
	})
	if err != nil {
		return nil, err
	}
	return &att, nil
}

// URLFor returns the URL path of a stored attachment.
func (s *Store) URLFor(att Attachment) string {
	if s.provider == nil {
		return ""
	}
	return s.provider.AccessPath(att.FilePath)
}

// LocalPath resolves a stored relative file path on disk.
func (s *Store) LocalPath(filePath string) (string, error) {
	if s.provider == nil {
		return "", ErrProviderUnavailable
	}
	return s.provider.LocalPath(filePath)
}

// Open streams a stored file and reports its content type.
func (s *Store) Open(ctx context.Context, filePath string) (io.ReadCloser, string, error) {
	if s.provider == nil {
		return nil, "", ErrProviderUnavailable
	}
	reader, err := s.provider.Open(ctx, filePath)
	if err != nil {
		return nil, "", err
	}
	contentType := mime.TypeByExtension(filepath.Ext(filePath))
	if contentType == "" {
		contentType = defaultMime
	}
	return reader, contentType, nil
}

// FromRow converts a database row.
func (s *Store) FromRow(row sqlc.Attachment) Attachment {
	return s.convert(row)
}

func (s *Store) convert(row sqlc.Attachment) Attachment {
	att := Attachment{
		ID:           dbpkg.UUIDString(row.ID),
		MessageID:    dbpkg.UUIDString(row.MessageID),
		FilePath:     row.FilePath,
		FileType:     row.FileType,
		MimeType:     row.MimeType,
		OriginalName: row.OriginalName,
		FileSize:     row.FileSize,
	}
	if row.CreatedAt.Valid {
		att.CreatedAt = row.CreatedAt.Time
	}
	att.URL = s.URLFor(att)
	return att
}

func detectMime(data []byte, declared string) string {
	declared = strings.TrimSpace(declared)
	if idx := strings.Index(declared, ";"); idx >= 0 {
		declared = strings.TrimSpace(declared[:idx])
	}
	if declared != "" && declared != defaultMime {
		return strings.ToLower(declared)
	}
	detected := mimetype.Detect(data)
	if detected == nil {
		return defaultMime
	}
	return detected.String()
}

func extensionFor(mimeType, originalName string) string {
	if detected := mimetype.Lookup(mimeType); detected != nil && detected.Extension() != "" {
		return detected.Extension()
	}
	if ext := strings.ToLower(filepath.Ext(originalName)); ext != "" && len(ext) <= 10 {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

func readLimited(reader io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(&io.LimitedReader{R: reader, N: maxBytes + 1})
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, maxBytes)
	}
	return data, nil
}

// IsNotFound reports whether err means the file is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAssetNotFound)
}
