package media

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cateringcrm/omnichannel/internal/db/sqlc"
)

// Attachment is a stored media file linked to one message.
type Attachment struct {
	ID           string    `json:"id"`
	MessageID    string    `json:"message_id"`
	FilePath     string    `json:"file_path"`
	FileType     string    `json:"file_type"`
	MimeType     string    `json:"mime_type"`
	OriginalName string    `json:"original_name,omitempty"`
	FileSize     int64     `json:"file_size"`
	URL          string    `json:"url"`
	CreatedAt    time.Time `json:"created_at"`
}

// SaveInput describes bytes that should become an attachment.
type SaveInput struct {
	MessageID    string
	Data         []byte
	Mime         string
	OriginalName string
	// FileType is derived from Mime when empty.
	FileType string
}

// DownloadInput describes a remote file that should become an attachment.
type DownloadInput struct {
	MessageID    string
	URL          string
	Mime         string
	OriginalName string
	FileType     string
	Headers      http.Header
}

// Payload is the result of a download that has not been stored yet.
type Payload struct {
	Data []byte
	Mime string
}

// Recorder inserts attachment rows. *sqlc.Queries satisfies it, including
// one bound to a transaction with WithTx.
type Recorder interface {
	CreateAttachment(ctx context.Context, arg sqlc.CreateAttachmentParams) (sqlc.Attachment, error)
}

// TxRecorder is a Recorder bound to one transaction. Files written through
// it are removed again when the transaction does not commit.
type TxRecorder struct {
	Recorder
	undo []func()
}

// NewTxRecorder wraps a transaction-bound recorder.
func NewTxRecorder(rec Recorder) *TxRecorder {
	return &TxRecorder{Recorder: rec}
}

// OnRollback registers fn to run if the transaction is abandoned.
func (r *TxRecorder) OnRollback(fn func()) {
	r.undo = append(r.undo, fn)
}

// Rollback runs the registered cleanups, newest first.
func (r *TxRecorder) Rollback() {
	for i := len(r.undo) - 1; i >= 0; i-- {
		r.undo[i]()
	}
	r.undo = nil
}

// StorageProvider abstracts where attachment bytes live.
type StorageProvider interface {
	// Put writes data under key and returns the number of bytes written.
	Put(ctx context.Context, key string, reader io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// LocalPath returns a filesystem path for key, used by adapters that upload files.
	LocalPath(key string) (string, error)
	// AccessPath returns the URL path clients use to fetch key.
	AccessPath(key string) string
}
