package media_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cateringcrm/omnichannel/internal/config"
	dbpkg "github.com/cateringcrm/omnichannel/internal/db"
	"github.com/cateringcrm/omnichannel/internal/db/sqlc"
	"github.com/cateringcrm/omnichannel/internal/media"
	"github.com/cateringcrm/omnichannel/internal/media/providers/localfs"
)

type fakeRecorder struct {
	rows []sqlc.CreateAttachmentParams
	err  error
}

func (f *fakeRecorder) CreateAttachment(_ context.Context, arg sqlc.CreateAttachmentParams) (sqlc.Attachment, error) {
	if f.err != nil {
		return sqlc.Attachment{}, f.err
	}
	f.rows = append(f.rows, arg)
	return sqlc.Attachment{
		ID:           arg.ID,
		MessageID:    arg.MessageID,
		FilePath:     arg.FilePath,
		FileType:     arg.FileType,
		MimeType:     arg.MimeType,
		OriginalName: arg.OriginalName,
		FileSize:     arg.FileSize,
	}, nil
}

func newStore(t *testing.T) (*media.Store, string) {
	t.Helper()
	root := t.TempDir()
	provider, err := localfs.New(root)
	require.NoError(t, err)
	return media.NewStore(nil, provider, config.Default().Media), root
}

func TestSaveWritesFileAndRecord(t *testing.T) {
	t.Parallel()
	store, root := newStore(t)
	rec := &fakeRecorder{}
	msgID := dbpkg.NewID().String()

	att, err := store.Save(context.Background(), rec, media.SaveInput{
		MessageID:    msgID,
		Data:         []byte("%PDF-1.4 invoice"),
		Mime:         "application/pdf",
		OriginalName: "invoice.pdf",
	})
	require.NoError(t, err)

	assert.Equal(t, "document", att.FileType)
	assert.Equal(t, "application/pdf", att.MimeType)
	assert.True(t, strings.HasPrefix(att.FilePath, "attachments/"))
	assert.True(t, strings.HasSuffix(att.FilePath, ".pdf"))
	assert.Equal(t, "/media/"+att.FilePath, att.URL)
	assert.Equal(t, msgID, att.MessageID)

	info, err := os.Stat(filepath.Join(root, att.FilePath))
	require.NoError(t, err)
	assert.Equal(t, att.FileSize, info.Size())
	require.Len(t, rec.rows, 1)
}

func TestSaveSniffsMissingMime(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

	att, err := store.Save(context.Background(), &fakeRecorder{}, media.SaveInput{
		MessageID: dbpkg.NewID().String(),
		Data:      png,
	})
	require.NoError(t, err)
	assert.Equal(t, "image/png", att.MimeType)
	assert.Equal(t, "image", att.FileType)
	assert.True(t, strings.HasSuffix(att.FilePath, ".png"))
}

func TestSaveKeepsExplicitFileType(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)

	att, err := store.Save(context.Background(), &fakeRecorder{}, media.SaveInput{
		MessageID: dbpkg.NewID().String(),
		Data:      []byte("OggS voice"),
		Mime:      "audio/ogg",
		FileType:  "file",
	})
	require.NoError(t, err)
	assert.Equal(t, "file", att.FileType)
}

func TestSaveRemovesFileWhenInsertFails(t *testing.T) {
	t.Parallel()
	store, root := newStore(t)
	rec := &fakeRecorder{err: errors.New("insert failed")}

	_, err := store.Save(context.Background(), rec, media.SaveInput{
		MessageID: dbpkg.NewID().String(),
		Data:      []byte("hello"),
		Mime:      "text/plain",
	})
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(root, "attachments"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSaveRemovesFileOnRollback(t *testing.T) {
	t.Parallel()
	store, root := newStore(t)
	tx := media.NewTxRecorder(&fakeRecorder{})

	first, err := store.Save(context.Background(), tx, media.SaveInput{
		MessageID: dbpkg.NewID().String(),
		Data:      []byte("hello"),
		Mime:      "text/plain",
	})
	require.NoError(t, err)
	_, err = store.Save(context.Background(), tx, media.SaveInput{MessageID: dbpkg.NewID().String()})
	require.ErrorIs(t, err, media.ErrEmptyPayload)
	require.FileExists(t, filepath.Join(root, filepath.FromSlash(first.FilePath)))

	tx.Rollback()

	entries, err := os.ReadDir(filepath.Join(root, "attachments"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSaveRejectsEmptyPayload(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)
	_, err := store.Save(context.Background(), &fakeRecorder{}, media.SaveInput{MessageID: dbpkg.NewID().String()})
	assert.ErrorIs(t, err, media.ErrEmptyPayload)
}

func TestDownloadAndSaveSendsHeaders(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer meta-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("\xff\xd8\xff\xe0 jpeg"))
	}))
	defer srv.Close()
	store, _ := newStore(t)
	rec := &fakeRecorder{}

	att, err := store.DownloadAndSave(context.Background(), rec, media.DownloadInput{
		MessageID: dbpkg.NewID().String(),
		URL:       srv.URL + "/photo",
		Headers:   http.Header{"Authorization": []string{"Bearer meta-token"}},
	})
	require.NoError(t, err)
	require.NotNil(t, att)
	assert.Equal(t, "image/jpeg", att.MimeType)
	assert.Equal(t, "image", att.FileType)
}

func TestDownloadAndSaveToleratesHTTPFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	store, _ := newStore(t)
	rec := &fakeRecorder{}

	att, err := store.DownloadAndSave(context.Background(), rec, media.DownloadInput{
		MessageID: dbpkg.NewID().String(),
		URL:       srv.URL,
	})
	require.NoError(t, err)
	assert.Nil(t, att)
	assert.Empty(t, rec.rows)
}

func TestOpenServesStoredFile(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)
	att, err := store.Save(context.Background(), &fakeRecorder{}, media.SaveInput{
		MessageID: dbpkg.NewID().String(),
		Data:      []byte("plain body"),
		Mime:      "text/plain",
	})
	require.NoError(t, err)

	reader, contentType, err := store.Open(context.Background(), att.FilePath)
	require.NoError(t, err)
	defer reader.Close()
	assert.True(t, strings.HasPrefix(contentType, "text/plain"))

	_, _, err = store.Open(context.Background(), "attachments/missing.txt")
	assert.True(t, media.IsNotFound(err))
	_, _, err = store.Open(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, media.ErrPathTraversal)
}
