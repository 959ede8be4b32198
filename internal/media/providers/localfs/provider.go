// Package localfs implements media.StorageProvider on a local directory.
// Keys are relative paths such as "attachments/<uuid>.png" and are served
// to operators under /media/<key>.
package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cateringcrm/omnichannel/internal/media"
)

const accessPrefix = "/media/"

// Provider stores media files under a root directory.
type Provider struct {
	root string

	mu    sync.Mutex
	ready bool
}

// New creates a provider rooted at root. The directory is created now when
// possible; otherwise creation is retried on the first write.
func New(root string) (*Provider, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("media root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	p := &Provider{root: abs}
	_ = p.ensureRoot()
	return p, nil
}

// Root returns the absolute media root.
func (p *Provider) Root() string {
	return p.root
}

// Put writes reader to key through a temp file and rename, so a partially
// written file is never visible under its final name.
func (p *Provider) Put(_ context.Context, key string, reader io.Reader) (int64, error) {
	if err := p.ensureRoot(); err != nil {
		return 0, err
	}
	dest, err := p.hostPath(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create parent dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	written, err := io.Copy(tmp, reader)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("rename file: %w", err)
	}
	return written, nil
}

func (p *Provider) Open(_ context.Context, key string) (io.ReadCloser, error) {
	dest, err := p.hostPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, media.ErrAssetNotFound
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

func (p *Provider) Delete(_ context.Context, key string) error {
	dest, err := p.hostPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// LocalPath returns the host path of key for adapters that upload files.
func (p *Provider) LocalPath(key string) (string, error) {
	return p.hostPath(key)
}

// AccessPath returns the URL path an operator UI uses to fetch key.
func (p *Provider) AccessPath(key string) string {
	return accessPrefix + strings.TrimLeft(filepath.ToSlash(filepath.Clean(key)), "/")
}

func (p *Provider) ensureRoot() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return nil
	}
	if err := os.MkdirAll(p.root, 0o755); err != nil {
		return fmt.Errorf("%w: create media root: %v", media.ErrProviderUnavailable, err)
	}
	p.ready = true
	return nil
}

func (p *Provider) hostPath(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("storage key is required")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: absolute key %s", media.ErrPathTraversal, key)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", media.ErrPathTraversal, key)
	}
	joined := filepath.Join(p.root, clean)
	if !strings.HasPrefix(joined, p.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", media.ErrPathTraversal, key)
	}
	return joined, nil
}
