// Package objstore abstracts snapshot artifact storage behind a minimal
// put/resolve interface. The local implementation writes under a single
// root directory and returns file:// URIs.
package objstore

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Store persists artifacts by key, overwriting on re-put, and resolves
// stored URIs back to readable handles.
type Store interface {
	// Put writes data under key and returns a stable URI.
	Put(key string, data []byte) (string, error)
	// Get reads the artifact a Put-returned URI points at.
	Get(uri string) ([]byte, error)
}

var ErrUnsupportedURI = errors.New("objstore: unsupported storage URI")

// Local is a filesystem-backed Store rooted at a base directory.
type Local struct {
	base string
}

// NewLocal creates the root directory if needed.
func NewLocal(baseDir string) (*Local, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &Local{base: baseDir}, nil
}

func (l *Local) Put(key string, data []byte) (string, error) {
	path := filepath.Join(l.base, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(path), nil
}

func (l *Local) Get(uri string) ([]byte, error) {
	if !strings.HasPrefix(uri, "file://") {
		return nil, ErrUnsupportedURI
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, ErrUnsupportedURI
	}
	path := u.Path
	if u.Host != "" {
		// file://relative style produced on some platforms
		path = u.Host + u.Path
	}
	return os.ReadFile(filepath.FromSlash(path))
}
