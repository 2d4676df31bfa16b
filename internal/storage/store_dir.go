package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// DirStore keeps every object as a file below root. Keys are slash
// separated; the content type comes from the key's extension and the ETag
// is the hex sha256 of the content.
type DirStore struct {
	root string
	mu   sync.Mutex
}

func NewDirStore(root string) (*DirStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve dir %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("storage: create dir %q: %w", abs, err)
	}
	return &DirStore{root: abs}, nil
}

func (s *DirStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, err := os.Stat(s.root)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("storage: %s is not a directory", s.root)
	}
	return nil
}

func (s *DirStore) Close() error { return nil }

func (s *DirStore) Get(ctx context.Context, key string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	p, err := s.resolve(key)
	if err != nil {
		return Object{}, err
	}

	body, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return Object{}, err
	}

	return Object{
		Key:         key,
		ContentType: contentTypeFor(key),
		ETag:        digest(body),
		Body:        body,
		UpdatedAt:   st.ModTime().UTC(),
	}, nil
}

// Put replaces the file through a temp file and rename. Conditional writes
// are serialized within the process only.
func (s *DirStore) Put(ctx context.Context, key string, body []byte, opts PutOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := s.resolve(key)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkPrecondition(p, opts); err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(p), dirPerm); err != nil {
		return "", err
	}
	if err := writeFileAtomic(p, body); err != nil {
		return "", fmt.Errorf("storage: write %q: %w", key, err)
	}
	return digest(body), nil
}

func (s *DirStore) checkPrecondition(p string, opts PutOptions) error {
	switch {
	case opts.IfMatch != "":
		cur, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			return ErrPreconditionFailed
		}
		if err != nil {
			return err
		}
		if digest(cur) != opts.IfMatch {
			return ErrPreconditionFailed
		}
	case opts.IfAbsent:
		_, err := os.Stat(p)
		if err == nil {
			return ErrPreconditionFailed
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *DirStore) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func writeFileAtomic(p string, body []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()

	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, p)
}

func contentTypeFor(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if ext == ".json" {
		return "application/json"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return defaultContentType
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
