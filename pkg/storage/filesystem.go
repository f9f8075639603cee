package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const metaSuffix = ".meta.json"

// FilesystemStore keeps objects under a root directory. Content type and
// checksum live in a sidecar file next to each object.
type FilesystemStore struct {
	rootDir string
}

type fileMeta struct {
	ContentType string `json:"content_type"`
	Checksum    string `json:"checksum_sha256"`
}

// NewFilesystemStore creates the root directory if needed
func NewFilesystemStore(rootDir string) (*FilesystemStore, error) {
	if rootDir == "" {
		return nil, fmt.Errorf("filesystem root is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &FilesystemStore{rootDir: rootDir}, nil
}

// resolve maps a key to a path under rootDir, rejecting traversal
func (s *FilesystemStore) resolve(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, metaSuffix) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	clean := path.Clean(key)
	if clean != key || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.rootDir, filepath.FromSlash(clean)), nil
}

// Put writes r to a temp file and renames it into place
func (s *FilesystemStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*ObjectInfo, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	src := r
	if size > 0 {
		src = io.LimitReader(r, size+1)
	}
	n, err := io.Copy(io.MultiWriter(tmp, h), src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write object: %w", err)
	}
	if size > 0 && n > size {
		return nil, fmt.Errorf("content exceeds declared size of %d bytes", size)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	meta := fileMeta{ContentType: contentType, Checksum: hex.EncodeToString(h.Sum(nil))}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(p+metaSuffix, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write object metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return nil, fmt.Errorf("failed to store object: %w", err)
	}

	return s.Stat(ctx, key)
}

// Get opens an object for reading
func (s *FilesystemStore) Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	info, err := s.Stat(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	p, _ := s.resolve(key)
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrObjectNotFound
		}
		return nil, nil, fmt.Errorf("failed to open object: %w", err)
	}
	return f, info, nil
}

// Stat reads size and modification time from the file and the rest from
// its sidecar
func (s *FilesystemStore) Stat(_ context.Context, key string) (*ObjectInfo, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}

	info := &ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		ContentType:  "application/octet-stream",
		LastModified: fi.ModTime().UTC(),
	}
	if data, err := os.ReadFile(p + metaSuffix); err == nil {
		var meta fileMeta
		if json.Unmarshal(data, &meta) == nil {
			if meta.ContentType != "" {
				info.ContentType = meta.ContentType
			}
			info.Checksum = meta.Checksum
		}
	}
	return info, nil
}

// Delete removes an object and its sidecar. Missing keys are ignored.
func (s *FilesystemStore) Delete(_ context.Context, key string) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	for _, f := range []string{p, p + metaSuffix} {
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete object: %w", err)
		}
	}
	return nil
}
