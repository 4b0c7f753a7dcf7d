// Package blob stores incident images and rendered reports and hands out
// short-lived signed URLs for them.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNotFound     = errors.New("blob not found")
	ErrInvalidKey   = errors.New("invalid blob key")
	ErrInvalidToken = errors.New("invalid blob token")
)

// Storage is the blob storage contract used by the report worker
type Storage interface {
	// Put stores data under key and returns its locator
	Put(ctx context.Context, key string, data []byte) (string, error)

	// Get reads the blob behind a locator
	Get(ctx context.Context, locator string) ([]byte, error)

	// SignedURL returns a URL granting read access to locator for ttl
	SignedURL(locator string, ttl time.Duration) (string, error)
}

// FileStorage keeps blobs on the local filesystem
type FileStorage struct {
	root    string
	baseURL string
	signer  *Signer
}

// NewFileStorage creates a filesystem store rooted at dir. URLs are built as
// baseURL + "/blobs/" + locator.
func NewFileStorage(dir, baseURL string, signer *Signer) (*FileStorage, error) {
	if dir == "" {
		return nil, errors.New("blob directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &FileStorage{
		root:    dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
	}, nil
}

func (fs *FileStorage) path(key string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean("/" + key))[1:]
	if clean == "" || clean != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(fs.root, filepath.FromSlash(clean)), nil
}

// Put writes the blob atomically through a temp file
func (fs *FileStorage) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := fs.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create blob parent: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return strings.TrimPrefix(key, "/"), nil
}

func (fs *FileStorage) Get(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := fs.path(locator)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	return data, err
}

func (fs *FileStorage) SignedURL(locator string, ttl time.Duration) (string, error) {
	token, err := fs.signer.Sign(locator, ttl)
	if err != nil {
		return "", err
	}
	return fs.baseURL + "/blobs/" + locator + "?token=" + token, nil
}

// Signer issues and checks HS256 tokens scoped to a single locator
type Signer struct {
	key []byte
}

// NewSigner creates a signer with the given secret
func NewSigner(secret string) *Signer {
	return &Signer{key: []byte(secret)}
}

// Sign returns a token granting access to locator until now+ttl
func (s *Signer) Sign(locator string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   locator,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verify checks that token is valid, unexpired and scoped to locator
func (s *Signer) Verify(token, locator string) error {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithSubject(locator), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}
