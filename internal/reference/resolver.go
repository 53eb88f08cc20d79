// Package reference resolves the reference audio of a synthesis request into a
// local file the execution engine can read.
package reference

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/comfy-tts-service/internal/config"
	"github.com/book-expert/comfy-tts-service/internal/core"
	"github.com/book-expert/logger"
	"github.com/gofrs/flock"
)

const (
	tempFilePattern    = "reference-*.wav"
	partialFilePattern = ".default-*.partial"
	lockSuffix         = ".lock"
	lockRetryDelay     = 50 * time.Millisecond
	dirPermissions     = 0o750
)

var urlSchemes = []string{"http://", "https://"}

// Resolver produces local audio files from inline data, URLs or the default asset.
type Resolver struct {
	httpClient  *http.Client
	log         *logger.Logger
	defaultPath string
	defaultURL  string
	tempDir     string
	maxBytes    int64
}

// New creates a Resolver from the reference configuration.
func New(cfg config.ReferenceConfig, log *logger.Logger) *Resolver {
	return NewWithClient(cfg, log, &http.Client{Timeout: cfg.FetchTimeout()})
}

// NewWithClient creates a Resolver that downloads through the given client.
func NewWithClient(cfg config.ReferenceConfig, log *logger.Logger, client *http.Client) *Resolver {
	return &Resolver{
		httpClient:  client,
		log:         log,
		defaultPath: cfg.DefaultPath,
		defaultURL:  cfg.DefaultURL,
		tempDir:     cfg.TempDir,
		maxBytes:    cfg.MaxBytes,
	}
}

// IsURL reports whether the reference should be downloaded rather than decoded.
func IsURL(ref string) bool {
	lower := strings.ToLower(ref)
	for _, scheme := range urlSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}

	return false
}

// Resolve returns a readable audio file for ref. An empty ref selects the
// default asset, which is never temporary.
func (r *Resolver) Resolve(ctx context.Context, ref string) (core.AudioResource, error) {
	if ref == "" {
		path, err := r.EnsureDefault(ctx)
		if err != nil {
			return core.AudioResource{}, err
		}

		return core.AudioResource{Path: path, Temporary: false}, nil
	}

	var (
		data []byte
		err  error
	)

	if IsURL(ref) {
		data, err = r.fetch(ctx, ref)
	} else {
		data, err = decode(ref)
	}

	if err != nil {
		return core.AudioResource{}, err
	}

	path, err := r.writeTemp(data)
	if err != nil {
		return core.AudioResource{}, err
	}

	return core.AudioResource{Path: path, Temporary: true}, nil
}

// EnsureDefault makes sure the default asset exists locally and returns its path.
// Concurrent first-time callers serialize on a lock file and re-check after
// acquiring it; the asset is installed with an atomic rename.
func (r *Resolver) EnsureDefault(ctx context.Context) (string, error) {
	if exists(r.defaultPath) {
		return r.defaultPath, nil
	}

	dir := filepath.Dir(r.defaultPath)

	err := os.MkdirAll(dir, dirPermissions)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create directory for default reference: %w", core.ErrFetch, err)
	}

	lock := flock.New(r.defaultPath + lockSuffix)

	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return "", fmt.Errorf("%w: failed to lock default reference '%s': %w", core.ErrFetch, r.defaultPath, err)
	}

	if !locked {
		return "", fmt.Errorf("%w: default reference '%s' is locked", core.ErrFetch, r.defaultPath)
	}

	defer func() {
		unlockErr := lock.Unlock()
		if unlockErr != nil {
			r.log.Warn("Failed to unlock '%s': %v", lock.Path(), unlockErr)
		}
	}()

	if exists(r.defaultPath) {
		return r.defaultPath, nil
	}

	r.log.Info("Default reference audio missing, downloading from %s", r.defaultURL)

	data, err := r.fetch(ctx, r.defaultURL)
	if err != nil {
		return "", err
	}

	err = installAtomic(r.defaultPath, data)
	if err != nil {
		return "", fmt.Errorf("%w: failed to install default reference: %w", core.ErrFetch, err)
	}

	return r.defaultPath, nil
}

func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request for %s: %w", core.ErrFetch, url, err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to download %s: %w", core.ErrFetch, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: GET %s returned %s", core.ErrFetch, url, resp.Status)
	}

	body := io.Reader(resp.Body)
	if r.maxBytes > 0 {
		body = io.LimitReader(resp.Body, r.maxBytes+1)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body of %s: %w", core.ErrFetch, url, err)
	}

	if r.maxBytes > 0 && int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", core.ErrFetch, url, r.maxBytes)
	}

	return data, nil
}

func decode(ref string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ref))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 reference audio: %w", core.ErrDecode, err)
	}

	return data, nil
}

func (r *Resolver) writeTemp(data []byte) (string, error) {
	file, err := os.CreateTemp(r.tempDir, tempFilePattern)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file for reference audio: %w", err)
	}

	_, writeErr := file.Write(data)
	closeErr := file.Close()

	err = errors.Join(writeErr, closeErr)
	if err != nil {
		removeErr := os.Remove(file.Name())
		if removeErr != nil {
			r.log.Warn("Failed to remove partial file '%s': %v", file.Name(), removeErr)
		}

		return "", fmt.Errorf("failed to write reference audio to '%s': %w", file.Name(), err)
	}

	return file.Name(), nil
}

func installAtomic(path string, data []byte) error {
	file, err := os.CreateTemp(filepath.Dir(path), partialFilePattern)
	if err != nil {
		return fmt.Errorf("failed to create partial file: %w", err)
	}

	_, writeErr := file.Write(data)
	closeErr := file.Close()

	err = errors.Join(writeErr, closeErr)
	if err == nil {
		err = os.Rename(file.Name(), path)
	}

	if err != nil {
		_ = os.Remove(file.Name())

		return err
	}

	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	return info.Mode().IsRegular()
}
