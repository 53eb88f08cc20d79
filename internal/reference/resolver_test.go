package reference_test

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/book-expert/comfy-tts-service/internal/config"
	"github.com/book-expert/comfy-tts-service/internal/core"
	"github.com/book-expert/comfy-tts-service/internal/reference"
	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAudio = []byte("RIFF\x24\x00\x00\x00WAVEfmt \x10\x00\x00\x00\x01\x00\x01\x00")

type fixture struct {
	resolver    *reference.Resolver
	server      *httptest.Server
	hits        *atomic.Int64
	tempDir     string
	defaultPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	hits := &atomic.Int64{}
	mux := http.NewServeMux()
	mux.HandleFunc("/voice.wav", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)

		_, _ = w.Write(testAudio)
	})
	mux.HandleFunc("/missing.wav", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/large.wav", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	log, err := logger.New(t.TempDir(), "reference-test.log")
	require.NoError(t, err)

	tempDir := t.TempDir()
	defaultPath := filepath.Join(t.TempDir(), "input", "maya.wav")

	cfg := config.ReferenceConfig{
		DefaultPath:         defaultPath,
		DefaultURL:          server.URL + "/voice.wav",
		TempDir:             tempDir,
		FetchTimeoutSeconds: 5,
		MaxBytes:            1024,
	}

	return &fixture{
		resolver:    reference.New(cfg, log),
		server:      server,
		hits:        hits,
		tempDir:     tempDir,
		defaultPath: defaultPath,
	}
}

func (f *fixture) tempFiles(t *testing.T) []string {
	t.Helper()

	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	return names
}

func TestIsURL(t *testing.T) {
	t.Parallel()

	assert.True(t, reference.IsURL("http://example.com/a.wav"))
	assert.True(t, reference.IsURL("HTTPS://example.com/a.wav"))
	assert.False(t, reference.IsURL("aHR0cDovL2V4YW1wbGU="))
	assert.False(t, reference.IsURL("ftp://example.com/a.wav"))
}

func TestResolve_InlineRoundTrip(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	payload := make([]byte, 256)

	for i := range payload {
		payload[i] = byte(i)
	}

	resource, err := fx.resolver.Resolve(context.Background(), base64.StdEncoding.EncodeToString(payload))
	require.NoError(t, err)

	assert.True(t, resource.Temporary)
	assert.Equal(t, fx.tempDir, filepath.Dir(resource.Path))

	written, err := os.ReadFile(resource.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, written)
}

func TestResolve_InlineNamesAreUnique(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	encoded := base64.StdEncoding.EncodeToString(testAudio)

	first, err := fx.resolver.Resolve(context.Background(), encoded)
	require.NoError(t, err)

	second, err := fx.resolver.Resolve(context.Background(), encoded)
	require.NoError(t, err)

	assert.NotEqual(t, first.Path, second.Path)
}

func TestResolve_InvalidBase64(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	_, err := fx.resolver.Resolve(context.Background(), "not base64 at all!")
	require.ErrorIs(t, err, core.ErrDecode)
	assert.Empty(t, fx.tempFiles(t), "no file may be created for undecodable input")
}

func TestResolve_URL(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	resource, err := fx.resolver.Resolve(context.Background(), fx.server.URL+"/voice.wav")
	require.NoError(t, err)

	assert.True(t, resource.Temporary)

	written, err := os.ReadFile(resource.Path)
	require.NoError(t, err)
	assert.Equal(t, testAudio, written)
}

func TestResolve_URLFailures(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	_, err := fx.resolver.Resolve(context.Background(), fx.server.URL+"/missing.wav")
	require.ErrorIs(t, err, core.ErrFetch)

	_, err = fx.resolver.Resolve(context.Background(), fx.server.URL+"/large.wav")
	require.ErrorIs(t, err, core.ErrFetch)

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()

	_, err = fx.resolver.Resolve(context.Background(), closed.URL+"/voice.wav")
	require.ErrorIs(t, err, core.ErrFetch)

	assert.Empty(t, fx.tempFiles(t))
}

func TestResolve_DefaultAlreadyPresent(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(fx.defaultPath), 0o750))
	require.NoError(t, os.WriteFile(fx.defaultPath, []byte("cached"), 0o600))

	resource, err := fx.resolver.Resolve(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, fx.defaultPath, resource.Path)
	assert.False(t, resource.Temporary)
	assert.Zero(t, fx.hits.Load(), "an existing default asset must not be downloaded again")
}

func TestResolve_DefaultDownloadedOnce(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	resource, err := fx.resolver.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, resource.Temporary)

	_, err = fx.resolver.Resolve(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, int64(1), fx.hits.Load())

	cached, err := os.ReadFile(fx.defaultPath)
	require.NoError(t, err)
	assert.Equal(t, testAudio, cached)
}

func TestEnsureDefault_Concurrent(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	const workers = 8

	var waitGroup sync.WaitGroup

	errs := make(chan error, workers)

	for range workers {
		waitGroup.Add(1)

		go func() {
			defer waitGroup.Done()

			_, err := fx.resolver.EnsureDefault(context.Background())
			errs <- err
		}()
	}

	waitGroup.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	cached, err := os.ReadFile(fx.defaultPath)
	require.NoError(t, err)
	assert.Equal(t, testAudio, cached, "concurrent initialization must not corrupt the cached asset")

	entries, err := os.ReadDir(filepath.Dir(fx.defaultPath))
	require.NoError(t, err)

	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".partial")
	}
}

func TestEnsureDefault_FetchFailure(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	log, err := logger.New(t.TempDir(), "reference-test.log")
	require.NoError(t, err)

	resolver := reference.New(config.ReferenceConfig{
		DefaultPath: fx.defaultPath,
		DefaultURL:  fx.server.URL + "/missing.wav",
		TempDir:     fx.tempDir,
	}, log)

	_, err = resolver.EnsureDefault(context.Background())
	require.ErrorIs(t, err, core.ErrFetch)

	_, statErr := os.Stat(fx.defaultPath)
	assert.True(t, os.IsNotExist(statErr))
}
