package client_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/comfy-tts-service/internal/client"
	"github.com/book-expert/comfy-tts-service/internal/core"
	"github.com/book-expert/comfy-tts-service/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService answers /runsync with a WAV per request, failing any text containing "fail".
type fakeService struct {
	mu     sync.Mutex
	inputs []map[string]any
}

func (f *fakeService) handler(t *testing.T) http.Handler {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("POST /runsync", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Input map[string]any `json:"input"`
		}

		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)

			return
		}

		f.mu.Lock()
		f.inputs = append(f.inputs, body.Input)
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")

		text, _ := body.Input["text"].(string)
		if strings.Contains(text, "fail") {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"output":{"error":"validation error: text rejected"}}`))

			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{"output": core.SynthesisResult{
			AudioBase64: base64.StdEncoding.EncodeToString(testsupport.WAV(24000, 1, 240)),
			Duration:    0.01,
			SampleRate:  24000,
			SeedUsed:    42,
		}})
	})

	return mux
}

func newClient(t *testing.T) (*client.HTTPClient, *fakeService) {
	t.Helper()

	service := &fakeService{}
	server := httptest.NewServer(service.handler(t))
	t.Cleanup(server.Close)

	return client.NewHTTPClient(server.URL+"/", 5*time.Second), service
}

func TestHTTPClient_Synthesize(t *testing.T) {
	t.Parallel()

	httpClient, service := newClient(t)
	seed := int64(42)
	speed := 1.5

	result, err := httpClient.Synthesize(context.Background(), client.Request{
		Text:           "Hello",
		ReferenceAudio: "https://example.com/voice.wav",
		Seed:           &seed,
		Speed:          &speed,
	})
	require.NoError(t, err)

	assert.Equal(t, testsupport.WAV(24000, 1, 240), result.Audio)
	assert.Equal(t, 24000, result.SampleRate)
	assert.Equal(t, int64(42), result.SeedUsed)

	service.mu.Lock()
	defer service.mu.Unlock()

	require.Len(t, service.inputs, 1)
	assert.Equal(t, map[string]any{
		"text":            "Hello",
		"reference_audio": "https://example.com/voice.wav",
		"seed":            float64(42),
		"speed":           1.5,
	}, service.inputs[0])
}

func TestHTTPClient_SynthesizeErrors(t *testing.T) {
	t.Parallel()

	httpClient, _ := newClient(t)

	_, err := httpClient.Synthesize(context.Background(), client.Request{Text: "  "})
	require.ErrorIs(t, err, client.ErrTextEmpty)

	_, err = httpClient.Synthesize(context.Background(), client.Request{Text: "please fail"})
	require.ErrorIs(t, err, client.ErrService)

	var serviceErr *client.ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, http.StatusUnprocessableEntity, serviceErr.StatusCode)
	assert.Contains(t, serviceErr.Message, "text rejected")
}

func TestHTTPClient_HealthCheck(t *testing.T) {
	t.Parallel()

	httpClient, _ := newClient(t)
	require.NoError(t, httpClient.HealthCheck(context.Background()))

	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	require.Error(t, client.NewHTTPClient(server.URL, time.Second).HealthCheck(context.Background()))
}

func TestReadChunks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	good := filepath.Join(dir, "chunks.json")
	testsupport.WriteFile(t, good, []byte(`["one","two"]`))

	chunks, err := client.ReadChunks(good)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, chunks)

	empty := filepath.Join(dir, "empty.json")
	testsupport.WriteFile(t, empty, []byte(`[]`))

	_, err = client.ReadChunks(empty)
	require.ErrorIs(t, err, client.ErrNoChunksFound)

	_, err = client.ReadChunks(filepath.Join(dir, "absent.json"))
	require.Error(t, err)
}

func TestBatch_SynthesizeChunks(t *testing.T) {
	t.Parallel()

	httpClient, _ := newClient(t)
	batch := client.NewBatch(httpClient, testsupport.NewLogger(t), 2)
	outputDir := filepath.Join(t.TempDir(), "out")

	err := batch.SynthesizeChunks(context.Background(), []string{"one", "please fail", "three"}, client.Request{}, outputDir)
	require.ErrorIs(t, err, client.ErrService)
	assert.Contains(t, err.Error(), "chunk 2")

	assert.FileExists(t, filepath.Join(outputDir, "chunk_001.wav"))
	assert.NoFileExists(t, filepath.Join(outputDir, "chunk_002.wav"))
	assert.FileExists(t, filepath.Join(outputDir, "chunk_003.wav"))

	data, err := os.ReadFile(filepath.Join(outputDir, "chunk_003.wav"))
	require.NoError(t, err)
	assert.Equal(t, testsupport.WAV(24000, 1, 240), data)
}

func TestReferenceFromFlag(t *testing.T) {
	t.Parallel()

	ref, err := client.ReferenceFromFlag("HTTPS://example.com/a.wav")
	require.NoError(t, err)
	assert.Equal(t, "HTTPS://example.com/a.wav", ref)

	path := filepath.Join(t.TempDir(), "voice.wav")
	testsupport.WriteFile(t, path, []byte("RIFF"))

	ref, err = client.ReferenceFromFlag(path)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("RIFF")), ref)

	_, err = client.ReferenceFromFlag(filepath.Join(t.TempDir(), "missing.wav"))
	require.Error(t, err)
}
