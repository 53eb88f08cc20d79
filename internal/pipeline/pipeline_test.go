package pipeline_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/comfy-tts-service/internal/config"
	"github.com/book-expert/comfy-tts-service/internal/core"
	"github.com/book-expert/comfy-tts-service/internal/pipeline"
	"github.com/book-expert/comfy-tts-service/internal/testsupport"
	"github.com/book-expert/comfy-tts-service/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrchestrator(t *testing.T, cfg *config.Config) *pipeline.Orchestrator {
	t.Helper()

	orchestrator, err := pipeline.NewFromConfig(cfg, testsupport.NewLogger(t))
	require.NoError(t, err)

	return orchestrator
}

const unreachableEngine = "ws://127.0.0.1:1/ws"

// newConfig returns a config whose engine URL is filled in once the engine runs.
func newConfig(t *testing.T) *config.Config {
	t.Helper()

	return testsupport.NewConfig(t, unreachableEngine)
}

// writeArtifact makes the engine produce data at path when it receives a prompt.
func writeArtifact(path string, data []byte) testsupport.EngineOption {
	return testsupport.WithOnPrompt(func(testsupport.Prompt) {
		_ = os.MkdirAll(filepath.Dir(path), 0o750)
		_ = os.WriteFile(path, data, 0o600)
	})
}

func promptInput(t *testing.T, prompt testsupport.Prompt, node, input string) any {
	t.Helper()

	entry, ok := prompt.Data[node].(map[string]any)
	require.True(t, ok, "node %s missing from prompt", node)

	inputs, ok := entry["inputs"].(map[string]any)
	require.True(t, ok, "node %s has no inputs", node)

	return inputs[input]
}

func TestRun_Success(t *testing.T) {
	t.Parallel()

	artifact := testsupport.WAV(24000, 1, 48000)

	cfg := newConfig(t)
	engine := testsupport.NewEngine(t,
		writeArtifact(cfg.Engine.OutputPath, artifact),
		testsupport.WithScript(
			testsupport.Event("execution_cached", map[string]any{"nodes": []string{}}),
			testsupport.Event("execution_success", map[string]any{}),
		),
	)
	cfg.Engine.URL = engine.URL()

	outcome := newOrchestrator(t, cfg).Run(context.Background(), map[string]any{
		"text":        "Hello, this is a test.",
		"temperature": 0.9,
		"speed":       1.2,
		"seed":        123,
	})

	require.NoError(t, outcome.Err)
	require.True(t, outcome.Succeeded())
	assert.Equal(t, int64(123), outcome.Result.SeedUsed)
	assert.Equal(t, 24000, outcome.Result.SampleRate)
	assert.InDelta(t, 2.0, outcome.Result.Duration, 1e-9)
	assert.Equal(t, base64.StdEncoding.EncodeToString(artifact), outcome.Result.AudioBase64)

	prompt := engine.NextPrompt(t)
	assert.Equal(t, "prompt", prompt.Type)
	assert.Equal(t, "Hello, this is a test.", promptInput(t, prompt, "2", "text"))
	assert.InDelta(t, 123.0, promptInput(t, prompt, "2", "seed"), 0)
	assert.InDelta(t, 0.9, promptInput(t, prompt, "2", "temperature"), 1e-9)
	assert.InDelta(t, 1.2, promptInput(t, prompt, "2", "speed"), 1e-9)
	assert.InDelta(t, 1.3, promptInput(t, prompt, "2", "cfg_scale"), 1e-9, "untouched leaves pass through")
	assert.Equal(t, cfg.Reference.DefaultPath, promptInput(t, prompt, "3", "audio"))
	assert.Equal(t, cfg.Template.OutputPrefix, promptInput(t, prompt, "5", "filename_prefix"))

	assert.FileExists(t, cfg.Reference.DefaultPath, "default asset must survive the job")
}

func TestRun_InvalidInputTouchesNothing(t *testing.T) {
	t.Parallel()

	engine := testsupport.NewEngine(t)
	cfg := testsupport.NewConfig(t, engine.URL())

	outcome := newOrchestrator(t, cfg).Run(context.Background(), map[string]any{"text": ""})

	require.Error(t, outcome.Err)
	require.ErrorIs(t, outcome.Err, core.ErrValidation)
	assert.Contains(t, outcome.Err.Error(), "text")
	assert.Nil(t, outcome.Result)
	assert.Zero(t, engine.Connections())

	wire, err := json.Marshal(outcome)
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{"error":%q}`, outcome.Err.Error()), string(wire))
	assert.Empty(t, testsupport.TempFiles(t, cfg.Reference.TempDir))
}

func TestRun_InlineReferenceRemovedAfterSuccess(t *testing.T) {
	t.Parallel()

	cfg := newConfig(t)
	engine := testsupport.NewEngine(t,
		writeArtifact(cfg.Engine.OutputPath, testsupport.WAV(24000, 1, 240)),
		testsupport.WithScript(testsupport.Event("execution_success", map[string]any{})),
	)
	cfg.Engine.URL = engine.URL()

	ref := base64.StdEncoding.EncodeToString(testsupport.WAV(16000, 1, 160))

	outcome := newOrchestrator(t, cfg).Run(context.Background(), map[string]any{
		"text":            "Clone me",
		"reference_audio": ref,
	})
	require.NoError(t, outcome.Err)

	prompt := engine.NextPrompt(t)
	audio, ok := promptInput(t, prompt, "3", "audio").(string)
	require.True(t, ok)
	assert.Equal(t, cfg.Reference.TempDir, filepath.Dir(audio))
	assert.NoFileExists(t, audio)
	assert.Empty(t, testsupport.TempFiles(t, cfg.Reference.TempDir))
}

func TestRun_CleanupOnFailure(t *testing.T) {
	t.Parallel()

	ref := base64.StdEncoding.EncodeToString(testsupport.WAV(16000, 1, 160))

	tests := []struct {
		name    string
		opts    func(outputPath string) []testsupport.EngineOption
		prepare func(t *testing.T, cfg *config.Config)
		wantErr error
	}{
		{
			name: "engine execution error",
			opts: func(string) []testsupport.EngineOption {
				return []testsupport.EngineOption{
					testsupport.WithScript(testsupport.ErrorEvent("CUDA out of memory")),
				}
			},
			wantErr: core.ErrProtocol,
		},
		{
			name: "engine timeout",
			prepare: func(_ *testing.T, cfg *config.Config) {
				cfg.Engine.TimeoutSeconds = 1
			},
			wantErr: core.ErrTimeout,
		},
		{
			name: "engine stream closed",
			opts: func(string) []testsupport.EngineOption {
				return []testsupport.EngineOption{testsupport.WithCloseAfterScript()}
			},
			wantErr: core.ErrConnection,
		},
		{
			name: "unreadable artifact",
			opts: func(outputPath string) []testsupport.EngineOption {
				return []testsupport.EngineOption{
					writeArtifact(outputPath, []byte("not audio")),
					testsupport.WithScript(testsupport.Event("execution_success", map[string]any{})),
				}
			},
			wantErr: core.ErrAudioLoad,
		},
		{
			name: "missing artifact",
			opts: func(string) []testsupport.EngineOption {
				return []testsupport.EngineOption{
					testsupport.WithScript(testsupport.Event("execution_success", map[string]any{})),
				}
			},
			wantErr: core.ErrAudioLoad,
		},
		{
			name: "stale artifact from an earlier job",
			opts: func(string) []testsupport.EngineOption {
				return []testsupport.EngineOption{
					testsupport.WithScript(testsupport.Event("execution_success", map[string]any{})),
				}
			},
			prepare: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				testsupport.WriteFile(t, cfg.Engine.OutputPath, testsupport.WAV(24000, 1, 240))
			},
			wantErr: core.ErrAudioLoad,
		},
		{
			name: "template without slots",
			prepare: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				testsupport.WriteFile(t, cfg.Template.Path, []byte(`{"9":{"class_type":"Other","inputs":{}}}`))
			},
			wantErr: core.ErrTemplate,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := newConfig(t)

			var opts []testsupport.EngineOption
			if tc.opts != nil {
				opts = tc.opts(cfg.Engine.OutputPath)
			}

			engine := testsupport.NewEngine(t, opts...)
			cfg.Engine.URL = engine.URL()

			if tc.prepare != nil {
				tc.prepare(t, cfg)
			}

			outcome := newOrchestrator(t, cfg).Run(context.Background(), map[string]any{
				"text":            "Fail after resolving",
				"reference_audio": ref,
			})

			require.Error(t, outcome.Err)
			require.ErrorIs(t, outcome.Err, tc.wantErr)
			assert.Nil(t, outcome.Result)
			assert.Empty(t, testsupport.TempFiles(t, cfg.Reference.TempDir))
		})
	}
}

func TestRun_CallerDeadline(t *testing.T) {
	t.Parallel()

	engine := testsupport.NewEngine(t)
	cfg := testsupport.NewConfig(t, engine.URL())
	orchestrator := newOrchestrator(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	outcome := orchestrator.Run(ctx, map[string]any{"text": "Never finishes"})

	require.ErrorIs(t, outcome.Err, core.ErrTimeout)
	engine.WaitDisconnect(t)
}

func TestRun_CallerCancelRemovesInlineReference(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var inFlight atomic.Int64

	cfg := newConfig(t)
	engine := testsupport.NewEngine(t, testsupport.WithOnPrompt(func(testsupport.Prompt) {
		entries, err := os.ReadDir(cfg.Reference.TempDir)
		if err == nil {
			inFlight.Store(int64(len(entries)))
		}

		cancel()
	}))
	cfg.Engine.URL = engine.URL()

	outcome := newOrchestrator(t, cfg).Run(ctx, map[string]any{
		"text":            "Abandoned by the caller",
		"reference_audio": base64.StdEncoding.EncodeToString(testsupport.WAV(16000, 1, 160)),
	})

	require.ErrorIs(t, outcome.Err, core.ErrCanceled)
	assert.Nil(t, outcome.Result)
	assert.EqualValues(t, 1, inFlight.Load(), "the decoded reference exists while the engine runs")
	assert.Empty(t, testsupport.TempFiles(t, cfg.Reference.TempDir))
	engine.WaitDisconnect(t)
}

func TestRun_OverwrittenArtifactIsFresh(t *testing.T) {
	t.Parallel()

	artifact := testsupport.WAV(24000, 1, 4800)

	cfg := newConfig(t)
	testsupport.WriteFile(t, cfg.Engine.OutputPath, testsupport.WAV(24000, 1, 240))

	engine := testsupport.NewEngine(t,
		writeArtifact(cfg.Engine.OutputPath, artifact),
		testsupport.WithScript(testsupport.Event("execution_success", map[string]any{})),
	)
	cfg.Engine.URL = engine.URL()

	outcome := newOrchestrator(t, cfg).Run(context.Background(), map[string]any{"text": "Replace the old take"})

	require.NoError(t, outcome.Err)
	assert.Equal(t, base64.StdEncoding.EncodeToString(artifact), outcome.Result.AudioBase64)
}

func TestRun_StaleArtifactRejected(t *testing.T) {
	t.Parallel()

	cfg := newConfig(t)
	testsupport.WriteFile(t, cfg.Engine.OutputPath, testsupport.WAV(24000, 1, 240))

	engine := testsupport.NewEngine(t, testsupport.WithScript(testsupport.Event("execution_success", map[string]any{})))
	cfg.Engine.URL = engine.URL()

	outcome := newOrchestrator(t, cfg).Run(context.Background(), map[string]any{"text": "Nothing new"})

	require.ErrorIs(t, outcome.Err, core.ErrAudioLoad)
	assert.Contains(t, outcome.Err.Error(), "not rewritten")
	assert.FileExists(t, cfg.Engine.OutputPath)
}

type panickingBuilder struct{}

func (panickingBuilder) Build(core.SynthesisRequest, string) (workflow.Document, error) {
	panic("boom")
}

type stubResolver struct {
	path string
}

func (s stubResolver) Resolve(context.Context, string) (core.AudioResource, error) {
	return core.AudioResource{Path: s.path, Temporary: true}, nil
}

func TestRun_PanicBecomesOutcome(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "reference.wav")
	testsupport.WriteFile(t, path, testsupport.WAV(16000, 1, 16))

	orchestrator := pipeline.New(stubResolver{path: path}, panickingBuilder{}, nil, nil, testsupport.NewLogger(t), 0)

	outcome := orchestrator.Run(context.Background(), map[string]any{"text": "hi"})

	require.ErrorIs(t, outcome.Err, pipeline.ErrPanic)
	assert.NoFileExists(t, path)
}
