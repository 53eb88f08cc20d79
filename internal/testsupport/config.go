package testsupport

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/book-expert/comfy-tts-service/internal/config"
	"github.com/book-expert/logger"
)

// DefaultReference is the content of the default reference asset in NewConfig.
var DefaultReference = WAV(24000, 1, 2400)

// NewConfig returns a validated configuration rooted in per-test temp
// directories. The stock template is copied in and the default reference
// asset is already present, so no network access is needed.
func NewConfig(t testing.TB, engineURL string) *config.Config {
	t.Helper()

	base := t.TempDir()

	var cfg config.Config

	cfg.ApplyDefaults()
	cfg.Engine.URL = engineURL
	cfg.Engine.OutputPath = filepath.Join(base, "output", "vibevoice_output.wav")
	cfg.Template.Path = filepath.Join(base, "workflows", "vibevoice_tts.json")
	cfg.Reference.DefaultPath = filepath.Join(base, "input", "maya.wav")
	cfg.Reference.DefaultURL = "http://127.0.0.1:1/unreachable.wav"
	cfg.Reference.TempDir = filepath.Join(base, "tmp")
	cfg.Paths.BaseLogsDir = filepath.Join(base, "logs")

	template, err := os.ReadFile(templateSource())
	if err != nil {
		t.Fatalf("read template: %v", err)
	}

	WriteFile(t, cfg.Template.Path, template)
	WriteFile(t, cfg.Reference.DefaultPath, DefaultReference)

	if err := os.MkdirAll(cfg.Reference.TempDir, 0o750); err != nil {
		t.Fatalf("mkdir temp dir: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}

	return &cfg
}

// NewLogger returns a file logger writing into a per-test directory.
func NewLogger(t testing.TB) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	if err != nil {
		t.Fatalf("create logger: %v", err)
	}

	t.Cleanup(func() { _ = log.Close() })

	return log
}

// TempFiles lists the entries of dir.
func TempFiles(t testing.TB, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir %s: %v", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	return names
}

func templateSource() string {
	_, file, _, _ := runtime.Caller(0)

	return filepath.Join(filepath.Dir(file), "..", "..", "workflows", "vibevoice_tts.json")
}
