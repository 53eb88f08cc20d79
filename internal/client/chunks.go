package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/book-expert/logger"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

const (
	outputFileFormat = "chunk_%03d.wav"
	filePermissions  = 0o600
	dirPermissions   = 0o750
)

var (
	// ErrNoChunksFound indicates an empty chunks file.
	ErrNoChunksFound = errors.New("no chunks found")
	// ErrOutputPathEmpty indicates a missing output path.
	ErrOutputPathEmpty = errors.New("output path cannot be empty")
)

// ReadChunks reads a JSON array of strings.
func ReadChunks(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunks file: %w", err)
	}

	var chunks []string

	err = json.Unmarshal(data, &chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to parse chunks JSON: %w", err)
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoChunksFound, path)
	}

	return chunks, nil
}

// Batch synthesizes files through an HTTPClient.
type Batch struct {
	client  *HTTPClient
	log     *logger.Logger
	workers int
}

// NewBatch creates a Batch running at most workers jobs at once.
func NewBatch(client *HTTPClient, log *logger.Logger, workers int) *Batch {
	if workers < 1 {
		workers = 1
	}

	return &Batch{client: client, log: log, workers: workers}
}

// SynthesizeFile runs one job and writes the WAV to outputPath.
func (b *Batch) SynthesizeFile(ctx context.Context, req Request, outputPath string) error {
	if outputPath == "" {
		return ErrOutputPathEmpty
	}

	result, err := b.client.Synthesize(ctx, req)
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(outputPath), dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	err = os.WriteFile(outputPath, result.Audio, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write audio to '%s': %w", outputPath, err)
	}

	b.log.Info("Wrote %s (%s, %.2fs at %d Hz, seed %d)", outputPath,
		humanize.Bytes(uint64(len(result.Audio))), result.Duration, result.SampleRate, result.SeedUsed)

	return nil
}

// SynthesizeChunks writes one numbered WAV per chunk into outputDir. A failed
// chunk does not stop the others; all failures are joined into the result.
func (b *Batch) SynthesizeChunks(ctx context.Context, chunks []string, base Request, outputDir string) error {
	var group errgroup.Group

	group.SetLimit(b.workers)

	failures := make([]error, len(chunks))

	for index, text := range chunks {
		group.Go(func() error {
			req := base
			req.Text = text

			outputPath := filepath.Join(outputDir, fmt.Sprintf(outputFileFormat, index+1))

			err := b.SynthesizeFile(ctx, req, outputPath)
			if err != nil {
				b.log.Error("Chunk %d/%d failed: %v", index+1, len(chunks), err)
				failures[index] = fmt.Errorf("chunk %d: %w", index+1, err)

				return nil
			}

			b.log.Info("Chunk %d/%d done", index+1, len(chunks))

			return nil
		})
	}

	_ = group.Wait()

	return errors.Join(failures...)
}
