// Package output turns the artifact produced by the engine into a transport
// ready SynthesisResult.
package output

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/book-expert/comfy-tts-service/internal/core"
	"github.com/book-expert/logger"
	"github.com/dustin/go-humanize"
	"github.com/go-audio/wav"
)

const bitsPerByte = 8

// Info is the audio metadata derived from a WAV header.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Frames     int64
}

// Duration returns frames / sample rate in seconds. It depends only on the
// frame count, never on the channel count.
func (i Info) Duration() float64 {
	if i.SampleRate <= 0 || i.Frames <= 0 {
		return 0
	}

	return float64(i.Frames) / float64(i.SampleRate)
}

// Inspect decodes the WAV header and data chunk size of data.
func Inspect(data []byte) (Info, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))

	decoder.ReadInfo()

	err := decoder.Err()
	if err != nil {
		return Info{}, fmt.Errorf("%w: invalid wav header: %w", core.ErrAudioLoad, err)
	}

	if decoder.SampleRate == 0 || decoder.NumChans == 0 || decoder.BitDepth < bitsPerByte {
		return Info{}, fmt.Errorf(
			"%w: unsupported wav format (rate %d, channels %d, depth %d)",
			core.ErrAudioLoad, decoder.SampleRate, decoder.NumChans, decoder.BitDepth,
		)
	}

	err = decoder.FwdToPCM()
	if err != nil {
		return Info{}, fmt.Errorf("%w: wav data chunk not found: %w", core.ErrAudioLoad, err)
	}

	frameSize := int64(decoder.NumChans) * int64(decoder.BitDepth/bitsPerByte)

	return Info{
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		BitDepth:   int(decoder.BitDepth),
		Frames:     decoder.PCMLen() / frameSize,
	}, nil
}

// Packager loads produced audio from the local filesystem.
type Packager struct {
	log *logger.Logger
}

// NewPackager creates a Packager.
func NewPackager(log *logger.Logger) *Packager {
	return &Packager{log: log}
}

// Package loads the artifact at path and builds the result reported for seed.
func (p *Packager) Package(path string, seed int64) (core.SynthesisResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.SynthesisResult{}, fmt.Errorf("%w: failed to read artifact '%s': %w", core.ErrAudioLoad, path, err)
	}

	info, err := Inspect(data)
	if err != nil {
		return core.SynthesisResult{}, err
	}

	p.log.Info(
		"Packaged %s: %s, %d Hz, %d channel(s), %.2fs",
		path, humanize.Bytes(uint64(len(data))), info.SampleRate, info.Channels, info.Duration(),
	)

	return core.SynthesisResult{
		AudioBase64: base64.StdEncoding.EncodeToString(data),
		Duration:    info.Duration(),
		SampleRate:  info.SampleRate,
		SeedUsed:    seed,
		Channels:    info.Channels,
		Audio:       data,
	}, nil
}
