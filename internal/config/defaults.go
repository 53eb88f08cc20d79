package config

import (
	"os"
	"path/filepath"
)

// Default values mirror the stock VibeVoice workflow and a local ComfyUI install.
const (
	DefaultEngineURL               = "ws://localhost:8188/ws"
	DefaultOutputPath              = "output/vibevoice_output.wav"
	DefaultHandshakeTimeoutSeconds = 10
	DefaultTemplatePath            = "workflows/vibevoice_tts.json"
	DefaultOutputPrefix            = "audio/ComfyUI"
	DefaultReferencePath           = "input/maya.wav"
	DefaultReferenceURL            = "https://example.com/maya.wav"
	DefaultFetchTimeoutSeconds     = 60
	DefaultMaxReferenceBytes       = 50 << 20
	DefaultSynthesisSubject        = "tts.synthesize"
	DefaultJobTimeoutSeconds       = 600
	DefaultHTTPAddr                = ":8080"
)

// Default slot addresses in the stock workflow.
const (
	DefaultSlotText           = "2.text"
	DefaultSlotTemperature    = "2.temperature"
	DefaultSlotSpeed          = "2.speed"
	DefaultSlotSeed           = "2.seed"
	DefaultSlotReferenceAudio = "3.audio"
	DefaultSlotOutputPrefix   = "5.filename_prefix"
)

// DefaultLinks returns the links of the stock workflow: the speaker node clones
// the voice loaded by node 3, and node 5 saves the speaker node's audio.
func DefaultLinks() []string {
	return []string{"2.voice_to_clone=3:0", "5.audio=2:0"}
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	setDefault(&c.Engine.URL, DefaultEngineURL)
	setDefault(&c.Engine.OutputPath, DefaultOutputPath)
	setDefault(&c.Engine.HandshakeTimeoutSeconds, DefaultHandshakeTimeoutSeconds)

	setDefault(&c.Template.Path, DefaultTemplatePath)
	setDefault(&c.Template.OutputPrefix, DefaultOutputPrefix)
	setDefault(&c.Template.Slots.Text, DefaultSlotText)
	setDefault(&c.Template.Slots.ReferenceAudio, DefaultSlotReferenceAudio)
	setDefault(&c.Template.Slots.Temperature, DefaultSlotTemperature)
	setDefault(&c.Template.Slots.Speed, DefaultSlotSpeed)
	setDefault(&c.Template.Slots.Seed, DefaultSlotSeed)
	setDefault(&c.Template.Slots.OutputPrefix, DefaultSlotOutputPrefix)

	if c.Template.Links == nil {
		c.Template.Links = DefaultLinks()
	}

	setDefault(&c.Reference.DefaultPath, DefaultReferencePath)
	setDefault(&c.Reference.DefaultURL, DefaultReferenceURL)
	setDefault(&c.Reference.TempDir, os.TempDir())
	setDefault(&c.Reference.FetchTimeoutSeconds, DefaultFetchTimeoutSeconds)
	setDefault(&c.Reference.MaxBytes, int64(DefaultMaxReferenceBytes))

	setDefault(&c.NATS.SynthesisSubject, DefaultSynthesisSubject)
	setDefault(&c.NATS.JobTimeoutSeconds, DefaultJobTimeoutSeconds)

	setDefault(&c.HTTP.Addr, DefaultHTTPAddr)
	setDefault(&c.Paths.BaseLogsDir, filepath.Join(os.TempDir(), "tts-service"))
}
