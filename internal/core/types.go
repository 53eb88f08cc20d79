package core

import (
	"encoding/json"
	"fmt"
)

// Request field names as they appear in the inbound job mapping.
const (
	FieldText           = "text"
	FieldReferenceAudio = "reference_audio"
	FieldTemperature    = "temperature"
	FieldSpeed          = "speed"
	FieldSeed           = "seed"
)

// SynthesisRequest holds the validated parameters of a single job.
type SynthesisRequest struct {
	// ReferenceAudio is either a URL, base64 encoded audio or empty for the
	// default voice.
	ReferenceAudio string
	Text           string
	Temperature    float64
	Speed          float64
	Seed           int64
}

// AudioResource is a readable audio file on the local filesystem.
type AudioResource struct {
	Path string
	// Temporary marks files owned by the pipeline that must be removed after use.
	Temporary bool
}

// SynthesisResult is the packaged output of a successful job.
type SynthesisResult struct {
	AudioBase64 string  `json:"audio_base64"`
	Duration    float64 `json:"duration"`
	SampleRate  int     `json:"sample_rate"`
	SeedUsed    int64   `json:"seed_used"`

	Channels int    `json:"-"`
	Audio    []byte `json:"-"`
}

// Outcome is what a caller of the pipeline receives: a result or an error, never both.
type Outcome struct {
	Result *SynthesisResult
	Err    error
}

// Succeeded reports whether the outcome carries a result.
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Result != nil
}

type errorBody struct {
	Error string `json:"error"`
}

// MarshalJSON renders the outbound result mapping, or {"error": ...} on failure.
func (o Outcome) MarshalJSON() ([]byte, error) {
	if o.Err != nil {
		data, err := json.Marshal(errorBody{Error: o.Err.Error()})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal error outcome: %w", err)
		}

		return data, nil
	}

	if o.Result == nil {
		return json.Marshal(errorBody{Error: ErrEmptyOutcome.Error()})
	}

	data, err := json.Marshal(o.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result outcome: %w", err)
	}

	return data, nil
}
