// Package request turns raw job input into a validated core.SynthesisRequest.
//
// Parsing performs no I/O. Bounds are inclusive and out of range values are
// rejected rather than clamped.
package request

import (
	"encoding/json"
	"math"
	"unicode/utf8"

	"github.com/book-expert/comfy-tts-service/internal/core"
)

// Bounds and defaults of the request fields.
const (
	MinTextLength = 1
	MaxTextLength = 1000

	MinTemperature     = 0.0
	MaxTemperature     = 2.0
	DefaultTemperature = 0.8

	MinSpeed     = 0.5
	MaxSpeed     = 2.0
	DefaultSpeed = 1.0

	MinSeed     = 0
	MaxSeed     = 1_000_000
	DefaultSeed = 42
)

// Validation failure reasons.
const (
	reasonRequired   = "is required"
	reasonNotString  = "must be a string"
	reasonNotNumber  = "must be a number"
	reasonNotInteger = "must be an integer"
	reasonLengthFmt  = "length must be between %d and %d characters, got %d"
	reasonFloatFmt   = "must be between %.1f and %.1f, got %v"
	reasonIntFmt     = "must be between %d and %d, got %d"
)

// Parse validates raw input and applies defaults for omitted optional fields.
// The returned error is a *core.ValidationError naming the first bad field.
func Parse(raw map[string]any) (core.SynthesisRequest, error) {
	req := core.SynthesisRequest{
		Temperature: DefaultTemperature,
		Speed:       DefaultSpeed,
		Seed:        DefaultSeed,
	}

	text, err := parseText(raw)
	if err != nil {
		return core.SynthesisRequest{}, err
	}

	req.Text = text

	reference, err := parseReference(raw)
	if err != nil {
		return core.SynthesisRequest{}, err
	}

	req.ReferenceAudio = reference

	temperature, present, err := parseFloat(raw, core.FieldTemperature, MinTemperature, MaxTemperature)
	if err != nil {
		return core.SynthesisRequest{}, err
	}

	if present {
		req.Temperature = temperature
	}

	speed, present, err := parseFloat(raw, core.FieldSpeed, MinSpeed, MaxSpeed)
	if err != nil {
		return core.SynthesisRequest{}, err
	}

	if present {
		req.Speed = speed
	}

	seed, present, err := parseSeed(raw)
	if err != nil {
		return core.SynthesisRequest{}, err
	}

	if present {
		req.Seed = seed
	}

	return req, nil
}

func lookup(raw map[string]any, field string) (any, bool) {
	value, ok := raw[field]
	if !ok || value == nil {
		return nil, false
	}

	return value, true
}

func parseText(raw map[string]any) (string, error) {
	value, ok := lookup(raw, core.FieldText)
	if !ok {
		return "", core.NewValidationError(core.FieldText, reasonRequired)
	}

	text, ok := value.(string)
	if !ok {
		return "", core.NewValidationError(core.FieldText, reasonNotString)
	}

	length := utf8.RuneCountInString(text)
	if length < MinTextLength || length > MaxTextLength {
		return "", core.NewValidationError(core.FieldText, reasonLengthFmt, MinTextLength, MaxTextLength, length)
	}

	return text, nil
}

// parseReference returns "" when no reference audio was supplied.
func parseReference(raw map[string]any) (string, error) {
	value, ok := lookup(raw, core.FieldReferenceAudio)
	if !ok {
		return "", nil
	}

	reference, ok := value.(string)
	if !ok {
		return "", core.NewValidationError(core.FieldReferenceAudio, reasonNotString)
	}

	return reference, nil
}

func parseFloat(raw map[string]any, field string, lower, upper float64) (float64, bool, error) {
	value, ok := lookup(raw, field)
	if !ok {
		return 0, false, nil
	}

	number, ok := toFloat(value)
	if !ok || math.IsNaN(number) {
		return 0, true, core.NewValidationError(field, reasonNotNumber)
	}

	if number < lower || number > upper {
		return 0, true, core.NewValidationError(field, reasonFloatFmt, lower, upper, number)
	}

	return number, true, nil
}

func parseSeed(raw map[string]any) (int64, bool, error) {
	value, ok := lookup(raw, core.FieldSeed)
	if !ok {
		return 0, false, nil
	}

	number, ok := toFloat(value)
	if !ok {
		return 0, true, core.NewValidationError(core.FieldSeed, reasonNotNumber)
	}

	if number != math.Trunc(number) || math.IsInf(number, 0) {
		return 0, true, core.NewValidationError(core.FieldSeed, reasonNotInteger)
	}

	if number < MinSeed || number > MaxSeed {
		return 0, true, core.NewValidationError(core.FieldSeed, reasonIntFmt, MinSeed, MaxSeed, int64(number))
	}

	return int64(number), true, nil
}

// toFloat accepts the numeric representations produced by encoding/json and Go callers.
func toFloat(value any) (float64, bool) {
	switch number := value.(type) {
	case float64:
		return number, true
	case float32:
		return float64(number), true
	case int:
		return float64(number), true
	case int8:
		return float64(number), true
	case int16:
		return float64(number), true
	case int32:
		return float64(number), true
	case int64:
		return float64(number), true
	case uint:
		return float64(number), true
	case uint8:
		return float64(number), true
	case uint16:
		return float64(number), true
	case uint32:
		return float64(number), true
	case uint64:
		return float64(number), true
	case json.Number:
		parsed, err := number.Float64()

		return parsed, err == nil
	default:
		return 0, false
	}
}
