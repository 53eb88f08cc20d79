// Package client talks to a running tts-service over its HTTP intake.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/book-expert/comfy-tts-service/internal/core"
	"github.com/book-expert/comfy-tts-service/internal/reference"
)

const (
	apiRunSync = "/runsync"
	apiHealth  = "/healthz"

	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
)

var (
	// ErrTextEmpty indicates a request without text.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrService indicates the service reported a failed job.
	ErrService = errors.New("tts service error")
	// ErrEmptyAudio indicates a successful reply without audio.
	ErrEmptyAudio = errors.New("received empty audio data")
)

// Request is one synthesis job. Nil parameters take the service defaults.
type Request struct {
	Temperature    *float64
	Speed          *float64
	Seed           *int64
	Text           string
	ReferenceAudio string
}

func (r Request) input() map[string]any {
	input := map[string]any{core.FieldText: r.Text}

	if r.ReferenceAudio != "" {
		input[core.FieldReferenceAudio] = r.ReferenceAudio
	}

	if r.Temperature != nil {
		input[core.FieldTemperature] = *r.Temperature
	}

	if r.Speed != nil {
		input[core.FieldSpeed] = *r.Speed
	}

	if r.Seed != nil {
		input[core.FieldSeed] = *r.Seed
	}

	return input
}

// ServiceError is a failed job as reported by the service.
type ServiceError struct {
	Message    string
	StatusCode int
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s (%d): %s", ErrService, e.StatusCode, e.Message)
}

// Is makes every ServiceError match ErrService.
func (e *ServiceError) Is(target error) bool {
	return target == ErrService
}

// HTTPClient is a client for the tts-service HTTP intake.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPClient creates a client. The timeout bounds every request, including
// the full synthesis round trip.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type runSyncResponse struct {
	Output struct {
		Error string `json:"error"`
		core.SynthesisResult
	} `json:"output"`
}

// Synthesize runs one job and returns the decoded result, including the WAV bytes.
func (c *HTTPClient) Synthesize(ctx context.Context, req Request) (core.SynthesisResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return core.SynthesisResult{}, ErrTextEmpty
	}

	requestBody, err := json.Marshal(map[string]any{"input": req.input()})
	if err != nil {
		return core.SynthesisResult{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiRunSync, bytes.NewReader(requestBody))
	if err != nil {
		return core.SynthesisResult{}, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return core.SynthesisResult{}, fmt.Errorf("failed to send request to tts service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.SynthesisResult{}, fmt.Errorf("failed to read response: %w", err)
	}

	var decoded runSyncResponse

	err = json.Unmarshal(body, &decoded)
	if err != nil {
		return core.SynthesisResult{}, &ServiceError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	if decoded.Output.Error != "" || resp.StatusCode != http.StatusOK {
		return core.SynthesisResult{}, &ServiceError{StatusCode: resp.StatusCode, Message: decoded.Output.Error}
	}

	result := decoded.Output.SynthesisResult

	result.Audio, err = base64.StdEncoding.DecodeString(result.AudioBase64)
	if err != nil {
		return core.SynthesisResult{}, fmt.Errorf("failed to decode audio: %w", err)
	}

	if len(result.Audio) == 0 {
		return core.SynthesisResult{}, ErrEmptyAudio
	}

	return result, nil
}

// HealthCheck verifies that the service is up.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// ReferenceFromFlag turns a -ref value into a reference_audio field: URLs pass
// through, anything else is read as a local file and base64 encoded.
func ReferenceFromFlag(ref string) (string, error) {
	if ref == "" || reference.IsURL(ref) {
		return ref, nil
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("failed to read reference audio '%s': %w", ref, err)
	}

	return base64.StdEncoding.EncodeToString(data), nil
}
