// Package pipeline drives one synthesis job through validation, reference
// resolution, template instantiation, engine execution and packaging.
//
// Every temporary file created along the way is removed before Run returns,
// whatever the outcome. Run never returns a bare error: failures are reported
// inside core.Outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/book-expert/comfy-tts-service/internal/config"
	"github.com/book-expert/comfy-tts-service/internal/core"
	"github.com/book-expert/comfy-tts-service/internal/engine"
	"github.com/book-expert/comfy-tts-service/internal/output"
	"github.com/book-expert/comfy-tts-service/internal/reference"
	"github.com/book-expert/comfy-tts-service/internal/request"
	"github.com/book-expert/comfy-tts-service/internal/workflow"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

// ErrPanic reports a stage that panicked. It is converted into an outcome like any other error.
var ErrPanic = errors.New("pipeline panic")

// Resolver produces the local reference audio file.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (core.AudioResource, error)
}

// TemplateBuilder instantiates the job template.
type TemplateBuilder interface {
	Build(req core.SynthesisRequest, audioPath string) (workflow.Document, error)
}

// Executor runs a job document on the engine and returns the artifact path.
// OutputPath is known before the job is submitted.
type Executor interface {
	Execute(ctx context.Context, doc any) (string, error)
	OutputPath() string
}

// Packager turns the artifact into a result.
type Packager interface {
	Package(path string, seed int64) (core.SynthesisResult, error)
}

// Orchestrator composes the pipeline stages.
type Orchestrator struct {
	resolver      Resolver
	builder       TemplateBuilder
	executor      Executor
	packager      Packager
	log           *logger.Logger
	engineTimeout time.Duration
}

// New creates an Orchestrator from its stages. A zero engineTimeout leaves the
// engine stage bounded only by the caller's context.
func New(
	resolver Resolver,
	builder TemplateBuilder,
	executor Executor,
	packager Packager,
	log *logger.Logger,
	engineTimeout time.Duration,
) *Orchestrator {
	return &Orchestrator{
		resolver:      resolver,
		builder:       builder,
		executor:      executor,
		packager:      packager,
		log:           log,
		engineTimeout: engineTimeout,
	}
}

// NewFromConfig wires the production stages.
func NewFromConfig(cfg *config.Config, log *logger.Logger) (*Orchestrator, error) {
	builder, err := workflow.NewBuilder(cfg.Template)
	if err != nil {
		return nil, fmt.Errorf("failed to create template builder: %w", err)
	}

	return New(
		reference.New(cfg.Reference, log),
		builder,
		engine.NewClient(cfg.Engine, log),
		output.NewPackager(log),
		log,
		cfg.Engine.Timeout(),
	), nil
}

// Run executes one job from raw input.
func (o *Orchestrator) Run(ctx context.Context, raw map[string]any) (outcome core.Outcome) {
	jobID := uuid.NewString()
	started := time.Now()

	var temps tracker

	defer func() {
		if recovered := recover(); recovered != nil {
			outcome = core.Outcome{Err: fmt.Errorf("%w: %v", ErrPanic, recovered)}
			o.log.Error("Job %s panicked: %v", jobID, recovered)
		}
	}()
	defer temps.release(o.log)

	result, err := o.run(ctx, jobID, raw, &temps)
	if err != nil {
		o.log.Error("Job %s failed after %s: %v", jobID, time.Since(started).Round(time.Millisecond), err)

		return core.Outcome{Err: err}
	}

	o.log.Info("Job %s completed in %s (%.2fs of audio, seed %d)",
		jobID, time.Since(started).Round(time.Millisecond), result.Duration, result.SeedUsed)

	return core.Outcome{Result: &result}
}

func (o *Orchestrator) run(
	ctx context.Context,
	jobID string,
	raw map[string]any,
	temps *tracker,
) (core.SynthesisResult, error) {
	req, err := request.Parse(raw)
	if err != nil {
		return core.SynthesisResult{}, err
	}

	o.log.Info("Job %s accepted: %d characters, seed %d", jobID, len([]rune(req.Text)), req.Seed)

	resource, err := o.resolver.Resolve(ctx, req.ReferenceAudio)
	if err != nil {
		return core.SynthesisResult{}, err
	}

	temps.track(resource)

	doc, err := o.builder.Build(req, resource.Path)
	if err != nil {
		return core.SynthesisResult{}, err
	}

	previous := stampArtifact(o.executor.OutputPath())

	artifact, err := o.execute(ctx, doc)
	if err != nil {
		return core.SynthesisResult{}, err
	}

	if stampArtifact(artifact).unchangedSince(previous) {
		return core.SynthesisResult{}, fmt.Errorf("%w: engine reported success but '%s' was not rewritten", core.ErrAudioLoad, artifact)
	}

	return o.packager.Package(artifact, req.Seed)
}

func (o *Orchestrator) execute(ctx context.Context, doc workflow.Document) (string, error) {
	if o.engineTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, o.engineTimeout)
		defer cancel()
	}

	return o.executor.Execute(ctx, doc)
}

// artifactStamp identifies one version of the artifact file.
type artifactStamp struct {
	modTime time.Time
	size    int64
	exists  bool
}

func stampArtifact(path string) artifactStamp {
	info, err := os.Stat(path)
	if err != nil {
		return artifactStamp{}
	}

	return artifactStamp{modTime: info.ModTime(), size: info.Size(), exists: true}
}

// unchangedSince reports whether the file is still the version seen before
// submission. A missing file is left for the packager to report.
func (s artifactStamp) unchangedSince(previous artifactStamp) bool {
	return s.exists && previous.exists && s.size == previous.size && s.modTime.Equal(previous.modTime)
}

// tracker remembers temporary resources for removal.
type tracker struct {
	paths []string
}

func (t *tracker) track(resource core.AudioResource) {
	if resource.Temporary {
		t.paths = append(t.paths, resource.Path)
	}
}

// release removes every tracked file once. Failures are logged and dropped.
func (t *tracker) release(log *logger.Logger) {
	for _, path := range t.paths {
		err := os.Remove(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn("Failed to remove temp file '%s': %v", path, err)
		}
	}

	t.paths = nil
}
