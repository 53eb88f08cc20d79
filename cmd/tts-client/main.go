// main package for the tts-client
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/book-expert/comfy-tts-service/internal/client"
	"github.com/book-expert/logger"
)

// Flag names.
const (
	flagURL         = "url"
	flagText        = "text"
	flagChunks      = "chunks"
	flagOutput      = "output"
	flagRef         = "ref"
	flagSeed        = "seed"
	flagTemperature = "temperature"
	flagSpeed       = "speed"
	flagWorkers     = "workers"
	flagTimeout     = "timeout"
	flagVerbose     = "verbose"
	flagHealth      = "health"
)

const (
	defaultURL        = "http://localhost:8080"
	defaultOutputFile = "output.wav"
	defaultOutputDir  = "output"
	logFileDefault    = "tts-client.log"
	logFileVerbose    = "tts-client-verbose.log"
	healthTimeout     = 10 * time.Second
)

var (
	errEitherTextOrChunks = errors.New("either -text or -chunks must be provided")
	errCannotSpecifyBoth  = errors.New("cannot specify both -text and -chunks")
	errWorkersPositive    = errors.New("-workers must be at least 1")
)

// appFlags holds the parsed command-line flag values. Optional numeric
// parameters are only sent when set explicitly.
type appFlags struct {
	set         map[string]bool
	url         string
	text        string
	chunks      string
	output      string
	ref         string
	seed        int64
	temperature float64
	speed       float64
	workers     int
	timeout     time.Duration
	verbose     bool
	health      bool
}

func parseFlags(fs *flag.FlagSet, args []string) (appFlags, error) {
	var flags appFlags

	fs.StringVar(&flags.url, flagURL, defaultURL, "Base URL of the tts-service")
	fs.StringVar(&flags.text, flagText, "", "Text to convert to speech")
	fs.StringVar(&flags.chunks, flagChunks, "", "JSON file containing an array of text chunks")
	fs.StringVar(&flags.output, flagOutput, "", "Output file (-text) or directory (-chunks)")
	fs.StringVar(&flags.ref, flagRef, "", "Reference voice: a URL or a local WAV file")
	fs.Int64Var(&flags.seed, flagSeed, 0, "Sampling seed")
	fs.Float64Var(&flags.temperature, flagTemperature, 0, "Sampling temperature")
	fs.Float64Var(&flags.speed, flagSpeed, 0, "Speech speed multiplier")
	fs.IntVar(&flags.workers, flagWorkers, 1, "Concurrent requests for -chunks")
	fs.DurationVar(&flags.timeout, flagTimeout, 10*time.Minute, "Per-request timeout")
	fs.BoolVar(&flags.verbose, flagVerbose, false, "Write a verbose log file")
	fs.BoolVar(&flags.health, flagHealth, false, "Check service health and exit")

	err := fs.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	flags.set = map[string]bool{}
	fs.Visit(func(f *flag.Flag) { flags.set[f.Name] = true })

	return flags, nil
}

// validate checks that exactly one input mode was chosen.
func (f appFlags) validate() error {
	if f.health {
		return nil
	}

	if f.text == "" && f.chunks == "" {
		return errEitherTextOrChunks
	}

	if f.text != "" && f.chunks != "" {
		return errCannotSpecifyBoth
	}

	if f.workers < 1 {
		return errWorkersPositive
	}

	return nil
}

// request builds the base job from flags, leaving unset parameters to the service.
func (f appFlags) request() (client.Request, error) {
	ref, err := client.ReferenceFromFlag(f.ref)
	if err != nil {
		return client.Request{}, err
	}

	req := client.Request{Text: f.text, ReferenceAudio: ref}

	if f.set[flagSeed] {
		req.Seed = &f.seed
	}

	if f.set[flagTemperature] {
		req.Temperature = &f.temperature
	}

	if f.set[flagSpeed] {
		req.Speed = &f.speed
	}

	return req, nil
}

func main() {
	err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := parseFlags(flag.NewFlagSet("tts-client", flag.ContinueOnError), args)
	if err != nil {
		return err
	}

	err = flags.validate()
	if err != nil {
		return err
	}

	logFile := logFileDefault
	if flags.verbose {
		logFile = logFileVerbose
	}

	log, err := logger.New(os.TempDir(), logFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	defer func() { _ = log.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	httpClient := client.NewHTTPClient(flags.url, flags.timeout)

	if flags.health {
		return handleHealthCheck(ctx, httpClient, log)
	}

	req, err := flags.request()
	if err != nil {
		return err
	}

	batch := client.NewBatch(httpClient, log, flags.workers)

	if flags.text != "" {
		return processSingleText(ctx, batch, req, flags.output, log)
	}

	return processChunks(ctx, batch, req, flags.chunks, flags.output, log)
}

func handleHealthCheck(ctx context.Context, httpClient *client.HTTPClient, log *logger.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	err := httpClient.HealthCheck(ctx)
	if err != nil {
		log.Error("Health check failed: %v", err)

		return err
	}

	fmt.Println("tts-service is healthy")

	return nil
}

func processSingleText(
	ctx context.Context,
	batch *client.Batch,
	req client.Request,
	outputPath string,
	log *logger.Logger,
) error {
	if outputPath == "" {
		outputPath = defaultOutputFile
	}

	log.Info("Processing single text to: %s", outputPath)

	err := batch.SynthesizeFile(ctx, req, outputPath)
	if err != nil {
		return fmt.Errorf("failed to process text: %w", err)
	}

	fmt.Printf("Generated: %s\n", outputPath)

	return nil
}

func processChunks(
	ctx context.Context,
	batch *client.Batch,
	req client.Request,
	chunksPath, outputDir string,
	log *logger.Logger,
) error {
	if outputDir == "" {
		outputDir = defaultOutputDir
	}

	chunks, err := client.ReadChunks(chunksPath)
	if err != nil {
		return err
	}

	log.Info("Processing %d chunks from %s into %s", len(chunks), chunksPath, outputDir)

	err = batch.SynthesizeChunks(ctx, chunks, req, outputDir)
	if err != nil {
		return fmt.Errorf("failed to process chunks: %w", err)
	}

	fmt.Printf("Generated audio files in: %s\n", filepath.Clean(outputDir))

	return nil
}
