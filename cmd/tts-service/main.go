// main package for the tts-service
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/book-expert/comfy-tts-service/internal/config"
	"github.com/book-expert/comfy-tts-service/internal/core"
	"github.com/book-expert/comfy-tts-service/internal/httpapi"
	"github.com/book-expert/comfy-tts-service/internal/objectstore"
	"github.com/book-expert/comfy-tts-service/internal/pipeline"
	"github.com/book-expert/comfy-tts-service/internal/reference"
	"github.com/book-expert/comfy-tts-service/internal/worker"
	"github.com/book-expert/comfy-tts-service/internal/workflow"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

type options struct {
	configPath string
	envFile    string
	checkOnly  bool
}

func parseFlags() options {
	var opts options

	flag.StringVar(&opts.configPath, "config", "", "path to a TOML config file (default: project config via configurator)")
	flag.StringVar(&opts.envFile, "env-file", ".env", "dotenv file applied before environment overrides")
	flag.BoolVar(&opts.checkOnly, "check", false, "validate configuration and template, then exit")
	flag.Parse()

	return opts
}

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "tts-service.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func loadConfig(opts options, log *logger.Logger) (*config.Config, error) {
	err := config.LoadEnvFile(opts.envFile)
	if err != nil {
		return nil, err
	}

	if opts.configPath != "" {
		return config.LoadFile(opts.configPath)
	}

	return config.Load(log)
}

func run() error {
	opts := parseFlags()

	bootstrapLog, err := logger.New(os.TempDir(), "tts-service-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer func() { _ = bootstrapLog.Close() }()

	cfg, err := loadConfig(opts, bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return err
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	err = checkTemplate(cfg, finalLog)
	if err != nil {
		return err
	}

	if opts.checkOnly {
		finalLog.System("Configuration and template are valid.")

		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	warmDefaultReference(ctx, cfg, finalLog)

	orchestrator, err := pipeline.NewFromConfig(cfg, finalLog)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	return serve(ctx, cfg, orchestrator, finalLog)
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}

	return strings.Join(items, ", ")
}

func checkTemplate(cfg *config.Config, log *logger.Logger) error {
	builder, err := workflow.NewBuilder(cfg.Template)
	if err != nil {
		return fmt.Errorf("invalid template addresses: %w", err)
	}

	doc, err := builder.Check()
	if err != nil {
		log.Error("Template check failed: %v", err)

		return fmt.Errorf("template check failed: %w", err)
	}

	log.Info("Template '%s' loaded with nodes: %s", cfg.Template.Path, strings.Join(doc.Nodes(), ", "))

	summary := doc.Summary()
	log.Info("Template custom nodes: %s", listOrNone(summary.CustomNodes))
	log.Info("Template models: %s", listOrNone(summary.Models))

	return nil
}

// warmDefaultReference fetches the default voice ahead of the first job. Jobs
// retry the fetch on demand, so failure here is not fatal.
func warmDefaultReference(ctx context.Context, cfg *config.Config, log *logger.Logger) {
	path, err := reference.New(cfg.Reference, log).EnsureDefault(ctx)
	if err != nil {
		log.Warn("Default reference audio is not available yet: %v", err)

		return
	}

	log.Info("Default reference audio ready at '%s'", path)
}

func serve(ctx context.Context, cfg *config.Config, runner core.Runner, log *logger.Logger) error {
	var (
		natsWorker *worker.NatsWorker
		serverOpts []httpapi.Option
	)

	if cfg.NATS.URL != "" {
		natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name("comfy-tts-service"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		defer natsConnection.Close()

		audioStore, err := openAudioStore(cfg, natsConnection)
		if err != nil {
			return err
		}

		var store core.ObjectStore
		if audioStore != nil {
			store = audioStore
			serverOpts = append(serverOpts, httpapi.WithAudioSource(audioStore))
		}

		natsWorker, err = worker.NewNatsWorker(natsConnection, cfg.NATS.SynthesisSubject, store, runner, log, cfg.NATS.JobTimeout())
		if err != nil {
			return err
		}
	} else {
		log.Info("NATS url not configured; worker disabled")
	}

	group, ctx := errgroup.WithContext(ctx)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewServer(runner, log, serverOpts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group.Go(func() error {
		log.System("HTTP intake listening on %s", cfg.HTTP.Addr)

		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}

		return nil
	})

	group.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	if natsWorker != nil {
		group.Go(func() error {
			return natsWorker.Run(ctx)
		})
	}

	err := group.Wait()
	if err != nil {
		log.Error("Service stopped with error: %v", err)

		return err
	}

	log.System("Service stopped.")

	return nil
}

// openAudioStore binds the audio bucket, or returns nil when none is configured.
func openAudioStore(cfg *config.Config, natsConnection *nats.Conn) (*objectstore.NatsObjectStore, error) {
	if cfg.NATS.AudioObjectStoreBucket == "" {
		return nil, nil
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
