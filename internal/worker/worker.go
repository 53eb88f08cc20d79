// Package worker provides a NATS worker that runs synthesis jobs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/comfy-tts-service/internal/core"
	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	defaultMessageTimeout = 30 * time.Minute
	audioContentType      = "audio/wav"
)

var (
	// ErrSubjectEmpty indicates that no subject was configured.
	ErrSubjectEmpty = errors.New("subject cannot be empty")
	// ErrRunnerNil indicates that no job runner was provided.
	ErrRunnerNil = errors.New("runner cannot be nil")
	// ErrMalformedEvent indicates a request payload that is not a SynthesisRequestedEvent.
	ErrMalformedEvent = errors.New("malformed synthesis request event")
	// ErrUpload indicates that the produced audio could not be stored.
	ErrUpload = errors.New("failed to store synthesized audio")
)

// SynthesisRequestedEvent is the payload of a job request.
type SynthesisRequestedEvent struct {
	Input  map[string]any     `json:"input"`
	Header events.EventHeader `json:"header"`
}

// SynthesisCompletedEvent is the reply to a SynthesisRequestedEvent. AudioKey is
// set when the audio was also written to the object store.
type SynthesisCompletedEvent struct {
	Header   events.EventHeader `json:"header"`
	AudioKey string             `json:"audio_key,omitempty"`
	Output   core.Outcome       `json:"output"`
}

// NatsWorker listens for synthesis requests on a NATS subject and replies with outcomes.
type NatsWorker struct {
	natsConnection *nats.Conn
	store          core.ObjectStore
	runner         core.Runner
	log            *logger.Logger
	subject        string
	timeout        time.Duration
}

// NewNatsWorker creates a worker. store may be nil, in which case audio is only
// returned inline. A zero timeout selects the default per-message budget.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	store core.ObjectStore,
	runner core.Runner,
	log *logger.Logger,
	timeout time.Duration,
) (*NatsWorker, error) {
	if subject == "" {
		return nil, ErrSubjectEmpty
	}

	if runner == nil {
		return nil, ErrRunnerNil
	}

	if timeout <= 0 {
		timeout = defaultMessageTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		store:          store,
		runner:         runner,
		log:            log,
		subject:        subject,
		timeout:        timeout,
	}, nil
}

// Run starts the worker and blocks until ctx is done, then drains the subscription.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, func(msg *nats.Msg) {
		w.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info("Listening for synthesis requests on '%s'", w.subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(parent context.Context, msg *nats.Msg) {
	// Jobs in flight at shutdown finish within their own budget while the subscription drains.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.timeout)
	defer cancel()

	event, err := parseEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse synthesis request: %v", err)
		w.reply(msg, &SynthesisCompletedEvent{Header: replyHeader(events.EventHeader{}), Output: core.Outcome{Err: err}})

		return
	}

	outcome := w.runner.Run(ctx, event.Input)
	reply := &SynthesisCompletedEvent{Header: replyHeader(event.Header), Output: outcome}

	if outcome.Succeeded() && w.store != nil {
		key, uploadErr := w.upload(ctx, outcome.Result.Audio)
		if uploadErr != nil {
			w.log.Error("Workflow %s: %v", event.Header.WorkflowID, uploadErr)
			reply.Output = core.Outcome{Err: uploadErr}
		} else {
			reply.AudioKey = key
		}
	}

	w.reply(msg, reply)
}

func (w *NatsWorker) upload(ctx context.Context, audio []byte) (string, error) {
	key := uuid.NewString() + ".wav"

	err := w.store.Put(ctx, key, audio, audioContentType)
	if err != nil {
		return "", fmt.Errorf("%w under key '%s': %w", ErrUpload, key, err)
	}

	return key, nil
}

// reply marshals and responds with the completion event. Requests published
// without a reply subject are only logged.
func (w *NatsWorker) reply(msg *nats.Msg, event *SynthesisCompletedEvent) {
	if msg.Reply == "" {
		w.log.Warn("Synthesis request for workflow %s has no reply subject; dropping outcome",
			event.Header.WorkflowID)

		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		w.log.Error("Failed to marshal reply event for workflow %s: %v", event.Header.WorkflowID, err)

		return
	}

	err = msg.Respond(data)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", event.Header.WorkflowID, err)
	}
}

func parseEvent(msg *nats.Msg) (*SynthesisRequestedEvent, error) {
	var event SynthesisRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	if event.Input == nil {
		return nil, fmt.Errorf("%w: missing input", ErrMalformedEvent)
	}

	return &event, nil
}

// replyHeader keeps the workflow identity of the request under a fresh event id.
func replyHeader(request events.EventHeader) events.EventHeader {
	header := request
	header.EventID = uuid.NewString()
	header.Timestamp = time.Now()

	return header
}
