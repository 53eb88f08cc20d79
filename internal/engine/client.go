// Package engine implements the client side of the execution engine protocol:
// one websocket session per job, one prompt frame out, events in until a
// terminal event arrives.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/book-expert/comfy-tts-service/internal/config"
	"github.com/book-expert/comfy-tts-service/internal/core"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const clientIDParam = "clientId"

// Client opens engine sessions. It holds no connection state between jobs.
type Client struct {
	dialer     *websocket.Dialer
	log        *logger.Logger
	url        string
	outputPath string
}

// NewClient creates a Client for the configured engine.
func NewClient(cfg config.EngineConfig, log *logger.Logger) *Client {
	return &Client{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout(),
		},
		log:        log,
		url:        cfg.URL,
		outputPath: cfg.OutputPath,
	}
}

// OutputPath returns where the engine writes the artifact of every job.
func (c *Client) OutputPath() string {
	return c.outputPath
}

// Execute submits doc and blocks until the engine reports a terminal event or
// ctx is done. It returns the location of the produced artifact.
func (c *Client) Execute(ctx context.Context, doc any) (string, error) {
	session, err := c.Open(ctx)
	if err != nil {
		return "", err
	}

	defer func() {
		closeErr := session.Close()
		if closeErr != nil {
			c.log.Warn("Failed to close engine session %s: %v", session.ID(), closeErr)
		}
	}()

	stop := context.AfterFunc(ctx, session.abort)
	defer stop()

	err = session.Submit(ctx, doc)
	if err != nil {
		return "", err
	}

	return session.Await(ctx)
}

// Open dials the engine and returns a session in the Connecting state.
func (c *Client) Open(ctx context.Context) (*Session, error) {
	id := uuid.NewString()

	target, err := withClientID(c.url, id)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid engine url '%s': %w", core.ErrConnection, c.url, err)
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		ctxErr := ctx.Err()
		if ctxErr != nil {
			return nil, contextError(ctxErr)
		}

		return nil, fmt.Errorf("%w: failed to connect to engine at %s: %w", core.ErrConnection, c.url, err)
	}

	c.log.Info("Engine session %s connected to %s", id, c.url)

	return &Session{
		conn:       conn,
		log:        c.log,
		id:         id,
		outputPath: c.outputPath,
		state:      StateConnecting,
	}, nil
}

func withClientID(rawURL, id string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	query := parsed.Query()
	query.Set(clientIDParam, id)
	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

// Session is one live engine connection. It is owned by a single job.
type Session struct {
	conn       *websocket.Conn
	log        *logger.Logger
	id         string
	outputPath string
	state      State
}

// ID returns the client id the session registered with.
func (s *Session) ID() string {
	return s.id
}

// State returns the current protocol state.
func (s *Session) State() State {
	return s.state
}

// Submit sends the prompt frame carrying the job document.
func (s *Session) Submit(ctx context.Context, doc any) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	}

	err := s.conn.WriteJSON(PromptMessage{Type: MessagePrompt, Data: doc})
	if err != nil {
		ctxErr := ctx.Err()
		if ctxErr != nil {
			return s.fail(contextError(ctxErr))
		}

		return s.fail(fmt.Errorf("%w: failed to submit prompt: %w", core.ErrConnection, err))
	}

	s.state = StateSubmitted

	return nil
}

// Await reads frames until a terminal event. Unknown frame types and binary
// frames are ignored so protocol additions never abort a job.
func (s *Session) Await(ctx context.Context) (string, error) {
	for {
		kind, payload, err := s.conn.ReadMessage()
		if err != nil {
			ctxErr := ctx.Err()
			if ctxErr != nil {
				return "", s.fail(contextError(ctxErr))
			}

			return "", s.fail(fmt.Errorf("%w: engine stream ended before completion: %w", core.ErrConnection, err))
		}

		if kind != websocket.TextMessage {
			continue
		}

		var msg Message

		err = json.Unmarshal(payload, &msg)
		if err != nil {
			return "", s.fail(fmt.Errorf("%w: malformed engine frame: %w", core.ErrProtocol, err))
		}

		switch msg.Kind() {
		case MessageExecutionCached:
			s.state = StateCaching
		case MessageExecutionSuccess:
			s.state = StateSucceeded
			s.log.Info("Engine session %s succeeded", s.id)

			return s.outputPath, nil
		case MessageExecutionError:
			var data ErrorData

			_ = json.Unmarshal(msg.Data, &data)

			return "", s.fail(fmt.Errorf("%w: engine execution error: %s", core.ErrProtocol, data.Detail()))
		}
	}
}

// Close sends a close frame and releases the connection.
func (s *Session) Close() error {
	_ = s.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)

	err := s.conn.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close engine connection: %w", err)
	}

	return nil
}

// abort unblocks a pending read or write when the job context is done.
func (s *Session) abort() {
	_ = s.conn.Close()
}

func (s *Session) fail(err error) error {
	s.state = StateFailed
	s.log.Error("Engine session %s failed: %v", s.id, err)

	return err
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: deadline exceeded while awaiting engine: %w", core.ErrTimeout, err)
	}

	return fmt.Errorf("%w: job aborted while awaiting engine: %w", core.ErrCanceled, err)
}
