// Package testsupport provides fixtures shared by package tests: a scripted
// websocket execution engine, WAV builders and a ready-to-use configuration.
package testsupport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is one scripted engine frame.
type Frame struct {
	Body   []byte
	Binary bool
}

// Event builds a JSON text frame of the given type.
func Event(msgType string, data any) Frame {
	body, err := json.Marshal(map[string]any{"type": msgType, "data": data})
	if err != nil {
		panic(err)
	}

	return Frame{Body: body}
}

// ErrorEvent builds an execution_error frame carrying message.
func ErrorEvent(message string) Frame {
	return Event("execution_error", map[string]any{"message": message})
}

// RawFrame builds a text frame with an arbitrary body.
func RawFrame(body string) Frame {
	return Frame{Body: []byte(body)}
}

// BinaryFrame builds a binary frame.
func BinaryFrame(body []byte) Frame {
	return Frame{Body: body, Binary: true}
}

// Prompt is a prompt frame received by the engine.
type Prompt struct {
	Data     map[string]any `json:"data"`
	Type     string         `json:"type"`
	ClientID string         `json:"-"`
}

// EngineOption customizes a scripted engine.
type EngineOption func(*Engine)

// WithScript sets the frames sent after the prompt is received.
func WithScript(frames ...Frame) EngineOption {
	return func(e *Engine) {
		e.script = frames
	}
}

// WithCloseAfterScript makes the engine drop the connection after its script.
func WithCloseAfterScript() EngineOption {
	return func(e *Engine) {
		e.closeAfterScript = true
	}
}

// WithOnPrompt registers a hook run before the script is sent.
func WithOnPrompt(hook func(Prompt)) EngineOption {
	return func(e *Engine) {
		e.onPrompt = hook
	}
}

// Engine is a scripted stand-in for the execution engine.
type Engine struct {
	server           *httptest.Server
	onPrompt         func(Prompt)
	prompts          chan Prompt
	disconnects      chan struct{}
	script           []Frame
	connections      atomic.Int64
	closeAfterScript bool
}

// NewEngine starts a scripted engine that is shut down with the test.
func NewEngine(t testing.TB, opts ...EngineOption) *Engine {
	t.Helper()

	engine := &Engine{
		prompts:     make(chan Prompt, 16),
		disconnects: make(chan struct{}, 16),
	}

	for _, opt := range opts {
		opt(engine)
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	engine.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		engine.connections.Add(1)
		engine.serve(conn, r.URL.Query().Get("clientId"))
	}))
	t.Cleanup(engine.server.Close)

	return engine
}

func (e *Engine) serve(conn *websocket.Conn, clientID string) {
	defer func() {
		select {
		case e.disconnects <- struct{}{}:
		default:
		}
	}()

	var prompt Prompt

	err := conn.ReadJSON(&prompt)
	if err != nil {
		return
	}

	prompt.ClientID = clientID

	select {
	case e.prompts <- prompt:
	default:
	}

	if e.onPrompt != nil {
		e.onPrompt(prompt)
	}

	for _, frame := range e.script {
		kind := websocket.TextMessage
		if frame.Binary {
			kind = websocket.BinaryMessage
		}

		err := conn.WriteMessage(kind, frame.Body)
		if err != nil {
			return
		}
	}

	if e.closeAfterScript {
		return
	}

	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			return
		}
	}
}

// URL returns the websocket URL of the engine.
func (e *Engine) URL() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
}

// Connections returns how many sessions were opened.
func (e *Engine) Connections() int64 {
	return e.connections.Load()
}

// NextPrompt waits for the next received prompt frame.
func (e *Engine) NextPrompt(t testing.TB) Prompt {
	t.Helper()

	select {
	case prompt := <-e.prompts:
		return prompt
	case <-time.After(5 * time.Second):
		t.Fatal("engine received no prompt")

		return Prompt{}
	}
}

// WaitDisconnect waits until a session has ended on the engine side.
func (e *Engine) WaitDisconnect(t testing.TB) {
	t.Helper()

	select {
	case <-e.disconnects:
	case <-time.After(5 * time.Second):
		t.Fatal("engine session was not closed")
	}
}
