package engine

import "encoding/json"

// Frame types exchanged with the execution engine.
const (
	MessagePrompt           = "prompt"
	MessageExecutionCached  = "execution_cached"
	MessageExecutionSuccess = "execution_success"
	MessageExecutionError   = "execution_error"
)

// Message is an inbound engine frame. Type and Data are decoded lazily so a
// frame with an unexpected shape is still a valid, ignorable frame.
type Message struct {
	Type json.RawMessage `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Kind returns the frame type, or "" when the type is absent or not a string.
func (m Message) Kind() string {
	var kind string

	err := json.Unmarshal(m.Type, &kind)
	if err != nil {
		return ""
	}

	return kind
}

// PromptMessage is the single outbound frame submitting a job document.
type PromptMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ErrorData is the payload of an execution_error frame.
type ErrorData struct {
	Message          string `json:"message"`
	ExceptionMessage string `json:"exception_message,omitempty"`
	NodeID           string `json:"node_id,omitempty"`
	NodeType         string `json:"node_type,omitempty"`
}

// Detail returns the engine reported failure text.
func (d ErrorData) Detail() string {
	if d.Message != "" {
		return d.Message
	}

	if d.ExceptionMessage != "" {
		return d.ExceptionMessage
	}

	return "engine reported an execution error without a message"
}
