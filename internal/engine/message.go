package engine

import (
	"encoding/json"
	"fmt"
)

// Message is one typed unit of engine output. The set of implementations is
// closed: SystemMessage, AssistantMessage, and ResultMessage. Consumers are
// expected to switch over the concrete types.
type Message interface {
	isMessage()
}

// SystemMessage is informational engine output, e.g. the init message at the
// start of a query.
type SystemMessage struct {
	Subtype string         `json:"subtype"`
	Model   string         `json:"model,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// AssistantMessage carries assistant output: text and/or tool-use blocks.
// Text fragments are forwarded as produced; joining them is the consumer's
// concern.
type AssistantMessage struct {
	Content []ContentBlock `json:"content"`
}

// ResultSubtype distinguishes how a query cycle ended.
type ResultSubtype string

const (
	ResultSuccess ResultSubtype = "success"
	ResultError   ResultSubtype = "error"
)

// ResultMessage terminates a query cycle. A success result carries the final
// assistant text in Detail; an error result carries the error description.
// An error result never makes the session unusable.
type ResultMessage struct {
	Subtype  ResultSubtype `json:"subtype"`
	Detail   string        `json:"detail,omitempty"`
	NumTurns int           `json:"num_turns,omitempty"`
}

func (SystemMessage) isMessage()    {}
func (AssistantMessage) isMessage() {}
func (ResultMessage) isMessage()    {}

// ContentType discriminates assistant content blocks.
type ContentType string

const (
	ContentText    ContentType = "text"
	ContentToolUse ContentType = "tool_use"
)

// ContentBlock is a single piece of assistant content.
type ContentBlock struct {
	Type      ContentType    `json:"type"`
	Text      string         `json:"text,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
}

// TextBlocks wraps plain text in a single-element content slice.
func TextBlocks(text string) []ContentBlock {
	return []ContentBlock{{Type: ContentText, Text: text}}
}

// Text returns the concatenated text content of an assistant message.
func (m AssistantMessage) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == ContentText {
			out += b.Text
		}
	}
	return out
}

// UserMessage is one unit of user input handed to the engine.
type UserMessage struct {
	Content string `json:"content"`
}

// envelope is the wire form of a Message, discriminated by Type.
type envelope struct {
	Type string `json:"type"`

	// system
	Subtype string         `json:"subtype,omitempty"`
	Model   string         `json:"model,omitempty"`
	Data    map[string]any `json:"data,omitempty"`

	// assistant
	Content []ContentBlock `json:"content,omitempty"`

	// result
	Detail   string `json:"detail,omitempty"`
	NumTurns int    `json:"num_turns,omitempty"`
}

// EncodeMessage serializes a message into its JSON envelope.
func EncodeMessage(m Message) ([]byte, error) {
	var env envelope
	switch msg := m.(type) {
	case SystemMessage:
		env = envelope{Type: "system", Subtype: msg.Subtype, Model: msg.Model, Data: msg.Data}
	case AssistantMessage:
		env = envelope{Type: "assistant", Content: msg.Content}
	case ResultMessage:
		env = envelope{Type: "result", Subtype: string(msg.Subtype), Detail: msg.Detail, NumTurns: msg.NumTurns}
	default:
		return nil, fmt.Errorf("encoding message: unknown type %T", m)
	}
	return json.Marshal(env)
}

// DecodeMessage parses a JSON envelope back into a typed message.
func DecodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	switch env.Type {
	case "system":
		return SystemMessage{Subtype: env.Subtype, Model: env.Model, Data: env.Data}, nil
	case "assistant":
		return AssistantMessage{Content: env.Content}, nil
	case "result":
		return ResultMessage{Subtype: ResultSubtype(env.Subtype), Detail: env.Detail, NumTurns: env.NumTurns}, nil
	default:
		return nil, fmt.Errorf("decoding message: unknown type %q", env.Type)
	}
}

// EncodeHistory serializes an ordered message sequence as a JSON array of
// envelopes, the format used for persistence.
func EncodeHistory(msgs []Message) ([]byte, error) {
	raw := make([]json.RawMessage, len(msgs))
	for i, m := range msgs {
		data, err := EncodeMessage(m)
		if err != nil {
			return nil, err
		}
		raw[i] = data
	}
	return json.Marshal(raw)
}

// DecodeHistory parses a JSON array of envelopes back into messages.
func DecodeHistory(data []byte) ([]Message, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}
	msgs := make([]Message, len(raw))
	for i, r := range raw {
		m, err := DecodeMessage(r)
		if err != nil {
			return nil, err
		}
		msgs[i] = m
	}
	return msgs, nil
}
