package engine

import (
	"strings"
	"testing"
)

func TestMessageCodecRoundTrip(t *testing.T) {
	messages := []Message{
		SystemMessage{Subtype: "init", Model: "test-model"},
		AssistantMessage{Content: TextBlocks("hello there")},
		AssistantMessage{Content: []ContentBlock{{
			Type:      ContentToolUse,
			ToolName:  "shell_exec",
			ToolInput: map[string]any{"command": "ls"},
		}}},
		ResultMessage{Subtype: ResultSuccess, Detail: "hello there", NumTurns: 2},
		ResultMessage{Subtype: ResultError, Detail: "model overloaded"},
	}

	for _, m := range messages {
		data, err := EncodeMessage(m)
		if err != nil {
			t.Fatalf("EncodeMessage(%T): %v", m, err)
		}
		got, err := DecodeMessage(data)
		if err != nil {
			t.Fatalf("DecodeMessage(%T): %v", m, err)
		}

		switch want := m.(type) {
		case SystemMessage:
			sys := got.(SystemMessage)
			if sys.Subtype != want.Subtype || sys.Model != want.Model {
				t.Errorf("system round trip: got %+v, want %+v", sys, want)
			}
		case AssistantMessage:
			a := got.(AssistantMessage)
			if len(a.Content) != len(want.Content) {
				t.Fatalf("assistant blocks: got %d, want %d", len(a.Content), len(want.Content))
			}
			if a.Content[0].Type != want.Content[0].Type {
				t.Errorf("block type: got %q, want %q", a.Content[0].Type, want.Content[0].Type)
			}
			if a.Text() != want.Text() {
				t.Errorf("text: got %q, want %q", a.Text(), want.Text())
			}
		case ResultMessage:
			r := got.(ResultMessage)
			if r != want {
				t.Errorf("result round trip: got %+v, want %+v", r, want)
			}
		}
	}
}

func TestDecodeMessageUnknownType(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"mystery"}`))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	if !strings.Contains(err.Error(), "mystery") {
		t.Errorf("error should name the type: %v", err)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	history := []Message{
		AssistantMessage{Content: TextBlocks("first")},
		ResultMessage{Subtype: ResultSuccess, Detail: "first", NumTurns: 1},
		AssistantMessage{Content: TextBlocks("second")},
		ResultMessage{Subtype: ResultError, Detail: "boom"},
	}

	data, err := EncodeHistory(history)
	if err != nil {
		t.Fatalf("EncodeHistory: %v", err)
	}

	got, err := DecodeHistory(data)
	if err != nil {
		t.Fatalf("DecodeHistory: %v", err)
	}
	if len(got) != len(history) {
		t.Fatalf("got %d messages, want %d", len(got), len(history))
	}

	// Order survives, and so do the concrete types.
	if a := got[0].(AssistantMessage); a.Text() != "first" {
		t.Errorf("got[0] text = %q, want first", a.Text())
	}
	if r := got[3].(ResultMessage); r.Subtype != ResultError {
		t.Errorf("got[3] subtype = %q, want error", r.Subtype)
	}
}

func TestAssistantText(t *testing.T) {
	m := AssistantMessage{Content: []ContentBlock{
		{Type: ContentText, Text: "part one "},
		{Type: ContentToolUse, ToolName: "shell_exec"},
		{Type: ContentText, Text: "part two"},
	}}
	if got := m.Text(); got != "part one part two" {
		t.Errorf("Text() = %q", got)
	}
}
