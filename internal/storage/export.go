package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/michaelbrown/parley/internal/engine"
)

// ExportMarkdown renders a session and its history as a markdown document.
func ExportMarkdown(sess *Session, history []engine.Message) string {
	var b strings.Builder

	title := sess.Name
	if title == "" {
		title = sess.ID
	}
	b.WriteString(fmt.Sprintf("# %s\n\n", title))
	b.WriteString(fmt.Sprintf("- **Session:** %s\n", sess.ID))
	if sess.Model != "" {
		b.WriteString(fmt.Sprintf("- **Model:** %s\n", sess.Model))
	}
	if sess.WorkDir != "" {
		b.WriteString(fmt.Sprintf("- **Working directory:** %s\n", sess.WorkDir))
	}
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", sess.Status))
	b.WriteString("\n---\n\n")

	for _, m := range history {
		switch msg := m.(type) {
		case engine.AssistantMessage:
			for _, block := range msg.Content {
				switch block.Type {
				case engine.ContentText:
					b.WriteString(fmt.Sprintf("## Parley\n\n%s\n\n", block.Text))
				case engine.ContentToolUse:
					args, _ := json.Marshal(block.ToolInput)
					b.WriteString(fmt.Sprintf("**Tool Call:** `%s`\n```json\n%s\n```\n\n", block.ToolName, string(args)))
				}
			}
		case engine.ResultMessage:
			if msg.Subtype == engine.ResultError {
				b.WriteString(fmt.Sprintf("> Query failed: %s\n\n", msg.Detail))
			}
		}
	}

	return b.String()
}

// ExportJSON renders a session and its history as formatted JSON.
func ExportJSON(sess *Session, history []engine.Message) ([]byte, error) {
	encoded, err := engine.EncodeHistory(history)
	if err != nil {
		return nil, fmt.Errorf("encoding history: %w", err)
	}
	export := struct {
		Session *Session        `json:"session"`
		History json.RawMessage `json:"history"`
	}{
		Session: sess,
		History: encoded,
	}
	return json.MarshalIndent(export, "", "  ")
}
