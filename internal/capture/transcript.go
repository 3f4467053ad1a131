// Package capture imports chat transcripts from disk into a session.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"convmem/internal/store"
)

// Appender is the part of the memory manager an import needs.
type Appender interface {
	AddMessage(ctx context.Context, sessionID string, role store.Role, content string) error
}

// Turn is one parsed transcript message.
type Turn struct {
	Role    store.Role
	Content string
}

type transcriptLine struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

var xmlTagsRe = regexp.MustCompile(`</?(?:attached_files|code_selection|user_query|terminal_selection|system_reminder|open_and_recently_viewed_files)[^>]*>`)
var thinkingPrefixRe = regexp.MustCompile(`(?m)^\[Thinking\]\s*`)

// ImportTranscript appends every user and assistant turn found in the file
// at path to an existing session, in order, and returns how many were
// appended. Files ending in .jsonl hold one JSON object per line; anything
// else is read as plain text with "user:" and "assistant:" marker lines.
func ImportTranscript(ctx context.Context, app Appender, sessionID, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("open transcript: %w", err)
	}

	turns, err := Parse(filepath.Ext(path), data)
	if err != nil {
		return 0, fmt.Errorf("parse transcript %s: %w", filepath.Base(path), err)
	}

	for i, t := range turns {
		if err := app.AddMessage(ctx, sessionID, t.Role, t.Content); err != nil {
			return i, fmt.Errorf("import turn %d: %w", i+1, err)
		}
	}
	return len(turns), nil
}

// Parse extracts turns from transcript data; ext selects the format.
func Parse(ext string, data []byte) ([]Turn, error) {
	if strings.EqualFold(ext, ".jsonl") {
		return parseJSONL(data)
	}
	return parseText(data), nil
}

func parseJSONL(data []byte) ([]Turn, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	var turns []Turn
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var tl transcriptLine
		if err := json.Unmarshal(line, &tl); err != nil {
			continue
		}

		text := tl.Content
		if text == "" {
			text = extractText(tl)
		}
		if t, ok := newTurn(tl.Role, text); ok {
			turns = append(turns, t)
		}
	}
	return turns, scanner.Err()
}

func parseText(data []byte) []Turn {
	type section struct {
		role    string
		content strings.Builder
	}

	var sections []*section
	var current *section

	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "user:" || trimmed == "assistant:":
			current = &section{role: strings.TrimSuffix(trimmed, ":")}
			sections = append(sections, current)
			continue
		case strings.HasPrefix(trimmed, "[Tool call]") || strings.HasPrefix(trimmed, "[Tool result]"):
			// Tool traffic is not conversation; drop it until the next marker.
			current = nil
			continue
		}
		if current != nil {
			current.content.WriteString(line)
			current.content.WriteByte('\n')
		}
	}

	var turns []Turn
	for _, sec := range sections {
		if t, ok := newTurn(sec.role, sec.content.String()); ok {
			turns = append(turns, t)
		}
	}
	return turns
}

func newTurn(role, text string) (Turn, bool) {
	var r store.Role
	switch strings.ToLower(role) {
	case "user", "human":
		r = store.RoleUser
		text = extractUserQuery(text)
	case "assistant", "ai":
		r = store.RoleAssistant
	default:
		return Turn{}, false
	}

	text = cleanContent(text)
	if text == "" {
		return Turn{}, false
	}
	return Turn{Role: r, Content: text}, true
}

// cleanContent strips editor XML tags and [Thinking] prefixes, and collapses
// runs of blank lines.
func cleanContent(s string) string {
	s = xmlTagsRe.ReplaceAllString(s, "")
	s = thinkingPrefixRe.ReplaceAllString(s, "")

	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(s)
}

// extractUserQuery pulls the question out of <user_query> tags if present.
func extractUserQuery(s string) string {
	start := strings.Index(s, "<user_query>")
	end := strings.Index(s, "</user_query>")
	if start >= 0 && end > start {
		return strings.TrimSpace(s[start+len("<user_query>") : end])
	}
	return s
}

func extractText(tl transcriptLine) string {
	var parts []string
	for _, c := range tl.Message.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}
