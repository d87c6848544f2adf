package peer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/duet/pkg/models"
)

const (
	commandOutputLimit = 500
	rawStdoutLimit     = 50000
)

// execEvent is one line of the child's JSONL event stream. Only the
// fields the extraction tiers look at are decoded.
type execEvent struct {
	Type       string          `json:"type"`
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	OutputText string          `json:"output_text,omitempty"`
	Response   *struct {
		OutputText string `json:"output_text,omitempty"`
	} `json:"response,omitempty"`
	Item *execItem `json:"item,omitempty"`
}

type execItem struct {
	Type             string `json:"type"`
	Text             string `json:"text,omitempty"`
	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
}

// extractResponse recovers the final answer from the child's stdout,
// trying each tier in priority order:
//
//  1. the last response.completed / turn.completed output text,
//     rendered as Markdown when it is structured JSON;
//  2. the last completed agent_message item;
//  3. a legacy assistant message event;
//  4. a synthesised exploration summary from reasoning and
//     command_execution items;
//  5. raw stdout, truncated.
func extractResponse(stdout string, messageType models.MessageType) string {
	var (
		completedText string
		agentMessage  string
		legacyMessage string
		reasonings    []string
		commands      []*execItem
	)

	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] != '{' {
			continue
		}
		var ev execEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "response.completed":
			if ev.Response != nil && ev.Response.OutputText != "" {
				completedText = ev.Response.OutputText
			}
		case "turn.completed":
			if ev.OutputText != "" {
				completedText = ev.OutputText
			}
		case "item.completed":
			if ev.Item == nil {
				continue
			}
			switch ev.Item.Type {
			case "agent_message":
				if ev.Item.Text != "" {
					agentMessage = ev.Item.Text
				}
			case "reasoning":
				if ev.Item.Text != "" {
					reasonings = append(reasonings, ev.Item.Text)
				}
			case "command_execution":
				item := *ev.Item
				commands = append(commands, &item)
			}
		case "message":
			if ev.Role == "assistant" {
				if text := decodeLegacyContent(ev.Content); text != "" {
					legacyMessage = text
				}
			}
		}
	}

	if completedText != "" {
		return renderStructured(completedText, messageType)
	}
	if agentMessage != "" {
		return agentMessage
	}
	if legacyMessage != "" {
		return legacyMessage
	}
	if summary := explorationSummary(reasonings, commands); summary != "" {
		return summary
	}
	if strings.TrimSpace(stdout) != "" {
		return truncate(stdout, rawStdoutLimit)
	}
	return ""
}

// decodeLegacyContent handles the old event shape where content is
// either a plain string or a list of {text} blocks.
func decodeLegacyContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// explorationSummary synthesises an answer when the child explored but
// never produced a final message: the last two reasoning items and the
// last three executed commands.
func explorationSummary(reasonings []string, commands []*execItem) string {
	if len(reasonings) == 0 && len(commands) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("[exploration - no final answer]")

	if n := len(reasonings); n > 0 {
		for _, r := range reasonings[max(0, n-2):] {
			b.WriteString("\n\n")
			b.WriteString(r)
		}
	}
	if n := len(commands); n > 0 {
		for _, cmd := range commands[max(0, n-3):] {
			b.WriteString("\n\n$ ")
			b.WriteString(cmd.Command)
			if cmd.AggregatedOutput != "" {
				b.WriteString("\n")
				b.WriteString(truncate(cmd.AggregatedOutput, commandOutputLimit))
			}
			if cmd.ExitCode != nil && *cmd.ExitCode != 0 {
				fmt.Fprintf(&b, " (exit: %d)", *cmd.ExitCode)
			}
		}
	}
	return b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "[...]"
}
