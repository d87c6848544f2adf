package peer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/duet/pkg/models"
)

// Structured output shapes matching the embedded schemas.

type reviewOutput struct {
	Summary         string        `json:"summary"`
	Verdict         string        `json:"verdict"`
	Issues          []reviewIssue `json:"issues,omitempty"`
	Strengths       []string      `json:"strengths,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
}

type reviewIssue struct {
	Severity    string `json:"severity,omitempty"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion,omitempty"`
}

type researchOutput struct {
	Summary         string            `json:"summary"`
	Findings        []researchFinding `json:"findings"`
	Recommendations []string          `json:"recommendations,omitempty"`
	Concerns        []string          `json:"concerns,omitempty"`
	CodeSnippets    []codeSnippet     `json:"code_snippets,omitempty"`
}

type researchFinding struct {
	Topic      string   `json:"topic"`
	Details    string   `json:"details"`
	References []string `json:"references,omitempty"`
}

type codeSnippet struct {
	Language    string `json:"language,omitempty"`
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

type generalOutput struct {
	Response   string   `json:"response"`
	Summary    string   `json:"summary,omitempty"`
	References []string `json:"references,omitempty"`
}

// renderStructured renders text as Markdown when it parses as the
// structured output for the message type; otherwise the text is
// returned verbatim.
func renderStructured(text string, messageType models.MessageType) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return text
	}

	switch messageType {
	case models.TypeReviewRequest:
		var out reviewOutput
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil && out.Summary != "" {
			return renderReview(&out)
		}
	case models.TypeResearchRequest:
		var out researchOutput
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil && out.Summary != "" {
			return renderResearch(&out)
		}
	}

	var out generalOutput
	if err := json.Unmarshal([]byte(trimmed), &out); err == nil && out.Response != "" {
		return renderGeneral(&out)
	}
	return text
}

func renderReview(out *reviewOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Review: %s\n\n%s\n", strings.ToUpper(out.Verdict), out.Summary)

	if len(out.Strengths) > 0 {
		b.WriteString("\n### Strengths\n")
		for _, s := range out.Strengths {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if len(out.Issues) > 0 {
		b.WriteString("\n### Issues\n")
		for _, issue := range out.Issues {
			b.WriteString("- ")
			if issue.Severity != "" {
				fmt.Fprintf(&b, "[%s] ", issue.Severity)
			}
			if issue.Location != "" {
				fmt.Fprintf(&b, "%s: ", issue.Location)
			}
			b.WriteString(issue.Description)
			if issue.Suggestion != "" {
				fmt.Fprintf(&b, " — suggestion: %s", issue.Suggestion)
			}
			b.WriteString("\n")
		}
	}
	if len(out.Recommendations) > 0 {
		b.WriteString("\n### Recommendations\n")
		for _, r := range out.Recommendations {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return b.String()
}

func renderResearch(out *researchOutput) string {
	var b strings.Builder
	b.WriteString(out.Summary)
	b.WriteString("\n")

	var references []string
	for _, f := range out.Findings {
		fmt.Fprintf(&b, "\n### %s\n%s\n", f.Topic, f.Details)
		references = append(references, f.References...)
	}
	if len(references) > 0 {
		b.WriteString("\n### References\n")
		for _, r := range references {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if len(out.Concerns) > 0 {
		b.WriteString("\n### Concerns\n")
		for _, c := range out.Concerns {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(out.Recommendations) > 0 {
		b.WriteString("\n### Recommendations\n")
		for _, r := range out.Recommendations {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if len(out.CodeSnippets) > 0 {
		b.WriteString("\n### Code Examples\n")
		for _, snippet := range out.CodeSnippets {
			if snippet.Description != "" {
				fmt.Fprintf(&b, "%s\n", snippet.Description)
			}
			fmt.Fprintf(&b, "```%s\n%s\n```\n", snippet.Language, snippet.Code)
		}
	}
	return b.String()
}

func renderGeneral(out *generalOutput) string {
	var b strings.Builder
	if out.Summary != "" && len(out.Response) > 500 {
		fmt.Fprintf(&b, "**Summary:** %s\n\n", out.Summary)
	}
	b.WriteString(out.Response)
	if len(out.References) > 0 {
		b.WriteString("\n\n### References\n")
		for _, r := range out.References {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return b.String()
}
