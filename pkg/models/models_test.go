package models

import "testing"

func TestParseAssistantID(t *testing.T) {
	tests := []struct {
		in      string
		want    AssistantID
		wantErr bool
	}{
		{"claude", AssistantClaude, false},
		{"codex", AssistantCodex, false},
		{"Claude", "", true},
		{"", "", true},
		{"gpt", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAssistantID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAssistantID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAssistantID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPeer(t *testing.T) {
	if AssistantClaude.Peer() != AssistantCodex {
		t.Error("claude's peer should be codex")
	}
	if AssistantCodex.Peer() != AssistantClaude {
		t.Error("codex's peer should be claude")
	}
}

func TestResponseType(t *testing.T) {
	tests := []struct {
		in   MessageType
		want MessageType
	}{
		{TypeResearchRequest, TypeResearchResponse},
		{TypeReviewRequest, TypeReviewResponse},
		{TypeMessage, TypeMessage},
		{TypeContextShare, TypeMessage},
		{TypeSystem, TypeMessage},
	}
	for _, tt := range tests {
		if got := tt.in.ResponseType(); got != tt.want {
			t.Errorf("%s.ResponseType() = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestPriorityRank(t *testing.T) {
	tests := []struct {
		in   Priority
		want int
	}{
		{PriorityUrgent, 2},
		{PriorityHigh, 1},
		{PriorityNormal, 0},
		{Priority("bogus"), 0},
	}
	for _, tt := range tests {
		if got := tt.in.Rank(); got != tt.want {
			t.Errorf("%s.Rank() = %d, want %d", tt.in, got, tt.want)
		}
	}
}
