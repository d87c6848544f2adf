package toolserver

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/duet/internal/dispatch"
	"github.com/haasonsaas/duet/internal/kg"
	"github.com/haasonsaas/duet/pkg/models"
)

// Per-tool timeout defaults and ceilings.
const (
	maxToolTimeout         = 300 * time.Second
	defaultResponseTimeout = 30 * time.Second
	reviewTimeout          = 120 * time.Second
)

func researchTimeout(depth string) time.Duration {
	switch depth {
	case "shallow":
		return 120 * time.Second
	case "deep":
		return 600 * time.Second
	}
	return 300 * time.Second
}

func (s *Server) registerAll() {
	s.register("who_am_i",
		"Return the identity this session is bound to.",
		`{"type":"object","properties":{},"additionalProperties":false}`,
		s.whoAmI)

	s.register("create_conversation",
		"Start a new conversation with the other assistant.",
		`{"type":"object","properties":{
			"title":{"type":"string"},
			"project":{"type":"string"}
		},"additionalProperties":false}`,
		s.createConversation)

	s.register("list_conversations",
		"List conversations by recent activity.",
		`{"type":"object","properties":{
			"status":{"type":"string","enum":["active","completed","all"]},
			"limit":{"type":"integer","minimum":1,"maximum":100},
			"offset":{"type":"integer","minimum":0}
		},"additionalProperties":false}`,
		s.listConversations)

	s.register("get_conversation",
		"Fetch one conversation by id.",
		`{"type":"object","required":["conversation_id"],"properties":{
			"conversation_id":{"type":"string"}
		},"additionalProperties":false}`,
		s.getConversation)

	s.register("close_conversation",
		"Mark a conversation completed, optionally recording a summary.",
		`{"type":"object","required":["conversation_id"],"properties":{
			"conversation_id":{"type":"string"},
			"summary":{"type":"string"},
			"sync":{"type":"boolean"}
		},"additionalProperties":false}`,
		s.closeConversation)

	s.register("send_message",
		"Send a message to the other assistant, optionally waiting for its reply.",
		`{"type":"object","required":["target","content"],"properties":{
			"conversation_id":{"type":"string"},
			"target":{"type":"string","enum":["claude","codex"]},
			"content":{"type":"string","minLength":1},
			"message_type":{"type":"string","enum":["message","research_request","review_request","context_share","system"]},
			"priority":{"type":"string","enum":["normal","high","urgent"]},
			"wait_for_response":{"type":"boolean"},
			"timeout_ms":{"type":"integer","minimum":1,"maximum":300000},
			"agent":{"type":"string"}
		},"additionalProperties":false}`,
		s.sendMessage)

	s.register("get_response",
		"Wait for the reply to a previously sent message.",
		`{"type":"object","required":["message_id"],"properties":{
			"message_id":{"type":"string"},
			"timeout_ms":{"type":"integer","minimum":1,"maximum":300000}
		},"additionalProperties":false}`,
		s.getResponse)

	s.register("get_history",
		"Page through a conversation's messages in order.",
		`{"type":"object","required":["conversation_id"],"properties":{
			"conversation_id":{"type":"string"},
			"limit":{"type":"integer","minimum":1,"maximum":500},
			"offset":{"type":"integer","minimum":0}
		},"additionalProperties":false}`,
		s.getHistory)

	s.register("mark_message_read",
		"Mark a message addressed to you as read.",
		`{"type":"object","required":["message_id"],"properties":{
			"message_id":{"type":"string"}
		},"additionalProperties":false}`,
		s.markMessageRead)

	s.register("search_messages",
		"Full-text search over message content.",
		`{"type":"object","required":["query"],"properties":{
			"query":{"type":"string","minLength":1},
			"limit":{"type":"integer","minimum":1,"maximum":100}
		},"additionalProperties":false}`,
		s.searchMessages)

	s.register("share_context",
		"Share a file, snippet, or reference with the other assistant.",
		`{"type":"object","required":["context_type","content"],"properties":{
			"conversation_id":{"type":"string"},
			"context_type":{"type":"string","enum":["file","snippet","entity","memory_item","url"]},
			"content":{"type":"string","minLength":1},
			"description":{"type":"string"}
		},"additionalProperties":false}`,
		s.shareContext)

	s.register("get_shared_context",
		"Fetch one shared context entry by id.",
		`{"type":"object","required":["context_id"],"properties":{
			"context_id":{"type":"string"}
		},"additionalProperties":false}`,
		s.getSharedContext)

	s.register("list_shared_context",
		"List shared context entries, newest first.",
		`{"type":"object","properties":{
			"conversation_id":{"type":"string"},
			"limit":{"type":"integer","minimum":1,"maximum":100},
			"offset":{"type":"integer","minimum":0}
		},"additionalProperties":false}`,
		s.listSharedContext)

	s.register("delegate_research",
		"Ask the other assistant to research a topic and report back.",
		`{"type":"object","required":["target","topic"],"properties":{
			"target":{"type":"string","enum":["claude","codex"]},
			"topic":{"type":"string","minLength":1},
			"context":{"type":"string"},
			"depth":{"type":"string","enum":["shallow","medium","deep"]},
			"conversation_id":{"type":"string"},
			"sync":{"type":"boolean"}
		},"additionalProperties":false}`,
		s.delegateResearch)

	s.register("request_review",
		"Ask the other assistant to review code or a design.",
		`{"type":"object","required":["target","content"],"properties":{
			"target":{"type":"string","enum":["claude","codex"]},
			"content":{"type":"string","minLength":1},
			"review_type":{"type":"string","enum":["code","architecture","security","performance","general"]},
			"context":{"type":"string"},
			"conversation_id":{"type":"string"},
			"sync":{"type":"boolean"}
		},"additionalProperties":false}`,
		s.requestReview)
}

func (s *Server) whoAmI(ctx context.Context, _ map[string]any) (any, error) {
	id, err := s.requireIdentity()
	if err != nil {
		return nil, err
	}
	client, err := s.store.GetClient(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"client_id":   string(client.ID),
		"description": client.DisplayName,
	}, nil
}

func (s *Server) createConversation(ctx context.Context, args map[string]any) (any, error) {
	id, err := s.requireIdentity()
	if err != nil {
		return nil, err
	}
	return s.store.CreateConversation(ctx, strArg(args, "title", ""), strArg(args, "project", ""), id)
}

func (s *Server) listConversations(ctx context.Context, args map[string]any) (any, error) {
	convs, err := s.store.ListConversations(ctx,
		strArg(args, "status", "active"), intArg(args, "limit", 20), intArg(args, "offset", 0))
	if err != nil {
		return nil, err
	}
	return map[string]any{"conversations": emptySlice(convs), "count": len(convs)}, nil
}

func (s *Server) getConversation(ctx context.Context, args map[string]any) (any, error) {
	conversationID := strArg(args, "conversation_id", "")
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	return conv, nil
}

func (s *Server) closeConversation(ctx context.Context, args map[string]any) (any, error) {
	summary := strArg(args, "summary", "")
	conv, err := s.store.CloseConversation(ctx, strArg(args, "conversation_id", ""), summary)
	if err != nil {
		return nil, err
	}
	if boolArg(args, "sync", true) && summary != "" && s.kg != nil {
		go s.kg.SyncConversationSummary(context.Background(), conv.ID, conv.Title, summary)
	}
	return conv, nil
}

func (s *Server) sendMessage(ctx context.Context, args map[string]any) (any, error) {
	sender, err := s.requireIdentity()
	if err != nil {
		return nil, err
	}
	target, err := models.ParseAssistantID(strArg(args, "target", ""))
	if err != nil {
		return nil, err
	}
	return s.dispatcher.SendMessage(ctx, dispatch.SendOptions{
		ConversationID:  strArg(args, "conversation_id", ""),
		Sender:          sender,
		Target:          target,
		Content:         strArg(args, "content", ""),
		MessageType:     models.MessageType(strArg(args, "message_type", string(models.TypeMessage))),
		Priority:        models.Priority(strArg(args, "priority", string(models.PriorityNormal))),
		Agent:           strArg(args, "agent", ""),
		WaitForResponse: boolArg(args, "wait_for_response", true),
		Timeout:         timeoutArg(args, 0), // zero lets the dispatcher apply its defaults
		UseOutputSchema: true,
	})
}

func (s *Server) getResponse(ctx context.Context, args map[string]any) (any, error) {
	messageID := strArg(args, "message_id", "")
	if _, err := s.store.GetMessage(ctx, messageID); err != nil {
		return nil, fmt.Errorf("message %s: %w", messageID, err)
	}
	resp := s.dispatcher.WaitForResponse(ctx, messageID, timeoutArg(args, defaultResponseTimeout))
	if resp == nil {
		return map[string]any{"response": nil, "timeout": true}, nil
	}
	return map[string]any{"response": resp}, nil
}

func (s *Server) getHistory(ctx context.Context, args map[string]any) (any, error) {
	conversationID := strArg(args, "conversation_id", "")
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	msgs, err := s.store.GetConversationMessages(ctx, conversationID,
		intArg(args, "limit", 50), intArg(args, "offset", 0))
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": emptySlice(msgs), "count": len(msgs)}, nil
}

func (s *Server) markMessageRead(ctx context.Context, args map[string]any) (any, error) {
	id, err := s.requireIdentity()
	if err != nil {
		return nil, err
	}
	msg, err := s.store.GetMessage(ctx, strArg(args, "message_id", ""))
	if err != nil {
		return nil, err
	}
	if msg.Target != id {
		return nil, fmt.Errorf("message %s is not addressed to %s", msg.ID, id)
	}
	return s.store.UpdateMessageStatus(ctx, msg.ID, models.MessageRead)
}

func (s *Server) searchMessages(ctx context.Context, args map[string]any) (any, error) {
	msgs, err := s.store.SearchMessages(ctx, strArg(args, "query", ""), intArg(args, "limit", 20))
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": emptySlice(msgs), "count": len(msgs)}, nil
}

func (s *Server) shareContext(ctx context.Context, args map[string]any) (any, error) {
	id, err := s.requireIdentity()
	if err != nil {
		return nil, err
	}
	return s.store.CreateSharedContext(ctx, &models.SharedContext{
		ConversationID: strArg(args, "conversation_id", ""),
		ContextType:    models.ContextType(strArg(args, "context_type", "")),
		Content:        strArg(args, "content", ""),
		Description:    strArg(args, "description", ""),
		SharedBy:       id,
	})
}

func (s *Server) getSharedContext(ctx context.Context, args map[string]any) (any, error) {
	contextID := strArg(args, "context_id", "")
	entry, err := s.store.GetSharedContext(ctx, contextID)
	if err != nil {
		return nil, fmt.Errorf("shared context %s: %w", contextID, err)
	}
	return entry, nil
}

func (s *Server) listSharedContext(ctx context.Context, args map[string]any) (any, error) {
	entries, err := s.store.ListSharedContext(ctx, strArg(args, "conversation_id", ""),
		intArg(args, "limit", 20), intArg(args, "offset", 0))
	if err != nil {
		return nil, err
	}
	return map[string]any{"context": emptySlice(entries), "count": len(entries)}, nil
}

func (s *Server) delegateResearch(ctx context.Context, args map[string]any) (any, error) {
	sender, err := s.requireIdentity()
	if err != nil {
		return nil, err
	}
	target, err := models.ParseAssistantID(strArg(args, "target", ""))
	if err != nil {
		return nil, err
	}
	depth := strArg(args, "depth", "medium")
	topic := strArg(args, "topic", "")

	result, err := s.dispatcher.SendMessage(ctx, dispatch.SendOptions{
		ConversationID:  strArg(args, "conversation_id", ""),
		Sender:          sender,
		Target:          target,
		Content:         researchPrompt(topic, strArg(args, "context", ""), depth),
		MessageType:     models.TypeResearchRequest,
		Priority:        models.PriorityHigh,
		WaitForResponse: true,
		Timeout:         researchTimeout(depth),
		UseOutputSchema: true,
	})
	if err != nil {
		return nil, err
	}
	if result.Response != nil && boolArg(args, "sync", true) && s.kg != nil {
		go s.kg.SyncMemoryItem(context.Background(), kg.MemoryItem{
			Content:  result.Response.Content,
			Category: "research",
			Metadata: map[string]any{
				"topic":           topic,
				"depth":           depth,
				"conversation_id": result.Conversation.ID,
			},
		})
	}
	return result, nil
}

func (s *Server) requestReview(ctx context.Context, args map[string]any) (any, error) {
	sender, err := s.requireIdentity()
	if err != nil {
		return nil, err
	}
	target, err := models.ParseAssistantID(strArg(args, "target", ""))
	if err != nil {
		return nil, err
	}
	reviewType := strArg(args, "review_type", "general")

	result, err := s.dispatcher.SendMessage(ctx, dispatch.SendOptions{
		ConversationID:  strArg(args, "conversation_id", ""),
		Sender:          sender,
		Target:          target,
		Content:         reviewPrompt(strArg(args, "content", ""), strArg(args, "context", ""), reviewType),
		MessageType:     models.TypeReviewRequest,
		Priority:        models.PriorityHigh,
		WaitForResponse: true,
		Timeout:         reviewTimeout,
		UseOutputSchema: true,
	})
	if err != nil {
		return nil, err
	}
	if result.Response != nil && boolArg(args, "sync", true) && s.kg != nil {
		go s.kg.SyncMemoryItem(context.Background(), kg.MemoryItem{
			Content:  result.Response.Content,
			Category: "review",
			Metadata: map[string]any{
				"review_type":     reviewType,
				"conversation_id": result.Conversation.ID,
			},
		})
	}
	return result, nil
}

// timeoutArg reads timeout_ms, clamped to the tool ceiling.
func timeoutArg(args map[string]any, def time.Duration) time.Duration {
	ms := intArg(args, "timeout_ms", 0)
	if ms <= 0 {
		return def
	}
	d := time.Duration(ms) * time.Millisecond
	if d > maxToolTimeout {
		return maxToolTimeout
	}
	return d
}

// emptySlice keeps list results as [] instead of null in JSON.
func emptySlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
