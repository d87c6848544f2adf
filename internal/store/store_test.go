package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/duet/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustConversation(t *testing.T, s *Store, createdBy models.AssistantID) *models.Conversation {
	t.Helper()
	conv, err := s.CreateConversation(context.Background(), "test", "duet", createdBy)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func mustMessage(t *testing.T, s *Store, conv *models.Conversation, sender models.AssistantID, content string) *models.Message {
	t.Helper()
	msg, err := s.CreateMessage(context.Background(), CreateMessageParams{
		ConversationID: conv.ID,
		Sender:         sender,
		Target:         sender.Peer(),
		Content:        content,
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	return msg
}

func TestSeededClients(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	claude, err := s.GetClient(ctx, models.AssistantClaude)
	if err != nil {
		t.Fatalf("get claude: %v", err)
	}
	if claude.DisplayName != "Claude Code CLI" {
		t.Errorf("claude display name = %q", claude.DisplayName)
	}
	codex, err := s.GetClient(ctx, models.AssistantCodex)
	if err != nil {
		t.Fatalf("get codex: %v", err)
	}
	if codex.DisplayName != "Codex CLI" {
		t.Errorf("codex display name = %q", codex.DisplayName)
	}
	if claude.Status != models.ClientOffline || codex.Status != models.ClientOffline {
		t.Error("seeded clients should start offline")
	}
}

func TestUpdateClientStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpdateClientStatus(ctx, models.AssistantClaude, models.ClientOnline, "sess-1"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	c, err := s.GetClient(ctx, models.AssistantClaude)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != models.ClientOnline || c.SessionID != "sess-1" {
		t.Errorf("client = %+v, want online sess-1", c)
	}
	if c.LastSeenAt == nil {
		t.Error("last_seen_at not stamped")
	}
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := mustConversation(t, s, models.AssistantClaude)
	if conv.Status != models.ConversationActive {
		t.Fatalf("new conversation status = %s", conv.Status)
	}

	closed, err := s.CloseConversation(ctx, conv.ID, "did the thing")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != models.ConversationCompleted {
		t.Errorf("closed status = %s", closed.Status)
	}
	if closed.ClosedAt == nil {
		t.Error("closed_at not stamped")
	}
	if closed.Summary != "did the thing" {
		t.Errorf("summary = %q", closed.Summary)
	}

	// An empty summary keeps the previous one.
	again, err := s.CloseConversation(ctx, conv.ID, "")
	if err != nil {
		t.Fatalf("re-close: %v", err)
	}
	if again.Summary != "did the thing" {
		t.Errorf("summary overwritten by empty close: %q", again.Summary)
	}

	if _, err := s.CloseConversation(ctx, "no-such-id", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("close missing conversation err = %v, want ErrNotFound", err)
	}
}

func TestListConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustConversation(t, s, models.AssistantClaude)
	b := mustConversation(t, s, models.AssistantCodex)
	if _, err := s.CloseConversation(ctx, a.ID, ""); err != nil {
		t.Fatal(err)
	}

	active, err := s.ListConversations(ctx, "active", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != b.ID {
		t.Errorf("active list = %d entries", len(active))
	}

	all, err := s.ListConversations(ctx, "all", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all list = %d entries, want 2", len(all))
	}
}

func TestCreateMessageValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConversation(t, s, models.AssistantClaude)

	_, err := s.CreateMessage(ctx, CreateMessageParams{
		ConversationID: conv.ID,
		Sender:         models.AssistantClaude,
		Target:         models.AssistantClaude,
		Content:        "hi",
	})
	if !errors.Is(err, ErrSelfAddressed) {
		t.Errorf("self-addressed err = %v", err)
	}

	_, err = s.CreateMessage(ctx, CreateMessageParams{
		ConversationID: conv.ID,
		Sender:         models.AssistantClaude,
		Target:         models.AssistantCodex,
	})
	if !errors.Is(err, ErrEmptyContent) {
		t.Errorf("empty content err = %v", err)
	}

	if _, err := s.CloseConversation(ctx, conv.ID, ""); err != nil {
		t.Fatal(err)
	}
	_, err = s.CreateMessage(ctx, CreateMessageParams{
		ConversationID: conv.ID,
		Sender:         models.AssistantClaude,
		Target:         models.AssistantCodex,
		Content:        "hi",
	})
	if !errors.Is(err, ErrConversationNotActive) {
		t.Errorf("closed conversation err = %v", err)
	}
}

func TestCreateMessageTouchesConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConversation(t, s, models.AssistantClaude)

	time.Sleep(5 * time.Millisecond)
	mustMessage(t, s, conv, models.AssistantClaude, "hello")

	reloaded, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.UpdatedAt.After(conv.UpdatedAt) {
		t.Errorf("updated_at not bumped: %v vs %v", reloaded.UpdatedAt, conv.UpdatedAt)
	}
}

func TestMessageStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConversation(t, s, models.AssistantClaude)
	msg := mustMessage(t, s, conv, models.AssistantClaude, "hello")

	delivered, err := s.UpdateMessageStatus(ctx, msg.ID, models.MessageDelivered)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered.Status != models.MessageDelivered || delivered.DeliveredAt == nil {
		t.Errorf("delivered = %+v", delivered)
	}
	firstDelivery := *delivered.DeliveredAt

	read, err := s.UpdateMessageStatus(ctx, msg.ID, models.MessageRead)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if read.Status != models.MessageRead || read.ReadAt == nil {
		t.Errorf("read = %+v", read)
	}

	// Backwards transitions are rejected.
	if _, err := s.UpdateMessageStatus(ctx, msg.ID, models.MessagePending); !errors.Is(err, ErrStatusRegression) {
		t.Errorf("regression err = %v", err)
	}

	responded, err := s.UpdateMessageStatus(ctx, msg.ID, models.MessageResponded)
	if err != nil {
		t.Fatalf("responded: %v", err)
	}
	if responded.Status != models.MessageResponded {
		t.Errorf("final status = %s", responded.Status)
	}
	// delivered_at is stamped once.
	if !responded.DeliveredAt.Equal(firstDelivery) {
		t.Error("delivered_at changed on later transition")
	}
}

func TestRespondedDirectlyFromPending(t *testing.T) {
	s := newTestStore(t)
	conv := mustConversation(t, s, models.AssistantClaude)
	msg := mustMessage(t, s, conv, models.AssistantClaude, "hello")

	got, err := s.UpdateMessageStatus(context.Background(), msg.ID, models.MessageResponded)
	if err != nil {
		t.Fatalf("pending -> responded: %v", err)
	}
	if got.Status != models.MessageResponded {
		t.Errorf("status = %s", got.Status)
	}
}

func TestGetResponseToMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConversation(t, s, models.AssistantClaude)
	original := mustMessage(t, s, conv, models.AssistantClaude, "question")

	if _, err := s.GetResponseToMessage(ctx, original.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no response yet, err = %v", err)
	}

	first, err := s.CreateMessage(ctx, CreateMessageParams{
		ConversationID: conv.ID,
		Sender:         models.AssistantCodex,
		Target:         models.AssistantClaude,
		Content:        "answer one",
		ResponseToID:   original.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := s.CreateMessage(ctx, CreateMessageParams{
		ConversationID: conv.ID,
		Sender:         models.AssistantCodex,
		Target:         models.AssistantClaude,
		Content:        "answer two",
		ResponseToID:   original.ID,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetResponseToMessage(ctx, original.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != first.ID {
		t.Errorf("earliest response = %q, want %q", got.Content, first.Content)
	}
}

func TestGetRecentMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConversation(t, s, models.AssistantClaude)
	for i := 0; i < 5; i++ {
		mustMessage(t, s, conv, models.AssistantClaude, string(rune('a'+i)))
		time.Sleep(2 * time.Millisecond)
	}

	got, err := s.GetRecentMessages(ctx, conv.ID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	// The newest 3 in insertion order: c, d, e.
	want := []string{"c", "d", "e"}
	for i, m := range got {
		if m.Content != want[i] {
			t.Errorf("recent[%d] = %q, want %q", i, m.Content, want[i])
		}
	}
}

func TestSearchMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConversation(t, s, models.AssistantClaude)
	mustMessage(t, s, conv, models.AssistantClaude, "the cache invalidation strategy is wrong")
	mustMessage(t, s, conv, models.AssistantClaude, "unrelated remark about deployment")

	got, err := s.SearchMessages(ctx, "cache", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("search hits = %d, want 1", len(got))
	}
	// Porter stemming matches inflections.
	got, err = s.SearchMessages(ctx, "invalidate", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("stemmed search hits = %d, want 1", len(got))
	}
}

func TestQueueRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConversation(t, s, models.AssistantCodex)
	msg := mustMessage(t, s, conv, models.AssistantCodex, "ping")

	entry, err := s.EnqueueMessage(ctx, msg.ID, models.AssistantClaude, models.PriorityHigh.Rank(), 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if entry.Priority != 1 || entry.MaxAttempts != 5 || entry.Attempts != 0 {
		t.Errorf("entry = %+v", entry)
	}

	due, err := s.DequeueMessages(ctx, models.AssistantClaude, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].MessageID != msg.ID {
		t.Fatalf("dequeue = %d entries", len(due))
	}

	// A future next_attempt keeps the entry out of the batch.
	if err := s.IncrementAttempts(ctx, entry.ID, time.Hour); err != nil {
		t.Fatal(err)
	}
	due, err = s.DequeueMessages(ctx, models.AssistantClaude, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("dequeue after backoff = %d entries, want 0", len(due))
	}

	reloaded, err := s.GetQueueEntry(ctx, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", reloaded.Attempts)
	}

	if err := s.RemoveFromQueue(ctx, msg.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetQueueEntry(ctx, entry.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("entry survived removal: %v", err)
	}
}

func TestQueuePriorityOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConversation(t, s, models.AssistantCodex)

	low := mustMessage(t, s, conv, models.AssistantCodex, "low")
	high := mustMessage(t, s, conv, models.AssistantCodex, "high")
	if _, err := s.EnqueueMessage(ctx, low.ID, models.AssistantClaude, 0, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnqueueMessage(ctx, high.ID, models.AssistantClaude, 2, 5); err != nil {
		t.Fatal(err)
	}

	due, err := s.DequeueMessages(ctx, models.AssistantClaude, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].MessageID != high.ID {
		t.Errorf("priority ordering wrong: first = %v", due[0].MessageID)
	}
}

func TestClearExhausted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConversation(t, s, models.AssistantCodex)
	msg := mustMessage(t, s, conv, models.AssistantCodex, "doomed")

	entry, err := s.EnqueueMessage(ctx, msg.ID, models.AssistantClaude, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := s.IncrementAttempts(ctx, entry.ID, 0); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.ClearExhausted(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("cleared %d entries, want 1", n)
	}
}

func TestInvocationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConversation(t, s, models.AssistantClaude)
	msg := mustMessage(t, s, conv, models.AssistantClaude, "do it")

	inv, err := s.CreateInvocation(ctx, models.AssistantCodex, msg.ID,
		models.InvocationSubprocessExec, `{"binary":"codex"}`)
	if err != nil {
		t.Fatalf("create invocation: %v", err)
	}
	if inv.Status != models.InvocationPending {
		t.Errorf("new invocation status = %s", inv.Status)
	}

	if err := s.MarkInvocationRunning(ctx, inv.ID); err != nil {
		t.Fatal(err)
	}
	exit := 0
	if err := s.FinalizeInvocation(ctx, inv.ID, models.InvocationCompleted, "out", "", &exit); err != nil {
		t.Fatal(err)
	}

	final, err := s.GetInvocation(ctx, inv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.InvocationCompleted || final.Stdout != "out" {
		t.Errorf("final = %+v", final)
	}
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Error("timestamps not stamped")
	}
}

func TestSharedContextRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := mustConversation(t, s, models.AssistantClaude)

	sc, err := s.CreateSharedContext(ctx, &models.SharedContext{
		ConversationID: conv.ID,
		ContextType:    models.ContextSnippet,
		Content:        "func main() {}",
		Description:    "entry point",
		SharedBy:       models.AssistantClaude,
	})
	if err != nil {
		t.Fatalf("create shared context: %v", err)
	}

	got, err := s.GetSharedContext(ctx, sc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "func main() {}" || got.ContextType != models.ContextSnippet {
		t.Errorf("got = %+v", got)
	}

	listed, err := s.ListSharedContext(ctx, conv.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 {
		t.Errorf("listed %d entries, want 1", len(listed))
	}

	// Unscoped listing also finds it.
	all, err := s.ListSharedContext(ctx, "", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("unscoped list = %d entries", len(all))
	}
}

func TestFilePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "store.sqlite")
	s, err := New(path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	// Force the file to exist before checking.
	if _, err := s.CreateConversation(context.Background(), "", "", models.AssistantClaude); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("db file mode = %o, want 0600", perm)
	}
	dirInfo, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if perm := dirInfo.Mode().Perm(); perm != 0o700 {
		t.Errorf("db dir mode = %o, want 0700", perm)
	}
}

func TestTimestampsSortLexicographically(t *testing.T) {
	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	pairs := []struct {
		earlier, later time.Time
	}{
		{base.Add(500 * time.Millisecond), base.Add(500*time.Millisecond + time.Microsecond)},
		{base, base.Add(time.Nanosecond)},
		{base.Add(999 * time.Millisecond), base.Add(time.Second)},
	}
	for _, p := range pairs {
		a, b := fmtTime(p.earlier), fmtTime(p.later)
		if a >= b {
			t.Errorf("fmtTime(%v) = %q does not sort below fmtTime(%v) = %q", p.earlier, a, p.later, b)
		}
		if got := parseTime(a); !got.Equal(p.earlier) {
			t.Errorf("round trip: parseTime(%q) = %v, want %v", a, got, p.earlier)
		}
	}
}

func TestOrderedReadsWithSubsecondTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, "", "", models.AssistantClaude)
	if err != nil {
		t.Fatal(err)
	}

	// A half-second stamp and one a microsecond later: with a trimmed
	// fractional part the earlier string would sort last.
	earlier := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC).Add(500 * time.Millisecond)
	later := earlier.Add(time.Microsecond)

	insert := func(id string, ts time.Time) {
		t.Helper()
		if _, err := s.db.Exec(
			`INSERT INTO messages (id, conversation_id, sender, target, content, created_at)
			 VALUES (?, ?, 'claude', 'codex', ?, ?)`,
			id, conv.ID, "content "+id, fmtTime(ts)); err != nil {
			t.Fatal(err)
		}
	}
	// Inserted in reverse so ORDER BY created_at does the work.
	insert("m-late", later)
	insert("m-early", earlier)

	msgs, err := s.GetConversationMessages(ctx, conv.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if msgs[0].ID != "m-early" || msgs[1].ID != "m-late" {
		t.Errorf("order = [%s %s], want [m-early m-late]", msgs[0].ID, msgs[1].ID)
	}
}
