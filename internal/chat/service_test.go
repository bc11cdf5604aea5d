package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"palaver/internal/bus"
	"palaver/internal/models"
	"palaver/internal/storage"
)

type staticPresence struct {
	online []string
}

func (p *staticPresence) SnapshotOnlineUsers(context.Context) ([]string, error) {
	return p.online, nil
}

func newTestService(t *testing.T) (*Service, *bus.MemoryBus) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "chat_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := storage.NewBboltStorage(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := bus.NewMemoryBus()
	svc := NewService(ctx, ServiceConfig{
		Store:    store,
		Bus:      b,
		Presence: &staticPresence{},
	})
	return svc, b
}

func TestService_SendMessage_DerivesDirectConversation(t *testing.T) {
	svc, b := newTestService(t)
	ctx := context.Background()

	var fanouts []models.MessageFanout
	_ = b.Subscribe(ctx, bus.ChannelMessages, func(payload []byte) {
		var ev models.MessageFanout
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Errorf("bad fanout payload: %v", err)
			return
		}
		fanouts = append(fanouts, ev)
	})

	msg, err := svc.SendMessage(ctx, "dm_u1_u2", "u1", "hi")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if msg.ID == 0 {
		t.Error("expected assigned message id")
	}
	if msg.Content != "hi" {
		t.Errorf("unexpected content: %q", msg.Content)
	}

	if len(fanouts) != 1 {
		t.Fatalf("expected 1 fanout event, got %d", len(fanouts))
	}
	ev := fanouts[0]
	if ev.Message.ID != msg.ID {
		t.Errorf("fanout carries message %d, want %d", ev.Message.ID, msg.ID)
	}
	if len(ev.Participants) != 2 {
		t.Errorf("expected participant list in fanout, got %v", ev.Participants)
	}
}

func TestService_SendMessage_UnknownConversation(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.SendMessage(context.Background(), "group_doesnotexist", "u1", "hi")
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_SendMessage_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name           string
		conversationID string
		senderID       string
		content        string
	}{
		{"MissingContent", "dm_u1_u2", "u1", ""},
		{"MissingConversation", "", "u1", "hi"},
		{"MissingSender", "dm_u1_u2", "", "hi"},
		{"BadSenderID", "dm_u1_u2", "u 1", "hi"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SendMessage(ctx, tc.conversationID, tc.senderID, tc.content)
			if !errors.Is(err, models.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestService_SendMessage_SanitizesContent(t *testing.T) {
	svc, _ := newTestService(t)

	msg, err := svc.SendMessage(context.Background(), "dm_u1_u2", "u1", "<script>alert(1)</script>hello **world**")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if msg.Content == "" || msg.Content != "hello **world**" {
		t.Errorf("expected script stripped from content, got %q", msg.Content)
	}
	if msg.ContentHTML == "" {
		t.Error("expected rendered html")
	}
}

func TestService_GetOrCreateDirect_Converges(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	c1, err := svc.GetOrCreateDirect(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("GetOrCreateDirect failed: %v", err)
	}
	c2, err := svc.GetOrCreateDirect(ctx, "u2", "u1")
	if err != nil {
		t.Fatalf("GetOrCreateDirect failed: %v", err)
	}
	if c1.ID != c2.ID {
		t.Errorf("expected same conversation regardless of order, got %s and %s", c1.ID, c2.ID)
	}
	if c1.Type != models.ConversationTypeDirect {
		t.Errorf("expected DIRECT type, got %s", c1.Type)
	}

	if _, err := svc.GetOrCreateDirect(ctx, "u1", "u1"); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for self-DM, got %v", err)
	}
}

func TestService_CreateGroup(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateGroup(ctx, "team", []string{"u1"}); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for single member, got %v", err)
	}
	if _, err := svc.CreateGroup(ctx, "", []string{"u1", "u2"}); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty name, got %v", err)
	}

	group, err := svc.CreateGroup(ctx, "team", []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	if group.Type != models.ConversationTypeGroup {
		t.Errorf("expected GROUP type, got %s", group.Type)
	}

	for _, member := range []string{"u1", "u2"} {
		groups, err := svc.ListGroups(ctx, member)
		if err != nil {
			t.Fatalf("ListGroups(%s) failed: %v", member, err)
		}
		found := false
		for _, g := range groups {
			if g.ID == group.ID {
				found = true
			}
		}
		if !found {
			t.Errorf("group %s missing from ListGroups(%s)", group.ID, member)
		}
	}

	groups, err := svc.ListGroups(ctx, "u3")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 0 {
		t.Errorf("expected no groups for non-member, got %v", groups)
	}
}

func TestService_History_Pagination(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		if _, err := svc.SendMessage(ctx, "dm_u1_u2", "u1", fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}

	page1, cursor, err := svc.History(ctx, "dm_u1_u2", 20, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(page1) != 20 {
		t.Fatalf("expected 20 messages, got %d", len(page1))
	}
	if cursor == 0 {
		t.Fatal("expected non-zero nextCursor after full page")
	}

	page2, cursor2, err := svc.History(ctx, "dm_u1_u2", 20, cursor)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(page2) != 5 {
		t.Fatalf("expected remaining 5 messages, got %d", len(page2))
	}
	if cursor2 != 0 {
		t.Errorf("expected no nextCursor on final partial page, got %d", cursor2)
	}

	// Chained pages are strictly decreasing with no gaps or duplicates.
	all := append(append([]models.Message{}, page1...), page2...)
	if len(all) != 25 {
		t.Fatalf("expected full history of 25, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID >= all[i-1].ID {
			t.Fatalf("ids not strictly decreasing: %d after %d", all[i].ID, all[i-1].ID)
		}
	}
}

// The reference implementation sets nextCursor whenever a full page comes
// back, even when no older messages exist, costing one extra empty page.
// That behavior is preserved deliberately.
func TestService_History_ExactPageBoundaryQuirk(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, err := svc.SendMessage(ctx, "dm_u1_u2", "u1", "m"); err != nil {
			t.Fatal(err)
		}
	}

	page, cursor, err := svc.History(ctx, "dm_u1_u2", 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 20 {
		t.Fatalf("expected 20 messages, got %d", len(page))
	}
	if cursor == 0 {
		t.Fatal("expected nextCursor on exact boundary (reference quirk)")
	}

	empty, cursor2, err := svc.History(ctx, "dm_u1_u2", 20, cursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 || cursor2 != 0 {
		t.Errorf("expected one empty final page, got %d messages and cursor %d", len(empty), cursor2)
	}
}

func TestService_History_ClampsLimit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		if _, err := svc.SendMessage(ctx, "dm_u1_u2", "u1", "m"); err != nil {
			t.Fatal(err)
		}
	}

	page, _, err := svc.History(ctx, "dm_u1_u2", 1000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != MaxPageLimit {
		t.Errorf("expected clamp to %d, got %d", MaxPageLimit, len(page))
	}

	page, _, err = svc.History(ctx, "dm_u1_u2", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != DefaultPageLimit {
		t.Errorf("expected default limit %d, got %d", DefaultPageLimit, len(page))
	}
}
