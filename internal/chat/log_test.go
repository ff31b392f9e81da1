package chat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/vanish/internal/domain"
	"github.com/ashureev/vanish/internal/store"
)

func newTestLog(t *testing.T) (*Log, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})

	err = st.CreateSession(context.Background(), &domain.Session{
		ID:                  "1",
		SelfDestructSeconds: 10,
		Participants:        []string{"peer_a", "peer_b"},
		Presence:            map[string]domain.PresenceRecord{},
	})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return NewLog(st), st
}

func TestSendText(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	msg, err := log.SendText(ctx, "1", "peer_a", "hello there")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if msg.Kind != domain.MessageText || msg.Text != "hello there" {
		t.Errorf("Unexpected message: %+v", msg)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Error("Expected store-assigned id and timestamp")
	}
	if msg.SeenAt != nil {
		t.Error("New message must start unseen")
	}

	if _, err := log.SendText(ctx, "1", "peer_a", ""); err == nil {
		t.Error("Expected empty text to be rejected")
	}
}

func TestSendImage(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	msg, err := log.SendImage(ctx, "1", "peer_a", "https://example.com/p.jpg", true)
	if err != nil {
		t.Fatalf("SendImage failed: %v", err)
	}
	if msg.Kind != domain.MessageImage || !msg.ViewOnce {
		t.Errorf("Unexpected message: %+v", msg)
	}

	if _, err := log.SendImage(ctx, "1", "peer_a", "", false); err == nil {
		t.Error("Expected missing image reference to be rejected")
	}
}

func TestMarkSeen_OnlyPeerMessages(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	fromPeer, err := log.SendText(ctx, "1", "peer_a", "from peer")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	own, err := log.SendText(ctx, "1", "peer_b", "own message")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	log.ScreenshotNotice(ctx, "1", "peer_a")

	snapshot, err := log.List(ctx, "1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	// peer_b views the log: only peer_a's message qualifies.
	if err := log.MarkSeen(ctx, "1", "peer_b", snapshot); err != nil {
		t.Fatalf("MarkSeen failed: %v", err)
	}

	after, err := log.List(ctx, "1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for _, m := range after {
		switch m.ID {
		case fromPeer.ID:
			if m.SeenAt == nil {
				t.Error("Expected peer message to be marked seen")
			}
		case own.ID:
			if m.SeenAt != nil {
				t.Error("Viewer's own message must never be marked seen")
			}
		default:
			if m.SeenAt != nil {
				t.Error("System message must never be marked seen")
			}
		}
	}
}

func TestMarkSeenIDs_SubsetOnly(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	first, err := log.SendText(ctx, "1", "peer_a", "one")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	second, err := log.SendText(ctx, "1", "peer_a", "two")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}

	if err := log.MarkSeenIDs(ctx, "1", "peer_b", []string{first.ID}); err != nil {
		t.Fatalf("MarkSeenIDs failed: %v", err)
	}

	after, err := log.List(ctx, "1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for _, m := range after {
		switch m.ID {
		case first.ID:
			if m.SeenAt == nil {
				t.Error("Expected first message seen")
			}
		case second.ID:
			if m.SeenAt != nil {
				t.Error("Second message was not requested, must stay unseen")
			}
		}
	}
}

func TestScreenshotNotice(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	log.ScreenshotNotice(ctx, "1", "peer_a")

	messages, err := log.List(ctx, "1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("Expected one message, got %d", len(messages))
	}
	m := messages[0]
	if m.Kind != domain.MessageSystem || m.SenderID != domain.SystemSenderID {
		t.Errorf("Expected system message, got %+v", m)
	}
}

func TestSubscribe_SeesOwnWrites(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	snapshots, cancel := log.Subscribe("1")
	defer cancel()

	if _, err := log.SendText(ctx, "1", "peer_a", "ping"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}

	select {
	case snap := <-snapshots:
		if len(snap) != 1 {
			t.Errorf("Expected snapshot with 1 message, got %d", len(snap))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for snapshot")
	}
}
