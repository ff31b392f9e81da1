package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/vanish/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return st
}

func newTestSession(id string) *domain.Session {
	return &domain.Session{
		ID:                  id,
		SelfDestructSeconds: 10,
		Participants:        []string{},
		Presence:            map[string]domain.PresenceRecord{},
	}
}

func TestCreateSession_Roundtrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession("1234")
	sess.SelfDestructUnseenSeconds = 30
	sess.KickOnWrongAnswer = true
	sess.Questions = []domain.ChallengeQuestion{{
		Question: "What color is the sky?",
		Options: []domain.ChallengeOption{
			{Text: "blue"}, {Text: "green"},
		},
		CorrectAnswerIndex: 0,
	}}

	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := st.GetSession(ctx, "1234")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected session, got nil")
	}
	if got.SelfDestructSeconds != 10 || got.SelfDestructUnseenSeconds != 30 {
		t.Errorf("Destruct policy mismatch: seen=%d unseen=%d", got.SelfDestructSeconds, got.SelfDestructUnseenSeconds)
	}
	if !got.KickOnWrongAnswer {
		t.Error("Expected kickOnWrongAnswer to be true")
	}
	if len(got.Questions) != 1 || got.Questions[0].CorrectAnswerIndex != 0 {
		t.Errorf("Questions mismatch: %+v", got.Questions)
	}
	if got.ParticipantCount != 0 {
		t.Errorf("Expected participant count 0, got %d", got.ParticipantCount)
	}
}

func TestCreateSession_DuplicateID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.CreateSession(ctx, newTestSession("42")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	err := st.CreateSession(ctx, newTestSession("42"))
	if !errors.Is(err, domain.ErrSessionExists) {
		t.Errorf("Expected ErrSessionExists, got %v", err)
	}
}

func TestGetSession_Unknown(t *testing.T) {
	st := newTestStore(t)

	got, err := st.GetSession(context.Background(), "999")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for unknown session, got %+v", got)
	}
}

func TestAppendMessage_AssignsOrderedIDs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.CreateSession(ctx, newTestSession("7")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	var prev string
	for i := 0; i < 10; i++ {
		msg, err := st.AppendMessage(ctx, "7", domain.NewTextMessage("peer_a", "hello"))
		if err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
		if msg.ID == "" || msg.CreatedAt.IsZero() {
			t.Fatal("Expected store-assigned id and creation time")
		}
		if msg.ID <= prev {
			t.Errorf("Expected monotonically increasing ids, got %q after %q", msg.ID, prev)
		}
		prev = msg.ID
	}

	messages, err := st.ListMessages(ctx, "7")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(messages) != 10 {
		t.Fatalf("Expected 10 messages, got %d", len(messages))
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].ID <= messages[i-1].ID {
			t.Errorf("Messages out of order at index %d", i)
		}
	}
}

func TestMarkSeen_IsOneShot(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.CreateSession(ctx, newTestSession("8")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	msg, err := st.AppendMessage(ctx, "8", domain.NewTextMessage("peer_a", "hi"))
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	first := time.Now()
	if err := st.MarkSeen(ctx, "8", []string{msg.ID}, first); err != nil {
		t.Fatalf("MarkSeen failed: %v", err)
	}
	// A later mark must not move the original seen timestamp.
	if err := st.MarkSeen(ctx, "8", []string{msg.ID}, first.Add(time.Hour)); err != nil {
		t.Fatalf("MarkSeen failed: %v", err)
	}

	messages, err := st.ListMessages(ctx, "8")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if messages[0].SeenAt == nil {
		t.Fatal("Expected seenAt to be set")
	}
	if got := messages[0].SeenAt.UnixMilli(); got != first.UnixMilli() {
		t.Errorf("Expected seenAt %d, got %d", first.UnixMilli(), got)
	}
}

func TestDeleteMessage_Idempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.CreateSession(ctx, newTestSession("9")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	msg, err := st.AppendMessage(ctx, "9", domain.NewTextMessage("peer_a", "gone soon"))
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	if err := st.DeleteMessage(ctx, "9", msg.ID); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	if err := st.DeleteMessage(ctx, "9", msg.ID); err != nil {
		t.Errorf("Expected deleting absent message to succeed, got %v", err)
	}
	if err := st.DeleteMessage(ctx, "9", "no-such-id"); err != nil {
		t.Errorf("Expected deleting unknown id to succeed, got %v", err)
	}
}

func TestSubscribe_DeliversSnapshotOnChange(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.CreateSession(ctx, newTestSession("10")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	snapshots, cancel := st.Subscribe("10")
	defer cancel()

	if _, err := st.AppendMessage(ctx, "10", domain.NewTextMessage("peer_a", "first")); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	select {
	case snap := <-snapshots:
		if len(snap) != 1 || snap[0].Text != "first" {
			t.Errorf("Unexpected snapshot: %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for snapshot")
	}
}

func TestSubscribe_CancelClosesChannel(t *testing.T) {
	st := newTestStore(t)

	snapshots, cancel := st.Subscribe("11")
	cancel()
	cancel() // safe to call twice

	select {
	case _, ok := <-snapshots:
		if ok {
			t.Error("Expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("Channel not closed after cancel")
	}
}

func TestUpdateSession_AppendsMessageAtomically(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.CreateSession(ctx, newTestSession("12")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	err := st.UpdateSession(ctx, "12", func(s *domain.Session) (*domain.Message, error) {
		s.Participants = append(s.Participants, "peer_a")
		s.ParticipantCount = len(s.Participants)
		return domain.NewSystemMessage("peer-a has joined the chat."), nil
	})
	if err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	sess, err := st.GetSession(ctx, "12")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.ParticipantCount != 1 || len(sess.Participants) != 1 {
		t.Errorf("Participant list not updated: %+v", sess)
	}

	messages, err := st.ListMessages(ctx, "12")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(messages) != 1 || messages[0].Kind != domain.MessageSystem {
		t.Errorf("Expected one system message, got %+v", messages)
	}
}

func TestUpdateSession_MutateErrorRollsBack(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.CreateSession(ctx, newTestSession("13")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	sentinel := errors.New("rejected")
	err := st.UpdateSession(ctx, "13", func(s *domain.Session) (*domain.Message, error) {
		s.Participants = append(s.Participants, "peer_a")
		return nil, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Expected mutate error to pass through, got %v", err)
	}

	sess, err := st.GetSession(ctx, "13")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(sess.Participants) != 0 {
		t.Errorf("Expected rollback to keep participants empty, got %+v", sess.Participants)
	}
}

func TestUpdateSession_UnknownSession(t *testing.T) {
	st := newTestStore(t)

	err := st.UpdateSession(context.Background(), "404", func(s *domain.Session) (*domain.Message, error) {
		return nil, nil
	})
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestNewSQLite_AppliesPragmas(t *testing.T) {
	st := newTestStore(t)

	// The pragmas ride on the DSN so every pooled connection gets them.
	var mode string
	if err := st.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode failed: %v", err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Errorf("Expected WAL journal mode, got %q", mode)
	}

	var timeout int
	if err := st.db.QueryRow(`PRAGMA busy_timeout`).Scan(&timeout); err != nil {
		t.Fatalf("PRAGMA busy_timeout failed: %v", err)
	}
	if timeout != 5000 {
		t.Errorf("Expected busy_timeout 5000, got %d", timeout)
	}
}

func TestUpdateSession_ConcurrentWritersAllCommit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.CreateSession(ctx, newTestSession("15")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Contending writers must all eventually commit via the busy retry,
	// and none may leave its pooled connection in a broken state.
	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = st.UpdateSession(ctx, "15", func(s *domain.Session) (*domain.Message, error) {
				return domain.NewSystemMessage(fmt.Sprintf("notice %d", i)), nil
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Writer %d failed: %v", i, err)
		}
	}

	messages, err := st.ListMessages(ctx, "15")
	if err != nil {
		t.Fatalf("ListMessages after concurrent writes failed: %v", err)
	}
	if len(messages) != writers {
		t.Errorf("Expected %d messages, got %d", writers, len(messages))
	}
	if _, err := st.GetSession(ctx, "15"); err != nil {
		t.Errorf("GetSession after concurrent writes failed: %v", err)
	}
}

func TestIsSQLiteConflict(t *testing.T) {
	if isSQLiteConflict(nil) {
		t.Error("nil must not be a conflict")
	}
	if isSQLiteConflict(errors.New("no such table: sessions")) {
		t.Error("Unrelated errors must not be conflicts")
	}
	if !isSQLiteConflict(errors.New("database is locked (SQLITE_BUSY)")) {
		t.Error("Expected stringified busy error to count as conflict")
	}
	if !isSQLiteConflict(fmt.Errorf("begin session transaction: %w", errors.New("SQLITE_BUSY"))) {
		t.Error("Expected wrapped busy error to count as conflict")
	}
}

func TestSetPresence_LastWriterWins(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.CreateSession(ctx, newTestSession("14")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	online := domain.PresenceRecord{Status: domain.PresenceOnline, LastActive: time.Now()}
	if err := st.SetPresence(ctx, "14", "peer_a", online); err != nil {
		t.Fatalf("SetPresence failed: %v", err)
	}
	offline := domain.PresenceRecord{Status: domain.PresenceOffline, LastActive: time.Now()}
	if err := st.SetPresence(ctx, "14", "peer_a", offline); err != nil {
		t.Fatalf("SetPresence failed: %v", err)
	}

	sess, err := st.GetSession(ctx, "14")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	rec, ok := sess.Presence["peer_a"]
	if !ok {
		t.Fatal("Expected presence slot for peer_a")
	}
	if rec.Status != domain.PresenceOffline {
		t.Errorf("Expected offline, got %s", rec.Status)
	}
}
