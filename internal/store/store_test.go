package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/corvid-labs/corvid/pkg/models"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "corvid.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func newSession(id string) *models.Session {
	now := time.Now().UTC()
	return &models.Session{
		ID:             id,
		Channel:        models.ChannelCLI,
		UserID:         "u1",
		ConversationID: "c1",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestSessionCRUD(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := newSession("cli_c1_u1")

			if err := s.CreateSession(ctx, session); err != nil {
				t.Fatalf("CreateSession: %v", err)
			}

			got, err := s.GetSession(ctx, session.ID)
			if err != nil {
				t.Fatalf("GetSession: %v", err)
			}
			if got.Channel != models.ChannelCLI || got.UserID != "u1" {
				t.Errorf("got session %+v", got)
			}

			got.PlanMode = true
			if err := s.UpdateSession(ctx, got); err != nil {
				t.Fatalf("UpdateSession: %v", err)
			}
			got, err = s.GetSession(ctx, session.ID)
			if err != nil {
				t.Fatalf("GetSession after update: %v", err)
			}
			if !got.PlanMode {
				t.Error("plan mode not persisted")
			}

			if err := s.DeleteSession(ctx, session.ID); err != nil {
				t.Fatalf("DeleteSession: %v", err)
			}
			if _, err := s.GetSession(ctx, session.ID); err != ErrNotFound {
				t.Errorf("GetSession after delete: %v, want ErrNotFound", err)
			}
		})
	}
}

func TestAppendOrderMatchesLoadOrder(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := newSession("cli_c1_u1")
			if err := s.CreateSession(ctx, session); err != nil {
				t.Fatal(err)
			}

			for i := 0; i < 10; i++ {
				turn := &models.Turn{
					Role:    models.RoleUser,
					Content: fmt.Sprintf("turn %d", i),
					Channel: models.ChannelCLI,
				}
				if err := s.Append(ctx, session.ID, turn); err != nil {
					t.Fatalf("Append %d: %v", i, err)
				}
				if turn.Seq != int64(i+1) {
					t.Errorf("turn %d assigned seq %d, want %d", i, turn.Seq, i+1)
				}
			}

			turns, err := s.LoadSession(ctx, session.ID, 0)
			if err != nil {
				t.Fatalf("LoadSession: %v", err)
			}
			if len(turns) != 10 {
				t.Fatalf("got %d turns, want 10", len(turns))
			}
			for i, turn := range turns {
				if turn.Content != fmt.Sprintf("turn %d", i) {
					t.Errorf("position %d holds %q", i, turn.Content)
				}
			}
		})
	}
}

func TestLoadSessionLimitKeepsRecentAscending(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := newSession("cli_c1_u1")
			if err := s.CreateSession(ctx, session); err != nil {
				t.Fatal(err)
			}
			for i := 0; i < 8; i++ {
				turn := &models.Turn{Role: models.RoleUser, Content: fmt.Sprintf("turn %d", i)}
				if err := s.Append(ctx, session.ID, turn); err != nil {
					t.Fatal(err)
				}
			}

			turns, err := s.LoadSession(ctx, session.ID, 3)
			if err != nil {
				t.Fatalf("LoadSession: %v", err)
			}
			if len(turns) != 3 {
				t.Fatalf("got %d turns, want 3", len(turns))
			}
			for i, want := range []string{"turn 5", "turn 6", "turn 7"} {
				if turns[i].Content != want {
					t.Errorf("position %d holds %q, want %q", i, turns[i].Content, want)
				}
			}
		})
	}
}

func TestReplayReproducesLog(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			src := newSession("cli_c1_u1")
			dst := newSession("cli_c2_u1")
			dst.ConversationID = "c2"
			if err := s.CreateSession(ctx, src); err != nil {
				t.Fatal(err)
			}
			if err := s.CreateSession(ctx, dst); err != nil {
				t.Fatal(err)
			}

			args := json.RawMessage(`{"path":"/tmp/a.txt"}`)
			seed := []*models.Turn{
				{Role: models.RoleUser, Content: "read the file"},
				{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "t1", Name: "file_read", Arguments: args}}},
				{Role: models.RoleTool, ToolResult: &models.ToolResult{ToolCallID: "t1", Content: "hello"}},
				{Role: models.RoleAssistant, Content: "the file says hello"},
			}
			for _, turn := range seed {
				if err := s.Append(ctx, src.ID, turn); err != nil {
					t.Fatal(err)
				}
			}

			loaded, err := s.LoadSession(ctx, src.ID, 0)
			if err != nil {
				t.Fatal(err)
			}
			for _, turn := range loaded {
				replay := *turn
				replay.ID = ""
				replay.Seq = 0
				if err := s.Append(ctx, dst.ID, &replay); err != nil {
					t.Fatal(err)
				}
			}

			replayed, err := s.LoadSession(ctx, dst.ID, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(replayed) != len(loaded) {
				t.Fatalf("replayed %d turns, want %d", len(replayed), len(loaded))
			}
			for i := range loaded {
				if replayed[i].Role != loaded[i].Role || replayed[i].Content != loaded[i].Content {
					t.Errorf("turn %d: got (%s, %q), want (%s, %q)",
						i, replayed[i].Role, replayed[i].Content, loaded[i].Role, loaded[i].Content)
				}
				if loaded[i].ToolResult != nil {
					if replayed[i].ToolResult == nil || replayed[i].ToolResult.Content != loaded[i].ToolResult.Content {
						t.Errorf("turn %d: tool result not preserved", i)
					}
				}
			}
		})
	}
}

func TestSessionIsolation(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := newSession("cli_a_u1")
			b := newSession("cli_b_u1")
			if err := s.CreateSession(ctx, a); err != nil {
				t.Fatal(err)
			}
			if err := s.CreateSession(ctx, b); err != nil {
				t.Fatal(err)
			}

			if err := s.Append(ctx, a.ID, &models.Turn{Role: models.RoleUser, Content: "for a"}); err != nil {
				t.Fatal(err)
			}

			turns, err := s.LoadSession(ctx, b.ID, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(turns) != 0 {
				t.Errorf("session b has %d turns, want 0", len(turns))
			}
		})
	}
}

func TestListSessionsFilter(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cli := newSession("cli_c1_u1")
			tg := newSession("telegram_c9_u2")
			tg.Channel = models.ChannelTelegram
			tg.UserID = "u2"
			tg.ConversationID = "c9"
			if err := s.CreateSession(ctx, cli); err != nil {
				t.Fatal(err)
			}
			if err := s.CreateSession(ctx, tg); err != nil {
				t.Fatal(err)
			}

			got, err := s.ListSessions(ctx, ListFilter{Channel: models.ChannelTelegram})
			if err != nil {
				t.Fatalf("ListSessions: %v", err)
			}
			if len(got) != 1 || got[0].ID != tg.ID {
				t.Errorf("filtered list = %+v", got)
			}
		})
	}
}

func TestSearchMessages(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := newSession("cli_c1_u1")
			if err := s.CreateSession(ctx, session); err != nil {
				t.Fatal(err)
			}
			for _, content := range []string{"deploy the service", "check the logs", "deploy again"} {
				if err := s.Append(ctx, session.ID, &models.Turn{Role: models.RoleUser, Content: content}); err != nil {
					t.Fatal(err)
				}
			}

			got, err := s.SearchMessages(ctx, "deploy", SearchOptions{SessionID: session.ID})
			if err != nil {
				t.Fatalf("SearchMessages: %v", err)
			}
			if len(got) != 2 {
				t.Errorf("got %d matches, want 2", len(got))
			}
		})
	}
}
