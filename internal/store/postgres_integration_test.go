package store

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"fieldops/api/internal/util"
)

// These tests require a real PostgreSQL database. Run with a database
// configured via TEST_DATABASE_URL or POSTGRES_* variables, or skip with
// go test -short.

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	if url := getenv("TEST_DATABASE_URL", ""); url != "" {
		return url
	}
	host := getenv("POSTGRES_HOST", "localhost")
	port := getenv("POSTGRES_PORT", "5432")
	user := getenv("POSTGRES_USER", "fieldops")
	pass := getenv("POSTGRES_PASSWORD", "fieldops")
	dbname := getenv("POSTGRES_DB", "fieldops_test")
	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// openTestStore opens the test database, applies migrations, and registers
// cleanup that removes every row belonging to scopeID.
func openTestStore(t *testing.T, scopeID string) *PostgresStore {
	t.Helper()

	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := ApplyMigrations(ctx, db, "../../db/migrations"); err != nil {
		db.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	t.Cleanup(func() {
		cleanupScope(t, db, scopeID)
		db.Close()
	})
	return NewPostgresStore(db)
}

func cleanupScope(t *testing.T, db *sql.DB, scopeID string) {
	t.Helper()
	ctx := context.Background()
	statements := []string{
		`DELETE FROM messages_archive WHERE scope_id=$1`,
		`DELETE FROM messages WHERE scope_id=$1`,
		`DELETE FROM conversation_members WHERE conversation_id IN (SELECT id FROM conversations WHERE scope_id=$1)`,
		`DELETE FROM conversations WHERE scope_id=$1`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt, scopeID); err != nil {
			t.Errorf("cleanup scope %s: %v", scopeID, err)
		}
	}
}

func TestEnsureConversationRecoversFromDuplicateKey(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	scopeID := util.NewID("scope")
	s := openTestStore(t, scopeID)
	ctx := context.Background()

	key := scopeID + ":zone:z1"
	first, err := s.EnsureConversation(ctx, Conversation{
		ID:      util.NewID("conv"),
		ScopeID: scopeID,
		Kind:    "ZONE",
		ZoneID:  "z1",
		Key:     key,
	})
	if err != nil {
		t.Fatalf("first EnsureConversation: %v", err)
	}

	// Same (scope, key) with a fresh id: the insert hits the unique
	// constraint and must come back with the winning row.
	second, err := s.EnsureConversation(ctx, Conversation{
		ID:      util.NewID("conv"),
		ScopeID: scopeID,
		Kind:    "ZONE",
		ZoneID:  "z1",
		Key:     key,
	})
	if err != nil {
		t.Fatalf("second EnsureConversation: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate EnsureConversation returned id %s, want winning id %s", second.ID, first.ID)
	}

	var count int
	err = s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE scope_id=$1 AND conv_key=$2`, scopeID, key).Scan(&count)
	if err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly 1 conversation row for the key, got %d", count)
	}
}

func TestEnsureConversationConcurrentCreation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	scopeID := util.NewID("scope")
	s := openTestStore(t, scopeID)
	key := scopeID + ":dm:alpha:beta"

	const racers = 8
	results := make([]Conversation, racers)
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.EnsureConversation(context.Background(), Conversation{
				ID:      util.NewID("conv"),
				ScopeID: scopeID,
				Kind:    "DIRECT",
				Key:     key,
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("racer %d: %v", i, err)
		}
	}
	for i := 1; i < racers; i++ {
		if results[i].ID != results[0].ID {
			t.Errorf("racer %d got id %s, want %s", i, results[i].ID, results[0].ID)
		}
	}
}

func TestMoveExpiredMessagesRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	scopeID := util.NewID("scope")
	s := openTestStore(t, scopeID)
	ctx := context.Background()

	zoneConv, err := s.EnsureConversation(ctx, Conversation{
		ID:      util.NewID("conv"),
		ScopeID: scopeID,
		Kind:    "ZONE",
		ZoneID:  "z1",
		Key:     scopeID + ":zone:z1",
	})
	if err != nil {
		t.Fatalf("ensure zone conversation: %v", err)
	}
	directConv, err := s.EnsureConversation(ctx, Conversation{
		ID:      util.NewID("conv"),
		ScopeID: scopeID,
		Kind:    "DIRECT",
		Key:     scopeID + ":dm:alpha:beta",
	})
	if err != nil {
		t.Fatalf("ensure direct conversation: %v", err)
	}

	insertAged := func(convID, body string) Message {
		t.Helper()
		msg, err := s.InsertMessage(ctx, Message{
			ID:             util.NewID("msg"),
			ConversationID: convID,
			ScopeID:        scopeID,
			SenderMemberID: "alpha",
			SenderRole:     "RANK",
			Body:           body,
		})
		if err != nil {
			t.Fatalf("insert message: %v", err)
		}
		_, err = s.DB().ExecContext(ctx, `UPDATE messages SET created_at = NOW() - INTERVAL '100 days' WHERE id=$1`, msg.ID)
		if err != nil {
			t.Fatalf("backdate message: %v", err)
		}
		return msg
	}

	zoneMsg := insertAged(zoneConv.ID, "zone chatter from long ago")
	directMsg := insertAged(directConv.ID, "direct chatter from long ago")

	moved, err := s.MoveExpiredMessages(ctx, time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("MoveExpiredMessages: %v", err)
	}
	if moved != 1 {
		t.Errorf("expected 1 moved row, got %d", moved)
	}

	live, err := s.ListMessages(ctx, zoneConv.ID, 10)
	if err != nil {
		t.Fatalf("list live messages: %v", err)
	}
	if len(live) != 0 {
		t.Errorf("zone message still in live tier after move: %d rows", len(live))
	}

	archived, err := s.ListArchivedMessages(ctx, zoneConv.ID, 10)
	if err != nil {
		t.Fatalf("list archived messages: %v", err)
	}
	if len(archived) != 1 || archived[0].ID != zoneMsg.ID {
		t.Fatalf("expected the zone message in the archive tier, got %+v", archived)
	}
	if archived[0].Body != zoneMsg.Body || archived[0].Seq != zoneMsg.Seq {
		t.Errorf("archived row lost fields: got seq=%d body=%q", archived[0].Seq, archived[0].Body)
	}

	// Each row lives in exactly one tier at any time.
	var tier string
	var tierCount int
	err = s.DB().QueryRowContext(ctx, `SELECT COUNT(*), MIN(tier) FROM messages_all WHERE id=$1`, zoneMsg.ID).Scan(&tierCount, &tier)
	if err != nil {
		t.Fatalf("query messages_all: %v", err)
	}
	if tierCount != 1 || tier != "archive" {
		t.Errorf("expected one messages_all row with tier archive, got count=%d tier=%s", tierCount, tier)
	}

	// Direct conversations are exempt from archival.
	directLive, err := s.ListMessages(ctx, directConv.ID, 10)
	if err != nil {
		t.Fatalf("list direct messages: %v", err)
	}
	if len(directLive) != 1 || directLive[0].ID != directMsg.ID {
		t.Errorf("direct message should remain in the live tier, got %+v", directLive)
	}
}
