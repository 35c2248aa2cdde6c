package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) ListMembers(ctx context.Context, scopeID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope_id, display_name, role, COALESCE(superior_id, ''), retired_at, created_at
		FROM members
		WHERE scope_id=$1
	`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Member, 0)
	for rows.Next() {
		var item Member
		if err := rows.Scan(&item.ID, &item.ScopeID, &item.DisplayName, &item.Role, &item.SuperiorID, &item.RetiredAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetMember(ctx context.Context, scopeID, memberID string) (Member, error) {
	var item Member
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scope_id, display_name, role, COALESCE(superior_id, ''), COALESCE(pin_hash, ''), retired_at, created_at
		FROM members
		WHERE scope_id=$1 AND id=$2
	`, scopeID, memberID).Scan(&item.ID, &item.ScopeID, &item.DisplayName, &item.Role, &item.SuperiorID, &item.PinHash, &item.RetiredAt, &item.CreatedAt)
	if err != nil {
		return Member{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpdateMemberPin(ctx context.Context, scopeID, memberID, pinHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE members SET pin_hash=$3 WHERE scope_id=$1 AND id=$2
	`, scopeID, memberID, pinHash)
	if err != nil {
		return fmt.Errorf("update member pin: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListZones(ctx context.Context, scopeID string) ([]Zone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope_id, name, COALESCE(parent_zone_id, '')
		FROM zones
		WHERE scope_id=$1
	`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	defer rows.Close()

	items := make([]Zone, 0)
	for rows.Next() {
		var item Zone
		if err := rows.Scan(&item.ID, &item.ScopeID, &item.Name, &item.ParentZoneID); err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate zones: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListZoneAssignments(ctx context.Context, scopeID string) ([]ZoneAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT za.zone_id, za.member_id
		FROM zone_assignments za
		JOIN zones z ON z.id = za.zone_id
		WHERE z.scope_id=$1
	`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list zone assignments: %w", err)
	}
	defer rows.Close()

	items := make([]ZoneAssignment, 0)
	for rows.Next() {
		var item ZoneAssignment
		if err := rows.Scan(&item.ZoneID, &item.MemberID); err != nil {
			return nil, fmt.Errorf("scan zone assignment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate zone assignments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, scopeID, conversationID string) (Conversation, error) {
	var item Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scope_id, kind, COALESCE(zone_id, ''), conv_key, created_at
		FROM conversations
		WHERE scope_id=$1 AND id=$2
	`, scopeID, conversationID).Scan(&item.ID, &item.ScopeID, &item.Kind, &item.ZoneID, &item.Key, &item.CreatedAt)
	if err != nil {
		return Conversation{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetConversationByKey(ctx context.Context, scopeID, key string) (Conversation, error) {
	var item Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scope_id, kind, COALESCE(zone_id, ''), conv_key, created_at
		FROM conversations
		WHERE scope_id=$1 AND conv_key=$2
	`, scopeID, key).Scan(&item.ID, &item.ScopeID, &item.Kind, &item.ZoneID, &item.Key, &item.CreatedAt)
	if err != nil {
		return Conversation{}, err
	}
	return item, nil
}

// EnsureConversation inserts the conversation or returns the existing row
// for its (scope, key). Creation races are resolved by the unique constraint
// on (scope_id, conv_key): the losing insert re-reads the winning row.
func (s *PostgresStore) EnsureConversation(ctx context.Context, conv Conversation) (Conversation, error) {
	var item Conversation
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, scope_id, kind, zone_id, conv_key)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		RETURNING id, scope_id, kind, COALESCE(zone_id, ''), conv_key, created_at
	`, conv.ID, conv.ScopeID, conv.Kind, conv.ZoneID, conv.Key).Scan(&item.ID, &item.ScopeID, &item.Kind, &item.ZoneID, &item.Key, &item.CreatedAt)
	if err == nil {
		return item, nil
	}
	if !isUniqueViolation(err) {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	existing, err := s.GetConversationByKey(ctx, conv.ScopeID, conv.Key)
	if err != nil {
		return Conversation{}, fmt.Errorf("refetch conversation after conflict: %w", err)
	}
	return existing, nil
}

// EnsureMemberships registers participants idempotently; re-adding an
// existing member is a no-op.
func (s *PostgresStore) EnsureMemberships(ctx context.Context, conversationID string, memberRefs []string) error {
	for _, ref := range memberRefs {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, member_ref)
			VALUES ($1, $2)
			ON CONFLICT (conversation_id, member_ref) DO NOTHING
		`, conversationID, ref); err != nil {
			return fmt.Errorf("upsert conversation member: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ConversationMemberRefs(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT member_ref
		FROM conversation_members
		WHERE conversation_id=$1
		ORDER BY member_ref ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list conversation members: %w", err)
	}
	defer rows.Close()

	refs := make([]string, 0)
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan conversation member: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation members: %w", err)
	}
	return refs, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, scopeID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope_id, kind, COALESCE(zone_id, ''), conv_key, created_at
		FROM conversations
		WHERE scope_id=$1
		ORDER BY created_at ASC
	`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

func (s *PostgresStore) ListDirectConversationsFor(ctx context.Context, scopeID, memberRef string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.scope_id, c.kind, COALESCE(c.zone_id, ''), c.conv_key, c.created_at
		FROM conversations c
		JOIN conversation_members cm ON cm.conversation_id = c.id
		WHERE c.scope_id=$1 AND c.kind='DIRECT' AND cm.member_ref=$2
		ORDER BY c.created_at ASC
	`, scopeID, memberRef)
	if err != nil {
		return nil, fmt.Errorf("list direct conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

func scanConversations(rows *sql.Rows) ([]Conversation, error) {
	items := make([]Conversation, 0)
	for rows.Next() {
		var item Conversation
		if err := rows.Scan(&item.ID, &item.ScopeID, &item.Kind, &item.ZoneID, &item.Key, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	encoded, err := json.Marshal(attachments)
	if err != nil {
		return Message{}, fmt.Errorf("marshal attachments: %w", err)
	}
	item := msg
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, scope_id, sender_member_id, sender_role, body, attachments)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7::jsonb)
		RETURNING seq, created_at
	`, msg.ID, msg.ConversationID, msg.ScopeID, msg.SenderMemberID, msg.SenderRole, msg.Body, string(encoded)).Scan(&item.Seq, &item.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	item.Tier = "live"
	return item, nil
}

const messageColumns = `id, seq, conversation_id, scope_id, COALESCE(sender_member_id, ''), sender_role, body, attachments, created_at`

func scanMessage(scan func(...any) error) (Message, error) {
	var item Message
	var attachmentsRaw []byte
	if err := scan(
		&item.ID,
		&item.Seq,
		&item.ConversationID,
		&item.ScopeID,
		&item.SenderMemberID,
		&item.SenderRole,
		&item.Body,
		&attachmentsRaw,
		&item.CreatedAt,
	); err != nil {
		return Message{}, err
	}
	_ = json.Unmarshal(attachmentsRaw, &item.Attachments)
	return item, nil
}

// LatestMessage returns the newest live-tier message of a conversation, or
// nil when none exists yet. Creation-time ties break by insertion order.
func (s *PostgresStore) LatestMessage(ctx context.Context, conversationID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id=$1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, conversationID)
	item, err := scanMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest message: %w", err)
	}
	item.Tier = "live"
	return &item, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	return s.listMessagesFrom(ctx, "messages", "live", conversationID, limit)
}

func (s *PostgresStore) ListArchivedMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	return s.listMessagesFrom(ctx, "messages_archive", "archive", conversationID, limit)
}

func (s *PostgresStore) listMessagesFrom(ctx context.Context, table, tier, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM `+table+`
		WHERE conversation_id=$1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		item, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		item.Tier = tier
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return items, nil
}

// MoveExpiredMessages moves live messages created before cutoff into the
// archive tier in a single statement, so each row is only ever visible in
// one tier. Direct conversations are exempt from archival.
func (s *PostgresStore) MoveExpiredMessages(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		WITH moved AS (
			DELETE FROM messages
			WHERE created_at < $1
			  AND conversation_id IN (SELECT id FROM conversations WHERE kind <> 'DIRECT')
			RETURNING id, seq, conversation_id, scope_id, sender_member_id, sender_role, body, attachments, created_at
		)
		INSERT INTO messages_archive (id, seq, conversation_id, scope_id, sender_member_id, sender_role, body, attachments, created_at)
		SELECT id, seq, conversation_id, scope_id, sender_member_id, sender_role, body, attachments, created_at
		FROM moved
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("move expired messages: %w", err)
	}
	moved, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("move expired messages rows: %w", err)
	}
	return moved, nil
}

// escapeLike neutralizes LIKE metacharacters so the search term matches as
// a literal substring.
func escapeLike(term string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
}

// SearchMessages is the fallback engine: case-insensitive substring match
// over both tiers, restricted to the given conversation id set.
func (s *PostgresStore) SearchMessages(ctx context.Context, scopeID, term string, conversationIDs []string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if len(conversationIDs) == 0 {
		return []Message{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, conversation_id, scope_id, COALESCE(sender_member_id, ''), sender_role, body, attachments, created_at, tier
		FROM messages_all
		WHERE scope_id=$1
		  AND body ILIKE '%' || $2 || '%' ESCAPE '\'
		  AND conversation_id = ANY(string_to_array($3, ','))
		ORDER BY created_at DESC, seq DESC
		LIMIT $4
	`, scopeID, escapeLike(term), strings.Join(conversationIDs, ","), limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		var attachmentsRaw []byte
		if err := rows.Scan(
			&item.ID,
			&item.Seq,
			&item.ConversationID,
			&item.ScopeID,
			&item.SenderMemberID,
			&item.SenderRole,
			&item.Body,
			&attachmentsRaw,
			&item.CreatedAt,
			&item.Tier,
		); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		_ = json.Unmarshal(attachmentsRaw, &item.Attachments)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search results: %w", err)
	}
	return items, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
