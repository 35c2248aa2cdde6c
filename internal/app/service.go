package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"fieldops/api/internal/access"
	"fieldops/api/internal/auth"
	"fieldops/api/internal/authpw"
	"fieldops/api/internal/chatkey"
	"fieldops/api/internal/config"
	"fieldops/api/internal/org"
	"fieldops/api/internal/roles"
	"fieldops/api/internal/search"
	"fieldops/api/internal/store"
	"fieldops/api/internal/territory"
	"fieldops/api/internal/util"
)

const searchResultCap = 50

// Actor is the resolved caller of a chat action. MemberID is empty when the
// director acts.
type Actor struct {
	ScopeID  string
	MemberID string
	Role     roles.Role
}

func (a Actor) accessActor() access.Actor {
	return access.Actor{MemberID: a.MemberID, Role: a.Role}
}

// senderRef is the membership reference the actor posts under: the member
// id, or the director sentinel.
func (a Actor) senderRef() string {
	if a.Role == roles.RoleDirector {
		return chatkey.DirectorSentinel
	}
	return a.MemberID
}

type SendInput struct {
	ConversationID string             `json:"conversation_id"`
	Kind           string             `json:"kind"`
	ZoneID         string             `json:"zone_id"`
	TargetID       string             `json:"target_id"`
	Body           string             `json:"body"`
	Attachments    []store.Attachment `json:"attachments"`
}

type dataStore interface {
	ListMembers(context.Context, string) ([]store.Member, error)
	GetMember(context.Context, string, string) (store.Member, error)
	UpdateMemberPin(context.Context, string, string, string) error
	ListZones(context.Context, string) ([]store.Zone, error)
	ListZoneAssignments(context.Context, string) ([]store.ZoneAssignment, error)
	GetConversation(context.Context, string, string) (store.Conversation, error)
	GetConversationByKey(context.Context, string, string) (store.Conversation, error)
	EnsureConversation(context.Context, store.Conversation) (store.Conversation, error)
	EnsureMemberships(context.Context, string, []string) error
	ConversationMemberRefs(context.Context, string) ([]string, error)
	ListConversations(context.Context, string) ([]store.Conversation, error)
	ListDirectConversationsFor(context.Context, string, string) ([]store.Conversation, error)
	InsertMessage(context.Context, store.Message) (store.Message, error)
	LatestMessage(context.Context, string) (*store.Message, error)
	ListMessages(context.Context, string, int) ([]store.Message, error)
	ListArchivedMessages(context.Context, string, int) ([]store.Message, error)
	Ping(ctx context.Context) error
}

type searchService interface {
	Search(context.Context, search.Query) search.Response
	IndexMessage(search.MessageRecord)
}

type Service struct {
	cfg    config.Config
	store  dataStore
	search searchService
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service) *Service {
	return &Service{cfg: cfg, store: dataStore, search: searchService}
}

// scopeContext holds the organizational context computed once per request
// and shared by every access decision taken while serving it.
type scopeContext struct {
	eval *access.Evaluator
}

func (s *Service) loadScope(ctx context.Context, scopeID string) (*scopeContext, error) {
	memberRows, err := s.store.ListMembers(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	members := make([]org.Member, 0, len(memberRows))
	for _, row := range memberRows {
		members = append(members, org.Member{
			ID:         row.ID,
			Role:       roles.Normalize(row.Role),
			SuperiorID: row.SuperiorID,
			Retired:    row.RetiredAt != nil,
		})
	}

	zoneRows, err := s.store.ListZones(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	zones := make([]territory.Zone, 0, len(zoneRows))
	for _, row := range zoneRows {
		zones = append(zones, territory.Zone{ID: row.ID, Name: row.Name, ParentZoneID: row.ParentZoneID})
	}

	assignmentRows, err := s.store.ListZoneAssignments(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	assignments := make([]territory.Assignment, 0, len(assignmentRows))
	for _, row := range assignmentRows {
		assignments = append(assignments, territory.Assignment{ZoneID: row.ZoneID, MemberID: row.MemberID})
	}

	return &scopeContext{
		eval: access.NewEvaluator(org.NewSnapshot(members), territory.NewAssignments(zones, assignments)),
	}, nil
}

// ResolveActor validates the claimed actor against the member table. The
// stored role is authoritative; the claimed role only selects the director
// path, which has no member row.
func (s *Service) ResolveActor(ctx context.Context, scopeID, actorID, actorRole string) (Actor, error) {
	if strings.TrimSpace(scopeID) == "" {
		return Actor{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "scope_id is required", nil)
	}
	if !roles.Valid(actorRole) {
		return Actor{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "actor_role is required", nil)
	}
	role := roles.Role(actorRole)
	if role == roles.RoleDirector {
		return Actor{ScopeID: scopeID, Role: role}, nil
	}
	if strings.TrimSpace(actorID) == "" {
		return Actor{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "actor_id is required", nil)
	}
	member, err := s.store.GetMember(ctx, scopeID, actorID)
	if errors.Is(err, sql.ErrNoRows) {
		return Actor{}, domainError(http.StatusNotFound, "NOT_FOUND", "unknown member", nil)
	}
	if err != nil {
		return Actor{}, err
	}
	if member.RetiredAt != nil {
		return Actor{}, domainError(http.StatusForbidden, "FORBIDDEN", "member is retired", nil)
	}
	return Actor{ScopeID: scopeID, MemberID: member.ID, Role: roles.Normalize(member.Role)}, nil
}

func (s *Service) conversationRefs(ctx context.Context, conv store.Conversation) ([]string, error) {
	if conv.Kind != access.KindDirect {
		return nil, nil
	}
	return s.store.ConversationMemberRefs(ctx, conv.ID)
}

func (s *Service) canAccess(ctx context.Context, scope *scopeContext, actor Actor, conv store.Conversation) (bool, error) {
	refs, err := s.conversationRefs(ctx, conv)
	if err != nil {
		return false, err
	}
	return scope.eval.CanAccess(actor.accessActor(), access.Conversation{
		Kind:       conv.Kind,
		ZoneID:     conv.ZoneID,
		MemberRefs: refs,
	}), nil
}

// accessibleConversations enumerates every conversation the actor can see:
// everything in scope for the director; for members, the broadcast channel,
// reachable zone groups, and direct conversations they belong to.
func (s *Service) accessibleConversations(ctx context.Context, scope *scopeContext, actor Actor) ([]store.Conversation, error) {
	if actor.Role == roles.RoleDirector {
		return s.store.ListConversations(ctx, actor.ScopeID)
	}

	items := make([]store.Conversation, 0)

	// The broadcast channel exists from the member's point of view even
	// before its first message.
	broadcast, err := s.store.EnsureConversation(ctx, store.Conversation{
		ID:      util.NewID("cnv"),
		ScopeID: actor.ScopeID,
		Kind:    access.KindBroadcast,
		Key:     chatkey.Broadcast(actor.ScopeID),
	})
	if err != nil {
		return nil, err
	}
	items = append(items, broadcast)

	all, err := s.store.ListConversations(ctx, actor.ScopeID)
	if err != nil {
		return nil, err
	}
	for _, conv := range all {
		if conv.Kind != access.KindZone {
			continue
		}
		ok, err := s.canAccess(ctx, scope, actor, conv)
		if err != nil {
			return nil, err
		}
		if ok {
			items = append(items, conv)
		}
	}

	directs, err := s.store.ListDirectConversationsFor(ctx, actor.ScopeID, actor.MemberID)
	if err != nil {
		return nil, err
	}
	items = append(items, directs...)
	return items, nil
}

// ListConversations returns every reachable conversation with its most
// recent message attached, or null when the conversation is still empty.
func (s *Service) ListConversations(ctx context.Context, actor Actor) ([]map[string]any, error) {
	scope, err := s.loadScope(ctx, actor.ScopeID)
	if err != nil {
		return nil, err
	}
	conversations, err := s.accessibleConversations(ctx, scope, actor)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(conversations))
	for _, conv := range conversations {
		latest, err := s.store.LatestMessage(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		item := conversationPayload(conv)
		if latest != nil {
			item["lastMessage"] = messagePayload(*latest)
		} else {
			item["lastMessage"] = nil
		}
		items = append(items, item)
	}
	return items, nil
}

// ListMessages returns live-tier history for one conversation.
func (s *Service) ListMessages(ctx context.Context, actor Actor, conversationID string, limit int) ([]map[string]any, error) {
	conv, _, err := s.authorizedConversation(ctx, actor, conversationID)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, conv.ID, limit)
	if err != nil {
		return nil, err
	}
	return messagePayloads(messages), nil
}

// ListArchive returns archive-tier history. Restricted to leaders and the
// director; direct conversations carry no archive tier.
func (s *Service) ListArchive(ctx context.Context, actor Actor, conversationID string, limit int) ([]map[string]any, error) {
	if !roles.Can(actor.Role, roles.ActionArchive) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "archive access is restricted to leaders", nil)
	}
	conv, _, err := s.authorizedConversation(ctx, actor, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Kind == access.KindDirect {
		return []map[string]any{}, nil
	}
	messages, err := s.store.ListArchivedMessages(ctx, conv.ID, limit)
	if err != nil {
		return nil, err
	}
	return messagePayloads(messages), nil
}

func (s *Service) authorizedConversation(ctx context.Context, actor Actor, conversationID string) (store.Conversation, *scopeContext, error) {
	if strings.TrimSpace(conversationID) == "" {
		return store.Conversation{}, nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "conversation_id is required", nil)
	}
	conv, err := s.store.GetConversation(ctx, actor.ScopeID, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Conversation{}, nil, domainError(http.StatusNotFound, "NOT_FOUND", "unknown conversation", nil)
	}
	if err != nil {
		return store.Conversation{}, nil, err
	}
	scope, err := s.loadScope(ctx, actor.ScopeID)
	if err != nil {
		return store.Conversation{}, nil, err
	}
	ok, err := s.canAccess(ctx, scope, actor, conv)
	if err != nil {
		return store.Conversation{}, nil, err
	}
	if !ok {
		return store.Conversation{}, nil, domainError(http.StatusForbidden, "FORBIDDEN", "conversation access denied", nil)
	}
	return conv, scope, nil
}

// Send resolves or creates the target conversation, authorizes the actor,
// and persists the message. A denied actor never gets a message written,
// even when this same call created the conversation row.
func (s *Service) Send(ctx context.Context, actor Actor, input SendInput) (map[string]any, error) {
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "body is required", nil)
	}

	scope, err := s.loadScope(ctx, actor.ScopeID)
	if err != nil {
		return nil, err
	}

	conv, err := s.resolveTarget(ctx, scope, actor, input)
	if err != nil {
		return nil, err
	}

	ok, err := s.canAccess(ctx, scope, actor, conv)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "conversation access denied", nil)
	}

	msg := store.Message{
		ID:             util.NewID("msg"),
		ConversationID: conv.ID,
		ScopeID:        actor.ScopeID,
		SenderMemberID: actor.MemberID,
		SenderRole:     string(actor.Role),
		Body:           body,
		Attachments:    input.Attachments,
	}
	persisted, err := s.store.InsertMessage(ctx, msg)
	if err != nil {
		return nil, err
	}

	s.search.IndexMessage(search.MessageRecord{
		ID:             persisted.ID,
		ScopeID:        persisted.ScopeID,
		ConversationID: persisted.ConversationID,
		SenderMemberID: persisted.SenderMemberID,
		SenderRole:     persisted.SenderRole,
		Body:           persisted.Body,
		CreatedAtUnix:  persisted.CreatedAt.Unix(),
	})

	payload := messagePayload(persisted)
	payload["conversation"] = conversationPayload(conv)
	return payload, nil
}

// resolveTarget maps a send target (existing id, or kind descriptor) to a
// conversation row, creating it when absent. Creation is idempotent on the
// derived key; a lost creation race surfaces as the winning row.
func (s *Service) resolveTarget(ctx context.Context, scope *scopeContext, actor Actor, input SendInput) (store.Conversation, error) {
	if strings.TrimSpace(input.ConversationID) != "" {
		conv, err := s.store.GetConversation(ctx, actor.ScopeID, input.ConversationID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.Conversation{}, domainError(http.StatusNotFound, "NOT_FOUND", "unknown conversation", nil)
		}
		if err != nil {
			return store.Conversation{}, err
		}
		return conv, nil
	}

	switch input.Kind {
	case access.KindBroadcast:
		return s.store.EnsureConversation(ctx, store.Conversation{
			ID:      util.NewID("cnv"),
			ScopeID: actor.ScopeID,
			Kind:    access.KindBroadcast,
			Key:     chatkey.Broadcast(actor.ScopeID),
		})
	case access.KindZone:
		zoneID := strings.TrimSpace(input.ZoneID)
		if zoneID == "" {
			return store.Conversation{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "zone_id is required for zone conversations", nil)
		}
		if _, ok := scope.eval.ZoneExists(zoneID); !ok {
			return store.Conversation{}, domainError(http.StatusNotFound, "NOT_FOUND", "unknown zone", nil)
		}
		return s.store.EnsureConversation(ctx, store.Conversation{
			ID:      util.NewID("cnv"),
			ScopeID: actor.ScopeID,
			Kind:    access.KindZone,
			ZoneID:  zoneID,
			Key:     chatkey.Zone(actor.ScopeID, zoneID),
		})
	case access.KindDirect:
		return s.resolveDirect(ctx, actor, strings.TrimSpace(input.TargetID))
	default:
		return store.Conversation{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "kind must be BROADCAST, ZONE, or DIRECT", nil)
	}
}

func (s *Service) resolveDirect(ctx context.Context, actor Actor, targetID string) (store.Conversation, error) {
	if targetID == "" {
		return store.Conversation{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "target_id is required for direct conversations", nil)
	}
	if targetID == actor.MemberID {
		return store.Conversation{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "cannot open a direct conversation with yourself", nil)
	}
	if _, err := s.store.GetMember(ctx, actor.ScopeID, targetID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Conversation{}, domainError(http.StatusNotFound, "NOT_FOUND", "unknown member", nil)
		}
		return store.Conversation{}, err
	}

	var key string
	if actor.Role == roles.RoleDirector {
		key = chatkey.DirectorDirect(actor.ScopeID, targetID)
	} else {
		key = chatkey.Direct(actor.ScopeID, actor.MemberID, targetID)
	}

	conv, err := s.store.EnsureConversation(ctx, store.Conversation{
		ID:      util.NewID("cnv"),
		ScopeID: actor.ScopeID,
		Kind:    access.KindDirect,
		Key:     key,
	})
	if err != nil {
		return store.Conversation{}, err
	}
	if err := s.store.EnsureMemberships(ctx, conv.ID, []string{actor.senderRef(), targetID}); err != nil {
		return store.Conversation{}, err
	}
	return conv, nil
}

// Search runs a case-insensitive substring search over every conversation
// the actor can access, both tiers, newest first. Leaders and the director
// only.
func (s *Service) Search(ctx context.Context, actor Actor, term string) (search.Response, error) {
	if !roles.Can(actor.Role, roles.ActionSearch) {
		return search.Response{}, domainError(http.StatusForbidden, "FORBIDDEN", "search is restricted to leaders", nil)
	}
	term = strings.TrimSpace(term)
	if term == "" {
		return search.Response{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "term is required", nil)
	}
	scope, err := s.loadScope(ctx, actor.ScopeID)
	if err != nil {
		return search.Response{}, err
	}
	conversations, err := s.accessibleConversations(ctx, scope, actor)
	if err != nil {
		return search.Response{}, err
	}
	ids := make([]string, 0, len(conversations))
	for _, conv := range conversations {
		ids = append(ids, conv.ID)
	}
	return s.search.Search(ctx, search.Query{
		ScopeID:         actor.ScopeID,
		Term:            term,
		ConversationIDs: ids,
		Limit:           searchResultCap,
	}), nil
}

// Login verifies a member PIN and issues an access token for the field
// client.
func (s *Service) Login(ctx context.Context, scopeID, memberID, pin string) (map[string]any, error) {
	if strings.TrimSpace(scopeID) == "" || strings.TrimSpace(memberID) == "" || pin == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "scope_id, member_id, and pin are required", nil)
	}
	member, err := s.store.GetMember(ctx, scopeID, memberID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "unknown member", nil)
	}
	if err != nil {
		return nil, err
	}
	if member.RetiredAt != nil {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "member is retired", nil)
	}
	if err := authpw.VerifyPin(member.PinHash, pin); err != nil {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "bad credentials", nil)
	}

	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   member.ID,
		Scope: member.ScopeID,
		Role:  member.Role,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"token":     token,
		"memberId":  member.ID,
		"role":      member.Role,
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	}, nil
}

// SetPin hashes and stores a member PIN.
func (s *Service) SetPin(ctx context.Context, scopeID, memberID, pin string) error {
	if _, err := s.store.GetMember(ctx, scopeID, memberID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "unknown member", nil)
		}
		return err
	}
	hash, err := authpw.HashPin(pin)
	if err != nil {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.store.UpdateMemberPin(ctx, scopeID, memberID, hash)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func conversationPayload(conv store.Conversation) map[string]any {
	return map[string]any{
		"id":        conv.ID,
		"kind":      conv.Kind,
		"zoneId":    nilIfEmpty(conv.ZoneID),
		"key":       conv.Key,
		"createdAt": conv.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func messagePayload(msg store.Message) map[string]any {
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []store.Attachment{}
	}
	return map[string]any{
		"id":             msg.ID,
		"conversationId": msg.ConversationID,
		"senderMemberId": nilIfEmpty(msg.SenderMemberID),
		"senderRole":     msg.SenderRole,
		"body":           msg.Body,
		"attachments":    attachments,
		"createdAt":      msg.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func messagePayloads(messages []store.Message) []map[string]any {
	items := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		items = append(items, messagePayload(msg))
	}
	return items
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
