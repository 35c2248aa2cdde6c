package search

import (
	"context"
	"log"

	"fieldops/api/internal/store"
)

type messageSearcher interface {
	SearchMessages(ctx context.Context, scopeID, term string, conversationIDs []string, limit int) ([]store.Message, error)
}

// Service is the facade that tries Meilisearch first and falls back to a
// case-insensitive substring scan over the two-tier message view.
type Service struct {
	meili *Meili
	store messageSearcher
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, store messageSearcher) *Service {
	return &Service{meili: meili, store: store}
}

// Search tries Meilisearch if healthy, otherwise falls back to SQL.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Term}
		}
		log.Printf("search: meilisearch error, falling back to sql: %v", err)
	}

	messages, err := s.store.SearchMessages(ctx, q.ScopeID, q.Term, q.ConversationIDs, q.Limit)
	if err != nil {
		log.Printf("search: sql fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Term}
	}
	results := make([]Result, 0, len(messages))
	for _, msg := range messages {
		results = append(results, Result{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			SenderMemberID: msg.SenderMemberID,
			SenderRole:     msg.SenderRole,
			Body:           msg.Body,
			CreatedAt:      msg.CreatedAt,
		})
	}
	return Response{Results: results, Total: len(results), Query: q.Term}
}

// IndexMessage pushes a newly persisted message to the search index
// (fire-and-forget; SQL fallback needs no indexing).
func (s *Service) IndexMessage(record MessageRecord) {
	if s.meili == nil {
		return
	}
	s.meili.IndexMessage(record)
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
