package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldops/api/internal/store"
)

type fakeSearcher struct {
	fn func(ctx context.Context, scopeID, term string, conversationIDs []string, limit int) ([]store.Message, error)
}

func (f *fakeSearcher) SearchMessages(ctx context.Context, scopeID, term string, conversationIDs []string, limit int) ([]store.Message, error) {
	return f.fn(ctx, scopeID, term, conversationIDs, limit)
}

func TestSearchFallsBackToSQLWithoutMeili(t *testing.T) {
	var gotScope, gotTerm string
	var gotIDs []string
	searcher := &fakeSearcher{fn: func(ctx context.Context, scopeID, term string, conversationIDs []string, limit int) ([]store.Message, error) {
		gotScope, gotTerm, gotIDs = scopeID, term, conversationIDs
		return []store.Message{
			{ID: "msg_1", ConversationID: "cnv_1", SenderRole: "RANK", Body: "supply drop", CreatedAt: time.Now()},
		}, nil
	}}
	svc := NewService(nil, searcher)

	resp := svc.Search(context.Background(), Query{
		ScopeID:         "scope1",
		Term:            "supply",
		ConversationIDs: []string{"cnv_1", "cnv_2"},
		Limit:           50,
	})
	if gotScope != "scope1" || gotTerm != "supply" || len(gotIDs) != 2 {
		t.Errorf("sql fallback called with %s %s %v", gotScope, gotTerm, gotIDs)
	}
	if resp.Total != 1 || len(resp.Results) != 1 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Results[0].ID != "msg_1" || resp.Query != "supply" {
		t.Errorf("result mismatch: %+v", resp.Results[0])
	}
}

func TestSearchReturnsEmptyOnStoreError(t *testing.T) {
	searcher := &fakeSearcher{fn: func(context.Context, string, string, []string, int) ([]store.Message, error) {
		return nil, errors.New("db down")
	}}
	svc := NewService(nil, searcher)

	resp := svc.Search(context.Background(), Query{ScopeID: "scope1", Term: "x"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Total != 0 {
		t.Errorf("expected empty response, got %+v", resp)
	}
}

func TestIndexMessageWithoutMeiliIsNoop(t *testing.T) {
	svc := NewService(nil, &fakeSearcher{fn: func(context.Context, string, string, []string, int) ([]store.Message, error) {
		return nil, nil
	}})
	// must not panic
	svc.IndexMessage(MessageRecord{ID: "msg_1"})
}
