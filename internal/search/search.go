package search

import "time"

// Query describes a message search request. ConversationIDs is the set of
// conversations the caller may access; engines never look outside it.
type Query struct {
	ScopeID         string
	Term            string
	ConversationIDs []string
	Limit           int
}

// Result is a single message hit.
type Result struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderMemberID string    `json:"senderMemberId,omitempty"`
	SenderRole     string    `json:"senderRole"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Response is the envelope returned by the search action.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// MessageRecord is the data indexed per message.
type MessageRecord struct {
	ID             string `json:"id"`
	ScopeID        string `json:"scopeId"`
	ConversationID string `json:"conversationId"`
	SenderMemberID string `json:"senderMemberId"`
	SenderRole     string `json:"senderRole"`
	Body           string `json:"body"`
	CreatedAtUnix  int64  `json:"createdAtUnix"`
}
