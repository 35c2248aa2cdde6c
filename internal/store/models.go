package store

import "time"

type Member struct {
	ID          string
	ScopeID     string
	DisplayName string
	Role        string
	SuperiorID  string
	PinHash     string
	RetiredAt   *time.Time
	CreatedAt   time.Time
}

type Zone struct {
	ID           string
	ScopeID      string
	Name         string
	ParentZoneID string
}

type ZoneAssignment struct {
	ZoneID   string
	MemberID string
}

type Conversation struct {
	ID        string
	ScopeID   string
	Kind      string
	ZoneID    string
	Key       string
	CreatedAt time.Time
}

type Attachment struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Message sender is a tagged variant: SenderMemberID set for a member, empty
// with SenderRole "DIRECTOR" when the director sends. Never both.
type Message struct {
	ID             string
	Seq            int64
	ConversationID string
	ScopeID        string
	SenderMemberID string
	SenderRole     string
	Body           string
	Attachments    []Attachment
	CreatedAt      time.Time
	Tier           string
}
