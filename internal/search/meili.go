package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxMessages = "fieldops_messages"

// Meili is the primary search engine when configured.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the message index.
// The caller should proceed without it if the instance never becomes healthy.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxMessages,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxMessages, err)
	}

	index := m.client.Index(idxMessages)
	filterable := []interface{}{"scopeId", "conversationId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs: %v", err)
	}
	searchable := []string{"body"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs: %v", err)
	}
	sortable := []string{"createdAtUnix"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		log.Printf("search: update sortable attrs: %v", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the message index restricted to the accessible
// conversation set, newest first.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	if len(q.ConversationIDs) == 0 {
		return nil, 0, nil
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 50
	}

	quoted := make([]string, 0, len(q.ConversationIDs))
	for _, id := range q.ConversationIDs {
		quoted = append(quoted, strconv.Quote(id))
	}
	filter := []string{
		fmt.Sprintf("scopeId = %q", q.ScopeID),
		"conversationId IN [" + strings.Join(quoted, ", ") + "]",
	}

	resp, err := m.client.Index(idxMessages).Search(q.Term, &meili.SearchRequest{
		Limit:  limit,
		Filter: filter,
		Sort:   []string{"createdAtUnix:desc"},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

// IndexMessage indexes a message (fire-and-forget).
func (m *Meili) IndexMessage(record MessageRecord) {
	if !m.healthy.Load() {
		return
	}
	go func() {
		if _, err := m.client.Index(idxMessages).AddDocuments([]MessageRecord{record}, nil); err != nil {
			log.Printf("search: index message %s: %v", record.ID, err)
		}
	}()
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:             decodeString(hit, "id"),
		ConversationID: decodeString(hit, "conversationId"),
		SenderMemberID: decodeString(hit, "senderMemberId"),
		SenderRole:     decodeString(hit, "senderRole"),
		Body:           decodeString(hit, "body"),
	}
	if unix := decodeInt64(hit, "createdAtUnix"); unix > 0 {
		r.CreatedAt = time.Unix(unix, 0).UTC()
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt64(hit meili.Hit, key string) int64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}
