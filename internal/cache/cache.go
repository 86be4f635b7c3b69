// Package cache holds the per-conversation message lists the UI renders
// from. Optimistic records live here next to authoritative ones; resolution
// always locates entries by client message ID, never by position, because
// several optimistic sends can be outstanding at once.
package cache

import (
	"sync"

	"github.com/courier-chat/courier/internal/pending"
	"github.com/courier-chat/courier/internal/transport"
)

// Record is one message-list entry: the real message shape plus the
// optimistic bookkeeping fields.
type Record struct {
	Message transport.Message

	// ClientMessageID joins the record back to its pending send.
	ClientMessageID string
	// IsOptimistic is true until the record is replaced by an
	// authoritative one.
	IsOptimistic bool
	// Status mirrors the pending send's status for rendering.
	Status pending.Status
}

type conversation struct {
	records []Record
	total   int
}

// Cache is the process-wide message cache, keyed by conversation ID.
// Safe for concurrent use.
type Cache struct {
	mu    sync.RWMutex
	convs map[string]*conversation
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{convs: make(map[string]*conversation)}
}

func (c *Cache) conv(conversationID string) *conversation {
	cv, ok := c.convs[conversationID]
	if !ok {
		cv = &conversation{}
		c.convs[conversationID] = cv
	}
	return cv
}

// Prepend inserts a record at the head of the conversation's list and
// increments the cached total count, the same way authoritative inserts
// do, so pagination math stays correct while optimistic entries exist.
func (c *Cache) Prepend(conversationID string, rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cv := c.conv(conversationID)
	cv.records = append([]Record{rec}, cv.records...)
	cv.total++
}

// ReplaceByKey swaps the record with the given client message ID for rec,
// keeping its list position. Returns false if no such record exists.
func (c *Cache) ReplaceByKey(conversationID, clientMessageID string, rec Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cv, ok := c.convs[conversationID]
	if !ok {
		return false
	}
	for i := range cv.records {
		if cv.records[i].ClientMessageID == clientMessageID {
			cv.records[i] = rec
			return true
		}
	}
	return false
}

// RemoveByKey deletes the record with the given client message ID and
// decrements the total count. Returns false if no such record exists.
func (c *Cache) RemoveByKey(conversationID, clientMessageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cv, ok := c.convs[conversationID]
	if !ok {
		return false
	}
	for i := range cv.records {
		if cv.records[i].ClientMessageID == clientMessageID {
			cv.records = append(cv.records[:i], cv.records[i+1:]...)
			cv.total--
			return true
		}
	}
	return false
}

// SetStatusByKey updates the rendered status of an optimistic record.
func (c *Cache) SetStatusByKey(conversationID, clientMessageID string, status pending.Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cv, ok := c.convs[conversationID]
	if !ok {
		return false
	}
	for i := range cv.records {
		if cv.records[i].ClientMessageID == clientMessageID {
			cv.records[i].Status = status
			return true
		}
	}
	return false
}

// Upsert inserts an authoritative message. If a record with the same
// client message ID exists it is replaced in place (optimistic resolution);
// if one with the same server ID exists it is overwritten (idempotent
// re-delivery); otherwise the message is prepended.
func (c *Cache) Upsert(conversationID string, msg transport.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cv := c.conv(conversationID)

	rec := Record{
		Message:         msg,
		ClientMessageID: msg.ClientMessageID,
		IsOptimistic:    false,
		Status:          pending.StatusSent,
	}

	if msg.ClientMessageID != "" {
		for i := range cv.records {
			if cv.records[i].ClientMessageID == msg.ClientMessageID {
				cv.records[i] = rec
				return
			}
		}
	}
	for i := range cv.records {
		if cv.records[i].Message.ID != "" && cv.records[i].Message.ID == msg.ID {
			cv.records[i] = rec
			return
		}
	}

	cv.records = append([]Record{rec}, cv.records...)
	cv.total++
}

// Messages returns a copy of the conversation's records, head first.
func (c *Cache) Messages(conversationID string) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cv, ok := c.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Record, len(cv.records))
	copy(out, cv.records)
	return out
}

// Get returns the record with the given client message ID.
func (c *Cache) Get(conversationID, clientMessageID string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cv, ok := c.convs[conversationID]
	if !ok {
		return Record{}, false
	}
	for _, r := range cv.records {
		if r.ClientMessageID == clientMessageID {
			return r, true
		}
	}
	return Record{}, false
}

// Count returns the cached total message count for the conversation.
func (c *Cache) Count(conversationID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cv, ok := c.convs[conversationID]
	if !ok {
		return 0
	}
	return cv.total
}

// SetCount seeds the total count from a server page response.
func (c *Cache) SetCount(conversationID string, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conv(conversationID).total = total
}

// Reset drops all cached conversations. Called at logout.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convs = make(map[string]*conversation)
}
