package clientcache

import (
	"sync"
	"time"

	"github.com/convergecrm/wabridge/internal/domain"
)

// confirmWindow bounds the heuristic match between an optimistic entry and
// its server confirmation when no correlation id is present.
const confirmWindow = 5 * time.Second

// Entry is one message as a client renders it. Pending entries were created
// optimistically at send time and carry the client's correlation id until
// the server confirmation replaces them in place.
type Entry struct {
	ID            string
	CorrelationID string
	Direction     string
	Body          string
	Sender        string
	Status        string
	Timestamp     time.Time
	Pending       bool
}

type thread struct {
	entries []Entry
	unread  int
}

// Cache keeps, per conversation, the ordered message sequence a connected
// client renders, reconciling optimistic sends with server confirmations
// and the unread badge with the durable count.
type Cache struct {
	mu      sync.Mutex
	threads map[string]*thread
	backup  *Backup
}

// New builds a cache. backup may be nil; unread state is then in-memory only.
func New(backup *Backup) *Cache {
	return &Cache{
		threads: make(map[string]*thread),
		backup:  backup,
	}
}

// Load replaces a thread with server-fetched state. The server unread count
// is authoritative, except that increments applied locally after the last
// sync are kept until a newer server count covers them.
func (c *Cache) Load(conversationID string, entries []Entry, serverUnread int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	unread := serverUnread
	if c.backup != nil {
		if snap, ok := c.backup.Load(conversationID); ok {
			if serverUnread < snap.Confirmed+snap.Pending {
				unread = serverUnread + snap.Pending
			}
		}
	}
	t := &thread{entries: append([]Entry(nil), entries...), unread: unread}
	c.threads[conversationID] = t
	c.saveSnapshot(conversationID, serverUnread, unread-serverUnread)
}

// AddPending appends an optimistic entry created at send time.
func (c *Cache) AddPending(conversationID string, e Entry) {
	e.Pending = true
	if e.Status == "" {
		e.Status = domain.StatusQueued
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.thread(conversationID)
	t.entries = append(t.entries, e)
}

// Apply folds one confirmed message into the thread. A pending entry that
// matches by correlation id, or failing that by direction, body, and sender
// within a short window, is replaced in place so the list position is kept;
// anything else is appended. Inbound messages bump the unread badge.
func (c *Cache) Apply(conversationID string, e Entry) {
	e.Pending = false
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.thread(conversationID)
	if idx := t.match(e); idx >= 0 {
		t.entries[idx] = e
		return
	}
	t.entries = append(t.entries, e)
	if e.Direction == domain.DirectionIn {
		t.unread++
		c.bumpSnapshot(conversationID)
	}
}

// ApplyStatus advances the status of the entry with the given server id.
func (c *Cache) ApplyStatus(conversationID, id, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.thread(conversationID)
	for i := range t.entries {
		if t.entries[i].ID == id {
			if domain.StatusCanAdvance(t.entries[i].Status, status) {
				t.entries[i].Status = status
			}
			return
		}
	}
}

// MarkRead zeroes the badge and syncs the backup.
func (c *Cache) MarkRead(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.thread(conversationID)
	t.unread = 0
	c.saveSnapshot(conversationID, 0, 0)
}

// SyncUnread records a fresh server-confirmed count, absorbing local
// increments it already covers.
func (c *Cache) SyncUnread(conversationID string, serverUnread int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.thread(conversationID)
	if serverUnread >= t.unread {
		t.unread = serverUnread
	}
	c.saveSnapshot(conversationID, serverUnread, t.unread-serverUnread)
}

// Messages returns the thread's entries in order.
func (c *Cache) Messages(conversationID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.thread(conversationID)
	return append([]Entry(nil), t.entries...)
}

// Unread returns the current badge count.
func (c *Cache) Unread(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thread(conversationID).unread
}

// Drop forgets a thread, e.g. when the client leaves the conversation.
func (c *Cache) Drop(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.threads, conversationID)
}

func (c *Cache) thread(conversationID string) *thread {
	t, ok := c.threads[conversationID]
	if !ok {
		t = &thread{}
		c.threads[conversationID] = t
	}
	return t
}

func (c *Cache) saveSnapshot(conversationID string, confirmed, pending int) {
	if c.backup == nil {
		return
	}
	if pending < 0 {
		pending = 0
	}
	c.backup.Save(conversationID, UnreadSnapshot{
		Confirmed: confirmed,
		Pending:   pending,
		SyncedAt:  time.Now(),
	})
}

func (c *Cache) bumpSnapshot(conversationID string) {
	if c.backup == nil {
		return
	}
	snap, _ := c.backup.Load(conversationID)
	snap.Pending++
	c.backup.Save(conversationID, snap)
}

// match finds the pending entry a confirmation replaces. Correlation id wins;
// the content and time-window comparison only covers confirmations that lack
// the echo.
func (t *thread) match(e Entry) int {
	if e.CorrelationID != "" {
		for i := range t.entries {
			if t.entries[i].Pending && t.entries[i].CorrelationID == e.CorrelationID {
				return i
			}
		}
	}
	for i := range t.entries {
		p := &t.entries[i]
		if !p.Pending || p.Direction != e.Direction || p.Body != e.Body || p.Sender != e.Sender {
			continue
		}
		delta := e.Timestamp.Sub(p.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta <= confirmWindow {
			return i
		}
	}
	return -1
}
