package relay

import "sync"

// receiptCacheSize bounds how many recent receipts are remembered.
const receiptCacheSize = 4096

// receiptCache remembers the message ID assigned to recent sends, keyed by
// sender and client receipt. Oldest entries are evicted first.
type receiptCache struct {
	mu    sync.Mutex
	ids   map[string]string
	order []string
	next  int
}

func newReceiptCache(size int) *receiptCache {
	return &receiptCache{
		ids:   make(map[string]string, size),
		order: make([]string, size),
	}
}

func (c *receiptCache) get(userID, receipt string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[userID+"\x00"+receipt]
	return id, ok
}

func (c *receiptCache) put(userID, receipt, messageID string) {
	key := userID + "\x00" + receipt
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[key]; ok {
		return
	}
	if old := c.order[c.next]; old != "" {
		delete(c.ids, old)
	}
	c.order[c.next] = key
	c.next = (c.next + 1) % len(c.order)
	c.ids[key] = messageID
}
