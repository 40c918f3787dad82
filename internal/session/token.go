package session

import (
	"sync"
	"time"
)

// tokenCell holds the bearer token shared by one account's sub-loops. The
// refresh loop is the single writer; heartbeat and protection read it before
// every call, so a refreshed token is picked up without restarting the
// session.
type tokenCell struct {
	mu       sync.RWMutex
	token    string
	issuedAt time.Time
}

func (c *tokenCell) get() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *tokenCell) set(token string, issuedAt time.Time) {
	c.mu.Lock()
	c.token = token
	c.issuedAt = issuedAt
	c.mu.Unlock()
}

func (c *tokenCell) clear() {
	c.mu.Lock()
	c.token = ""
	c.issuedAt = time.Time{}
	c.mu.Unlock()
}

func (c *tokenCell) issued() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.issuedAt
}
