// Cache maintains the map of ids to SGX sessions that this server
// currently possesses. Currently, we only have LRU policy
// implemented, plus expiry of idle sessions.
package sgx_sp

import (
	"container/list"
	"sync"
	"time"
)

type Cache interface {
	// Store the session under id key.
	Set(key uint64, session *Session)

	// Get fetches the session corresponding to the session id key,
	// and returns (session, true) if the id exists and the session
	// has not been idle for longer than the timeout.
	// Otherwise, Get returns (nil, false).
	Get(key uint64) (*Session, bool)

	// Delete the entry if the key exists.
	Delete(key uint64)

	Len() int
}

type cache struct {
	sync.Mutex

	capacity int
	timeout  time.Duration
	queue    *list.List // back of the queue is the oldest
	items    map[uint64]*list.Element
	now      func() time.Time
}

// NewCache holds at most capacity sessions (-1 for no bound). Sessions
// idle for longer than timeout are dropped; a non-positive timeout never
// expires them. Dropped sessions are closed.
func NewCache(capacity int, timeout time.Duration) Cache {
	return &cache{
		capacity: capacity,
		timeout:  timeout,
		queue:    list.New(),
		items:    make(map[uint64]*list.Element),
		now:      time.Now,
	}
}

// remove unlinks an entry. The caller closes the session once the cache
// lock is released, since Close waits for in-flight session work.
func (c *cache) remove(key uint64, elem *list.Element) *Session {
	c.queue.Remove(elem)
	delete(c.items, key)
	return elem.Value.(*Session)
}

func closeAll(sessions []*Session) {
	for _, s := range sessions {
		s.Close()
	}
}

func (c *cache) Set(key uint64, session *Session) {
	var dropped []*Session
	c.Lock()
	if elem, ok := c.items[key]; ok {
		if elem.Value.(*Session) == session {
			c.queue.MoveToFront(elem)
			c.Unlock()
			return
		}
		dropped = append(dropped, c.remove(key, elem))
	}
	c.items[key] = c.queue.PushFront(session)

	// -1 indicates infinite capacity
	for c.capacity != -1 && c.queue.Len() > c.capacity {
		oldest := c.queue.Back()
		dropped = append(dropped, c.remove(oldest.Value.(*Session).Id(), oldest))
	}
	c.Unlock()
	closeAll(dropped)
}

func (c *cache) expired(session *Session) bool {
	return c.timeout > 0 && c.now().Sub(session.LastUsed()) > c.timeout
}

func (c *cache) Get(key uint64) (*Session, bool) {
	c.Lock()
	elem, ok := c.items[key]
	if !ok {
		c.Unlock()
		return nil, false
	}
	session := elem.Value.(*Session)
	if c.expired(session) {
		c.remove(key, elem)
		c.Unlock()
		session.Close()
		return nil, false
	}
	c.queue.MoveToFront(elem)
	c.Unlock()
	return session, true
}

func (c *cache) Delete(key uint64) {
	c.Lock()
	elem, ok := c.items[key]
	if !ok { // if key's not in the cache, no problem
		c.Unlock()
		return
	}
	session := c.remove(key, elem)
	c.Unlock()
	session.Close()
}

func (c *cache) Len() int {
	c.Lock()
	defer c.Unlock()
	return c.queue.Len()
}
