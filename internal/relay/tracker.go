package relay

import "sync"

// Tracker counts live connections globally and per source address. The
// gatekeeper consults it before completing a handshake; the hubs deregister
// connections on every terminal socket event so counts cannot leak.
type Tracker struct {
	mu sync.Mutex

	maxTotal   int
	maxPerAddr int

	total   int
	perAddr map[string]map[*Client]struct{}
}

// NewTracker creates a tracker enforcing the given quotas. A limit of 0
// means unlimited.
func NewTracker(maxTotal, maxPerAddr int) *Tracker {
	return &Tracker{
		maxTotal:   maxTotal,
		maxPerAddr: maxPerAddr,
		perAddr:    make(map[string]map[*Client]struct{}),
	}
}

// Allow reports whether a new connection from addr fits within both the
// global and the per-address quota. Pure query, no state change.
func (t *Tracker) Allow(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxTotal > 0 && t.total >= t.maxTotal {
		return false
	}
	if t.maxPerAddr > 0 && len(t.perAddr[addr]) >= t.maxPerAddr {
		return false
	}
	return true
}

// Add registers an accepted connection under its source address.
func (t *Tracker) Add(c *Client) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.perAddr[c.Addr]
	if !ok {
		set = make(map[*Client]struct{})
		t.perAddr[c.Addr] = set
	}
	if _, dup := set[c]; dup {
		return
	}
	set[c] = struct{}{}
	t.total++
}

// Remove deregisters a connection. Safe to call more than once per
// connection; only the first call decrements.
func (t *Tracker) Remove(c *Client) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.perAddr[c.Addr]
	if !ok {
		return
	}
	if _, present := set[c]; !present {
		return
	}
	delete(set, c)
	t.total--
	// Drop empty sets so the map does not grow with address churn.
	if len(set) == 0 {
		delete(t.perAddr, c.Addr)
	}
}

// Count returns the number of tracked connections.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// CountAddr returns the number of tracked connections from addr.
func (t *Tracker) CountAddr(addr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.perAddr[addr])
}
