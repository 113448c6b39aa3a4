package relay

// Room is a rendezvous point for the peers of one session. Members are kept
// in join order so the initiator rule can depend on room size at join time.
// Rooms are owned by their hub's run loop and must not be touched elsewhere.
type Room struct {
	// ID is the caller-supplied identifier for the room.
	ID string

	members []*Client
}

func newRoom(id string) *Room {
	return &Room{ID: id}
}

func (r *Room) add(c *Client) {
	r.members = append(r.members, c)
}

func (r *Room) remove(c *Client) {
	for i, m := range r.members {
		if m == c {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return
		}
	}
}

func (r *Room) size() int {
	return len(r.members)
}

// prune drops members whose sockets have already closed. Their own
// unregister path still runs later; leave is idempotent so this is safe.
func (r *Room) prune() {
	kept := r.members[:0]
	for _, m := range r.members {
		if !m.closed.Load() {
			kept = append(kept, m)
		}
	}
	r.members = kept
}
