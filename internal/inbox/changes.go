package inbox

// ChangeKind names what changed.
type ChangeKind string

const (
	ChangeRooms      ChangeKind = "rooms"
	ChangeTimeline   ChangeKind = "timeline"
	ChangeActive     ChangeKind = "active"
	ChangeConnection ChangeKind = "connection"
)

// Change is one change notification. RoomID is set for timeline and active
// changes; State for connection changes.
type Change struct {
	Kind   ChangeKind `json:"kind"`
	RoomID string     `json:"room_id,omitempty"`
	State  string     `json:"state,omitempty"`
}

// subscriberBuffer is the per-subscriber backlog. Notifications beyond it
// are dropped for that subscriber; they only signal that state should be
// re-read.
const subscriberBuffer = 64

// Subscribe returns a channel of change notifications and a function that
// cancels the subscription. The channel is closed on cancel or Close.
func (i *Inbox) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, subscriberBuffer)
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := i.nextSub
	i.nextSub++
	i.subs[id] = ch
	i.mu.Unlock()

	return ch, func() {
		i.mu.Lock()
		defer i.mu.Unlock()
		if c, ok := i.subs[id]; ok {
			close(c)
			delete(i.subs, id)
		}
	}
}

func (i *Inbox) publish(c Change) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, ch := range i.subs {
		select {
		case ch <- c:
		default:
			i.logger.Debug("inbox: subscriber backlog full, change dropped", "kind", c.Kind)
		}
	}
}
