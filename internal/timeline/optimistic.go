package timeline

import (
	"strings"

	"github.com/zulandar/leadline/internal/convo"
)

// Handle identifies an optimistic entry.
type Handle struct {
	RoomID  string
	LocalID string
}

// Ack is the gateway's acknowledgement of a send. Either id may be empty.
type Ack struct {
	ServerID   string
	ExternalID string
}

// CreateOptimistic appends a pending agent entry for content and returns its
// handle.
func (r *Reconciler) CreateOptimistic(senderID string, content convo.Content) Handle {
	r.mu.Lock()
	msg := convo.Message{
		LocalID:       r.newID(),
		RoomID:        r.roomID,
		SenderKind:    convo.SenderAgent,
		SenderID:      strings.TrimSpace(senderID),
		Content:       content,
		DeliveryState: convo.StatePending,
		CreatedAt:     r.now(),
	}
	r.insert(msg, true)
	r.reconcile()
	r.mu.Unlock()
	r.emit(true)
	return Handle{RoomID: r.roomID, LocalID: msg.LocalID}
}

// ConfirmOptimistic marks the entry sent and records the identifiers from the
// acknowledgement. Confirming an entry that already collapsed into its
// confirmed twin is a no-op. It reports whether the local id was known.
func (r *Reconciler) ConfirmOptimistic(localID string, ack Ack) bool {
	r.mu.Lock()
	known, changed := r.confirm(localID, ack)
	r.mu.Unlock()
	r.emit(changed)
	return known
}

func (r *Reconciler) confirm(localID string, ack Ack) (known, changed bool) {
	e := r.placeholder(localID)
	if e == nil {
		if r.resolved[localID] {
			return true, false
		}
		r.anomaly(AnomalyUnknownLocalID, localID, "confirm")
		return false, false
	}
	changed = r.advance(e, convo.StateSent)
	if ack.ServerID != "" && e.msg.ServerID == "" {
		e.msg.ServerID = ack.ServerID
		changed = true
	}
	if ack.ExternalID != "" && e.msg.ExternalID == "" {
		e.msg.ExternalID = ack.ExternalID
		changed = true
		if state, ok := r.parked[ack.ExternalID]; ok {
			delete(r.parked, ack.ExternalID)
			r.advance(e, state)
		}
	}
	r.reconcile()
	return true, changed
}

// FailOptimistic marks the entry failed and keeps it in the timeline.
func (r *Reconciler) FailOptimistic(localID string) bool {
	r.mu.Lock()
	e := r.placeholder(localID)
	changed := false
	if e == nil {
		r.anomaly(AnomalyUnknownLocalID, localID, "fail")
	} else {
		changed = r.advance(e, convo.StateFailed)
	}
	r.mu.Unlock()
	r.emit(changed)
	return changed
}

// RetractOptimistic removes a placeholder and returns it so the caller can
// restore the user's input. Entries that already collapsed into a confirmed
// twin are never removed.
func (r *Reconciler) RetractOptimistic(localID string) (convo.Message, bool) {
	r.mu.Lock()
	var (
		msg   convo.Message
		found bool
	)
	for i := range r.entries {
		if r.entries[i].local && r.entries[i].msg.LocalID == localID {
			msg, found = r.entries[i].msg, true
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	if !found {
		detail := "retract"
		if r.resolved[localID] {
			detail = "retract after confirmation"
		}
		r.anomaly(AnomalyUnknownLocalID, localID, detail)
	}
	r.mu.Unlock()
	r.emit(found)
	msg.DeliveryState = convo.StateFailed
	return msg, found
}

// Pending returns the optimistic entries not yet tied to a confirmed twin.
func (r *Reconciler) Pending() []convo.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []convo.Message
	for _, e := range r.entries {
		if e.local {
			out = append(out, e.msg)
		}
	}
	return out
}

func (r *Reconciler) placeholder(localID string) *entry {
	for i := range r.entries {
		if r.entries[i].local && r.entries[i].msg.LocalID == localID {
			return &r.entries[i]
		}
	}
	return nil
}
