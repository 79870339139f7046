// Package policy holds the pure matching, ordering, and dedup rules shared by
// the timeline reconciler and the room directory. Nothing here keeps state.
package policy

import (
	"slices"
	"time"

	"github.com/zulandar/leadline/internal/convo"
)

// DefaultTolerance is the widest clock skew accepted when correlating a local
// entry with its server twin by content.
const DefaultTolerance = 60 * time.Second

// SameMessage reports whether a and b are the same logical message.
//
// Identifiers win when both sides carry them: external ids first, then
// server ids, then an echoed local id. Without a shared identifier, a pair
// of one local entry and one server message matches when sender, content
// kind and content key agree and the timestamps are within tolerance. Two
// server messages never match by content, and neither do two local entries.
func SameMessage(a, b convo.Message, tolerance time.Duration) bool {
	if a.ExternalID != "" && b.ExternalID != "" {
		return a.ExternalID == b.ExternalID
	}
	if a.ServerID != "" && b.ServerID != "" {
		return a.ServerID == b.ServerID
	}
	if a.LocalID != "" && a.LocalID == b.LocalID {
		return true
	}
	if isLocal(a) == isLocal(b) {
		return false
	}
	if a.RoomID != b.RoomID || a.SenderID != b.SenderID || a.Content.Kind != b.Content.Kind {
		return false
	}
	key := a.Content.MatchKey()
	if key == "" || key != b.Content.MatchKey() {
		return false
	}
	return absDuration(a.CreatedAt.Sub(b.CreatedAt)) <= tolerance
}

// isLocal reports whether m originated on this client and has not yet been
// tied to a provider message.
func isLocal(m convo.Message) bool {
	return m.LocalID != "" && m.ExternalID == ""
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// DedupKey returns the identity key of m: external id when known, then
// server id, then local id.
func DedupKey(m convo.Message) string {
	switch {
	case m.ExternalID != "":
		return "ext:" + m.ExternalID
	case m.ServerID != "":
		return "srv:" + m.ServerID
	default:
		return "loc:" + m.LocalID
	}
}

// CompareOrder orders two messages by CreatedAt. Callers break ties by
// insertion order.
func CompareOrder(a, b convo.Message) int {
	return a.CreatedAt.Compare(b.CreatedAt)
}

// MergeOrder returns msgs sorted ascending by CreatedAt. The sort is stable,
// so entries with equal timestamps keep their insertion order.
func MergeOrder(msgs []convo.Message) []convo.Message {
	out := slices.Clone(msgs)
	slices.SortStableFunc(out, CompareOrder)
	return out
}

// Dedup drops entries whose DedupKey was already seen, keeping the first
// occurrence and the most advanced delivery state of the group.
func Dedup(msgs []convo.Message) []convo.Message {
	seen := make(map[string]int, len(msgs))
	out := make([]convo.Message, 0, len(msgs))
	for _, m := range msgs {
		key := DedupKey(m)
		if i, ok := seen[key]; ok {
			if next, tr := convo.Advance(out[i].DeliveryState, m.DeliveryState); tr == convo.Accepted {
				out[i].DeliveryState = next
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, m)
	}
	return out
}

// SortRooms sorts rooms by LastActivityAt, newest first. Ties keep their
// prior relative order.
func SortRooms(rooms []convo.Room) {
	slices.SortStableFunc(rooms, func(a, b convo.Room) int {
		return b.LastActivityAt.Compare(a.LastActivityAt)
	})
}
