// Package convo defines the conversation domain types shared by the
// synchronization engine: messages, delivery states, rooms, viewers, and the
// typed push event union.
package convo

import "time"

// SenderKind identifies which side of the conversation produced a message.
type SenderKind string

const (
	SenderCustomer SenderKind = "customer"
	SenderAgent    SenderKind = "agent"
)

// DeliveryState tracks provider delivery progress for a message.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
	StateFailed    DeliveryState = "failed"
)

// Rank orders the non-terminal states. Failed and unknown states rank -1.
func (s DeliveryState) Rank() int {
	switch s {
	case StatePending:
		return 0
	case StateSent:
		return 1
	case StateDelivered:
		return 2
	case StateRead:
		return 3
	}
	return -1
}

// Valid reports whether s is one of the known states.
func (s DeliveryState) Valid() bool {
	return s == StateFailed || s.Rank() >= 0
}

// Transition is the outcome of Advance.
type Transition int

const (
	// Accepted means the state moved forward.
	Accepted Transition = iota
	// Stale means the update was equal or older and was ignored.
	Stale
	// Regression means a failed entry received a non-failed update.
	Regression
)

// Advance applies next on top of current. Delivery state only moves forward
// (pending < sent < delivered < read) and failed is terminal.
func Advance(current, next DeliveryState) (DeliveryState, Transition) {
	if current == StateFailed {
		if next == StateFailed {
			return current, Stale
		}
		return current, Regression
	}
	if next == StateFailed {
		return next, Accepted
	}
	if next.Rank() > current.Rank() {
		return next, Accepted
	}
	return current, Stale
}

// Message is one unit of communication in a room timeline.
type Message struct {
	LocalID           string
	ServerID          string
	ExternalID        string
	RoomID            string
	SenderKind        SenderKind
	SenderID          string
	Content           Content
	DeliveryState     DeliveryState
	CreatedAt         time.Time
	ReplyToExternalID string
}

// IsOptimistic reports whether m is a local placeholder that the server has
// not yet identified.
func (m Message) IsOptimistic() bool {
	return m.LocalID != "" && m.ServerID == "" && m.ExternalID == ""
}

// Pending reports whether m is still waiting for send confirmation.
func (m Message) Pending() bool {
	return m.DeliveryState == StatePending
}

// HistoryPage is one newest-first page of room history as returned by the
// gateway. Rows counts every row the server sent, including rows that could
// not be decoded, so paging offsets stay aligned with the server.
type HistoryPage struct {
	Messages []Message
	Rows     int
	HasMore  bool
}
