package convo

import "time"

// EventKind names a push event.
type EventKind string

const (
	EventNewRoom         EventKind = "new_room"
	EventNewMessage      EventKind = "new_message"
	EventStatusUpdate    EventKind = "message_status_update"
	EventTyping          EventKind = "typing_indicator"
	EventAgentAssigned   EventKind = "agent_assigned"
	EventAgentUnassigned EventKind = "agent_unassigned"
)

// EventKinds lists every push event kind.
var EventKinds = []EventKind{
	EventNewRoom,
	EventNewMessage,
	EventStatusUpdate,
	EventTyping,
	EventAgentAssigned,
	EventAgentUnassigned,
}

// Event is a validated push event. The concrete types below are the only
// implementations.
type Event interface {
	Kind() EventKind
	Room() string
}

// RoomCreated announces a first-contact room.
type RoomCreated struct {
	Summary Room
}

// MessageReceived carries a confirmed message.
type MessageReceived struct {
	Message Message
}

// StatusChanged advances the delivery state of a message.
type StatusChanged struct {
	RoomID     string
	ExternalID string
	State      DeliveryState
	At         time.Time
}

// Typing reports a typing indicator.
type Typing struct {
	RoomID   string
	SenderID string
	Active   bool
	At       time.Time
}

// AgentAssigned adds an agent to a room. Summary is set when the server
// includes the full room (including its unread count) in the event.
type AgentAssigned struct {
	RoomID   string
	AgentID  string
	AgentIDs []string
	Summary  *Room
}

// AgentUnassigned removes an agent from a room.
type AgentUnassigned struct {
	RoomID   string
	AgentID  string
	AgentIDs []string
}

func (RoomCreated) Kind() EventKind     { return EventNewRoom }
func (MessageReceived) Kind() EventKind { return EventNewMessage }
func (StatusChanged) Kind() EventKind   { return EventStatusUpdate }
func (Typing) Kind() EventKind          { return EventTyping }
func (AgentAssigned) Kind() EventKind   { return EventAgentAssigned }
func (AgentUnassigned) Kind() EventKind { return EventAgentUnassigned }

func (e RoomCreated) Room() string     { return e.Summary.RoomID }
func (e MessageReceived) Room() string { return e.Message.RoomID }
func (e StatusChanged) Room() string   { return e.RoomID }
func (e Typing) Room() string          { return e.RoomID }
func (e AgentAssigned) Room() string   { return e.RoomID }
func (e AgentUnassigned) Room() string { return e.RoomID }
