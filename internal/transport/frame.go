package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/leadline/internal/convo"
)

// ErrUnknownEvent is returned by DecodeFrame for an event name outside the
// push vocabulary.
var ErrUnknownEvent = errors.New("transport: unknown event")

// Control frame names sent by the client.
const (
	joinRoom  = "join_room"
	leaveRoom = "leave_room"
)

// Frame is the envelope of every push-channel message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type roomRef struct {
	RoomID string `json:"room_id"`
}

type statusPayload struct {
	RoomID     convo.FlexID `json:"room_id"`
	ExternalID string       `json:"external_id"`
	MessageID  string       `json:"message_id"`
	Status     string       `json:"status"`
	Timestamp  time.Time    `json:"timestamp"`
}

type typingPayload struct {
	RoomID    convo.FlexID `json:"room_id"`
	SenderID  convo.FlexID `json:"sender_id"`
	IsTyping  bool         `json:"is_typing"`
	Timestamp time.Time    `json:"timestamp"`
}

type assignmentPayload struct {
	RoomID         convo.FlexID    `json:"room_id"`
	AgentID        convo.FlexID    `json:"agent_id"`
	AssignedAgents *[]convo.FlexID `json:"assigned_agents"`
	Room           *convo.WireRoom `json:"room"`
}

// DecodeFrame parses one push frame into a typed event. Payloads are
// validated here so handlers never see a partial event.
func DecodeFrame(data []byte) (convo.Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("transport: decode frame: %w", err)
	}
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return nil, fmt.Errorf("transport: %s frame without data", f.Event)
	}

	switch convo.EventKind(f.Event) {
	case convo.EventNewRoom:
		var w convo.WireRoom
		if err := json.Unmarshal(f.Data, &w); err != nil {
			return nil, fmt.Errorf("transport: new_room: %w", err)
		}
		r, err := w.ToRoom()
		if err != nil {
			return nil, fmt.Errorf("transport: new_room: %w", err)
		}
		return convo.RoomCreated{Summary: r}, nil

	case convo.EventNewMessage:
		var w convo.WireMessage
		if err := json.Unmarshal(f.Data, &w); err != nil {
			return nil, fmt.Errorf("transport: new_message: %w", err)
		}
		m, err := w.ToMessage()
		if err != nil {
			return nil, fmt.Errorf("transport: new_message: %w", err)
		}
		return convo.MessageReceived{Message: m}, nil

	case convo.EventStatusUpdate:
		var p statusPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return nil, fmt.Errorf("transport: status update: %w", err)
		}
		ext := p.ExternalID
		if ext == "" {
			ext = p.MessageID
		}
		state := convo.DeliveryState(strings.ToLower(p.Status))
		switch {
		case p.RoomID == "":
			return nil, errors.New("transport: status update without room_id")
		case ext == "":
			return nil, errors.New("transport: status update without external_id")
		case !state.Valid():
			return nil, fmt.Errorf("transport: status update with unknown status %q", p.Status)
		}
		return convo.StatusChanged{RoomID: string(p.RoomID), ExternalID: ext, State: state, At: p.Timestamp}, nil

	case convo.EventTyping:
		var p typingPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return nil, fmt.Errorf("transport: typing: %w", err)
		}
		if p.RoomID == "" {
			return nil, errors.New("transport: typing without room_id")
		}
		return convo.Typing{RoomID: string(p.RoomID), SenderID: string(p.SenderID), Active: p.IsTyping, At: p.Timestamp}, nil

	case convo.EventAgentAssigned, convo.EventAgentUnassigned:
		var p assignmentPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return nil, fmt.Errorf("transport: %s: %w", f.Event, err)
		}
		if p.RoomID == "" {
			return nil, fmt.Errorf("transport: %s without room_id", f.Event)
		}
		if p.AgentID == "" && p.AssignedAgents == nil {
			return nil, fmt.Errorf("transport: %s without agent", f.Event)
		}
		var agents []string
		if p.AssignedAgents != nil {
			agents = make([]string, 0, len(*p.AssignedAgents))
			for _, id := range *p.AssignedAgents {
				agents = append(agents, string(id))
			}
		}
		if convo.EventKind(f.Event) == convo.EventAgentUnassigned {
			return convo.AgentUnassigned{RoomID: string(p.RoomID), AgentID: string(p.AgentID), AgentIDs: agents}, nil
		}
		ev := convo.AgentAssigned{RoomID: string(p.RoomID), AgentID: string(p.AgentID), AgentIDs: agents}
		if p.Room != nil {
			if p.Room.ID == "" {
				p.Room.ID = p.RoomID
			}
			r, err := p.Room.ToRoom()
			if err != nil {
				return nil, fmt.Errorf("transport: agent_assigned: %w", err)
			}
			ev.Summary = &r
		}
		return ev, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownEvent, f.Event)
}

// encodeControl builds a join_room or leave_room frame.
func encodeControl(event, roomID string) ([]byte, error) {
	data, err := json.Marshal(roomRef{RoomID: roomID})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}
