package convo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FlexID accepts either a JSON string or number and stores it as a string.
type FlexID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("convo: id must be string or number: %w", err)
	}
	*id = FlexID(n.String())
	return nil
}

// WireMessage is the JSON shape of a message on the gateway and push channel.
type WireMessage struct {
	ID         FlexID       `json:"id"`
	LocalID    string       `json:"local_id,omitempty"`
	ExternalID string       `json:"external_id,omitempty"`
	RoomID     FlexID       `json:"room_id"`
	SenderType string       `json:"sender_type"`
	SenderID   FlexID       `json:"sender_id,omitempty"`
	Type       string       `json:"message_type"`
	Text       string       `json:"text,omitempty"`
	Media      *Media       `json:"media,omitempty"`
	Location   *Location    `json:"location,omitempty"`
	Contact    *ContactCard `json:"contact,omitempty"`
	Reaction   *Reaction    `json:"reaction,omitempty"`
	Status     string       `json:"status,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	ReplyTo    string       `json:"reply_to_external_id,omitempty"`
}

// ToMessage converts and validates a wire message. Confirmed messages
// without a state default to sent.
func (w WireMessage) ToMessage() (Message, error) {
	if w.RoomID == "" {
		return Message{}, fmt.Errorf("convo: message without room_id")
	}
	if w.ID == "" && w.ExternalID == "" {
		return Message{}, fmt.Errorf("convo: message in room %s has neither id nor external_id", w.RoomID)
	}
	sender := SenderCustomer
	switch strings.ToLower(w.SenderType) {
	case "agent", "user", "outgoing":
		sender = SenderAgent
	}
	state := DeliveryState(strings.ToLower(w.Status))
	if !state.Valid() || state == StatePending {
		state = StateSent
	}
	return Message{
		LocalID:           w.LocalID,
		ServerID:          string(w.ID),
		ExternalID:        w.ExternalID,
		RoomID:            string(w.RoomID),
		SenderKind:        sender,
		SenderID:          string(w.SenderID),
		Content:           w.content(),
		DeliveryState:     state,
		CreatedAt:         w.CreatedAt,
		ReplyToExternalID: w.ReplyTo,
	}, nil
}

func (w WireMessage) content() Content {
	kind := ParseContentKind(w.Type)
	switch {
	case kind == KindText:
		return TextContent(w.Text)
	case kind.IsMedia():
		m := Media{Caption: w.Text}
		if w.Media != nil {
			m = *w.Media
			if m.Caption == "" {
				m.Caption = w.Text
			}
		}
		return Content{Kind: kind, Media: &m}
	case kind == KindLocation && w.Location != nil:
		return LocationContent(*w.Location)
	case kind == KindContact && w.Contact != nil:
		return ContactContent(*w.Contact)
	case kind == KindReaction && w.Reaction != nil:
		return ReactionContent(*w.Reaction)
	}
	return Content{Kind: KindUnsupported, Text: w.Text}
}

// FromMessage builds the wire form of m.
func FromMessage(m Message) WireMessage {
	w := WireMessage{
		ID:         FlexID(m.ServerID),
		LocalID:    m.LocalID,
		ExternalID: m.ExternalID,
		RoomID:     FlexID(m.RoomID),
		SenderType: string(m.SenderKind),
		SenderID:   FlexID(m.SenderID),
		Type:       string(m.Content.Kind),
		Status:     string(m.DeliveryState),
		CreatedAt:  m.CreatedAt,
		ReplyTo:    m.ReplyToExternalID,
		Media:      m.Content.Media,
		Location:   m.Content.Location,
		Contact:    m.Content.Contact,
		Reaction:   m.Content.Reaction,
	}
	if m.Content.Kind == KindText || m.Content.Kind == KindUnsupported {
		w.Text = m.Content.Text
	}
	return w
}

// WireRoom is the JSON shape of a room summary.
type WireRoom struct {
	ID             FlexID    `json:"id"`
	Title          string    `json:"display_title"`
	Phone          string    `json:"phone"`
	LeadID         FlexID    `json:"lead_id,omitempty"`
	LastMessage    string    `json:"last_message,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
	UnreadCount    int       `json:"unread_count"`
	AssignedAgents []FlexID  `json:"assigned_agents,omitempty"`
}

// ToRoom converts and validates a wire room.
func (w WireRoom) ToRoom() (Room, error) {
	if w.ID == "" {
		return Room{}, fmt.Errorf("convo: room without id")
	}
	agents := make([]string, 0, len(w.AssignedAgents))
	for _, a := range w.AssignedAgents {
		agents = append(agents, string(a))
	}
	title := w.Title
	if title == "" {
		title = w.Phone
	}
	return Room{
		RoomID:           string(w.ID),
		DisplayTitle:     title,
		PhoneKey:         w.Phone,
		LinkedLeadID:     string(w.LeadID),
		LastPreviewText:  w.LastMessage,
		LastActivityAt:   w.LastActivityAt,
		UnreadCount:      w.UnreadCount,
		AssignedAgentIDs: NormalizeAgents(agents),
	}, nil
}

// FromRoom builds the wire form of r.
func FromRoom(r Room) WireRoom {
	agents := make([]FlexID, 0, len(r.AssignedAgentIDs))
	for _, a := range r.AssignedAgentIDs {
		agents = append(agents, FlexID(a))
	}
	return WireRoom{
		ID:             FlexID(r.RoomID),
		Title:          r.DisplayTitle,
		Phone:          r.PhoneKey,
		LeadID:         FlexID(r.LinkedLeadID),
		LastMessage:    r.LastPreviewText,
		LastActivityAt: r.LastActivityAt,
		UnreadCount:    r.UnreadCount,
		AssignedAgents: agents,
	}
}
