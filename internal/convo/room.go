package convo

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Role is the viewer's workforce role.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	RoleAgent      Role = "agent"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleSupervisor, RoleAgent:
		return r, nil
	}
	return "", fmt.Errorf("convo: unknown role %q", s)
}

// RequiresAssignment reports whether the role only sees assigned rooms.
func (r Role) RequiresAssignment() bool {
	return r == RoleAgent
}

// Viewer is the signed-in user the room list is filtered for.
type Viewer struct {
	ID   string
	Role Role
}

// Room is the room-list summary of one conversation thread.
type Room struct {
	RoomID           string
	DisplayTitle     string
	PhoneKey         string
	LinkedLeadID     string
	LastPreviewText  string
	LastActivityAt   time.Time
	UnreadCount      int
	AssignedAgentIDs []string
}

// IsAssigned reports whether at least one agent is assigned.
func (r Room) IsAssigned() bool {
	return len(r.AssignedAgentIDs) > 0
}

// HasAgent reports whether agentID is assigned to the room.
func (r Room) HasAgent(agentID string) bool {
	_, ok := slices.BinarySearch(r.AssignedAgentIDs, agentID)
	return ok
}

// VisibleTo reports whether the viewer may see the room.
func (r Room) VisibleTo(v Viewer) bool {
	if !v.Role.RequiresAssignment() {
		return true
	}
	return r.HasAgent(v.ID)
}

// Clone returns a deep copy.
func (r Room) Clone() Room {
	r.AssignedAgentIDs = slices.Clone(r.AssignedAgentIDs)
	return r
}

// NormalizeAgents sorts and dedups an agent id set, dropping empty ids.
func NormalizeAgents(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
