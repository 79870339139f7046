// Package directory maintains the cross-room summary list: preview text,
// activity ordering, unread counts, and role-based visibility.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/zulandar/leadline/internal/convo"
	"github.com/zulandar/leadline/internal/policy"
)

// recentPerRoom bounds the message keys remembered per room for unread
// dedup.
const recentPerRoom = 64

// Fetcher lists the rooms visible to a viewer. The gateway client satisfies
// it.
type Fetcher interface {
	ListRooms(ctx context.Context, viewerID string) ([]convo.Room, error)
}

// Opts configures a Directory.
type Opts struct {
	Fetcher  Fetcher
	Viewer   convo.Viewer
	OnChange func()
	Logger   *slog.Logger
}

// Directory is the room list for one viewer. Rooms are never removed; rooms
// the viewer cannot see are kept and filtered out of Rooms.
type Directory struct {
	fetcher  Fetcher
	onChange func()
	logger   *slog.Logger

	mu     sync.Mutex
	viewer convo.Viewer
	rooms  []convo.Room        // every recorded room, newest activity first
	hidden map[string]bool     // recorded rooms absent from the last LoadRooms
	recent map[string]*keyRing // message keys already counted toward unread
	loaded bool
}

// New creates a Directory.
func New(opts Opts) (*Directory, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("directory: fetcher is required")
	}
	if opts.Viewer.ID == "" {
		return nil, errors.New("directory: viewer id is required")
	}
	d := &Directory{
		fetcher:  opts.Fetcher,
		onChange: opts.OnChange,
		logger:   opts.Logger,
		viewer:   opts.Viewer,
		hidden:   make(map[string]bool),
		recent:   make(map[string]*keyRing),
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d, nil
}

// Viewer returns the viewer the directory filters for.
func (d *Directory) Viewer() convo.Viewer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.viewer
}

// Loaded reports whether LoadRooms has succeeded at least once.
func (d *Directory) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

// LoadRooms fetches the viewer's rooms and replaces the recorded summaries.
// Recorded rooms missing from the response are kept but hidden until an
// assignment or new_room event brings them back.
func (d *Directory) LoadRooms(ctx context.Context, viewer convo.Viewer) error {
	fetched, err := d.fetcher.ListRooms(ctx, viewer.ID)
	if err != nil {
		return fmt.Errorf("directory: load rooms: %w", err)
	}

	d.mu.Lock()
	d.viewer = viewer
	present := make(map[string]bool, len(fetched))
	for _, r := range fetched {
		present[r.RoomID] = true
		if i := d.index(r.RoomID); i >= 0 {
			d.rooms[i] = refresh(d.rooms[i], r)
		} else {
			d.rooms = append(d.rooms, r.Clone())
		}
	}
	clear(d.hidden)
	for _, r := range d.rooms {
		if !present[r.RoomID] {
			d.hidden[r.RoomID] = true
		}
	}
	policy.SortRooms(d.rooms)
	d.loaded = true
	n, hidden := len(fetched), len(d.hidden)
	d.mu.Unlock()

	d.logger.Debug("directory: rooms loaded", "viewer", viewer.ID, "rooms", n, "hidden", hidden)
	d.emit(true)
	return nil
}

// refresh applies a server summary on top of a recorded one. Activity never
// moves backwards; a local preview at least as new as the server snapshot
// survives it.
func refresh(cur, srv convo.Room) convo.Room {
	next := srv.Clone()
	if !cur.LastActivityAt.Before(srv.LastActivityAt) {
		next.LastActivityAt = cur.LastActivityAt
		next.LastPreviewText = cur.LastPreviewText
	}
	return next
}

// ApplyRoomCreated records a first-contact room. A room that is already
// recorded is left unchanged apart from being unhidden.
func (d *Directory) ApplyRoomCreated(ev convo.RoomCreated) bool {
	r := ev.Summary
	if r.RoomID == "" {
		return false
	}
	d.mu.Lock()
	changed := false
	if d.hidden[r.RoomID] {
		delete(d.hidden, r.RoomID)
		changed = true
	}
	if d.index(r.RoomID) < 0 {
		r = r.Clone()
		r.AssignedAgentIDs = convo.NormalizeAgents(r.AssignedAgentIDs)
		d.rooms = append(d.rooms, r)
		policy.SortRooms(d.rooms)
		changed = true
	}
	d.mu.Unlock()
	d.emit(changed)
	return changed
}

// ApplyMessagePreviewUpdate folds a new message into its room summary:
// preview text and activity time move forward only, and customer messages
// increment the unread count once per message. A message for an unknown
// room creates a placeholder summary.
func (d *Directory) ApplyMessagePreviewUpdate(msg convo.Message) bool {
	if msg.RoomID == "" {
		return false
	}
	d.mu.Lock()
	i := d.index(msg.RoomID)
	if i < 0 {
		d.rooms = append(d.rooms, convo.Room{RoomID: msg.RoomID, DisplayTitle: msg.RoomID})
		i = len(d.rooms) - 1
		d.logger.Debug("directory: placeholder room for preview", "room", msg.RoomID)
	}
	r := &d.rooms[i]

	changed := false
	if !msg.CreatedAt.Before(r.LastActivityAt) {
		r.LastPreviewText = msg.Content.Preview()
		r.LastActivityAt = msg.CreatedAt
		changed = true
	}
	if msg.SenderKind == convo.SenderCustomer && d.firstSighting(msg) {
		r.UnreadCount++
		changed = true
	}
	if changed {
		policy.SortRooms(d.rooms)
	}
	d.mu.Unlock()
	d.emit(changed)
	return changed
}

// firstSighting reports whether msg has not been counted for its room yet.
func (d *Directory) firstSighting(msg convo.Message) bool {
	key := policy.DedupKey(msg)
	if key == "loc:" {
		return true
	}
	ring := d.recent[msg.RoomID]
	if ring == nil {
		ring = newKeyRing(recentPerRoom)
		d.recent[msg.RoomID] = ring
	}
	return ring.add(key)
}

// ApplyAgentAssigned adds an agent to a room. When the event carries the
// server's room summary, its unread count replaces the local one.
func (d *Directory) ApplyAgentAssigned(ev convo.AgentAssigned) bool {
	if ev.RoomID == "" {
		return false
	}
	d.mu.Lock()
	i := d.index(ev.RoomID)
	if i < 0 {
		r := convo.Room{RoomID: ev.RoomID, DisplayTitle: ev.RoomID}
		if ev.Summary != nil {
			r = ev.Summary.Clone()
			r.RoomID = ev.RoomID
		}
		d.rooms = append(d.rooms, r)
		i = len(d.rooms) - 1
	} else if ev.Summary != nil {
		d.rooms[i] = refresh(d.rooms[i], *ev.Summary)
		d.rooms[i].RoomID = ev.RoomID
	}
	r := &d.rooms[i]
	if ev.AgentIDs != nil {
		r.AssignedAgentIDs = convo.NormalizeAgents(ev.AgentIDs)
	} else if ev.AgentID != "" {
		r.AssignedAgentIDs = convo.NormalizeAgents(append(slices.Clone(r.AssignedAgentIDs), ev.AgentID))
	}
	delete(d.hidden, ev.RoomID)
	policy.SortRooms(d.rooms)
	d.mu.Unlock()

	d.logger.Debug("directory: agent assigned", "room", ev.RoomID, "agent", ev.AgentID)
	d.emit(true)
	return true
}

// ApplyAgentUnassigned removes an agent from a room. The room stays recorded
// with its unread count; for an agent viewer it drops out of Rooms.
func (d *Directory) ApplyAgentUnassigned(ev convo.AgentUnassigned) bool {
	d.mu.Lock()
	i := d.index(ev.RoomID)
	if i < 0 {
		d.mu.Unlock()
		return false
	}
	r := &d.rooms[i]
	before := len(r.AssignedAgentIDs)
	if ev.AgentIDs != nil {
		r.AssignedAgentIDs = convo.NormalizeAgents(ev.AgentIDs)
	} else {
		r.AssignedAgentIDs = slices.DeleteFunc(r.AssignedAgentIDs, func(id string) bool {
			return id == ev.AgentID
		})
	}
	changed := before != len(r.AssignedAgentIDs) || ev.AgentIDs != nil
	d.mu.Unlock()

	d.logger.Debug("directory: agent unassigned", "room", ev.RoomID, "agent", ev.AgentID)
	d.emit(changed)
	return changed
}

// MarkRead zeroes the local unread count of a room.
func (d *Directory) MarkRead(roomID string) bool {
	d.mu.Lock()
	changed := false
	if i := d.index(roomID); i >= 0 && d.rooms[i].UnreadCount != 0 {
		d.rooms[i].UnreadCount = 0
		changed = true
	}
	d.mu.Unlock()
	d.emit(changed)
	return changed
}

// Rooms returns the rooms visible to the viewer, newest activity first.
func (d *Directory) Rooms() []convo.Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []convo.Room
	for _, r := range d.rooms {
		if d.visible(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// All returns every recorded room regardless of visibility.
func (d *Directory) All() []convo.Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]convo.Room, len(d.rooms))
	for i, r := range d.rooms {
		out[i] = r.Clone()
	}
	return out
}

// Room looks up a recorded room regardless of visibility.
func (d *Directory) Room(roomID string) (convo.Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.index(roomID); i >= 0 {
		return d.rooms[i].Clone(), true
	}
	return convo.Room{}, false
}

// Visible reports whether the viewer can currently see a room.
func (d *Directory) Visible(roomID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.index(roomID)
	return i >= 0 && d.visible(d.rooms[i])
}

// Restore records cached summaries without marking the directory loaded.
// Rooms already recorded are left alone.
func (d *Directory) Restore(rooms []convo.Room) {
	d.mu.Lock()
	changed := false
	for _, r := range rooms {
		if r.RoomID == "" || d.index(r.RoomID) >= 0 {
			continue
		}
		d.rooms = append(d.rooms, r.Clone())
		changed = true
	}
	if changed {
		policy.SortRooms(d.rooms)
	}
	d.mu.Unlock()
	d.emit(changed)
}

func (d *Directory) visible(r convo.Room) bool {
	return !d.hidden[r.RoomID] && r.VisibleTo(d.viewer)
}

func (d *Directory) index(roomID string) int {
	return slices.IndexFunc(d.rooms, func(r convo.Room) bool { return r.RoomID == roomID })
}

func (d *Directory) emit(changed bool) {
	if changed && d.onChange != nil {
		d.onChange()
	}
}

// keyRing is a fixed-size set that forgets its oldest key when full.
type keyRing struct {
	keys []string
	set  map[string]bool
	next int
}

func newKeyRing(size int) *keyRing {
	return &keyRing{keys: make([]string, size), set: make(map[string]bool, size)}
}

// add reports whether key was not already present.
func (k *keyRing) add(key string) bool {
	if k.set[key] {
		return false
	}
	if old := k.keys[k.next]; old != "" {
		delete(k.set, old)
	}
	k.keys[k.next] = key
	k.set[key] = true
	k.next = (k.next + 1) % len(k.keys)
	return true
}
