// Package inbox wires the push transport, the per-room reconcilers and the
// room directory into one client-side inbox. It tracks the active room,
// performs sends with optimistic entries, and falls back to REST polling
// while the push channel is lost.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zulandar/leadline/internal/alert"
	"github.com/zulandar/leadline/internal/convo"
	"github.com/zulandar/leadline/internal/directory"
	"github.com/zulandar/leadline/internal/gateway"
	"github.com/zulandar/leadline/internal/timeline"
	"github.com/zulandar/leadline/internal/transport"
)

const (
	// DefaultResyncSchedule is the REST polling schedule used while the push
	// channel is lost.
	DefaultResyncSchedule = "@every 30s"

	// DefaultSendFailureAlert is the number of consecutive send failures
	// that raises an ops alert.
	DefaultSendFailureAlert = 3

	resyncTimeout = 20 * time.Second
	cacheTimeout  = 5 * time.Second
	alertTimeout  = 10 * time.Second
)

// Gateway is the part of the Messaging Gateway client the inbox uses.
type Gateway interface {
	timeline.Fetcher
	directory.Fetcher
	SendText(ctx context.Context, req gateway.SendRequest) (gateway.Ack, error)
	SendMedia(ctx context.Context, req gateway.MediaRequest) (gateway.Ack, error)
}

// Transport is the part of the push session the inbox uses.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	OnEvent(kind convo.EventKind, h transport.Handler)
	OnStateChange(fn func(transport.State))
	State() transport.State
	JoinRoom(roomID string) error
	LeaveRoom(roomID string) error
}

// Cache persists confirmed messages and room summaries.
type Cache interface {
	SaveMessages(ctx context.Context, roomID string, msgs []convo.Message) error
	LoadMessages(ctx context.Context, roomID string) ([]convo.Message, error)
	SaveRooms(ctx context.Context, rooms []convo.Room) error
	LoadRooms(ctx context.Context) ([]convo.Room, error)
}

// Recorder receives operational counters. *metrics.Metrics satisfies it.
type Recorder interface {
	Anomaly(kind string)
	Send(err error)
	Connected(up bool)
	RoomsVisible(n int)
}

type nopRecorder struct{}

func (nopRecorder) Anomaly(string)   {}
func (nopRecorder) Send(error)       {}
func (nopRecorder) Connected(bool)   {}
func (nopRecorder) RoomsVisible(int) {}

// resyncParser accepts standard 5-field expressions and @every descriptors.
var resyncParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Opts holds parameters for creating an Inbox.
type Opts struct {
	Gateway   Gateway
	Transport Transport
	Viewer    convo.Viewer

	Cache    Cache          // optional
	Notifier alert.Notifier // optional
	Recorder Recorder       // optional

	PageSize         int           // default timeline.DefaultPageSize
	Tolerance        time.Duration // default policy.DefaultTolerance
	ResyncSchedule   string        // default DefaultResyncSchedule
	SendFailureAlert int           // default DefaultSendFailureAlert

	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

// Inbox is the produced interface of the sync engine. All methods are safe
// for concurrent use.
type Inbox struct {
	gw        Gateway
	tr        Transport
	dir       *directory.Directory
	cache     Cache
	notifier  alert.Notifier
	rec       Recorder
	viewer    convo.Viewer
	pageSize  int
	tolerance time.Duration
	schedule  string
	failAlert int
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	mu        sync.Mutex
	active    string
	timelines map[string]*timeline.Reconciler
	degraded  bool
	resync    *cron.Cron
	sendFails int
	subs      map[int]chan Change
	nextSub   int
	wasUp     bool
	closed    bool

	background sync.WaitGroup
}

// New creates an Inbox. Call Start to load rooms and connect.
func New(opts Opts) (*Inbox, error) {
	if opts.Gateway == nil {
		return nil, errors.New("inbox: gateway is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("inbox: transport is required")
	}
	if opts.Viewer.ID == "" {
		return nil, errors.New("inbox: viewer id is required")
	}
	schedule := opts.ResyncSchedule
	if schedule == "" {
		schedule = DefaultResyncSchedule
	}
	if _, err := resyncParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("inbox: resync schedule %q: %w", schedule, err)
	}

	i := &Inbox{
		gw:        opts.Gateway,
		tr:        opts.Transport,
		cache:     opts.Cache,
		notifier:  opts.Notifier,
		rec:       opts.Recorder,
		viewer:    opts.Viewer,
		pageSize:  opts.PageSize,
		tolerance: opts.Tolerance,
		schedule:  schedule,
		failAlert: opts.SendFailureAlert,
		logger:    opts.Logger,
		now:       opts.Now,
		newID:     opts.NewID,
		timelines: make(map[string]*timeline.Reconciler),
		subs:      make(map[int]chan Change),
	}
	if i.pageSize <= 0 {
		i.pageSize = timeline.DefaultPageSize
	}
	if i.failAlert <= 0 {
		i.failAlert = DefaultSendFailureAlert
	}
	if i.notifier == nil {
		i.notifier = alert.Nop{}
	}
	if i.rec == nil {
		i.rec = nopRecorder{}
	}
	if i.logger == nil {
		i.logger = slog.Default()
	}
	if i.now == nil {
		i.now = time.Now
	}

	dir, err := directory.New(directory.Opts{
		Fetcher:  opts.Gateway,
		Viewer:   opts.Viewer,
		OnChange: i.roomsChanged,
		Logger:   i.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("inbox: %w", err)
	}
	i.dir = dir
	return i, nil
}

// Start restores cached rooms, loads the room list, registers the event
// routes and connects the push channel. A failed connect degrades to REST
// polling instead of failing Start.
func (i *Inbox) Start(ctx context.Context) error {
	if i.cache != nil {
		if rooms, err := i.cache.LoadRooms(ctx); err != nil {
			i.logger.Warn("inbox: restore rooms from cache", "error", err)
		} else {
			i.dir.Restore(rooms)
		}
	}

	i.route()

	if err := i.dir.LoadRooms(ctx, i.viewer); err != nil {
		return fmt.Errorf("inbox: start: %w", err)
	}
	i.saveRooms()

	if err := i.tr.Connect(ctx); err != nil {
		i.logger.Warn("inbox: push connect failed", "error", err)
		i.degrade("push connect failed: " + err.Error())
	}
	return nil
}

// Close stops polling, closes the transport and flushes the cache.
func (i *Inbox) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	c := i.resync
	i.resync = nil
	active := i.active
	for id, ch := range i.subs {
		close(ch)
		delete(i.subs, id)
	}
	i.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	err := i.tr.Close()
	if active != "" {
		i.saveMessages(active)
	}
	i.saveRooms()
	i.background.Wait()
	if err != nil {
		return fmt.Errorf("inbox: close transport: %w", err)
	}
	return nil
}

// route registers the push event handlers and the connection watcher.
func (i *Inbox) route() {
	i.tr.OnEvent(convo.EventNewRoom, func(ev convo.Event) {
		i.dir.ApplyRoomCreated(ev.(convo.RoomCreated))
	})
	i.tr.OnEvent(convo.EventNewMessage, func(ev convo.Event) {
		m := ev.(convo.MessageReceived).Message
		i.dir.ApplyMessagePreviewUpdate(m)
		if r := i.activeTimeline(m.RoomID); r != nil {
			r.ApplyPushMessage(m)
			// The open room is being read.
			i.dir.MarkRead(m.RoomID)
		}
	})
	i.tr.OnEvent(convo.EventStatusUpdate, func(ev convo.Event) {
		sc := ev.(convo.StatusChanged)
		if r := i.activeTimeline(sc.RoomID); r != nil {
			r.ApplyStatusUpdate(sc.ExternalID, sc.State, sc.At)
		}
	})
	i.tr.OnEvent(convo.EventTyping, func(ev convo.Event) {
		ty := ev.(convo.Typing)
		if r := i.activeTimeline(ty.RoomID); r != nil {
			r.ApplyTyping(ty)
		}
	})
	i.tr.OnEvent(convo.EventAgentAssigned, func(ev convo.Event) {
		i.dir.ApplyAgentAssigned(ev.(convo.AgentAssigned))
	})
	i.tr.OnEvent(convo.EventAgentUnassigned, func(ev convo.Event) {
		i.dir.ApplyAgentUnassigned(ev.(convo.AgentUnassigned))
	})
	i.tr.OnStateChange(i.stateChanged)
}

// Viewer returns the signed-in viewer.
func (i *Inbox) Viewer() convo.Viewer {
	return i.viewer
}

// Rooms returns the rooms visible to the viewer, newest activity first.
func (i *Inbox) Rooms() []convo.Room {
	return i.dir.Rooms()
}

// Room looks up one room summary.
func (i *Inbox) Room(roomID string) (convo.Room, bool) {
	return i.dir.Room(roomID)
}

// Active returns the active room id, or "" when none is open.
func (i *Inbox) Active() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.active
}

// ConnectionState returns the push channel state.
func (i *Inbox) ConnectionState() transport.State {
	return i.tr.State()
}

// Degraded reports whether REST polling is running.
func (i *Inbox) Degraded() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.degraded
}

// View is a snapshot of one room timeline.
type View struct {
	RoomID   string
	Messages []convo.Message
	HasMore  bool
	Loaded   bool
	Typing   *convo.Typing // nil when nobody is typing
}

// Timeline returns a snapshot of a room's timeline. The bool is false when
// the room was never opened.
func (i *Inbox) Timeline(roomID string) (View, bool) {
	i.mu.Lock()
	r := i.timelines[roomID]
	i.mu.Unlock()
	if r == nil {
		return View{RoomID: roomID}, false
	}
	v := View{
		RoomID:   roomID,
		Messages: r.Messages(),
		HasMore:  r.HasMore(),
		Loaded:   r.Loaded(),
	}
	if ty, ok := r.Typing(); ok {
		v.Typing = &ty
	}
	return v, true
}

// Open makes roomID the active room: it moves the push subscription, seeds
// the timeline from the cache, loads the newest history page and marks the
// room read. A response that arrives after another room was opened is
// discarded.
func (i *Inbox) Open(ctx context.Context, roomID string) error {
	if roomID == "" {
		return errors.New("inbox: open: room id is required")
	}
	i.mu.Lock()
	prev := i.active
	i.active = roomID
	r, created, err := i.timelineLocked(roomID)
	i.mu.Unlock()
	if err != nil {
		return err
	}

	if prev != "" && prev != roomID {
		if err := i.tr.LeaveRoom(prev); err != nil {
			i.logger.Warn("inbox: leave room", "room", prev, "error", err)
		}
		i.saveMessages(prev)
	}
	if err := i.tr.JoinRoom(roomID); err != nil {
		i.logger.Warn("inbox: join room", "room", roomID, "error", err)
	}
	if created {
		i.restoreMessages(ctx, r)
	}
	i.publish(Change{Kind: ChangeActive, RoomID: roomID})

	if err := i.loadNewest(ctx, r); err != nil {
		return fmt.Errorf("inbox: open %s: %w", roomID, err)
	}
	i.dir.MarkRead(roomID)
	i.saveMessages(roomID)
	return nil
}

// loadNewest fetches the newest page of r and applies it only if r's room
// is still active.
func (i *Inbox) loadNewest(ctx context.Context, r *timeline.Reconciler) error {
	p, err := r.FetchPage(ctx, 0)
	if err != nil {
		return err
	}
	if i.Active() != r.RoomID() {
		i.logger.Debug("inbox: discarding history for inactive room", "room", r.RoomID())
		return nil
	}
	r.ApplyPage(p)
	return nil
}

// LoadOlder fetches the next older page of a room.
func (i *Inbox) LoadOlder(ctx context.Context, roomID string) (bool, error) {
	i.mu.Lock()
	r, created, err := i.timelineLocked(roomID)
	i.mu.Unlock()
	if err != nil {
		return false, err
	}
	if created {
		i.restoreMessages(ctx, r)
	}
	more, err := r.LoadOlder(ctx)
	if err != nil {
		return more, fmt.Errorf("inbox: load older %s: %w", roomID, err)
	}
	i.saveMessages(roomID)
	return more, nil
}

// MarkRead zeroes a room's unread count.
func (i *Inbox) MarkRead(roomID string) bool {
	return i.dir.MarkRead(roomID)
}

// Reload refreshes the room list from the gateway.
func (i *Inbox) Reload(ctx context.Context) error {
	if err := i.dir.LoadRooms(ctx, i.viewer); err != nil {
		return fmt.Errorf("inbox: reload: %w", err)
	}
	i.saveRooms()
	return nil
}

func (i *Inbox) activeTimeline(roomID string) *timeline.Reconciler {
	i.mu.Lock()
	defer i.mu.Unlock()
	if roomID == "" || roomID != i.active {
		return nil
	}
	return i.timelines[roomID]
}

// timelineLocked returns the reconciler for roomID, creating it on first
// use. The caller holds i.mu.
func (i *Inbox) timelineLocked(roomID string) (*timeline.Reconciler, bool, error) {
	if r, ok := i.timelines[roomID]; ok {
		return r, false, nil
	}
	r, err := timeline.New(timeline.Opts{
		RoomID:    roomID,
		Fetcher:   i.gw,
		PageSize:  i.pageSize,
		Tolerance: i.tolerance,
		OnAnomaly: func(a timeline.Anomaly) { i.rec.Anomaly(string(a.Kind)) },
		OnChange:  func(id string) { i.publish(Change{Kind: ChangeTimeline, RoomID: id}) },
		Logger:    i.logger,
		Now:       i.now,
		NewID:     i.newID,
	})
	if err != nil {
		return nil, false, fmt.Errorf("inbox: %w", err)
	}
	i.timelines[roomID] = r
	return r, true, nil
}

func (i *Inbox) roomsChanged() {
	i.rec.RoomsVisible(len(i.dir.Rooms()))
	i.publish(Change{Kind: ChangeRooms})
}

func (i *Inbox) restoreMessages(ctx context.Context, r *timeline.Reconciler) {
	if i.cache == nil {
		return
	}
	msgs, err := i.cache.LoadMessages(ctx, r.RoomID())
	if err != nil {
		i.logger.Warn("inbox: restore messages from cache", "room", r.RoomID(), "error", err)
		return
	}
	r.Restore(msgs)
}

func (i *Inbox) saveMessages(roomID string) {
	if i.cache == nil {
		return
	}
	i.mu.Lock()
	r := i.timelines[roomID]
	i.mu.Unlock()
	if r == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()
	if err := i.cache.SaveMessages(ctx, roomID, r.Messages()); err != nil {
		i.logger.Warn("inbox: cache messages", "room", roomID, "error", err)
	}
}

func (i *Inbox) saveRooms() {
	if i.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()
	if err := i.cache.SaveRooms(ctx, i.dir.All()); err != nil {
		i.logger.Warn("inbox: cache rooms", "error", err)
	}
}
