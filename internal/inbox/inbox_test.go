package inbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zulandar/leadline/internal/alert"
	"github.com/zulandar/leadline/internal/convo"
	"github.com/zulandar/leadline/internal/gateway"
	"github.com/zulandar/leadline/internal/transport"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const waitTimeout = 5 * time.Second

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeGateway struct {
	mu        sync.Mutex
	rooms     []convo.Room
	listErr   error
	listCalls int
	history   map[string][]convo.Message // newest first
	hold      map[string]chan struct{}
	started   chan string
	sends     []gateway.SendRequest
	media     []gateway.MediaRequest
	sendErr   error
	nextID    int
}

func newFakeGateway(rooms ...convo.Room) *fakeGateway {
	return &fakeGateway{
		rooms:   rooms,
		history: make(map[string][]convo.Message),
		hold:    make(map[string]chan struct{}),
		started: make(chan string, 16),
	}
}

func (g *fakeGateway) ListRooms(ctx context.Context, viewerID string) ([]convo.Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listCalls++
	if g.listErr != nil {
		return nil, g.listErr
	}
	out := make([]convo.Room, len(g.rooms))
	for i, r := range g.rooms {
		out[i] = r.Clone()
	}
	return out, nil
}

func (g *fakeGateway) FetchMessages(ctx context.Context, roomID string, limit, offset int) (convo.HistoryPage, error) {
	g.mu.Lock()
	all := g.history[roomID]
	gate := g.hold[roomID]
	g.mu.Unlock()

	select {
	case g.started <- roomID:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return convo.HistoryPage{}, ctx.Err()
		}
	}
	if offset >= len(all) {
		return convo.HistoryPage{}, nil
	}
	end := min(offset+limit, len(all))
	msgs := append([]convo.Message(nil), all[offset:end]...)
	return convo.HistoryPage{Messages: msgs, Rows: len(msgs), HasMore: end < len(all)}, nil
}

func (g *fakeGateway) SendText(ctx context.Context, req gateway.SendRequest) (gateway.Ack, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sends = append(g.sends, req)
	if g.sendErr != nil {
		return gateway.Ack{}, g.sendErr
	}
	g.nextID++
	return gateway.Ack{ServerID: fmt.Sprint(100 + g.nextID), ExternalID: fmt.Sprintf("wamid.%d", g.nextID)}, nil
}

func (g *fakeGateway) SendMedia(ctx context.Context, req gateway.MediaRequest) (gateway.Ack, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.media = append(g.media, req)
	if g.sendErr != nil {
		return gateway.Ack{}, g.sendErr
	}
	g.nextID++
	return gateway.Ack{ExternalID: fmt.Sprintf("wamid.m%d", g.nextID)}, nil
}

func (g *fakeGateway) setHistory(roomID string, newestFirst ...convo.Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history[roomID] = newestFirst
}

func (g *fakeGateway) lists() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listCalls
}

type fakeTransport struct {
	mu         sync.Mutex
	state      transport.State
	handlers   map[convo.EventKind][]transport.Handler
	watchers   []func(transport.State)
	log        []string
	connectErr error
	connects   int
	closed     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: transport.StateDisconnected, handlers: make(map[convo.EventKind][]transport.Handler)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	err := f.connectErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.setState(transport.StateConnected)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.setState(transport.StateDisconnected)
	return nil
}

func (f *fakeTransport) OnEvent(kind convo.EventKind, h transport.Handler) {
	f.mu.Lock()
	f.handlers[kind] = append(f.handlers[kind], h)
	f.mu.Unlock()
}

func (f *fakeTransport) OnStateChange(fn func(transport.State)) {
	f.mu.Lock()
	f.watchers = append(f.watchers, fn)
	f.mu.Unlock()
}

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) JoinRoom(roomID string) error {
	f.mu.Lock()
	f.log = append(f.log, "join "+roomID)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) LeaveRoom(roomID string) error {
	f.mu.Lock()
	f.log = append(f.log, "leave "+roomID)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) setState(s transport.State) {
	f.mu.Lock()
	f.state = s
	watchers := slices.Clone(f.watchers)
	f.mu.Unlock()
	for _, w := range watchers {
		w(s)
	}
}

func (f *fakeTransport) emit(ev convo.Event) {
	f.mu.Lock()
	hs := append([]transport.Handler(nil), f.handlers[ev.Kind()]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (f *fakeTransport) controlLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

type memCache struct {
	mu       sync.Mutex
	rooms    map[string]convo.Room
	messages map[string][]convo.Message
}

func newMemCache() *memCache {
	return &memCache{rooms: make(map[string]convo.Room), messages: make(map[string][]convo.Message)}
}

func (c *memCache) SaveMessages(ctx context.Context, roomID string, msgs []convo.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var kept []convo.Message
	for _, m := range msgs {
		if m.ServerID != "" || m.ExternalID != "" {
			kept = append(kept, m)
		}
	}
	c.messages[roomID] = kept
	return nil
}

func (c *memCache) LoadMessages(ctx context.Context, roomID string) ([]convo.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]convo.Message(nil), c.messages[roomID]...), nil
}

func (c *memCache) SaveRooms(ctx context.Context, rooms []convo.Room) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rooms {
		c.rooms[r.RoomID] = r.Clone()
	}
	return nil
}

func (c *memCache) LoadRooms(ctx context.Context) ([]convo.Room, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []convo.Room
	for _, r := range c.rooms {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].RoomID < out[b].RoomID })
	return out, nil
}

type countingRecorder struct {
	mu        sync.Mutex
	anomalies map[string]int
	sendsOK   int
	sendsErr  int
	up        bool
	visible   int
}

func (r *countingRecorder) Anomaly(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.anomalies == nil {
		r.anomalies = make(map[string]int)
	}
	r.anomalies[kind]++
}

func (r *countingRecorder) Send(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.sendsErr++
	} else {
		r.sendsOK++
	}
}

func (r *countingRecorder) Connected(up bool) {
	r.mu.Lock()
	r.up = up
	r.mu.Unlock()
}

func (r *countingRecorder) RoomsVisible(n int) {
	r.mu.Lock()
	r.visible = n
	r.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	in    *Inbox
	gw    *fakeGateway
	tr    *fakeTransport
	cache *memCache
	alert *alert.Recorder
	rec   *countingRecorder
}

func room(id, phone string, at time.Duration, unread int) convo.Room {
	return convo.Room{RoomID: id, DisplayTitle: "Lead " + id, PhoneKey: phone, LastActivityAt: t0.Add(at), UnreadCount: unread}
}

func customerMsg(roomID, ext string, at time.Duration, text string) convo.Message {
	return convo.Message{
		ExternalID:    ext,
		RoomID:        roomID,
		SenderKind:    convo.SenderCustomer,
		SenderID:      "c-" + roomID,
		Content:       convo.TextContent(text),
		DeliveryState: convo.StateDelivered,
		CreatedAt:     t0.Add(at),
	}
}

func newHarness(t *testing.T, opts Opts) *harness {
	t.Helper()
	h := &harness{
		gw:    newFakeGateway(room("r1", "+111", time.Minute, 3), room("r2", "+222", 2*time.Minute, 0)),
		tr:    newFakeTransport(),
		cache: newMemCache(),
		alert: alert.NewRecorder(),
		rec:   &countingRecorder{},
	}
	var ids atomic.Int32
	opts.Gateway = h.gw
	opts.Transport = h.tr
	opts.Cache = h.cache
	opts.Notifier = h.alert
	opts.Recorder = h.rec
	if opts.Viewer.ID == "" {
		opts.Viewer = convo.Viewer{ID: "a1", Role: convo.RoleSupervisor}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return t0.Add(10 * time.Minute) }
	}
	opts.NewID = func() string { return fmt.Sprintf("loc-%d", ids.Add(1)) }
	in, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.in = in
	t.Cleanup(func() { in.Close() })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.in.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func roomIDs(rooms []convo.Room) string {
	ids := make([]string, len(rooms))
	for i, r := range rooms {
		ids[i] = r.RoomID
	}
	return strings.Join(ids, ",")
}

// ---------------------------------------------------------------------------
// Construction and start
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	gw, tr := newFakeGateway(), newFakeTransport()
	viewer := convo.Viewer{ID: "a1", Role: convo.RoleAgent}
	tests := []struct {
		name string
		opts Opts
		want string
	}{
		{"no gateway", Opts{Transport: tr, Viewer: viewer}, "gateway is required"},
		{"no transport", Opts{Gateway: gw, Viewer: viewer}, "transport is required"},
		{"no viewer", Opts{Gateway: gw, Transport: tr}, "viewer id is required"},
		{"bad schedule", Opts{Gateway: gw, Transport: tr, Viewer: viewer, ResyncSchedule: "every now and then"}, "resync schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestStart_LoadsRoomsAndConnects(t *testing.T) {
	h := newHarness(t, Opts{})
	h.start(t)

	if got := roomIDs(h.in.Rooms()); got != "r2,r1" {
		t.Errorf("Rooms = %s, want r2,r1", got)
	}
	if h.in.ConnectionState() != transport.StateConnected {
		t.Errorf("state = %s, want connected", h.in.ConnectionState())
	}
	if h.in.Degraded() {
		t.Error("Degraded = true after successful connect")
	}
	if len(h.cache.rooms) != 2 {
		t.Errorf("cached rooms = %d, want 2", len(h.cache.rooms))
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if !h.rec.up || h.rec.visible != 2 {
		t.Errorf("recorder up=%v visible=%d", h.rec.up, h.rec.visible)
	}
}

func TestStart_RoomListErrorFails(t *testing.T) {
	h := newHarness(t, Opts{})
	h.gw.listErr = errors.New("gateway down")
	if err := h.in.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "gateway down") {
		t.Errorf("Start = %v, want gateway error", err)
	}
}

func TestReload_PicksUpNewRooms(t *testing.T) {
	h := newHarness(t, Opts{})
	h.start(t)

	h.gw.mu.Lock()
	h.gw.rooms = append(h.gw.rooms, room("r3", "+333", 3*time.Minute, 1))
	h.gw.mu.Unlock()
	if err := h.in.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := roomIDs(h.in.Rooms()); got != "r3,r2,r1" {
		t.Errorf("Rooms = %s, want r3,r2,r1", got)
	}
	h.cache.mu.Lock()
	_, cached := h.cache.rooms["r3"]
	h.cache.mu.Unlock()
	if !cached {
		t.Error("reloaded room not cached")
	}

	h.gw.mu.Lock()
	h.gw.listErr = errors.New("gateway down")
	h.gw.mu.Unlock()
	if err := h.in.Reload(context.Background()); err == nil || !strings.Contains(err.Error(), "inbox: reload") {
		t.Errorf("Reload = %v, want wrapped error", err)
	}
}

func TestStart_RestoresCachedRooms(t *testing.T) {
	h := newHarness(t, Opts{})
	h.cache.rooms["old"] = room("old", "+999", -time.Hour, 0)
	h.start(t)

	r, ok := h.in.Room("old")
	if !ok || r.PhoneKey != "+999" {
		t.Errorf("cached room = %+v, %v", r, ok)
	}
	// Absent from the server list, so hidden.
	if strings.Contains(roomIDs(h.in.Rooms()), "old") {
		t.Errorf("Rooms = %s, cached-only room should be hidden", roomIDs(h.in.Rooms()))
	}
}

// ---------------------------------------------------------------------------
// Open, stale discard and history
// ---------------------------------------------------------------------------

func TestOpen_LoadsHistoryAndMarksRead(t *testing.T) {
	h := newHarness(t, Opts{})
	h.gw.setHistory("r1",
		customerMsg("r1", "x2", 2*time.Second, "second"),
		customerMsg("r1", "x1", time.Second, "first"),
	)
	h.start(t)
	changes, cancel := h.in.Subscribe()
	defer cancel()

	if err := h.in.Open(context.Background(), "r1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	v, ok := h.in.Timeline("r1")
	if !ok || !v.Loaded {
		t.Fatalf("Timeline = %+v, %v", v, ok)
	}
	if len(v.Messages) != 2 || v.Messages[0].ExternalID != "x1" || v.Messages[1].ExternalID != "x2" {
		t.Errorf("messages = %+v", v.Messages)
	}
	if r, _ := h.in.Room("r1"); r.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 after open", r.UnreadCount)
	}
	if got := strings.Join(h.tr.controlLog(), ","); got != "join r1" {
		t.Errorf("control = %s", got)
	}
	if len(h.cache.messages["r1"]) != 2 {
		t.Errorf("cached messages = %d, want 2", len(h.cache.messages["r1"]))
	}

	seen := map[ChangeKind]bool{}
	for len(changes) > 0 {
		seen[(<-changes).Kind] = true
	}
	if !seen[ChangeActive] || !seen[ChangeTimeline] || !seen[ChangeRooms] {
		t.Errorf("changes seen = %v", seen)
	}
}

func TestOpen_SwitchingRoomsLeavesPrevious(t *testing.T) {
	h := newHarness(t, Opts{})
	h.start(t)
	ctx := context.Background()
	if err := h.in.Open(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if err := h.in.Open(ctx, "r2"); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(h.tr.controlLog(), ","); got != "join r1,leave r1,join r2" {
		t.Errorf("control = %s", got)
	}
	if h.in.Active() != "r2" {
		t.Errorf("Active = %s, want r2", h.in.Active())
	}
}

func TestOpen_StaleResponseDiscarded(t *testing.T) {
	h := newHarness(t, Opts{})
	h.gw.setHistory("r1", customerMsg("r1", "x1", time.Second, "late"))
	gate := make(chan struct{})
	h.gw.hold["r1"] = gate
	h.start(t)

	done := make(chan error, 1)
	go func() { done <- h.in.Open(context.Background(), "r1") }()
	select {
	case <-h.gw.started:
	case <-time.After(waitTimeout):
		t.Fatal("r1 fetch never started")
	}

	h.gw.mu.Lock()
	delete(h.gw.hold, "r1")
	h.gw.mu.Unlock()
	if err := h.in.Open(context.Background(), "r2"); err != nil {
		t.Fatalf("Open r2: %v", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Open r1: %v", err)
	}

	v, _ := h.in.Timeline("r1")
	if v.Loaded || len(v.Messages) != 0 {
		t.Errorf("r1 timeline = %+v, want stale page discarded", v)
	}
	if h.in.Active() != "r2" {
		t.Errorf("Active = %s, want r2", h.in.Active())
	}
}

func TestOpen_RestoresCacheThenMergesHistory(t *testing.T) {
	h := newHarness(t, Opts{})
	h.cache.messages["r1"] = []convo.Message{customerMsg("r1", "x1", time.Second, "cached")}
	h.gw.setHistory("r1",
		customerMsg("r1", "x2", 2*time.Second, "fresh"),
		customerMsg("r1", "x1", time.Second, "cached"),
	)
	h.start(t)
	if err := h.in.Open(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	v, _ := h.in.Timeline("r1")
	if len(v.Messages) != 2 {
		t.Errorf("messages = %d, want 2 without duplicates", len(v.Messages))
	}
}

func TestOpen_FetchErrorKeepsTimeline(t *testing.T) {
	h := newHarness(t, Opts{})
	h.cache.messages["r1"] = []convo.Message{customerMsg("r1", "x1", time.Second, "cached")}
	h.start(t)

	h.gw.mu.Lock()
	gate := make(chan struct{})
	h.gw.hold["r1"] = gate
	h.gw.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.in.Open(ctx, "r1"); err == nil {
		t.Fatal("expected error from cancelled fetch")
	}
	v, _ := h.in.Timeline("r1")
	if len(v.Messages) != 1 {
		t.Errorf("messages = %d, want cached entry kept", len(v.Messages))
	}
}

func TestLoadOlder_Pages(t *testing.T) {
	h := newHarness(t, Opts{PageSize: 2})
	h.gw.setHistory("r1",
		customerMsg("r1", "x3", 3*time.Second, "c"),
		customerMsg("r1", "x2", 2*time.Second, "b"),
		customerMsg("r1", "x1", time.Second, "a"),
	)
	h.start(t)
	ctx := context.Background()
	if err := h.in.Open(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	v, _ := h.in.Timeline("r1")
	if !v.HasMore || len(v.Messages) != 2 {
		t.Fatalf("after open: hasMore=%v len=%d", v.HasMore, len(v.Messages))
	}
	more, err := h.in.LoadOlder(ctx, "r1")
	if err != nil {
		t.Fatalf("LoadOlder: %v", err)
	}
	if more {
		t.Error("hasMore = true after short page")
	}
	v, _ = h.in.Timeline("r1")
	if len(v.Messages) != 3 || v.Messages[0].ExternalID != "x1" {
		t.Errorf("messages = %+v", v.Messages)
	}
}

// ---------------------------------------------------------------------------
// Event routing
// ---------------------------------------------------------------------------

func TestRouting_ActiveAndBackgroundRooms(t *testing.T) {
	h := newHarness(t, Opts{})
	h.start(t)
	if err := h.in.Open(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}

	h.tr.emit(convo.MessageReceived{Message: customerMsg("r1", "x1", 20*time.Minute, "in active room")})
	h.tr.emit(convo.MessageReceived{Message: customerMsg("r2", "y1", 21*time.Minute, "elsewhere")})
	h.tr.emit(convo.MessageReceived{Message: customerMsg("r2", "y1", 21*time.Minute, "elsewhere")})

	v, _ := h.in.Timeline("r1")
	if len(v.Messages) != 1 || v.Messages[0].ExternalID != "x1" {
		t.Errorf("r1 timeline = %+v", v.Messages)
	}
	if _, ok := h.in.Timeline("r2"); ok {
		t.Error("background room got a timeline")
	}
	r1, _ := h.in.Room("r1")
	r2, _ := h.in.Room("r2")
	if r1.UnreadCount != 0 || r1.LastPreviewText != "in active room" {
		t.Errorf("r1 = %+v", r1)
	}
	if r2.UnreadCount != 1 || r2.LastPreviewText != "elsewhere" {
		t.Errorf("r2 = %+v, want one unread", r2)
	}
	if got := roomIDs(h.in.Rooms()); got != "r2,r1" {
		t.Errorf("order = %s", got)
	}

	h.tr.emit(convo.StatusChanged{RoomID: "r1", ExternalID: "x1", State: convo.StateRead})
	v, _ = h.in.Timeline("r1")
	if v.Messages[0].DeliveryState != convo.StateRead {
		t.Errorf("state = %s, want read", v.Messages[0].DeliveryState)
	}

	h.tr.emit(convo.Typing{RoomID: "r1", SenderID: "c-r1", Active: true, At: t0.Add(10 * time.Minute)})
	v, _ = h.in.Timeline("r1")
	if v.Typing == nil || v.Typing.SenderID != "c-r1" {
		t.Errorf("typing = %+v", v.Typing)
	}
}

func TestRouting_UnknownStatusCountedAsAnomaly(t *testing.T) {
	h := newHarness(t, Opts{})
	h.start(t)
	if err := h.in.Open(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	h.tr.emit(convo.StatusChanged{RoomID: "r1", ExternalID: "ghost", State: convo.StateDelivered})

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if h.rec.anomalies["unknown_message"] != 1 {
		t.Errorf("anomalies = %v", h.rec.anomalies)
	}
}

func TestRouting_AssignmentAndNewRoom(t *testing.T) {
	h := newHarness(t, Opts{Viewer: convo.Viewer{ID: "a1", Role: convo.RoleAgent}})
	h.gw.rooms[0].AssignedAgentIDs = []string{"a1"}
	h.start(t)
	if got := roomIDs(h.in.Rooms()); got != "r1" {
		t.Fatalf("agent rooms = %s, want r1", got)
	}

	h.tr.emit(convo.RoomCreated{Summary: room("r3", "+333", 5*time.Minute, 1)})
	if got := roomIDs(h.in.Rooms()); got != "r1" {
		t.Errorf("unassigned new room visible to agent: %s", got)
	}
	h.tr.emit(convo.AgentAssigned{RoomID: "r3", AgentID: "a1"})
	if got := roomIDs(h.in.Rooms()); got != "r3,r1" {
		t.Errorf("after assign = %s, want r3,r1", got)
	}
	h.tr.emit(convo.AgentUnassigned{RoomID: "r1", AgentID: "a1"})
	if got := roomIDs(h.in.Rooms()); got != "r3" {
		t.Errorf("after unassign = %s, want r3", got)
	}
}

// ---------------------------------------------------------------------------
// Sends
// ---------------------------------------------------------------------------

func TestSend_ConfirmsAndPairsWithPushTwin(t *testing.T) {
	h := newHarness(t, Opts{})
	h.start(t)
	if err := h.in.Open(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}

	msg, err := h.in.Send(context.Background(), "r1", "hello there")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.DeliveryState != convo.StateSent || msg.ExternalID != "wamid.1" || msg.LocalID == "" {
		t.Errorf("msg = %+v", msg)
	}
	h.gw.mu.Lock()
	req := h.gw.sends[0]
	h.gw.mu.Unlock()
	if req.To != "+111" || req.SenderID != "a1" || req.LocalID != msg.LocalID {
		t.Errorf("request = %+v", req)
	}

	twin := convo.Message{
		ExternalID: "wamid.1", ServerID: "101", RoomID: "r1", SenderKind: convo.SenderAgent, SenderID: "a1",
		Content: convo.TextContent("hello there"), DeliveryState: convo.StateDelivered, CreatedAt: t0.Add(10 * time.Minute),
	}
	h.tr.emit(convo.MessageReceived{Message: twin})

	v, _ := h.in.Timeline("r1")
	if len(v.Messages) != 1 {
		t.Fatalf("timeline = %+v, want one entry", v.Messages)
	}
	if v.Messages[0].DeliveryState != convo.StateDelivered {
		t.Errorf("state = %s, want delivered", v.Messages[0].DeliveryState)
	}
	if r, _ := h.in.Room("r1"); r.LastPreviewText != "hello there" || r.UnreadCount != 0 {
		t.Errorf("room = %+v", r)
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if h.rec.sendsOK != 1 {
		t.Errorf("sendsOK = %d", h.rec.sendsOK)
	}
}

func TestSend_FailureRetractsAndReturnsContent(t *testing.T) {
	h := newHarness(t, Opts{})
	h.start(t)
	h.gw.sendErr = &gateway.Error{Op: "send", StatusCode: 503}

	_, err := h.in.Send(context.Background(), "r1", "draft")
	var sf *SendFailure
	if !errors.As(err, &sf) {
		t.Fatalf("err = %v, want *SendFailure", err)
	}
	if sf.RoomID != "r1" || sf.Content.Text != "draft" {
		t.Errorf("failure = %+v", sf)
	}
	if !gateway.IsServerError(err) {
		t.Error("SendFailure does not unwrap to the gateway error")
	}
	v, _ := h.in.Timeline("r1")
	if len(v.Messages) != 0 {
		t.Errorf("timeline = %+v, want placeholder retracted", v.Messages)
	}
}

func TestSend_RepeatedFailuresAlertOnce(t *testing.T) {
	h := newHarness(t, Opts{SendFailureAlert: 2})
	h.start(t)
	h.gw.sendErr = errors.New("connection reset")
	ctx := context.Background()
	for n := 0; n < 3; n++ {
		h.in.Send(ctx, "r1", "x")
	}
	h.in.Close()

	var titles []string
	for _, a := range h.alert.Alerts() {
		titles = append(titles, a.Title)
	}
	if got := strings.Join(titles, ","); got != "Sends are failing" {
		t.Errorf("alerts = %q", got)
	}
}

func TestSend_ClientErrorsNotAlerted(t *testing.T) {
	h := newHarness(t, Opts{SendFailureAlert: 1})
	h.start(t)
	h.gw.sendErr = &gateway.Error{Op: "send", StatusCode: 422, Message: "outside 24h window"}
	h.in.Send(context.Background(), "r1", "x")
	h.in.Close()
	if got := len(h.alert.Alerts()); got != 0 {
		t.Errorf("alerts = %d, want 0", got)
	}
}

func TestSend_Validation(t *testing.T) {
	h := newHarness(t, Opts{})
	h.start(t)
	if _, err := h.in.Send(context.Background(), "nope", "hi"); !errors.Is(err, ErrUnknownRoom) {
		t.Errorf("unknown room err = %v", err)
	}
	if _, err := h.in.Send(context.Background(), "r1", "   "); err == nil {
		t.Error("expected error for blank text")
	}
}

func TestSendMedia(t *testing.T) {
	h := newHarness(t, Opts{})
	h.start(t)
	msg, err := h.in.SendMedia(context.Background(), "r2", MediaUpload{
		Filename: "quote.pdf", MimeType: "application/pdf", Caption: "your quote", Data: []byte("%PDF"),
	})
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	if msg.Content.Kind != convo.KindDocument || msg.Content.Media.Size != 4 {
		t.Errorf("content = %+v", msg.Content)
	}
	h.gw.mu.Lock()
	defer h.gw.mu.Unlock()
	if len(h.gw.media) != 1 || h.gw.media[0].To != "+222" || h.gw.media[0].LocalID != msg.LocalID {
		t.Errorf("media requests = %+v", h.gw.media)
	}
}

func TestMediaKind(t *testing.T) {
	tests := map[string]convo.ContentKind{
		"image/jpeg":      convo.KindImage,
		"video/mp4":       convo.KindVideo,
		"audio/ogg":       convo.KindAudio,
		"application/pdf": convo.KindDocument,
		"":                convo.KindDocument,
	}
	for mime, want := range tests {
		if got := mediaKind(mime); got != want {
			t.Errorf("mediaKind(%q) = %s, want %s", mime, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Degraded mode
// ---------------------------------------------------------------------------

func TestConnectionLost_DegradesAndRecovers(t *testing.T) {
	h := newHarness(t, Opts{ResyncSchedule: "@every 1h"})
	h.start(t)
	if err := h.in.Open(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}

	h.tr.setState(transport.StateConnectionLost)
	if !h.in.Degraded() {
		t.Fatal("Degraded = false after connection lost")
	}
	// A second loss does not alert again.
	h.tr.setState(transport.StateConnectionLost)

	h.gw.mu.Lock()
	h.gw.rooms = append(h.gw.rooms, room("r9", "+999", time.Hour, 1))
	h.gw.mu.Unlock()
	h.gw.setHistory("r1", customerMsg("r1", "x7", time.Hour, "missed while down"))

	h.in.resyncTick()

	if !strings.HasPrefix(roomIDs(h.in.Rooms()), "r9") {
		t.Errorf("Rooms = %s, want r9 picked up by polling", roomIDs(h.in.Rooms()))
	}
	v, _ := h.in.Timeline("r1")
	if len(v.Messages) != 1 || v.Messages[0].ExternalID != "x7" {
		t.Errorf("timeline = %+v", v.Messages)
	}
	if h.in.Degraded() {
		t.Error("Degraded = true after the resync reconnected")
	}
	h.in.Close()

	var titles []string
	for _, a := range h.alert.Alerts() {
		titles = append(titles, a.Title)
	}
	sort.Strings(titles)
	if got := strings.Join(titles, ","); got != "Push channel lost,Push channel restored" {
		t.Errorf("alerts = %q", got)
	}
}

func TestStart_ConnectFailureDegrades(t *testing.T) {
	h := newHarness(t, Opts{ResyncSchedule: "@every 1h"})
	h.tr.connectErr = errors.New("refused")
	h.start(t)
	if !h.in.Degraded() {
		t.Error("Degraded = false after failed connect")
	}

	h.tr.mu.Lock()
	h.tr.connectErr = nil
	h.tr.mu.Unlock()
	h.in.resyncTick()
	if h.in.Degraded() {
		t.Error("still degraded after reconnect")
	}
}

func TestReconnect_CatchesUp(t *testing.T) {
	h := newHarness(t, Opts{})
	h.start(t)
	before := h.gw.lists()

	h.tr.setState(transport.StateConnecting)
	h.tr.setState(transport.StateConnected)
	waitFor(t, "catch-up room reload", func() bool { return h.gw.lists() > before })
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

func TestSubscribe_CancelAndClose(t *testing.T) {
	h := newHarness(t, Opts{})
	ch, cancel := h.in.Subscribe()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel open after cancel")
	}
	cancel()

	ch2, _ := h.in.Subscribe()
	h.in.Close()
	for range ch2 {
	}
	ch3, _ := h.in.Subscribe()
	if _, ok := <-ch3; ok {
		t.Error("subscribe after Close returned an open channel")
	}
}

func TestClose_FlushesCache(t *testing.T) {
	h := newHarness(t, Opts{})
	h.start(t)
	if err := h.in.Open(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	h.tr.emit(convo.MessageReceived{Message: customerMsg("r1", "x5", time.Hour, "late")})
	if err := h.in.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.in.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if got := len(h.cache.messages["r1"]); got != 1 {
		t.Errorf("cached = %d, want 1", got)
	}
	if !h.tr.closed {
		t.Error("transport not closed")
	}
}
