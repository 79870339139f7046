// Package timeline implements the per-room message reconciler. It merges
// paginated history, push events, and optimistic local sends into a single
// ordered, duplicate-free timeline.
package timeline

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zulandar/leadline/internal/convo"
	"github.com/zulandar/leadline/internal/policy"
)

const (
	// DefaultPageSize is the history page size when none is configured.
	DefaultPageSize = 30

	// DefaultTypingTTL is how long a typing indicator stays active without a
	// refresh.
	DefaultTypingTTL = 6 * time.Second

	// maxParkedStatus bounds status updates held for messages not yet seen.
	maxParkedStatus = 256
)

// Fetcher loads one newest-first page of a room's history. The gateway
// client satisfies it.
type Fetcher interface {
	FetchMessages(ctx context.Context, roomID string, limit, offset int) (convo.HistoryPage, error)
}

// Opts configures a Reconciler.
type Opts struct {
	RoomID    string
	Fetcher   Fetcher
	PageSize  int           // default DefaultPageSize
	Tolerance time.Duration // default policy.DefaultTolerance
	TypingTTL time.Duration // default DefaultTypingTTL

	// OnAnomaly is called with the reconciler's lock held. It must not call
	// back into the Reconciler.
	OnAnomaly AnomalyFunc
	// OnChange is called after any mutation that changed the timeline.
	OnChange func(roomID string)

	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string // default uuid.NewString
}

// entry is one timeline slot. seq is the insertion sequence used to break
// CreatedAt ties; local marks an optimistic placeholder.
type entry struct {
	msg   convo.Message
	seq   uint64
	local bool
}

// Reconciler owns the timeline of one room. All methods are safe for
// concurrent use.
type Reconciler struct {
	roomID    string
	fetcher   Fetcher
	tolerance time.Duration
	typingTTL time.Duration
	onAnomaly AnomalyFunc
	onChange  func(string)
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	mu           sync.Mutex
	entries      []entry
	nextSeq      uint64
	pageSize     int
	offset       int
	hasMore      bool
	loaded       bool
	gen          uint64
	loadingOlder bool
	typing       convo.Typing
	resolved     map[string]bool // local ids that collapsed into a confirmed twin
	parked       map[string]convo.DeliveryState
}

// New creates a Reconciler for one room.
func New(opts Opts) (*Reconciler, error) {
	if opts.RoomID == "" {
		return nil, errors.New("timeline: room id is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("timeline: fetcher is required")
	}
	r := &Reconciler{
		roomID:    opts.RoomID,
		fetcher:   opts.Fetcher,
		pageSize:  opts.PageSize,
		tolerance: opts.Tolerance,
		typingTTL: opts.TypingTTL,
		onAnomaly: opts.OnAnomaly,
		onChange:  opts.OnChange,
		logger:    opts.Logger,
		now:       opts.Now,
		newID:     opts.NewID,
		resolved:  make(map[string]bool),
		parked:    make(map[string]convo.DeliveryState),
	}
	if r.pageSize <= 0 {
		r.pageSize = DefaultPageSize
	}
	if r.tolerance <= 0 {
		r.tolerance = policy.DefaultTolerance
	}
	if r.typingTTL <= 0 {
		r.typingTTL = DefaultTypingTTL
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r, nil
}

// RoomID returns the room this reconciler owns.
func (r *Reconciler) RoomID() string { return r.roomID }

// Messages returns a snapshot of the timeline in display order.
func (r *Reconciler) Messages() []convo.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]convo.Message, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.msg
	}
	return out
}

// Len returns the number of timeline entries.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// HasMore reports whether older history may still be fetched.
func (r *Reconciler) HasMore() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasMore
}

// Loaded reports whether the first history page has been applied.
func (r *Reconciler) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// Typing returns the last typing indicator and whether it is still active.
func (r *Reconciler) Typing() (convo.Typing, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.typing
	active := t.Active && r.now().Sub(t.At) < r.typingTTL
	return t, active
}

// ApplyTyping records a typing indicator. Indicators older than the current
// one are ignored.
func (r *Reconciler) ApplyTyping(ev convo.Typing) bool {
	if ev.RoomID != r.roomID {
		r.mu.Lock()
		r.anomaly(AnomalyForeignRoom, ev.RoomID, "typing indicator")
		r.mu.Unlock()
		return false
	}
	r.mu.Lock()
	changed := false
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	if !ev.At.Before(r.typing.At) {
		changed = r.typing.Active != ev.Active || r.typing.SenderID != ev.SenderID
		r.typing = ev
	}
	r.mu.Unlock()
	r.emit(changed)
	return changed
}

// Restore seeds the timeline from locally cached messages. Cached entries
// are treated as confirmed history and are refreshed by the next LoadHistory.
// Pagination state is left untouched.
func (r *Reconciler) Restore(msgs []convo.Message) {
	r.mu.Lock()
	changed := false
	for _, m := range msgs {
		if m.RoomID != r.roomID {
			continue
		}
		if r.merge(m) {
			changed = true
		}
	}
	if changed {
		r.reconcile()
	}
	r.mu.Unlock()
	r.emit(changed)
}

// ApplyPushMessage merges a message delivered by the push channel. A message
// that matches an existing entry only advances that entry's delivery state.
func (r *Reconciler) ApplyPushMessage(msg convo.Message) bool {
	r.mu.Lock()
	changed := r.applyPush(msg)
	r.mu.Unlock()
	r.emit(changed)
	return changed
}

func (r *Reconciler) applyPush(msg convo.Message) bool {
	if msg.RoomID != r.roomID {
		r.anomaly(AnomalyForeignRoom, msg.RoomID, "push message "+policy.DedupKey(msg))
		return false
	}
	if msg.ServerID == "" && msg.ExternalID == "" {
		r.logger.Debug("timeline: push message without identifiers dropped", "room", r.roomID)
		return false
	}
	if !msg.DeliveryState.Valid() || msg.DeliveryState == convo.StatePending {
		msg.DeliveryState = convo.StateSent
	}
	for i := range r.entries {
		e := &r.entries[i]
		if e.local || !policy.SameMessage(e.msg, msg, r.tolerance) {
			continue
		}
		return r.advance(e, msg.DeliveryState)
	}
	r.insert(msg, false)
	r.reconcile()
	return true
}

// ApplyStatusUpdate advances the delivery state of the entry with the given
// external id. Updates for unknown ids are reported as anomalies and held
// until the message arrives.
func (r *Reconciler) ApplyStatusUpdate(externalID string, state convo.DeliveryState, at time.Time) bool {
	r.mu.Lock()
	changed := r.applyStatus(externalID, state)
	r.mu.Unlock()
	r.emit(changed)
	return changed
}

func (r *Reconciler) applyStatus(externalID string, state convo.DeliveryState) bool {
	if externalID == "" || !state.Valid() {
		r.anomaly(AnomalyInvalidStatus, externalID, string(state))
		return false
	}
	for i := range r.entries {
		e := &r.entries[i]
		if e.msg.ExternalID == externalID {
			return r.advance(e, state)
		}
	}
	r.anomaly(AnomalyUnknownMessage, externalID, "status "+string(state))
	r.park(externalID, state)
	return false
}

// advance moves e to state, reporting regressions out of failed.
func (r *Reconciler) advance(e *entry, state convo.DeliveryState) bool {
	next, tr := convo.Advance(e.msg.DeliveryState, state)
	switch tr {
	case convo.Accepted:
		e.msg.DeliveryState = next
		return true
	case convo.Regression:
		r.anomaly(AnomalyFailedRegression, policy.DedupKey(e.msg), "failed -> "+string(state))
	}
	return false
}

func (r *Reconciler) park(externalID string, state convo.DeliveryState) {
	if cur, ok := r.parked[externalID]; ok {
		if next, tr := convo.Advance(cur, state); tr == convo.Accepted {
			r.parked[externalID] = next
		}
		return
	}
	if len(r.parked) >= maxParkedStatus {
		return
	}
	r.parked[externalID] = state
}

// insert appends msg as a new entry and applies any parked status for it.
func (r *Reconciler) insert(msg convo.Message, local bool) {
	e := entry{msg: msg, seq: r.nextSeq, local: local}
	r.nextSeq++
	if msg.ExternalID != "" {
		if state, ok := r.parked[msg.ExternalID]; ok {
			delete(r.parked, msg.ExternalID)
			if next, tr := convo.Advance(e.msg.DeliveryState, state); tr == convo.Accepted {
				e.msg.DeliveryState = next
			}
		}
	}
	r.entries = append(r.entries, e)
}

// merge refreshes the confirmed entry sharing m's identity, or inserts m.
func (r *Reconciler) merge(m convo.Message) bool {
	for i := range r.entries {
		e := &r.entries[i]
		if e.local || !policy.SameMessage(e.msg, m, r.tolerance) {
			continue
		}
		state, _ := convo.Advance(e.msg.DeliveryState, m.DeliveryState)
		localID := e.msg.LocalID
		changed := e.msg.DeliveryState != state || !e.msg.CreatedAt.Equal(m.CreatedAt) ||
			e.msg.Content.MatchKey() != m.Content.MatchKey()
		e.msg = m
		e.msg.DeliveryState = state
		if e.msg.LocalID == "" {
			e.msg.LocalID = localID
		}
		return changed
	}
	r.insert(m, false)
	return true
}

// reconcile restores the timeline invariants after a mutation: optimistic
// entries whose confirmed twin is present are collapsed into it, entries are
// ordered by CreatedAt then insertion, and identity duplicates are dropped.
func (r *Reconciler) reconcile() {
	drop := make([]bool, len(r.entries))
	for i := range r.entries {
		p := &r.entries[i]
		if !p.local {
			continue
		}
		for j := range r.entries {
			c := &r.entries[j]
			if c.local || (c.msg.LocalID != "" && c.msg.LocalID != p.msg.LocalID) {
				continue
			}
			// A twin is always recorded after its draft unless the two
			// already share an identifier.
			if c.seq < p.seq && !sharesID(p.msg, c.msg) {
				continue
			}
			if policy.SameMessage(p.msg, c.msg, r.tolerance) {
				r.adopt(c, p)
				drop[i] = true
				break
			}
		}
	}
	kept := r.entries[:0]
	for i, e := range r.entries {
		if !drop[i] {
			kept = append(kept, e)
		}
	}
	clear(r.entries[len(kept):])
	r.entries = kept

	slices.SortStableFunc(r.entries, func(a, b entry) int {
		if c := policy.CompareOrder(a.msg, b.msg); c != 0 {
			return c
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	seen := make(map[string]int, len(r.entries))
	kept = r.entries[:0]
	for _, e := range r.entries {
		key := policy.DedupKey(e.msg)
		if i, ok := seen[key]; ok {
			if next, tr := convo.Advance(kept[i].msg.DeliveryState, e.msg.DeliveryState); tr == convo.Accepted {
				kept[i].msg.DeliveryState = next
			}
			continue
		}
		seen[key] = len(kept)
		kept = append(kept, e)
	}
	clear(r.entries[len(kept):])
	r.entries = kept
}

func sharesID(a, b convo.Message) bool {
	return (a.ExternalID != "" && a.ExternalID == b.ExternalID) ||
		(a.ServerID != "" && a.ServerID == b.ServerID) ||
		(a.LocalID != "" && a.LocalID == b.LocalID)
}

// adopt folds placeholder p into its confirmed twin c.
func (r *Reconciler) adopt(c, p *entry) {
	if c.msg.LocalID == "" {
		c.msg.LocalID = p.msg.LocalID
	}
	if p.msg.DeliveryState != convo.StateFailed {
		if next, tr := convo.Advance(c.msg.DeliveryState, p.msg.DeliveryState); tr == convo.Accepted {
			c.msg.DeliveryState = next
		}
	}
	r.resolved[p.msg.LocalID] = true
	r.logger.Debug("timeline: optimistic entry confirmed",
		"room", r.roomID, "local_id", p.msg.LocalID, "key", policy.DedupKey(c.msg))
}

func (r *Reconciler) emit(changed bool) {
	if changed && r.onChange != nil {
		r.onChange(r.roomID)
	}
}
