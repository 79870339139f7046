package timeline

import (
	"context"
	"fmt"
	"slices"

	"github.com/zulandar/leadline/internal/convo"
	"github.com/zulandar/leadline/internal/policy"
)

// Page is one fetched history page, ascending by CreatedAt. A Page is bound
// to the timeline generation it was fetched for; ApplyPage discards pages
// that no longer fit.
type Page struct {
	RoomID   string
	Offset   int
	Limit    int
	Fetched  int // rows returned by the gateway, decoded or not
	Messages []convo.Message
	HasMore  bool

	gen uint64
}

// FetchPage fetches one page at offset without holding the reconciler lock.
// Offset 0 is the newest page.
func (r *Reconciler) FetchPage(ctx context.Context, offset int) (Page, error) {
	r.mu.Lock()
	limit, gen := r.pageSize, r.gen
	r.mu.Unlock()

	res, err := r.fetcher.FetchMessages(ctx, r.roomID, limit, offset)
	if err != nil {
		return Page{}, fmt.Errorf("timeline: fetch %s offset %d: %w", r.roomID, offset, err)
	}
	fetched := max(res.Rows, len(res.Messages))
	msgs := slices.Clone(res.Messages)
	slices.Reverse(msgs)
	msgs = policy.Dedup(policy.MergeOrder(msgs))

	return Page{
		RoomID:   r.roomID,
		Offset:   offset,
		Limit:    limit,
		Fetched:  fetched,
		Messages: msgs,
		HasMore:  res.HasMore && fetched > 0 && fetched >= limit,
		gen:      gen,
	}, nil
}

// ApplyPage merges a fetched page. A page at offset 0 seeds the timeline;
// any other offset is only applied when it still follows the loaded
// history. It reports whether the page was applied.
func (r *Reconciler) ApplyPage(p Page) bool {
	r.mu.Lock()
	applied, changed := r.applyPage(p)
	r.mu.Unlock()
	r.emit(changed)
	return applied
}

func (r *Reconciler) applyPage(p Page) (applied, changed bool) {
	if p.RoomID != r.roomID {
		r.anomaly(AnomalyForeignRoom, p.RoomID, fmt.Sprintf("history page offset %d", p.Offset))
		return false, false
	}
	if p.Offset > 0 && (p.gen != r.gen || p.Offset != r.offset) {
		r.logger.Debug("timeline: stale history page discarded",
			"room", r.roomID, "offset", p.Offset, "current_offset", r.offset)
		return false, false
	}

	for _, m := range p.Messages {
		if m.RoomID == "" {
			m.RoomID = r.roomID
		}
		if m.RoomID != r.roomID {
			r.anomaly(AnomalyForeignRoom, m.RoomID, "history message "+policy.DedupKey(m))
			continue
		}
		if r.merge(m) {
			changed = true
		}
	}
	if changed {
		r.reconcile()
	}

	if p.Offset == 0 {
		r.gen++
		r.offset = p.Fetched
		if !r.loaded {
			changed = true
		}
		r.loaded = true
	} else {
		r.offset += p.Fetched
	}
	if r.hasMore != p.HasMore {
		changed = true
	}
	r.hasMore = p.HasMore
	return true, changed
}

// LoadHistory fetches and applies the newest page. Loading again replaces
// each entry the page also contains with the page's copy and keeps the rest,
// without duplicating entries.
func (r *Reconciler) LoadHistory(ctx context.Context, pageSize int) (bool, error) {
	if pageSize > 0 {
		r.mu.Lock()
		r.pageSize = pageSize
		r.mu.Unlock()
	}
	p, err := r.FetchPage(ctx, 0)
	if err != nil {
		return r.HasMore(), err
	}
	r.ApplyPage(p)
	return p.HasMore, nil
}

// LoadOlder fetches the page after the loaded history. A call made while
// another LoadOlder is in flight returns immediately.
func (r *Reconciler) LoadOlder(ctx context.Context) (bool, error) {
	r.mu.Lock()
	if !r.loaded {
		r.mu.Unlock()
		return r.LoadHistory(ctx, 0)
	}
	if r.loadingOlder || !r.hasMore {
		more := r.hasMore
		r.mu.Unlock()
		return more, nil
	}
	r.loadingOlder = true
	offset := r.offset
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.loadingOlder = false
		r.mu.Unlock()
	}()

	p, err := r.FetchPage(ctx, offset)
	if err != nil {
		return r.HasMore(), err
	}
	r.ApplyPage(p)
	return r.HasMore(), nil
}
