package inbox

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/zulandar/leadline/internal/alert"
	"github.com/zulandar/leadline/internal/transport"
)

// stateChanged reacts to push channel transitions. It runs on the
// transport's goroutine and must not block on I/O.
func (i *Inbox) stateChanged(s transport.State) {
	i.rec.Connected(s == transport.StateConnected)
	i.publish(Change{Kind: ChangeConnection, State: string(s)})

	switch s {
	case transport.StateConnected:
		i.mu.Lock()
		catchUp := i.wasUp || i.degraded
		i.wasUp = true
		i.mu.Unlock()
		i.resume()
		if catchUp {
			// Events sent while the channel was down are not replayed.
			i.goBackground(i.resyncOnce)
		}
	case transport.StateConnectionLost:
		i.degrade("push channel lost after reconnect attempts")
	}
}

// degrade starts REST polling and raises an alert. It is a no-op while
// already degraded.
func (i *Inbox) degrade(reason string) {
	i.mu.Lock()
	if i.degraded || i.closed {
		i.mu.Unlock()
		return
	}
	i.degraded = true
	c := cron.New(
		cron.WithParser(resyncParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(i.schedule, i.resyncTick); err != nil {
		// The schedule was validated in New.
		i.logger.Error("inbox: schedule resync", "schedule", i.schedule, "error", err)
	}
	i.resync = c
	c.Start()
	i.mu.Unlock()

	i.logger.Warn("inbox: degraded to REST polling", "reason", reason, "schedule", i.schedule)
	i.notify(alert.Alert{
		Title:    "Push channel lost",
		Body:     "Falling back to REST polling until the push channel returns.",
		Severity: alert.SeverityCritical,
		Fields: []alert.Field{
			{Name: "Viewer", Value: i.viewer.ID, Short: true},
			{Name: "Reason", Value: reason},
		},
	})
}

// resume stops REST polling after the push channel is back.
func (i *Inbox) resume() {
	i.mu.Lock()
	if !i.degraded {
		i.mu.Unlock()
		return
	}
	i.degraded = false
	c := i.resync
	i.resync = nil
	i.mu.Unlock()

	if c != nil {
		// Not waiting: this may run inside the resync job itself.
		c.Stop()
	}
	i.logger.Info("inbox: push channel restored, REST polling stopped")
	i.notify(alert.Alert{
		Title:    "Push channel restored",
		Severity: alert.SeverityInfo,
		Fields:   []alert.Field{{Name: "Viewer", Value: i.viewer.ID, Short: true}},
	})
}

// resyncTick is the polling job: refresh state over REST, then try to bring
// the push channel back.
func (i *Inbox) resyncTick() {
	i.resyncOnce()
	if i.tr.State() == transport.StateConnected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()
	if err := i.tr.Connect(ctx); err != nil {
		i.logger.Debug("inbox: push reconnect from resync failed", "error", err)
	}
}

// resyncOnce reloads the room list and the active room's newest page.
func (i *Inbox) resyncOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	if err := i.dir.LoadRooms(ctx, i.viewer); err != nil {
		i.logger.Warn("inbox: resync rooms", "error", err)
	} else {
		i.saveRooms()
	}

	active := i.Active()
	if active == "" {
		return
	}
	i.mu.Lock()
	r := i.timelines[active]
	i.mu.Unlock()
	if r == nil {
		return
	}
	if err := i.loadNewest(ctx, r); err != nil {
		i.logger.Warn("inbox: resync history", "room", active, "error", err)
		return
	}
	i.saveMessages(active)
}

// notify delivers an alert in the background.
func (i *Inbox) notify(a alert.Alert) {
	i.goBackground(func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := i.notifier.Notify(ctx, a); err != nil {
			i.logger.Warn("inbox: alert not delivered", "title", a.Title, "error", err)
		}
	})
}

func (i *Inbox) goBackground(fn func()) {
	i.background.Add(1)
	go func() {
		defer i.background.Done()
		fn()
	}()
}
