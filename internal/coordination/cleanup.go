package coordination

import (
	"context"
	"time"

	"github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/event"
)

// Start runs Cleanup every CleanupInterval until Stop or ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.cancel != nil {
		return errors.NewInvalidStateError("coordinator", "", "already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = make(chan struct{})
	go c.loop(ctx, c.stopped)
	return nil
}

// Stop halts the cleanup loop and waits for it. Safe without Start.
func (c *Coordinator) Stop() {
	c.lifeMu.Lock()
	cancel, stopped := c.cancel, c.stopped
	c.cancel, c.stopped = nil, nil
	c.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}

func (c *Coordinator) loop(ctx context.Context, stopped chan<- struct{}) {
	defer close(stopped)
	t := time.NewTicker(c.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r := c.Cleanup(ctx)
			if r != (CleanupReport{}) {
				c.logger.Debug("cleanup sweep",
					"disconnected", r.Disconnected,
					"idle_participants", r.IdleParticipants,
					"sessions_purged", r.SessionsPurged,
					"contexts_purged", r.ContextsPurged)
			}
		}
	}
}

// Cleanup runs one sweep. Connections idle longer than ConnectionIdle are
// disconnected and their channels destroyed; session participants idle
// past the session's timeout are marked disconnected; ended sessions and
// contexts without participants are purged. A send racing the sweep
// reconnects, and an operation on a purged context or session fails with
// NotFound.
func (c *Coordinator) Cleanup(ctx context.Context) CleanupReport {
	now := time.Now()
	var (
		r      CleanupReport
		closed []*connection
		events []event.Event
	)

	c.mu.Lock()
	if c.cfg.ConnectionIdle > 0 {
		for _, conn := range c.conns {
			if conn.state == Connected && now.Sub(conn.lastActive) > c.cfg.ConnectionIdle {
				conn.state = Disconnected
				closed = append(closed, &connection{channelID: conn.channelID, sub: conn.sub})
				conn.sub = nil
				r.Disconnected++
			}
		}
	}
	for id, rec := range c.sessions {
		if rec.s.Status == SessionEnded {
			delete(c.sessions, id)
			r.SessionsPurged++
			continue
		}
		for i := range rec.s.Participants {
			p := &rec.s.Participants[i]
			if p.Connected && rec.s.Settings.IdleTimeout > 0 && now.Sub(p.LastActive) > rec.s.Settings.IdleTimeout {
				p.Connected = false
				r.IdleParticipants++
			}
		}
	}
	for id, rec := range c.contexts {
		if len(rec.sc.Participants) == 0 {
			c.deleteContextLocked(id)
			events = append(events, event.NewContextDeletedEvent(source, id))
			r.ContextsPurged++
		}
	}
	c.mu.Unlock()

	for _, conn := range closed {
		if conn.sub != nil {
			conn.sub.Cancel()
		}
		if err := c.channels.DestroyChannel(ctx, conn.channelID); err != nil && !errors.Is(err, errors.ErrNotFound) {
			c.logger.Warn("failed to close idle channel", "channel_id", conn.channelID, "error", err)
		}
	}
	c.publishAll(ctx, events)
	return r
}
