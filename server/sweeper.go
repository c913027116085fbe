package server

import (
	"context"
	"log/slog"

	"github.com/mbocsi/lorarelay/diag"
)

func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := c.clock.Ticker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep expires stale sessions and queued commands, then logs a status line.
// It returns how many of each were removed.
func (c *Coordinator) Sweep() (sessions, commands int) {
	now := c.clock.Now()

	if c.sessionTTL > 0 {
		settled := make(map[string]struct{})
		for _, s := range c.Sessions.ExpireBefore(now.Add(-c.sessionTTL)) {
			sessions++
			c.emit(diag.Event{
				Time:        now,
				Direction:   diag.Internal,
				Kind:        diag.KindExpire,
				Source:      s.Source,
				Target:      s.Target,
				Success:     true,
				SessionID:   s.ID,
				SessionKind: string(s.Kind),
			})
			if s.Kind == SessionCommand {
				settled[s.Source] = struct{}{}
			}
		}
		for source := range settled {
			if c.Sessions.OpenCommandsFrom(source) == 0 {
				c.Registry.Advance(source, EventCommandsSettled)
			}
		}
	}

	if c.commandTTL > 0 {
		for _, cmd := range c.Queue.ExpireBefore(now.Add(-c.commandTTL)) {
			commands++
			c.emit(diag.Event{
				Time:        now,
				Direction:   diag.Internal,
				Kind:        diag.KindExpire,
				Source:      cmd.Source,
				Target:      cmd.Target,
				Success:     true,
				SessionID:   cmd.SessionID,
				PayloadSize: len(cmd.Body),
			})
			slog.Info("Dropped undelivered command", "source", cmd.Source, "target", cmd.Target, "age", now.Sub(cmd.EnqueuedAt))
		}
	}

	slog.Info("Relay status",
		"reachable", c.Registry.CountReachable(now),
		"known", c.Registry.Len(),
		"queued", c.Queue.Total(),
		"sessions", c.Sessions.Len(),
		"expired_sessions", sessions,
		"expired_commands", commands,
	)
	return sessions, commands
}
