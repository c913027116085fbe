package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/mbocsi/lorarelay/diag"
	"github.com/mbocsi/lorarelay/proto"
)

var (
	errUnreachable  = errors.New("target not reachable")
	errNoSession    = errors.New("no open command session")
	errFrameTooBig  = errors.New("reply does not fit frame budget")
	errNoReplyRoute = errors.New("no reply route")
)

type rosterReply struct {
	peers   []proto.Token
	session Session
}

// Handle processes one uplink: decode, record contact, act on the kind, then
// send at most one reply. A command queued for the sender wins over a roster.
func (c *Coordinator) Handle(up Uplink) {
	now := up.ReceivedAt
	if now.IsZero() {
		now = c.clock.Now()
	}

	ev := diag.Event{
		Time:        now,
		Direction:   diag.Uplink,
		Source:      up.DeviceID,
		Radio:       up.Radio,
		PayloadSize: len(up.Payload),
		Transport:   up.Transport,
	}

	msg, err := proto.Decode(up.Payload)
	if err != nil {
		ev.Kind = diag.KindMalformed
		ev.Error = err.Error()
		c.emit(ev)
		slog.Warn("Dropping malformed uplink", "device", up.DeviceID, "size", len(up.Payload), "error", err)
		return
	}
	ev.Kind = msg.Kind.String()
	ev.Success = true

	c.Registry.Observe(Contact{Id: up.DeviceID, Time: now, Format: msg.Format, Transport: up.Transport, Radio: up.Radio})
	c.Registry.Advance(up.DeviceID, EventContact)

	var roster *rosterReply
	switch msg.Kind {
	case proto.KindKeepalive:
		slog.Debug("Keepalive", "device", up.DeviceID)
	case proto.KindDiscover:
		roster = c.handleDiscover(up, now, &ev)
	case proto.KindCommand:
		c.handleCommand(up, msg, now, &ev)
	case proto.KindAck:
		c.handleAck(up, msg, now, &ev)
	}
	c.emit(ev)

	if cmd, ok := c.Queue.DequeueOne(up.DeviceID); ok {
		if roster != nil {
			slog.Debug("Queued command takes the reply slot, roster deferred", "device", up.DeviceID, "session", roster.session.ID)
		}
		c.deliverCommand(up, msg.Format, cmd)
		return
	}
	if roster != nil {
		c.sendRoster(up, msg.Format, roster)
	}
}

func (c *Coordinator) handleDiscover(up Uplink, now time.Time, ev *diag.Event) *rosterReply {
	sess := c.Sessions.OpenDiscovery(up.DeviceID, now)
	ev.SessionID = sess.ID
	ev.SessionKind = string(SessionDiscovery)

	var peers []proto.Token
	for _, id := range c.Registry.ReachableSet(now) {
		if id == up.DeviceID {
			continue
		}
		tok, ok := proto.Compact(id)
		if !ok {
			slog.Debug("Peer id has no compact token, leaving it out of the roster", "peer", id)
			continue
		}
		peers = append(peers, tok)
	}
	return &rosterReply{peers: peers, session: sess}
}

func (c *Coordinator) handleCommand(up Uplink, msg proto.Uplink, now time.Time, ev *diag.Event) {
	// the sender was just touched, so it can address itself
	candidates := c.Registry.ReachableSet(now)

	target, ok := proto.Resolve(msg.Target, candidates)
	if !ok {
		ev.Success = false
		ev.Error = errUnreachable.Error()
		slog.Info("Command target not reachable", "source", up.DeviceID, "token", msg.Target.String())
		return
	}
	if n := proto.Collisions(msg.Target, candidates); n > 1 {
		slog.Warn("Compact token matches several devices, using the earliest registered", "token", msg.Target.String(), "matches", n, "target", target)
	}

	sess := c.Sessions.OpenCommand(up.DeviceID, target, msg.Body, now)
	c.Queue.Enqueue(PendingCommand{
		Target:     target,
		Source:     up.DeviceID,
		Body:       msg.Body,
		SessionID:  sess.ID,
		EnqueuedAt: now,
	})
	c.Registry.Advance(up.DeviceID, EventCommandRelayed)

	ev.Target = target
	ev.SessionID = sess.ID
	ev.SessionKind = string(SessionCommand)
	slog.Info("Queued command", "source", up.DeviceID, "target", target, "depth", c.Queue.Depth(target), "session", sess.ID)
}

func (c *Coordinator) handleAck(up Uplink, msg proto.Uplink, now time.Time, ev *diag.Event) {
	var (
		sess Session
		rtt  time.Duration
		ok   bool
	)
	if msg.HasTarget {
		if source, found := proto.Resolve(msg.Target, c.Sessions.SourcesAwaiting(up.DeviceID)); found {
			rtt, sess, ok = c.Sessions.CloseCommand(up.DeviceID, source, now)
		}
	}
	if !ok {
		rtt, sess, ok = c.Sessions.CloseAck(up.DeviceID, now)
	}
	if !ok {
		ev.Success = false
		ev.Error = errNoSession.Error()
		slog.Debug("Acknowledgement matched no command", "device", up.DeviceID)
		return
	}

	// the round trip belongs to whoever sent the command
	ev.Source = sess.Source
	ev.Target = up.DeviceID
	ev.SessionID = sess.ID
	ev.SessionKind = string(SessionCommand)
	ev.RoundTrip = rtt
	ev.HasRTT = true

	if c.Sessions.OpenCommandsFrom(sess.Source) == 0 {
		c.Registry.Advance(sess.Source, EventCommandsSettled)
	}
	slog.Info("Command acknowledged", "source", sess.Source, "target", up.DeviceID, "rtt", rtt, "session", sess.ID)
}

func (c *Coordinator) sendRoster(up Uplink, format proto.Format, r *rosterReply) {
	frame, included := proto.EncodeRoster(format, r.peers, c.budget)
	ev := diag.Event{
		Direction:   diag.Downlink,
		Kind:        proto.KindRoster.String(),
		Target:      up.DeviceID,
		SessionID:   r.session.ID,
		SessionKind: string(SessionDiscovery),
		PayloadSize: len(frame),
		Transport:   up.Transport,
	}
	if included < len(r.peers) {
		slog.Debug("Roster truncated to frame budget", "device", up.DeviceID, "peers", len(r.peers), "included", included)
	}

	err := c.send(up, frame)
	now := c.clock.Now()
	ev.Time = now

	// the discovery is answered whether or not the send succeeded
	if rtt, _, ok := c.Sessions.CloseDiscovery(up.DeviceID, now); ok {
		ev.RoundTrip = rtt
		ev.HasRTT = true
	}
	if err != nil {
		ev.Error = err.Error()
		slog.Error("Failed to send roster", "device", up.DeviceID, "error", err)
	} else {
		ev.Success = true
		c.Registry.Advance(up.DeviceID, EventRosterSent)
		slog.Info("Sent roster", "device", up.DeviceID, "peers", included, "size", len(frame))
	}
	c.emit(ev)
}

func (c *Coordinator) deliverCommand(up Uplink, format proto.Format, cmd PendingCommand) {
	from, _ := proto.Compact(cmd.Source)
	frame := proto.EncodeCommand(format, from, cmd.Body, c.budget)

	err := c.send(up, frame)
	ev := diag.Event{
		Time:        c.clock.Now(),
		Direction:   diag.Downlink,
		Kind:        proto.KindCommand.String(),
		Source:      cmd.Source,
		Target:      cmd.Target,
		SessionID:   cmd.SessionID,
		SessionKind: string(SessionCommand),
		PayloadSize: len(frame),
		Transport:   up.Transport,
	}
	if err != nil {
		ev.Error = err.Error()
		slog.Error("Failed to deliver command", "source", cmd.Source, "target", cmd.Target, "error", err)
	} else {
		ev.Success = true
		slog.Info("Delivered command", "source", cmd.Source, "target", cmd.Target, "size", len(frame), "session", cmd.SessionID)
	}
	c.emit(ev)
}

func (c *Coordinator) send(up Uplink, frame []byte) error {
	if frame == nil {
		return errFrameTooBig
	}
	if up.Reply == nil {
		return errNoReplyRoute
	}
	return up.Reply.Send(frame)
}
