package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/mbocsi/lorarelay/diag"
	"github.com/mbocsi/lorarelay/proto"
)

// OperatorSource is the source recorded for commands injected through the
// web API or MCP rather than by a device.
const OperatorSource = "operator"

type Options struct {
	Registry *DeviceRegistry
	Queue    *CommandQueue
	Sessions *SessionTracker
	Sink     diag.Sink
	Clock    clock.Clock

	FrameBudget   int
	SessionTTL    time.Duration // <= 0 keeps sessions until matched
	CommandTTL    time.Duration // <= 0 keeps commands until delivered
	SweepInterval time.Duration // 0 disables the sweeper
}

// Coordinator runs the roster/command engine. Transports feed it uplinks;
// it answers each with at most one downlink.
type Coordinator struct {
	Registry *DeviceRegistry
	Queue    *CommandQueue
	Sessions *SessionTracker

	sink   diag.Sink
	clock  clock.Clock
	budget int

	sessionTTL    time.Duration
	commandTTL    time.Duration
	sweepInterval time.Duration

	tmu        sync.RWMutex
	transports []Transport
}

func NewCoordinator(opts Options) *Coordinator {
	c := &Coordinator{
		Registry:      opts.Registry,
		Queue:         opts.Queue,
		Sessions:      opts.Sessions,
		sink:          opts.Sink,
		clock:         opts.Clock,
		budget:        opts.FrameBudget,
		sessionTTL:    opts.SessionTTL,
		commandTTL:    opts.CommandTTL,
		sweepInterval: opts.SweepInterval,
	}
	if c.Registry == nil {
		c.Registry = NewDeviceRegistry(300 * time.Second)
	}
	if c.Queue == nil {
		c.Queue = NewCommandQueue()
	}
	if c.Sessions == nil {
		c.Sessions = NewSessionTracker()
	}
	if c.sink == nil {
		c.sink = diag.Discard
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.budget <= 0 {
		c.budget = proto.FrameBudget
	}
	return c
}

func (c *Coordinator) RegisterTransport(t Transport) {
	t.OnUplink(c.Handle)
	c.tmu.Lock()
	c.transports = append(c.transports, t)
	c.tmu.Unlock()
}

func (c *Coordinator) Transports() []Transport {
	c.tmu.RLock()
	defer c.tmu.RUnlock()
	return append([]Transport(nil), c.transports...)
}

// Now is the coordinator's clock reading.
func (c *Coordinator) Now() time.Time {
	return c.clock.Now()
}

// Run starts every transport and the expiry sweeper, then blocks until ctx is
// cancelled or a transport fails. Transports are shut down either way.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, t := range c.Transports() {
		g.Go(func() error {
			if err := t.Start(); err != nil {
				return fmt.Errorf("transport %s: %w", t.Meta().ID, err)
			}
			return nil
		})
	}

	if c.sweepInterval > 0 {
		g.Go(func() error {
			c.sweepLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down transports")
		return c.shutdown()
	})

	return g.Wait()
}

func (c *Coordinator) shutdown() error {
	var err error
	for _, t := range c.Transports() {
		if serr := t.Shutdown(); serr != nil {
			slog.Error("There was an error when shutting down transport", "transport", t.Meta().ID, "error", serr.Error())
			err = multierr.Append(err, serr)
		}
	}
	return err
}

// QueueCommand queues body for target on behalf of the operator. The target
// must currently be reachable.
func (c *Coordinator) QueueCommand(target string, body []byte) (PendingCommand, error) {
	now := c.clock.Now()
	reachable := false
	for _, id := range c.Registry.ReachableSet(now) {
		if id == target {
			reachable = true
			break
		}
	}
	if !reachable {
		return PendingCommand{}, fmt.Errorf("device %s is not reachable", target)
	}

	if len(body) == 0 {
		body = []byte{proto.DefaultCommandBody}
	}
	sess := c.Sessions.OpenCommand(OperatorSource, target, body, now)
	cmd := PendingCommand{Target: target, Source: OperatorSource, Body: body, SessionID: sess.ID, EnqueuedAt: now}
	c.Queue.Enqueue(cmd)

	c.emit(diag.Event{
		Time:        now,
		Direction:   diag.Internal,
		Kind:        proto.KindCommand.String(),
		Source:      OperatorSource,
		Target:      target,
		Success:     true,
		SessionID:   sess.ID,
		SessionKind: string(SessionCommand),
		PayloadSize: len(body),
	})
	slog.Info("Queued operator command", "target", target, "size", len(body), "session", sess.ID)
	return cmd, nil
}

func (c *Coordinator) emit(e diag.Event) {
	c.sink.Emit(e)
}
