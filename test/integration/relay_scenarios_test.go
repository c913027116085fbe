package integration

import (
	"bytes"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mbocsi/lorarelay/client"
	"github.com/mbocsi/lorarelay/proto"
	"github.com/mbocsi/lorarelay/server"
	"github.com/mbocsi/lorarelay/services"
)

// A JSON device on the WebSocket gateway commands a binary device on the TCP
// gateway; each side sees frames in its own format.
func TestCommandAcrossTransportsAndFormats(t *testing.T) {
	r := startRelay(t, nil)
	tcpGw := connectGateway(t, client.NewTCPTransport(), r.tcp.ListenAddr())
	wsGw := connectGateway(t, client.NewWebSocketTransport(), r.ws.ListenAddr())

	sensor := attach(t, tcpGw, 1, proto.FormatBinary)
	panel := attach(t, wsGw, 2, proto.FormatJSON)

	if err := sensor.Keepalive(); err != nil {
		t.Fatalf("Keepalive failed: %v", err)
	}
	if err := panel.Discover(); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	roster := awaitDownlink(t, panel)
	if roster.Kind != proto.KindRoster || roster.Format != proto.FormatJSON {
		t.Fatalf("Expected JSON roster, got %s/%s", roster.Kind, roster.Format)
	}
	if len(roster.Peers) != 1 || roster.Peers[0] != sensor.Token() {
		t.Fatalf("Roster = %v, want [%s]", roster.Peers, sensor.Token())
	}

	if err := panel.Command(sensor.Token(), []byte{0x10, 0x20}); err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	waitFor(t, "command to queue", func() bool { return r.coord.Queue.Depth(sensor.ID) == 1 })

	// nothing reaches the sensor until it checks in
	expectSilence(t, sensor)
	if err := sensor.Keepalive(); err != nil {
		t.Fatalf("Keepalive failed: %v", err)
	}

	cmd := awaitDownlink(t, sensor)
	if cmd.Kind != proto.KindCommand || cmd.Format != proto.FormatBinary {
		t.Fatalf("Expected binary command, got %s/%s", cmd.Kind, cmd.Format)
	}
	if !bytes.Equal(cmd.Body, []byte{0x10, 0x20}) {
		t.Fatalf("Command body = %x, want 1020", cmd.Body)
	}

	if err := sensor.Ack(nil); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	waitFor(t, "sessions to close", func() bool { return r.coord.Sessions.Len() == 0 })

	summaries := r.stats.Summaries()
	if summaries["command"].Count != 1 {
		t.Fatalf("Command round trips = %d, want 1", summaries["command"].Count)
	}
	if summaries["discovery"].Count != 1 {
		t.Fatalf("Discovery round trips = %d, want 1", summaries["discovery"].Count)
	}
}

func TestQueuedCommandsDeliverOnePerUplink(t *testing.T) {
	r := startRelay(t, nil)
	gw := connectGateway(t, client.NewTCPTransport(), r.tcp.ListenAddr())

	target := attach(t, gw, 1, proto.FormatJSON)
	a := attach(t, gw, 2, proto.FormatBinary)
	b := attach(t, gw, 3, proto.FormatBinary)

	for _, e := range []*client.Endpoint{target, a, b} {
		if err := e.Keepalive(); err != nil {
			t.Fatalf("Keepalive failed: %v", err)
		}
	}
	waitFor(t, "devices to register", func() bool { return r.coord.Registry.Len() == 3 })

	if err := a.Command(target.Token(), []byte("one")); err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	if err := b.Command(target.Token(), []byte("two")); err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	waitFor(t, "both commands to queue", func() bool { return r.coord.Queue.Depth(target.ID) == 2 })

	// A discover while commands are waiting is answered with the oldest command.
	if err := target.Discover(); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	first := awaitDownlink(t, target)
	if first.Kind != proto.KindCommand || string(first.Body) != "one" {
		t.Fatalf("First downlink = %s %q, want COMMAND \"one\"", first.Kind, first.Body)
	}
	if !first.HasFrom || first.From != a.Token() {
		t.Fatalf("JSON command should name its sender %s, got %s", a.Token(), first.From)
	}

	if err := target.Ack(&first.From); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	second := awaitDownlink(t, target)
	if string(second.Body) != "two" || second.From != b.Token() {
		t.Fatalf("Second downlink = %q from %s, want \"two\" from %s", second.Body, second.From, b.Token())
	}
	if err := target.Ack(&second.From); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	waitFor(t, "command sessions to close", func() bool {
		return r.coord.Sessions.OpenCommandsFrom(a.ID) == 0 && r.coord.Sessions.OpenCommandsFrom(b.ID) == 0
	})
	if r.coord.Queue.Total() != 0 {
		t.Fatalf("Queue still holds %d commands", r.coord.Queue.Total())
	}
}

func TestRosterTruncatedToFrameBudget(t *testing.T) {
	r := startRelay(t, nil)
	gw := connectGateway(t, client.NewTCPTransport(), r.tcp.ListenAddr())

	const peers = 40
	for n := 1; n <= peers; n++ {
		if err := attach(t, gw, n, proto.FormatBinary).Keepalive(); err != nil {
			t.Fatalf("Keepalive failed: %v", err)
		}
	}
	waitFor(t, "peers to register", func() bool { return r.coord.Registry.Len() == peers })

	binary := attach(t, gw, 100, proto.FormatBinary)
	if err := binary.Discover(); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	roster := awaitDownlink(t, binary)
	if want := (proto.FrameBudget - 1) / 2; len(roster.Peers) != want {
		t.Fatalf("Binary roster carries %d peers, want %d", len(roster.Peers), want)
	}
	// the oldest registrations come first
	if roster.Peers[0] != mustToken(t, deviceID(1)) {
		t.Fatalf("Roster starts with %s, want the first registered device", roster.Peers[0])
	}

	js := attach(t, gw, 101, proto.FormatJSON)
	if err := js.Discover(); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	jsRoster := awaitDownlink(t, js)
	if len(jsRoster.Peers) == 0 || len(jsRoster.Peers) >= len(roster.Peers) {
		t.Fatalf("JSON roster carries %d peers, want fewer than binary (%d) but some", len(jsRoster.Peers), len(roster.Peers))
	}
}

func TestOperatorCommandThroughServices(t *testing.T) {
	r := startRelay(t, nil)
	gw := connectGateway(t, client.NewWebSocketTransport(), r.ws.ListenAddr())

	dev := attach(t, gw, 7, proto.FormatJSON)
	if err := dev.Keepalive(); err != nil {
		t.Fatalf("Keepalive failed: %v", err)
	}
	waitFor(t, "device to register", func() bool { return r.coord.Registry.Len() == 1 })

	info, err := r.services.Command.QueueCommand(services.CommandRequest{Target: dev.Token().String(), Message: "reboot"})
	if err != nil {
		t.Fatalf("QueueCommand failed: %v", err)
	}
	if info.Target != dev.ID || info.Source != server.OperatorSource {
		t.Fatalf("Queued %+v, want target %s from operator", info, dev.ID)
	}

	if err := dev.Keepalive(); err != nil {
		t.Fatalf("Keepalive failed: %v", err)
	}
	cmd := awaitDownlink(t, dev)
	if string(cmd.Body) != "reboot" || cmd.From.String() != "0000" {
		t.Fatalf("Operator command = %q from %s", cmd.Body, cmd.From)
	}
	if err := dev.Ack(nil); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	waitFor(t, "operator session to close", func() bool { return r.coord.Sessions.Len() == 0 })

	stats, err := r.services.Stats.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Known != 1 || stats.Queued != 0 || stats.OpenSessions != 0 {
		t.Fatalf("Unexpected stats %+v", stats)
	}
}

func TestLapsedDeviceLeavesRoster(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	r := startRelay(t, mock)
	gw := connectGateway(t, client.NewTCPTransport(), r.tcp.ListenAddr())

	quiet := attach(t, gw, 1, proto.FormatBinary)
	chatty := attach(t, gw, 2, proto.FormatBinary)

	if err := quiet.Keepalive(); err != nil {
		t.Fatalf("Keepalive failed: %v", err)
	}
	waitFor(t, "device to register", func() bool { return r.coord.Registry.Len() == 1 })

	mock.Add(31 * time.Second)

	if err := chatty.Discover(); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	roster := awaitDownlink(t, chatty)
	if len(roster.Peers) != 0 {
		t.Fatalf("Lapsed device still listed: %v", roster.Peers)
	}

	// a command to the lapsed device is never queued
	if err := chatty.Command(quiet.Token(), nil); err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	expectSilence(t, chatty)
	if r.coord.Queue.Total() != 0 {
		t.Fatalf("Command to lapsed device was queued")
	}

	// it comes back as a new registration
	if err := quiet.Keepalive(); err != nil {
		t.Fatalf("Keepalive failed: %v", err)
	}
	waitFor(t, "device to return", func() bool {
		d, ok := r.coord.Registry.Get(quiet.ID)
		return ok && d.FirstSeen.Equal(mock.Now())
	})
}

func mustToken(t *testing.T, id string) proto.Token {
	t.Helper()
	tok, ok := proto.Compact(id)
	if !ok {
		t.Fatalf("No token for %s", id)
	}
	return tok
}

// Drives several endpoints through the simulator loop and checks that every
// delivered command is acknowledged.
func TestSimulatedFleetSettles(t *testing.T) {
	r := startRelay(t, nil)
	gw := connectGateway(t, client.NewTCPTransport(), r.tcp.ListenAddr())

	fleet := make([]*client.Endpoint, 4)
	for i := range fleet {
		format := proto.FormatBinary
		if i%2 == 1 {
			format = proto.FormatJSON
		}
		fleet[i] = attach(t, gw, i+1, format)
		if err := fleet[i].Keepalive(); err != nil {
			t.Fatalf("Keepalive failed: %v", err)
		}
	}
	waitFor(t, "fleet to register", func() bool { return r.coord.Registry.Len() == len(fleet) })

	runFleet(t, fleet, client.Behavior{
		Interval:           20 * time.Millisecond,
		DiscoverEvery:      5,
		CommandProbability: 0.5,
	}, 600*time.Millisecond)

	var delivered, acked int
	for _, e := range fleet {
		s := e.Stats()
		delivered += s.Commands
		acked += s.Acks
	}
	if delivered == 0 {
		t.Fatal("No commands were delivered")
	}
	if acked != delivered {
		t.Fatalf("Acked %d of %d delivered commands", acked, delivered)
	}
}
