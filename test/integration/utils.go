package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mbocsi/lorarelay/client"
	"github.com/mbocsi/lorarelay/diag"
	"github.com/mbocsi/lorarelay/proto"
	"github.com/mbocsi/lorarelay/server"
	"github.com/mbocsi/lorarelay/services"
)

// relay is a coordinator with TCP and WebSocket gateways on random ports.
type relay struct {
	coord    *server.Coordinator
	tcp      *server.TCPTransport
	ws       *server.WSTransport
	stats    *diag.Stats
	services *services.ServiceContainer
}

func startRelay(t *testing.T, clk clock.Clock) *relay {
	t.Helper()
	if clk == nil {
		clk = clock.New()
	}
	stats := diag.NewStats(0, clk.Now())
	coord := server.NewCoordinator(server.Options{
		Registry: server.NewDeviceRegistry(30 * time.Second),
		Sink:     stats,
		Clock:    clk,
	})
	tcp := server.NewTCPTransport("127.0.0.1:0")
	ws := server.NewWSTransport("127.0.0.1:0")
	coord.RegisterTransport(tcp)
	coord.RegisterTransport(ws)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	for _, ready := range []<-chan struct{}{tcp.Ready(), ws.Ready()} {
		select {
		case <-ready:
		case err := <-done:
			t.Fatalf("Relay stopped before binding: %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("Relay did not bind within timeout")
		}
	}

	return &relay{
		coord:    coord,
		tcp:      tcp,
		ws:       ws,
		stats:    stats,
		services: services.NewServiceManager(coord, stats).GetServices(),
	}
}

func connectGateway(t *testing.T, transport client.Transport, addr string) *client.Gateway {
	t.Helper()
	gw := client.NewGateway(transport)
	if err := gw.Connect(addr); err != nil {
		t.Fatalf("Failed to connect gateway: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		gw.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return gw
}

func attach(t *testing.T, gw *client.Gateway, n int, format proto.Format) *client.Endpoint {
	t.Helper()
	e, err := gw.Attach(deviceID(n), format)
	if err != nil {
		t.Fatalf("Failed to attach device %d: %v", n, err)
	}
	return e
}

// deviceID yields ids whose compact tokens differ for n < 0x10000.
func deviceID(n int) string {
	return fmt.Sprintf("eui-70b3d57ed00%05x", n)
}

func awaitDownlink(t *testing.T, e *client.Endpoint) proto.Downlink {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := e.Await(ctx)
	if err != nil {
		t.Fatalf("No downlink for %s: %v", e.ID, err)
	}
	return d
}

func expectSilence(t *testing.T, e *client.Endpoint) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if d, err := e.Await(ctx); err == nil {
		t.Fatalf("Unexpected %s downlink for %s", d.Kind, e.ID)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-timeout:
			t.Fatalf("Timed out waiting for %s", what)
		case <-ticker.C:
		}
	}
}

// runFleet runs every endpoint's behavior loop for d, then stops them.
func runFleet(t *testing.T, fleet []*client.Endpoint, b client.Behavior, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	errs := make(chan error, len(fleet))
	for _, e := range fleet {
		go func() { errs <- e.Run(ctx, b) }()
	}
	for range fleet {
		if err := <-errs; err != nil {
			t.Fatalf("Endpoint loop failed: %v", err)
		}
	}
}
