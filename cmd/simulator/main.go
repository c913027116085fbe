package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbocsi/lorarelay/client"
	"github.com/mbocsi/lorarelay/proto"
	"github.com/mbocsi/lorarelay/server"
)

func main() {
	addr := flag.String("addr", "", "relay gateway address; discovered over mDNS when empty")
	transport := flag.String("transport", "tcp", "gateway transport: tcp or ws")
	devices := flag.Int("devices", 3, "number of simulated endpoints")
	format := flag.String("format", "binary", "frame encoding: binary or json")
	interval := flag.Duration("interval", 5*time.Second, "time between uplinks per device")
	probability := flag.Float64("command-probability", 0.3, "chance per cycle to command a peer")
	discoverEvery := flag.Int("discover-every", 10, "rediscover every n cycles")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	server.SetupLogger(os.Stdout, *logLevel, "text")

	if err := run(*addr, *transport, *devices, *format, *interval, *probability, *discoverEvery); err != nil {
		slog.Error("Simulator stopped", "error", err.Error())
		os.Exit(1)
	}
}

func run(addr, transport string, devices int, format string, interval time.Duration, probability float64, discoverEvery int) error {
	var t client.Transport
	switch transport {
	case "tcp":
		t = client.NewTCPTransport()
	case "ws":
		t = client.NewWebSocketTransport()
	default:
		return fmt.Errorf("unknown transport %q", transport)
	}

	f := proto.FormatBinary
	if format == "json" {
		f = proto.FormatJSON
	}

	if addr == "" {
		discover := client.DiscoverTCPService
		if transport == "ws" {
			discover = client.DiscoverWebSocketService
		}
		svc, err := discover(5 * time.Second)
		if err != nil {
			return err
		}
		addr = svc.Addr()
	}

	gw := client.NewGateway(t)
	if err := gw.Connect(addr); err != nil {
		return err
	}
	defer gw.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Run(gctx) })

	for i := range devices {
		id := fmt.Sprintf("eui-70b3d57ed000%04x", i+1)
		ep, err := gw.Attach(id, f)
		if err != nil {
			return err
		}
		b := client.Behavior{
			Interval:           interval,
			DiscoverEvery:      discoverEvery,
			CommandProbability: probability,
		}
		g.Go(func() error { return ep.Run(gctx, b) })
		slog.Info("Started simulated device", "device", id, "token", ep.Token().String(), "format", f.String())
	}

	return g.Wait()
}
