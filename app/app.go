package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"

	"github.com/mbocsi/lorarelay/config"
	"github.com/mbocsi/lorarelay/diag"
	"github.com/mbocsi/lorarelay/mcp"
	"github.com/mbocsi/lorarelay/proto"
	"github.com/mbocsi/lorarelay/server"
	"github.com/mbocsi/lorarelay/services"
	"github.com/mbocsi/lorarelay/web"
)

const Version = "0.3.0"

// Module wires the relay: diagnostics, the coordinator and its transports,
// the service layer and the operator surfaces.
var Module = fx.Module("lorarelay",
	fx.Provide(
		newLogger,
		func() clock.Clock { return clock.New() },
		newStats,
		diag.NewPromSink,
		func() *web.EventHub { return web.NewEventHub(0) },
		newSink,
		newCoordinator,
		newTransports,
		newServices,
		newWebServer,
	),
	fx.Invoke(
		registerTransports,
		runCoordinator,
		startWeb,
		startMCP,
		startAdvertisers,
	),
)

// New builds the relay application for cfg. opts may supply a LoRa
// server.HardwareInterface or replace the clock.
func New(cfg config.Config, opts ...fx.Option) *fx.App {
	all := []fx.Option{
		fx.Supply(cfg),
		Module,
		fx.WithLogger(func(l *slog.Logger) fxevent.Logger {
			fl := &fxevent.SlogLogger{Logger: l}
			fl.UseLogLevel(slog.LevelDebug)
			return fl
		}),
	}
	return fx.New(append(all, opts...)...)
}

// LogOutput is where process logs go. Stdout carries MCP traffic when MCP is on.
func LogOutput(cfg config.Config) io.Writer {
	if cfg.MCP.Enabled {
		return os.Stderr
	}
	return os.Stdout
}

func newLogger(cfg config.Config) *slog.Logger {
	return server.SetupLogger(LogOutput(cfg), cfg.Log.Level, cfg.Log.Format)
}

func newStats(cfg config.Config, clk clock.Clock) *diag.Stats {
	return diag.NewStats(cfg.Diagnostics.StatsWindow, clk.Now())
}

type sinkParams struct {
	fx.In

	Config config.Config
	Logger *slog.Logger
	Stats  *diag.Stats
	Prom   *diag.PromSink
	Hub    *web.EventHub
	LC     fx.Lifecycle
}

func newSink(p sinkParams) (diag.Sink, error) {
	fan := diag.NewFanout(p.Stats, p.Prom, p.Hub, diag.NewLogSink(p.Logger))

	if path := p.Config.Diagnostics.CSVPath; path != "" {
		csv, err := diag.OpenCSV(path)
		if err != nil {
			return nil, fmt.Errorf("open diagnostics log: %w", err)
		}
		fan.Add(csv)
		p.LC.Append(fx.StopHook(csv.Close))
	}
	p.LC.Append(fx.StopHook(p.Hub.Close))
	return fan, nil
}

func newCoordinator(cfg config.Config, sink diag.Sink, clk clock.Clock, prom *diag.PromSink) *server.Coordinator {
	coord := server.NewCoordinator(server.Options{
		Registry:      server.NewDeviceRegistry(cfg.Relay.ReachabilityTimeout),
		Sink:          sink,
		Clock:         clk,
		FrameBudget:   cfg.Relay.FrameBudget,
		SessionTTL:    cfg.Relay.SessionTTL,
		CommandTTL:    cfg.Relay.CommandTTL,
		SweepInterval: cfg.Relay.SweepInterval,
	})

	prom.Gauge("reachable_devices", "Devices heard within the reachability timeout.", func() float64 {
		return float64(coord.Registry.CountReachable(coord.Now()))
	})
	prom.Gauge("known_devices", "Devices in the registry.", func() float64 {
		return float64(coord.Registry.Len())
	})
	prom.Gauge("queued_commands", "Commands waiting for their target to check in.", func() float64 {
		return float64(coord.Queue.Total())
	})
	prom.Gauge("open_sessions", "Discovery and command sessions awaiting an ACK.", func() float64 {
		return float64(coord.Sessions.Len())
	})
	return coord
}

// Transports holds the configured gateways. Disabled ones are nil.
type Transports struct {
	TCP  *server.TCPTransport
	WS   *server.WSTransport
	TTN  *server.TTNTransport
	LoRa *server.LoRaTransport
}

type transportParams struct {
	fx.In

	Config   config.Config
	Hardware server.HardwareInterface `optional:"true"`
}

func newTransports(p transportParams) (Transports, error) {
	cfg := p.Config
	var ts Transports

	if cfg.TCP.Enabled {
		ts.TCP = server.NewTCPTransport(cfg.TCP.Listen)
		ts.TCP.SetName("TCP gateway")
		ts.TCP.SetMaxClients(cfg.TCP.MaxClients)
		ts.TCP.SetDescription("Newline-delimited JSON gateway frames")
	}

	if cfg.WebSocket.Enabled {
		ts.WS = server.NewWSTransport(cfg.WebSocket.Listen)
		ts.WS.SetName("WebSocket gateway")
		ts.WS.SetDescription("JSON gateway frames over WebSocket")
	}

	if cfg.TTN.Enabled {
		ts.TTN = server.NewTTNTransport(server.TTNConfig{
			Broker:             cfg.TTN.Broker,
			Username:           cfg.TTN.Username,
			Password:           cfg.TTN.Password,
			AppID:              cfg.TTN.AppID,
			FPort:              cfg.TTN.FPort,
			Priority:           cfg.TTN.Priority,
			InsecureSkipVerify: cfg.TTN.InsecureSkipVerify,
		})
		ts.TTN.SetName("The Things Network")
		ts.TTN.SetDescription("TTN application " + cfg.TTN.AppID)
	}

	if cfg.LoRa.Enabled {
		if p.Hardware == nil {
			return Transports{}, errors.New("lora is enabled but no radio driver is available")
		}
		lc := server.LoRaConfig{
			Frequency:       cfg.LoRa.Frequency,
			Bandwidth:       cfg.LoRa.Bandwidth,
			SpreadingFactor: cfg.LoRa.SpreadingFactor,
			CodingRate:      cfg.LoRa.CodingRate,
			TxPower:         cfg.LoRa.TxPower,
		}
		radio := server.NewSX1276Radio(server.SX1276ConfigFor(lc, cfg.LoRa.SPIDevice), p.Hardware)
		ts.LoRa = server.NewLoRaTransport(lc, radio)
		ts.LoRa.SetName("LoRa radio")
		ts.LoRa.SetDescription("SX1276 on " + cfg.LoRa.SPIDevice)
	}

	return ts, nil
}

func registerTransports(coord *server.Coordinator, ts Transports) error {
	n := 0
	if ts.TCP != nil {
		coord.RegisterTransport(ts.TCP)
		n++
	}
	if ts.WS != nil {
		coord.RegisterTransport(ts.WS)
		n++
	}
	if ts.TTN != nil {
		coord.RegisterTransport(ts.TTN)
		n++
	}
	if ts.LoRa != nil {
		coord.RegisterTransport(ts.LoRa)
		n++
	}
	if n == 0 {
		return errors.New("no transport is enabled")
	}
	return nil
}

// runCoordinator ties the coordinator to the app lifecycle. A transport that
// fails shuts the whole app down.
func runCoordinator(lc fx.Lifecycle, coord *server.Coordinator, sd fx.Shutdowner) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
					slog.Error("Relay stopped", "error", err.Error())
					sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func newServices(coord *server.Coordinator, stats *diag.Stats) *services.ServiceContainer {
	return services.NewServiceManager(coord, stats).GetServices()
}

func newWebServer(svc *services.ServiceContainer, prom *diag.PromSink, hub *web.EventHub) *web.WebServer {
	return web.NewWebServer(svc, web.WithMetrics(prom.Handler()), web.WithEvents(hub))
}

func startWeb(lc fx.Lifecycle, cfg config.Config, ws *web.WebServer) {
	if !cfg.Web.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return ws.Start(cfg.Web.Listen)
		},
		OnStop: ws.Shutdown,
	})
}

func startMCP(lc fx.Lifecycle, cfg config.Config, svc *services.ServiceContainer) {
	if !cfg.MCP.Enabled {
		return
	}
	s := mcp.NewMCPServer("lorarelay", Version, os.Stdin, os.Stdout)
	mcp.NewRelayTools(svc).Register(s)

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := s.Run(ctx); err != nil {
					slog.Error("MCP server stopped", "error", err.Error())
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

// listener is a gateway with a bind address known only after Start.
type listener interface {
	Ready() <-chan struct{}
	ListenAddr() string
}

// startAdvertisers announces the TCP and WebSocket gateways over mDNS once
// they are bound.
func startAdvertisers(lc fx.Lifecycle, cfg config.Config, ts Transports) {
	if !cfg.Discovery.Advertise {
		return
	}

	targets := map[string]listener{}
	if ts.TCP != nil {
		targets[proto.ServiceTCP] = ts.TCP
	}
	if ts.WS != nil {
		targets[proto.ServiceWebSocket] = ts.WS
	}
	if len(targets) == 0 {
		return
	}

	var (
		mu          sync.Mutex
		advertisers []*server.Advertiser
	)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			for service, l := range targets {
				wg.Add(1)
				go func() {
					defer wg.Done()
					select {
					case <-l.Ready():
					case <-ctx.Done():
						return
					}
					a, err := server.Advertise(cfg.Discovery.Instance, service, l.ListenAddr())
					if err != nil {
						slog.Warn("Could not advertise listener", "service", service, "error", err.Error())
						return
					}
					mu.Lock()
					advertisers = append(advertisers, a)
					mu.Unlock()
				}()
			}
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			wg.Wait()
			mu.Lock()
			defer mu.Unlock()
			var err error
			for _, a := range advertisers {
				err = multierr.Append(err, a.Shutdown())
			}
			return err
		},
	})
}
