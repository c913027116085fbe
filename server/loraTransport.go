package server

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mbocsi/lorarelay/proto"
)

// LoRaConfig contains basic LoRa radio configuration
type LoRaConfig struct {
	Frequency       uint32 // Hz (e.g., 868000000 for 868MHz)
	Bandwidth       uint32 // Hz (e.g., 125000 for 125kHz)
	SpreadingFactor uint8  // 7-12
	CodingRate      uint8  // 5-8
	TxPower         uint8  // dBm
}

// LoRaMessage represents a received LoRa packet with metadata
type LoRaMessage struct {
	DeviceAddress []byte // DevEUI as sent by the endpoint
	Data          []byte
	RSSI          int
	SNR           float64
}

// LoRaRadio defines the interface for LoRa radio hardware
type LoRaRadio interface {
	Start() error
	Stop() error
	Send(address []byte, data []byte) error
	Receive() (LoRaMessage, error)
}

// LoRaTransport receives frames directly from a locally attached radio,
// without a network server in between.
type LoRaTransport struct {
	config LoRaConfig
	radio  LoRaRadio

	onUplink func(Uplink)

	name        string
	description string
	clients     map[string]*LoRaClient
	cmu         sync.RWMutex

	maxClients int
	connected  atomic.Bool
	running    atomic.Bool
}

func NewLoRaTransport(config LoRaConfig, radio LoRaRadio) *LoRaTransport {
	return &LoRaTransport{
		config:     config,
		radio:      radio,
		maxClients: 50, // LoRa can handle many low-bandwidth devices
		clients:    make(map[string]*LoRaClient),
	}
}

func (t *LoRaTransport) Start() error {
	slog.Info("Starting LoRa transport", "frequency", t.config.Frequency, "sf", t.config.SpreadingFactor)

	if t.onUplink == nil {
		return fmt.Errorf("the OnUplink function is not defined, this transport is likely being called outside of the coordinator")
	}

	if err := t.radio.Start(); err != nil {
		return fmt.Errorf("failed to start LoRa radio: %w", err)
	}

	t.connected.Store(true)
	t.running.Store(true)

	// blocks like the other transports
	for t.running.Load() {
		msg, err := t.radio.Receive()
		if err != nil {
			if !t.running.Load() {
				break
			}
			slog.Warn("LoRa receive failed", "error", err)
			continue
		}
		t.handleMessage(msg)
	}
	return nil
}

// deviceID renders a radio address the same way TTN names devices.
func deviceID(address []byte) string {
	return "eui-" + hex.EncodeToString(address)
}

func (t *LoRaTransport) handleMessage(msg LoRaMessage) {
	id := deviceID(msg.DeviceAddress)
	radio := &proto.Radio{RSSI: msg.RSSI, SNR: msg.SNR, SpreadingFactor: int(t.config.SpreadingFactor)}

	t.cmu.Lock()
	client, exists := t.clients[id]
	if !exists {
		if len(t.clients) >= t.maxClients {
			t.cmu.Unlock()
			slog.Warn("Max LoRa devices reached, ignoring packet", "device", id)
			return
		}
		client = NewLoRaClient(id, msg.DeviceAddress, t)
		t.clients[id] = client
	}
	t.cmu.Unlock()

	if !exists {
		slog.Info("New LoRa device heard", "device", id)
	}
	client.updateSignalQuality(msg.RSSI, msg.SNR)

	slog.Debug("LoRa packet received", "device", id, "size", len(msg.Data), "rssi", msg.RSSI, "snr", msg.SNR)
	t.onUplink(Uplink{
		DeviceID:  id,
		Payload:   msg.Data,
		Radio:     radio,
		Transport: "lora",
		Reply:     client,
	})
}

func (t *LoRaTransport) Shutdown() error {
	slog.Info("Shutting down LoRa transport")
	t.running.Store(false)
	t.connected.Store(false)

	if t.radio != nil {
		return t.radio.Stop()
	}
	return nil
}

func (t *LoRaTransport) OnUplink(fn func(Uplink)) {
	t.onUplink = fn
}

func (t *LoRaTransport) Meta() TransportMetadata {
	t.cmu.RLock()
	clients := len(t.clients)
	t.cmu.RUnlock()

	return TransportMetadata{
		ID:          fmt.Sprintf("lora-%d", t.config.Frequency),
		Name:        t.name,
		Description: t.description,
		Protocol:    "lora",
		Address:     fmt.Sprintf("%.1fMHz", float64(t.config.Frequency)/1000000),
		Clients:     clients,
		MaxClients:  t.maxClients,
		Connected:   t.connected.Load(),
	}
}

// Client returns the downlink handle for a device heard on this radio.
func (t *LoRaTransport) Client(id string) (*LoRaClient, bool) {
	t.cmu.RLock()
	defer t.cmu.RUnlock()
	c, ok := t.clients[id]
	return c, ok
}

func (t *LoRaTransport) SetName(name string) {
	t.name = name
}

func (t *LoRaTransport) SetMaxClients(n int) {
	t.maxClients = n
}

func (t *LoRaTransport) SetDescription(description string) {
	t.description = description
}
