package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var ErrRadioStopped = errors.New("radio stopped")

// HardwareInterface abstracts the SPI/GPIO driver behind an SX1276.
type HardwareInterface interface {
	Initialize() error
	Transmit(data []byte) error
	SetReceiveCallback(callback func(data []byte, rssi int, snr float64))
	Close() error
	SetFrequency(freq uint32) error
	SetPower(power uint8) error
	SetModem(bandwidth uint32, spreadingFactor, codingRate uint8) error
}

// SX1276Config contains hardware-specific configuration for an SX1276/SX1278.
type SX1276Config struct {
	SPIDevice string // e.g., "/dev/spidev0.0"
	SPISpeed  uint32 // Hz
	ResetGPIO int
	IRQPin    int

	Frequency       uint32
	Power           uint8 // dBm, 2-20
	SyncByte        uint8 // 0x34 for public LoRaWAN networks, 0x12 private
	Bandwidth       uint32
	SpreadingFactor uint8
	CodingRate      uint8
}

// SX1276Radio implements LoRaRadio on top of a HardwareInterface. Packets on
// air are [address length][address][payload].
type SX1276Radio struct {
	config SX1276Config
	hw     HardwareInterface

	mu      sync.RWMutex
	running bool
	rx      chan LoRaMessage
}

func NewSX1276Radio(config SX1276Config, hw HardwareInterface) *SX1276Radio {
	return &SX1276Radio{
		config: config,
		hw:     hw,
		rx:     make(chan LoRaMessage, 100),
	}
}

// SX1276ConfigFor builds a radio config from the transport settings.
func SX1276ConfigFor(lora LoRaConfig, spiDevice string) SX1276Config {
	return SX1276Config{
		SPIDevice:       spiDevice,
		SPISpeed:        1000000,
		ResetGPIO:       4,
		IRQPin:          17,
		Frequency:       lora.Frequency,
		Power:           lora.TxPower,
		SyncByte:        0x12,
		Bandwidth:       lora.Bandwidth,
		SpreadingFactor: lora.SpreadingFactor,
		CodingRate:      lora.CodingRate,
	}
}

func (r *SX1276Radio) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("radio already running")
	}

	if err := r.hw.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize hardware interface: %w", err)
	}
	if err := r.configure(); err != nil {
		r.hw.Close()
		return err
	}
	r.hw.SetReceiveCallback(r.onHardwareReceive)

	r.running = true
	slog.Info("SX1276 LoRa radio started",
		"frequency", r.config.Frequency,
		"power", r.config.Power,
		"sf", r.config.SpreadingFactor,
		"spi_device", r.config.SPIDevice)
	return nil
}

func (r *SX1276Radio) configure() error {
	if err := r.hw.SetFrequency(r.config.Frequency); err != nil {
		return fmt.Errorf("failed to set frequency: %w", err)
	}
	if err := r.hw.SetPower(r.config.Power); err != nil {
		return fmt.Errorf("failed to set power: %w", err)
	}
	if err := r.hw.SetModem(r.config.Bandwidth, r.config.SpreadingFactor, r.config.CodingRate); err != nil {
		return fmt.Errorf("failed to set modem parameters: %w", err)
	}
	return nil
}

// Stop releases the hardware. Pending Receive calls return ErrRadioStopped.
func (r *SX1276Radio) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}
	r.running = false
	close(r.rx)

	err := r.hw.Close()
	slog.Info("SX1276 LoRa radio stopped")
	return err
}

func (r *SX1276Radio) Send(address []byte, data []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.running {
		return ErrRadioStopped
	}

	packet := make([]byte, 1+len(address)+len(data))
	packet[0] = uint8(len(address))
	copy(packet[1:], address)
	copy(packet[1+len(address):], data)

	if err := r.hw.Transmit(packet); err != nil {
		return fmt.Errorf("hardware transmit failed: %w", err)
	}
	slog.Debug("SX1276 packet transmitted", "address", fmt.Sprintf("%x", address), "size", len(packet))
	return nil
}

// Receive blocks until a packet arrives or the radio is stopped.
func (r *SX1276Radio) Receive() (LoRaMessage, error) {
	msg, ok := <-r.rx
	if !ok {
		return LoRaMessage{}, ErrRadioStopped
	}
	return msg, nil
}

func (r *SX1276Radio) onHardwareReceive(data []byte, rssi int, snr float64) {
	if len(data) < 2 {
		slog.Warn("SX1276 received packet too short", "size", len(data))
		return
	}
	addrLen := int(data[0])
	if addrLen == 0 || len(data) < 1+addrLen {
		slog.Warn("SX1276 received packet with invalid address length", "declared_addr_len", addrLen, "packet_size", len(data))
		return
	}

	msg := LoRaMessage{
		DeviceAddress: append([]byte(nil), data[1:1+addrLen]...),
		Data:          append([]byte(nil), data[1+addrLen:]...),
		RSSI:          rssi,
		SNR:           snr,
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return
	}
	select {
	case r.rx <- msg:
	default:
		slog.Warn("SX1276 receive queue full, dropping packet", "address", fmt.Sprintf("%x", msg.DeviceAddress))
	}
}
