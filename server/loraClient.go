package server

import (
	"fmt"
	"log/slog"
	"sync"
)

// LoRaClient is the downlink path to one device heard on a local radio.
type LoRaClient struct {
	DeviceMetadata
	address []byte
	radio   LoRaRadio

	mu   sync.RWMutex
	rssi int
	snr  float64
}

func NewLoRaClient(id string, address []byte, t *LoRaTransport) *LoRaClient {
	return &LoRaClient{
		address: append([]byte(nil), address...),
		radio:   t.radio,
		DeviceMetadata: DeviceMetadata{
			Id:        id,
			Address:   fmt.Sprintf("%x", address),
			Transport: t,
		},
	}
}

func (c *LoRaClient) Send(payload []byte) error {
	if err := c.radio.Send(c.address, payload); err != nil {
		return fmt.Errorf("failed to send LoRa frame: %w", err)
	}
	rssi, _ := c.SignalQuality()
	slog.Debug("Sent LoRa frame", "to", c.Id, "size", len(payload), "rssi", rssi)
	return nil
}

func (c *LoRaClient) Meta() *DeviceMetadata {
	return &c.DeviceMetadata
}

// SignalQuality returns the RSSI and SNR of the last packet heard.
func (c *LoRaClient) SignalQuality() (int, float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rssi, c.snr
}

func (c *LoRaClient) updateSignalQuality(rssi int, snr float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rssi = rssi
	c.snr = snr
}
