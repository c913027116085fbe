package server

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mbocsi/lorarelay/proto"
)

// Transport delivers uplinks from end devices and carries replies back.
type Transport interface {
	Start() error
	OnUplink(func(Uplink))
	Shutdown() error
	Meta() TransportMetadata
	SetName(name string)
	SetDescription(description string)
}

type TransportMetadata struct {
	ID          string `json:"id"`
	Name        string `json:"name"`        // Human-friendly name, e.g., "TTN Application", "Field gateway"
	Protocol    string `json:"protocol"`    // ttn, tcp, websocket, lora
	Address     string `json:"address"`     // Bind address or broker URL
	Description string `json:"description"` // Optional, short purpose/use case

	Clients    int  `json:"clients"`     // Connected gateways or endpoints
	MaxClients int  `json:"max_clients"` // 0 when not applicable
	Connected  bool `json:"connected"`
}

// Uplink is one raw frame as received from a device, before decoding.
type Uplink struct {
	DeviceID   string
	Payload    []byte
	Radio      *proto.Radio
	ReceivedAt time.Time
	Transport  string

	// Reply sends the single downlink allowed after this uplink.
	Reply Client
}

type DeviceMetadata struct {
	Id        string
	Address   string
	Transport Transport
}

// Client is the downlink path to one device.
type Client interface {
	Send(payload []byte) error
	Meta() *DeviceMetadata
}

// gatewayFrame is the line format shared by the TCP and WebSocket gateways.
// Payloads are base64 in both directions, like the TTN integration.
type gatewayFrame struct {
	DeviceID   string  `json:"device_id"`
	FRMPayload []byte  `json:"frm_payload"`
	RSSI       *int    `json:"rssi,omitempty"`
	SNR        float64 `json:"snr,omitempty"`
	SF         int     `json:"sf,omitempty"`
}

func (f gatewayFrame) radio() *proto.Radio {
	if f.RSSI == nil {
		return nil
	}
	return &proto.Radio{RSSI: *f.RSSI, SNR: f.SNR, SpreadingFactor: f.SF}
}

func encodeGatewayFrame(deviceID string, payload []byte) ([]byte, error) {
	return json.Marshal(gatewayFrame{DeviceID: deviceID, FRMPayload: payload})
}

func generateClientId(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
