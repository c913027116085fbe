package client

// Frame is one gateway line: a device id and its raw payload, plus optional
// radio metadata the gateway attaches to uplinks.
type Frame struct {
	DeviceID   string  `json:"device_id"`
	FRMPayload []byte  `json:"frm_payload"`
	RSSI       *int    `json:"rssi,omitempty"`
	SNR        float64 `json:"snr,omitempty"`
	SF         int     `json:"sf,omitempty"`
}

type Transport interface {
	Connect(addr string) error
	Send(f Frame) error
	Read() (Frame, error) // for one-at-a-time processing
	Close() error
}
