package server

// TTNClient replies to one TTN end device through the application's downlink queue
type TTNClient struct {
	transport *TTNTransport
	DeviceMetadata
}

func NewTTNClient(deviceID string, t *TTNTransport) *TTNClient {
	return &TTNClient{
		transport: t,
		DeviceMetadata: DeviceMetadata{
			Id:        deviceID,
			Address:   t.downlinkTopic(deviceID),
			Transport: t,
		},
	}
}

func (c *TTNClient) Send(payload []byte) error {
	return c.transport.push(c.Id, payload)
}

func (c *TTNClient) Meta() *DeviceMetadata {
	return &c.DeviceMetadata
}
