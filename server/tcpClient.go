package server

import (
	"log/slog"
	"net"
	"sync"
)

// TCPClient addresses one device behind a gateway connection. Clients for
// devices sharing a connection share its write lock.
type TCPClient struct {
	DeviceMetadata
	conn net.Conn
	wmu  *sync.Mutex
}

func NewTCPClient(deviceID string, conn net.Conn, wmu *sync.Mutex, t Transport) *TCPClient {
	return &TCPClient{
		conn: conn,
		wmu:  wmu,
		DeviceMetadata: DeviceMetadata{
			Id:        deviceID,
			Address:   conn.RemoteAddr().String(),
			Transport: t,
		},
	}
}

func (c *TCPClient) Send(payload []byte) error {
	line, err := encodeGatewayFrame(c.Id, payload)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	c.wmu.Lock()
	_, err = c.conn.Write(line)
	c.wmu.Unlock()

	slog.Debug("Sent frame", "to", c.Id, "size", len(payload))
	return err
}

func (c *TCPClient) Meta() *DeviceMetadata {
	return &c.DeviceMetadata
}
