package server

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// WSClient addresses one device behind a WebSocket gateway. gorilla
// connections allow a single concurrent writer, hence the shared lock.
type WSClient struct {
	DeviceMetadata
	conn *websocket.Conn
	wmu  *sync.Mutex
}

func NewWSClient(deviceID string, conn *websocket.Conn, wmu *sync.Mutex, t Transport) *WSClient {
	return &WSClient{
		conn: conn,
		wmu:  wmu,
		DeviceMetadata: DeviceMetadata{
			Id:        deviceID,
			Address:   conn.RemoteAddr().String(),
			Transport: t,
		},
	}
}

func (c *WSClient) Send(payload []byte) error {
	data, err := encodeGatewayFrame(c.Id, payload)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.wmu.Unlock()
	if err != nil {
		return err
	}

	slog.Debug("Sent WebSocket frame", "to", c.Id, "size", len(payload))
	return nil
}

func (c *WSClient) Meta() *DeviceMetadata {
	return &c.DeviceMetadata
}
