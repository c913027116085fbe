package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

type TCPTransport struct {
	conn    net.Conn
	scanner *bufio.Scanner
	wmu     sync.Mutex
}

func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

func (t *TCPTransport) Connect(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	t.conn = conn
	t.scanner = bufio.NewScanner(conn)
	return nil
}

func (t *TCPTransport) Send(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_, err = t.conn.Write(data)
	return err
}

func (t *TCPTransport) Read() (Frame, error) {
	for t.scanner.Scan() {
		var f Frame
		if err := json.Unmarshal(t.scanner.Bytes(), &f); err != nil {
			return Frame{}, fmt.Errorf("invalid JSON: %w", err)
		}
		return f, nil
	}

	if err := t.scanner.Err(); err != nil {
		return Frame{}, err
	}

	return Frame{}, fmt.Errorf("connection closed")
}

func (t *TCPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
