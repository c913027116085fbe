package server

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockHardwareInterface is a simple mock for testing
type mockHardwareInterface struct {
	mu          sync.Mutex
	initialized bool
	frequency   uint32
	power       uint8
	sf          uint8
	rxCallback  func(data []byte, rssi int, snr float64)
	transmitted [][]byte
	failModem   bool
}

func (m *mockHardwareInterface) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	return nil
}

func (m *mockHardwareInterface) Transmit(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transmitted = append(m.transmitted, append([]byte(nil), data...))
	return nil
}

func (m *mockHardwareInterface) SetReceiveCallback(callback func(data []byte, rssi int, snr float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rxCallback = callback
}

func (m *mockHardwareInterface) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	return nil
}

func (m *mockHardwareInterface) SetFrequency(freq uint32) error {
	m.frequency = freq
	return nil
}

func (m *mockHardwareInterface) SetPower(power uint8) error {
	m.power = power
	return nil
}

func (m *mockHardwareInterface) SetModem(bandwidth uint32, sf, cr uint8) error {
	if m.failModem {
		return errors.New("unsupported spreading factor")
	}
	m.sf = sf
	return nil
}

func (m *mockHardwareInterface) simulateReceive(data []byte, rssi int, snr float64) {
	m.mu.Lock()
	cb, ok := m.rxCallback, m.initialized
	m.mu.Unlock()
	if cb != nil && ok {
		cb(data, rssi, snr)
	}
}

func testSX1276Config() SX1276Config {
	return SX1276ConfigFor(LoRaConfig{
		Frequency:       868000000,
		Bandwidth:       125000,
		SpreadingFactor: 9,
		CodingRate:      5,
		TxPower:         14,
	}, "/dev/spidev0.0")
}

func TestSX1276Radio_StartConfiguresHardware(t *testing.T) {
	hw := &mockHardwareInterface{}
	radio := NewSX1276Radio(testSX1276Config(), hw)

	if err := radio.Start(); err != nil {
		t.Fatalf("Failed to start radio: %v", err)
	}
	defer radio.Stop()

	if hw.frequency != 868000000 || hw.power != 14 || hw.sf != 9 {
		t.Errorf("Hardware not configured: freq=%d power=%d sf=%d", hw.frequency, hw.power, hw.sf)
	}
	if err := radio.Start(); err == nil {
		t.Error("Expected error when starting a running radio")
	}
}

func TestSX1276Radio_StartFailsOnModemError(t *testing.T) {
	hw := &mockHardwareInterface{failModem: true}
	radio := NewSX1276Radio(testSX1276Config(), hw)

	if err := radio.Start(); err == nil {
		t.Fatal("Expected start to fail")
	}
	if hw.initialized {
		t.Error("Hardware should be closed after a failed start")
	}
}

func TestSX1276Radio_SendFramesAddress(t *testing.T) {
	hw := &mockHardwareInterface{}
	radio := NewSX1276Radio(testSX1276Config(), hw)

	if err := radio.Send([]byte{0x01}, []byte{0x80}); !errors.Is(err, ErrRadioStopped) {
		t.Errorf("Expected ErrRadioStopped before start, got %v", err)
	}

	if err := radio.Start(); err != nil {
		t.Fatalf("Failed to start radio: %v", err)
	}
	defer radio.Stop()

	address := []byte{0x70, 0xb3, 0xd5, 0x7e}
	if err := radio.Send(address, []byte{0x80, 0xe5, 0x66}); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	want := []byte{0x04, 0x70, 0xb3, 0xd5, 0x7e, 0x80, 0xe5, 0x66}
	if len(hw.transmitted) != 1 || !bytes.Equal(hw.transmitted[0], want) {
		t.Errorf("Expected packet %x, got %x", want, hw.transmitted)
	}
}

func TestSX1276Radio_Receive(t *testing.T) {
	hw := &mockHardwareInterface{}
	radio := NewSX1276Radio(testSX1276Config(), hw)
	if err := radio.Start(); err != nil {
		t.Fatalf("Failed to start radio: %v", err)
	}
	defer radio.Stop()

	hw.simulateReceive([]byte{0x02, 0xe5, 0x66, 0x02}, -97, 7.5)

	done := make(chan LoRaMessage, 1)
	go func() {
		msg, err := radio.Receive()
		if err == nil {
			done <- msg
		}
	}()

	select {
	case msg := <-done:
		if !bytes.Equal(msg.DeviceAddress, []byte{0xe5, 0x66}) {
			t.Errorf("Unexpected address %x", msg.DeviceAddress)
		}
		if !bytes.Equal(msg.Data, []byte{0x02}) {
			t.Errorf("Unexpected data %x", msg.Data)
		}
		if msg.RSSI != -97 || msg.SNR != 7.5 {
			t.Errorf("Unexpected signal quality %d/%v", msg.RSSI, msg.SNR)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for packet")
	}
}

func TestSX1276Radio_DropsInvalidPackets(t *testing.T) {
	hw := &mockHardwareInterface{}
	radio := NewSX1276Radio(testSX1276Config(), hw)
	if err := radio.Start(); err != nil {
		t.Fatalf("Failed to start radio: %v", err)
	}

	hw.simulateReceive([]byte{0x01}, -90, 1)             // too short
	hw.simulateReceive([]byte{0x08, 0x01, 0x02}, -90, 1) // address overruns packet
	hw.simulateReceive([]byte{0x00, 0x01}, -90, 1)       // empty address

	if len(radio.rx) != 0 {
		t.Errorf("Expected no queued packets, got %d", len(radio.rx))
	}

	radio.Stop()
	if _, err := radio.Receive(); !errors.Is(err, ErrRadioStopped) {
		t.Errorf("Expected ErrRadioStopped after stop, got %v", err)
	}
	// late callbacks after stop must not panic
	hw.initialized = true
	hw.simulateReceive([]byte{0x01, 0x01, 0x02}, -90, 1)
}
