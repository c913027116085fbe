package server

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic   string
	payload []byte
}

type fakeMQTT struct {
	opts       *mqtt.ClientOptions
	connectErr error

	mu           sync.Mutex
	subscribed   string
	handler      mqtt.MessageHandler
	published    []published
	disconnected bool
}

func (f *fakeMQTT) Connect() mqtt.Token {
	if f.connectErr != nil {
		return &fakeToken{err: f.connectErr}
	}
	if f.opts.OnConnect != nil {
		f.opts.OnConnect(nil)
	}
	return &fakeToken{}
}

func (f *fakeMQTT) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed, f.handler = topic, cb
	return &fakeToken{}
}

func (f *fakeMQTT) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic, payload.([]byte)})
	return &fakeToken{}
}

func (f *fakeMQTT) deliver(topic string, payload []byte) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(nil, &fakeMessage{topic: topic, payload: payload})
}

func newTestTTN(t *testing.T, fake *fakeMQTT) *TTNTransport {
	t.Helper()
	tr := NewTTNTransport(TTNConfig{Broker: "tls://eu1.example:8883", Username: "relay@ttn", AppID: "relay"})
	tr.newClient = func(o *mqtt.ClientOptions) mqttClient {
		fake.opts = o
		return fake
	}
	return tr
}

const ttnUplinkJSON = `{
  "end_device_ids": {"device_id": "eui-70b3d57ed005a1b2"},
  "uplink_message": {
    "f_port": 1,
    "frm_payload": "Ag==",
    "rx_metadata": [{"rssi": -104, "snr": 6.25}],
    "settings": {"data_rate": {"lora": {"spreading_factor": 9}}}
  }
}`

func TestTTNTransport_UplinkAndDownlink(t *testing.T) {
	fake := &fakeMQTT{}
	tr := newTestTTN(t, fake)

	uplinks := make(chan Uplink, 1)
	tr.OnUplink(func(u Uplink) { uplinks <- u })

	errc := make(chan error, 1)
	go func() { errc <- tr.Start() }()
	require.Eventually(t, func() bool { return tr.Meta().Connected }, time.Second, 5*time.Millisecond)

	fake.mu.Lock()
	assert.Equal(t, "v3/relay@ttn/devices/+/up", fake.subscribed)
	assert.False(t, fake.opts.Order, "uplink handlers run off the router goroutine")
	fake.mu.Unlock()

	fake.deliver("v3/relay@ttn/devices/eui-70b3d57ed005a1b2/up", []byte(ttnUplinkJSON))

	var up Uplink
	select {
	case up = <-uplinks:
	case <-time.After(time.Second):
		t.Fatal("no uplink delivered")
	}
	assert.Equal(t, "eui-70b3d57ed005a1b2", up.DeviceID)
	assert.Equal(t, []byte{0x02}, up.Payload)
	assert.Equal(t, "ttn", up.Transport)
	require.NotNil(t, up.Radio)
	assert.Equal(t, -104, up.Radio.RSSI)
	assert.Equal(t, 6.25, up.Radio.SNR)
	assert.Equal(t, 9, up.Radio.SpreadingFactor)
	assert.Equal(t, 1, tr.Meta().Clients)

	require.NoError(t, up.Reply.Send([]byte{0x80, 0xc3, 0xd4}))

	fake.mu.Lock()
	require.Len(t, fake.published, 1)
	pub := fake.published[0]
	fake.mu.Unlock()
	assert.Equal(t, "v3/relay@ttn/devices/eui-70b3d57ed005a1b2/down/push", pub.topic)

	var body struct {
		Downlinks []struct {
			FPort      int    `json:"f_port"`
			FRMPayload []byte `json:"frm_payload"`
			Priority   string `json:"priority"`
		} `json:"downlinks"`
	}
	require.NoError(t, json.Unmarshal(pub.payload, &body))
	require.Len(t, body.Downlinks, 1)
	assert.Equal(t, 1, body.Downlinks[0].FPort)
	assert.Equal(t, "NORMAL", body.Downlinks[0].Priority)
	assert.Equal(t, []byte{0x80, 0xc3, 0xd4}, body.Downlinks[0].FRMPayload)

	require.NoError(t, tr.Shutdown())
	require.NoError(t, <-errc)
	assert.True(t, fake.disconnected)
	assert.False(t, tr.Meta().Connected)

	assert.Error(t, up.Reply.Send([]byte{0x01}), "no downlinks after shutdown")
}

func TestTTNTransport_DropsBadMessages(t *testing.T) {
	fake := &fakeMQTT{}
	tr := newTestTTN(t, fake)

	var got []Uplink
	tr.OnUplink(func(u Uplink) { got = append(got, u) })
	go tr.Start()
	require.Eventually(t, func() bool { return tr.Meta().Connected }, time.Second, 5*time.Millisecond)
	defer tr.Shutdown()

	fake.deliver("v3/relay@ttn/devices/x/up", []byte("not json"))
	fake.deliver("v3/relay@ttn/devices/x/up", []byte(`{"uplink_message":{"frm_payload":"AQ=="}}`))
	assert.Empty(t, got)

	// no rx metadata is fine, the radio is just unknown
	fake.deliver("v3/relay@ttn/devices/x/up", []byte(`{"end_device_ids":{"device_id":"eui-1"},"uplink_message":{"frm_payload":"AQ=="}}`))
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Radio)
}

func TestTTNTransport_ConnectFailure(t *testing.T) {
	fake := &fakeMQTT{connectErr: errors.New("not authorized")}
	tr := newTestTTN(t, fake)
	tr.OnUplink(func(Uplink) {})

	err := tr.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
}

func TestTTNTransport_StartWithoutHandler(t *testing.T) {
	tr := NewTTNTransport(TTNConfig{AppID: "relay"})
	assert.Error(t, tr.Start())
}

func TestTTNTransport_TenantInAppID(t *testing.T) {
	tr := NewTTNTransport(TTNConfig{AppID: "relay@acme"})
	assert.Equal(t, "v3/relay@acme/devices/+/up", tr.uplinkTopic())
	assert.Equal(t, "ttn-relay@acme", tr.Meta().ID)
	assert.Equal(t, "mqtt", tr.Meta().Protocol)
}
