package server

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const ttnTimeout = 10 * time.Second

// TTNConfig addresses one The Things Network application.
type TTNConfig struct {
	Broker             string
	Username           string
	Password           string
	AppID              string
	FPort              int
	Priority           string
	InsecureSkipVerify bool
}

// mqttClient is the part of mqtt.Client the transport uses.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// TTNTransport receives uplinks from a TTN application over MQTT and pushes
// replies back as scheduled downlinks.
type TTNTransport struct {
	cfg      TTNConfig
	onUplink func(Uplink)

	newClient func(*mqtt.ClientOptions) mqttClient
	client    mqttClient
	cmu       sync.Mutex

	name        string
	description string
	devices     map[string]struct{}
	dmu         sync.RWMutex

	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func NewTTNTransport(cfg TTNConfig) *TTNTransport {
	if cfg.FPort == 0 {
		cfg.FPort = 1
	}
	if cfg.Priority == "" {
		cfg.Priority = "NORMAL"
	}
	return &TTNTransport{
		cfg:       cfg,
		newClient: func(o *mqtt.ClientOptions) mqttClient { return mqtt.NewClient(o) },
		devices:   make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// topicUser is the "{app}@{tenant}" segment of TTN topics.
func (t *TTNTransport) topicUser() string {
	if strings.Contains(t.cfg.AppID, "@") {
		return t.cfg.AppID
	}
	return t.cfg.AppID + "@ttn"
}

func (t *TTNTransport) uplinkTopic() string {
	return fmt.Sprintf("v3/%s/devices/+/up", t.topicUser())
}

func (t *TTNTransport) downlinkTopic(deviceID string) string {
	return fmt.Sprintf("v3/%s/devices/%s/down/push", t.topicUser(), deviceID)
}

func (t *TTNTransport) Start() error {
	slog.Info("Starting ttn transport", "broker", t.cfg.Broker, "app", t.cfg.AppID)

	if t.onUplink == nil {
		return fmt.Errorf("the OnUplink function is not defined, this transport is likely being called outside of the coordinator")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID("lorarelay-" + uuid.NewString()[:8]).
		SetUsername(t.cfg.Username).
		SetPassword(t.cfg.Password).
		SetAutoReconnect(true).
		// handlers publish the reply, so they must not hold up paho's router
		SetOrderMatters(false).
		SetConnectTimeout(ttnTimeout).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: t.cfg.InsecureSkipVerify}).
		SetOnConnectHandler(func(mqtt.Client) { t.subscribe() }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.connected.Store(false)
			slog.Warn("Lost connection to ttn broker", "broker", t.cfg.Broker, "error", err)
		})

	client := t.newClient(opts)
	t.cmu.Lock()
	t.client = client
	t.cmu.Unlock()
	tok := client.Connect()
	if !tok.WaitTimeout(ttnTimeout) {
		return fmt.Errorf("connecting to %s: timed out", t.cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("connecting to %s: %w", t.cfg.Broker, err)
	}

	<-t.done
	return nil
}

// subscribe runs on every (re)connect.
func (t *TTNTransport) subscribe() {
	topic := t.uplinkTopic()
	tok := t.conn().Subscribe(topic, 0, t.handleMessage)
	if !tok.WaitTimeout(ttnTimeout) || tok.Error() != nil {
		slog.Error("Failed to subscribe to ttn uplinks", "topic", topic, "error", tok.Error())
		return
	}
	t.connected.Store(true)
	slog.Info("Subscribed to ttn uplinks", "topic", topic)
}

type ttnUplink struct {
	EndDeviceIDs struct {
		DeviceID string `json:"device_id"`
	} `json:"end_device_ids"`
	UplinkMessage struct {
		FPort      int    `json:"f_port"`
		FRMPayload []byte `json:"frm_payload"`
		RxMetadata []struct {
			RSSI *int    `json:"rssi"`
			SNR  float64 `json:"snr"`
		} `json:"rx_metadata"`
		Settings struct {
			DataRate struct {
				LoRa struct {
					SpreadingFactor int `json:"spreading_factor"`
				} `json:"lora"`
			} `json:"data_rate"`
		} `json:"settings"`
	} `json:"uplink_message"`
}

func (u ttnUplink) gatewayFrame() gatewayFrame {
	f := gatewayFrame{
		DeviceID:   u.EndDeviceIDs.DeviceID,
		FRMPayload: u.UplinkMessage.FRMPayload,
		SF:         u.UplinkMessage.Settings.DataRate.LoRa.SpreadingFactor,
	}
	if md := u.UplinkMessage.RxMetadata; len(md) > 0 {
		f.RSSI = md[0].RSSI
		f.SNR = md[0].SNR
	}
	return f
}

func (t *TTNTransport) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var up ttnUplink
	if err := json.Unmarshal(msg.Payload(), &up); err != nil {
		slog.Warn("Dropping undecodable ttn message", "topic", msg.Topic(), "error", err)
		return
	}
	frame := up.gatewayFrame()
	if frame.DeviceID == "" {
		slog.Warn("Dropping ttn message without device id", "topic", msg.Topic())
		return
	}

	t.dmu.Lock()
	t.devices[frame.DeviceID] = struct{}{}
	t.dmu.Unlock()

	t.onUplink(Uplink{
		DeviceID:  frame.DeviceID,
		Payload:   frame.FRMPayload,
		Radio:     frame.radio(),
		Transport: "ttn",
		Reply:     NewTTNClient(frame.DeviceID, t),
	})
}

type ttnDownlink struct {
	FPort      int    `json:"f_port"`
	FRMPayload []byte `json:"frm_payload"`
	Priority   string `json:"priority"`
}

// push schedules payload as a downlink for deviceID.
func (t *TTNTransport) push(deviceID string, payload []byte) error {
	client := t.conn()
	if client == nil || !t.connected.Load() {
		return errors.New("ttn transport not connected")
	}
	body, err := json.Marshal(map[string][]ttnDownlink{
		"downlinks": {{FPort: t.cfg.FPort, FRMPayload: payload, Priority: t.cfg.Priority}},
	})
	if err != nil {
		return err
	}
	tok := client.Publish(t.downlinkTopic(deviceID), 0, false, body)
	if !tok.WaitTimeout(ttnTimeout) {
		return fmt.Errorf("publishing downlink for %s: timed out", deviceID)
	}
	return tok.Error()
}

func (t *TTNTransport) conn() mqttClient {
	t.cmu.Lock()
	defer t.cmu.Unlock()
	return t.client
}

func (t *TTNTransport) OnUplink(handler func(Uplink)) {
	t.onUplink = handler
}

func (t *TTNTransport) Shutdown() error {
	t.closeOnce.Do(func() {
		if client := t.conn(); client != nil {
			client.Disconnect(250)
		}
		t.connected.Store(false)
		close(t.done)
		slog.Info("TTN transport shut down")
	})
	return nil
}

func (t *TTNTransport) Meta() TransportMetadata {
	t.dmu.RLock()
	clients := len(t.devices)
	t.dmu.RUnlock()
	return TransportMetadata{
		ID:          "ttn-" + t.cfg.AppID,
		Name:        t.name,
		Description: t.description,
		Protocol:    "mqtt",
		Address:     t.cfg.Broker,
		Clients:     clients,
		Connected:   t.connected.Load(),
	}
}

func (t *TTNTransport) SetName(name string) {
	t.name = name
}

func (t *TTNTransport) SetDescription(description string) {
	t.description = description
}
