package notify

import (
	"fmt"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/nasa-jpl/astrotask/task"
)

// publishTimeout bounds how long Notify waits for the broker.
const publishTimeout = 2 * time.Second

// MQTTClient is the part of mqtt.Client MQTT uses.
type MQTTClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes each notification msgpack encoded on <topic>/<id>.  The
// latest state of a task is retained, removals clear it.
type MQTT struct {
	client MQTTClient
	topic  string
	qos    byte
	log    *zap.Logger
	conn   mqtt.Client
}

// NewMQTT publishes with client.
func NewMQTT(client MQTTClient, topic string, qos byte, log *zap.Logger) *MQTT {
	if log == nil {
		log = zap.NewNop()
	}
	return &MQTT{client: client, topic: topic, qos: qos, log: log}
}

// DialMQTT connects to broker (host:port) and reconnects automatically.
func DialMQTT(broker, clientID, topic string, qos byte, log *zap.Logger) (*MQTT, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info("mqtt connection established", zap.String("broker", broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.String("broker", broker), zap.Error(err))
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout to %s", broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	m := NewMQTT(c, topic, qos, log)
	m.conn = c
	return m, nil
}

// Topic is the topic notifications about task id go to.
func (m *MQTT) Topic(id int64) string {
	return m.topic + "/" + strconv.FormatInt(id, 10)
}

// Notify implements task.Notifier.
func (m *MQTT) Notify(i task.Info) {
	var payload []byte
	if !i.Removed {
		b, err := msgpack.Marshal(i)
		if err != nil {
			m.log.Error("cannot encode notification", zap.Int64("id", i.ID), zap.Error(err))
			return
		}
		payload = b
	}
	tok := m.client.Publish(m.Topic(i.ID), m.qos, true, payload)
	if !tok.WaitTimeout(publishTimeout) {
		m.log.Warn("mqtt publish timeout", zap.Int64("id", i.ID))
		return
	}
	if err := tok.Error(); err != nil {
		m.log.Warn("mqtt publish failed", zap.Int64("id", i.ID), zap.Error(err))
	}
}

// Close disconnects a client opened by DialMQTT.
func (m *MQTT) Close() error {
	if m.conn != nil && m.conn.IsConnected() {
		m.conn.Disconnect(250)
	}
	return nil
}
