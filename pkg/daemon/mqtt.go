package daemon

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pneumalabs/spiro/pkg/events"
)

const mqttConnectTimeout = 10 * time.Second

// mqttPublisher mirrors hub events onto an MQTT broker so readings can
// feed dashboards and automations without talking to the unix socket.
type mqttPublisher struct {
	broker string
	topic  string
	client mqtt.Client

	stopCh chan struct{}
	doneCh chan struct{}
}

func newMQTTPublisher(broker, topic string) *mqttPublisher {
	p := &mqttPublisher{
		broker: broker,
		topic:  topic,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("spiro-" + uuid.NewString()).
		SetConnectTimeout(mqttConnectTimeout).
		SetConnectRetry(true).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(mqtt.Client) {
			logrus.Infof("mqtt connected to %s", broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logrus.Warnf("mqtt connection lost: %v", err)
		})

	p.client = mqtt.NewClient(opts)
	return p
}

// start connects in the background and forwards hub events until stop
// is called. Events that arrive while the broker is unreachable are
// dropped, MQTT is a best-effort mirror of the local event stream.
func (p *mqttPublisher) start(hub *events.EventHub) {
	ch := hub.Subscribe()

	go func() {
		// With connect retry on, a failed Wait means an unrecoverable
		// option error such as a malformed broker URL.
		if token := p.client.Connect(); token.Wait() && token.Error() != nil {
			logrus.Errorf("mqtt connect failed: %v", token.Error())
		}
	}()

	go func() {
		defer close(p.doneCh)
		defer hub.Unsubscribe(ch)
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				p.publish(ev)
			case <-p.stopCh:
				return
			}
		}
	}()
}

func (p *mqttPublisher) stop() {
	close(p.stopCh)
	<-p.doneCh
	p.client.Disconnect(250)
}

func (p *mqttPublisher) publish(ev events.Event) {
	if !p.client.IsConnected() {
		return
	}
	topic, retained := p.topicFor(ev.Name)
	p.client.Publish(topic, 0, retained, []byte(ev.Data))
}

// topicFor maps an event to its topic. Breath readings go to the base
// topic, state changes are retained so late subscribers see the
// current state.
func (p *mqttPublisher) topicFor(name string) (topic string, retained bool) {
	switch name {
	case events.Breath:
		return p.topic, false
	case events.ReadyStateChange:
		return p.topic + "/state", true
	case events.CalibrationStateChange:
		return p.topic + "/calibration", true
	case events.SessionError:
		return p.topic + "/errors", false
	default:
		return p.topic + "/" + name, false
	}
}
