package main

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"usbrly08/pkg/config"
	"usbrly08/pkg/relay"
)

// Bridge exposes one relay board over MQTT. Subscription callbacks never
// touch the controller themselves: they enqueue commands consumed by a
// single loop goroutine that owns every controller call, so the board is
// never driven from two goroutines at once.
type Bridge struct {
	// cfg is owned by the loop goroutine after Start; broker and prefix
	// are fixed for the life of the bridge and safe to read anywhere.
	cfg    *config.Config
	broker string
	prefix string
	ctrl   relay.Controller
	client MQTT.Client

	commands chan command
	reloads  chan *config.Config
	done     chan struct{}
}

type command struct {
	topic   string
	payload string
}

// NewBridge creates a bridge for the given configuration and controller.
func NewBridge(cfg *config.Config, ctrl relay.Controller) *Bridge {
	return &Bridge{
		cfg:      cfg,
		broker:   cfg.MQTT.Broker,
		prefix:   cfg.MQTT.TopicPrefix,
		ctrl:     ctrl,
		commands: make(chan command, 16),
		reloads:  make(chan *config.Config, 1),
		done:     make(chan struct{}),
	}
}

// Start connects to the broker and starts the bridge loop.
func (b *Bridge) Start() error {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(b.broker)
	opts.SetClientID(clientID(&b.cfg.MQTT))
	opts.SetUsername(b.cfg.MQTT.Username)
	opts.SetPassword(b.cfg.MQTT.Password)
	opts.SetAutoReconnect(true)
	opts.SetWill(b.topic("online"), "offline", 1, true)
	opts.OnConnect = b.onConnect
	opts.OnConnectionLost = func(client MQTT.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	}

	b.client = MQTT.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to broker %s: %w", b.broker, token.Error())
	}

	go b.loop()
	return nil
}

// Stop announces the bridge offline and disconnects. The board stays in
// whatever state it was last set to.
func (b *Bridge) Stop() {
	close(b.done)
	if token := b.client.Publish(b.topic("online"), 1, true, "offline"); token.Wait() && token.Error() != nil {
		log.Warn().Err(token.Error()).Msg("failed to publish offline status")
	}
	b.client.Disconnect(250)
}

// Reload hands a freshly loaded configuration to the bridge loop.
func (b *Bridge) Reload(cfg *config.Config) {
	select {
	case b.reloads <- cfg:
	default:
		log.Warn().Msg("dropping config reload, previous one still pending")
	}
}

func (b *Bridge) onConnect(client MQTT.Client) {
	log.Info().Str("broker", b.broker).Msg("connected to MQTT broker")
	for _, topic := range []string{b.topic("relay/+/set"), b.topic("states/set")} {
		if token := client.Subscribe(topic, 1, b.receive); token.Wait() && token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", topic).Msg("subscribe failed")
		}
	}
	client.Publish(b.topic("online"), 1, true, "online")
}

// receive runs on the paho client's goroutine; it only enqueues.
func (b *Bridge) receive(_ MQTT.Client, msg MQTT.Message) {
	select {
	case b.commands <- command{topic: msg.Topic(), payload: string(msg.Payload())}:
	default:
		log.Warn().Str("topic", msg.Topic()).Msg("command queue full, dropping message")
	}
}

// loop is the only goroutine that calls the controller.
func (b *Bridge) loop() {
	refresh := b.cfg.MQTT.Refresh
	ticker := refreshTicker(refresh)
	defer ticker.Stop()

	b.publishStates(b.ctrl.State())

	for {
		select {
		case <-b.done:
			return
		case cmd := <-b.commands:
			b.handle(cmd)
		case <-ticker.C:
			b.refresh()
		case cfg := <-b.reloads:
			old := b.cfg
			b.cfg = cfg
			if cfg.Log.Level != old.Log.Level {
				logInit(cfg.Log.Level)
			}
			if cfg.MQTT.Broker != b.broker {
				log.Warn().Str("broker", cfg.MQTT.Broker).Msg("broker change takes effect after a restart")
			}
			if cfg.Serial.Port != old.Serial.Port && cfg.Serial.Port != "" {
				log.Info().Str("port", cfg.Serial.Port).Msg("serial port changed, reconnecting")
				if _, err := b.ctrl.Connect(cfg.Serial.Port); err != nil {
					log.Error().Err(err).Str("port", cfg.Serial.Port).Msg("reconnect failed")
				} else {
					b.publishStates(b.ctrl.State())
				}
			}
			if cfg.MQTT.Refresh != old.MQTT.Refresh {
				ticker.Stop()
				ticker = refreshTicker(cfg.MQTT.Refresh)
			}
		}
	}
}

func (b *Bridge) handle(cmd command) {
	rel := strings.TrimPrefix(cmd.topic, b.prefix+"/")

	if rel == "states/set" {
		mask, err := relay.ParseState(cmd.payload)
		if err != nil {
			log.Warn().Err(err).Str("payload", cmd.payload).Msg("bad states payload")
			return
		}
		state, err := b.ctrl.WriteStates(mask)
		if err != nil {
			log.Error().Err(err).Msg("failed to write relay states")
			return
		}
		b.publishStates(state)
		return
	}

	channel, err := channelFromTopic(rel)
	if err != nil {
		log.Warn().Err(err).Str("topic", cmd.topic).Msg("ignoring message")
		return
	}
	on, err := parseOnOff(cmd.payload)
	if err != nil {
		log.Warn().Err(err).Str("topic", cmd.topic).Msg("ignoring message")
		return
	}
	state, err := b.ctrl.SetChannel(channel, on)
	if err != nil {
		log.Error().Err(err).Int("channel", channel).Msg("failed to set relay channel")
		return
	}
	b.publishStates(state)
}

// refresh re-reads the board so the published state tracks changes made
// behind the bridge's back.
func (b *Bridge) refresh() {
	state, ok, err := b.ctrl.ReadStates()
	if err != nil {
		log.Error().Err(err).Msg("state refresh failed")
		return
	}
	if !ok {
		log.Debug().Msg("no answer to state refresh")
		return
	}
	b.publishStates(state)
}

func (b *Bridge) publishStates(state relay.State) {
	b.client.Publish(b.topic("states"), 1, true, state.String())
	for ch := relay.MinChannel; ch <= relay.MaxChannel; ch++ {
		label := "OFF"
		if state.IsOn(ch) {
			label = "ON"
		}
		b.client.Publish(b.topic(fmt.Sprintf("relay/%d/state", ch)), 1, true, label)
	}
}

func (b *Bridge) topic(suffix string) string {
	return b.prefix + "/" + suffix
}

// channelFromTopic extracts the channel number from a "relay/<n>/set" topic
// (already stripped of the prefix).
func channelFromTopic(topic string) (int, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "relay" || parts[2] != "set" {
		return 0, fmt.Errorf("unexpected topic %q", topic)
	}
	channel, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid channel in topic %q: %w", topic, err)
	}
	return channel, nil
}

func parseOnOff(payload string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(payload)) {
	case "ON", "1", "TRUE":
		return true, nil
	case "OFF", "0", "FALSE":
		return false, nil
	}
	return false, fmt.Errorf("unrecognized payload %q", payload)
}

// clientID returns the configured MQTT client ID, or one derived from the
// machine ID so that bridges on different hosts don't collide on the broker.
func clientID(cfg *config.MQTTConfig) string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}
	if id, err := machineid.ID(); err == nil {
		return "usbrly08-" + id
	}
	return fmt.Sprintf("usbrly08-%06x", rand.Intn(1<<24))
}

// refreshTicker returns a ticker for the periodic re-read; a non-positive
// interval yields a stopped ticker that never fires.
func refreshTicker(d time.Duration) *time.Ticker {
	if d <= 0 {
		t := time.NewTicker(time.Hour)
		t.Stop()
		return t
	}
	return time.NewTicker(d)
}
