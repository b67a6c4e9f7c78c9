// Package bus implements the cluster message bus (spec.md §6 "Cluster
// bus"): an abstract, at-least-once publish/subscribe + request/reply
// channel between the controller and worker fleet, backed by MQTT.
//
// Grounded on internal/mqtt/client.go: same Connect/Publish/Subscribe/
// Unsubscribe shape and lock-free, copy-on-write handler registry. MQTT
// QoS 1 ("at least once") is the transport-level guarantee the spec calls
// for; QoS is configurable per bus instance but defaults to 1.
package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	mqttlib "github.com/eclipse/paho.mqtt.golang"
	"github.com/ibs-source/inference-engine/internal/config"
	"github.com/ibs-source/inference-engine/internal/logger"
	"github.com/ibs-source/inference-engine/internal/ports"
)

// Bus implements ports.Bus over a single Paho MQTT client.
type Bus struct {
	client mqttlib.Client
	cfg    config.BusConfig
	log    ports.Logger

	connected atomic.Bool
	handlers  atomic.Pointer[map[string]ports.BusHandler]
}

// New constructs an unconnected Bus from cfg. Connect must be called
// before Publish/Subscribe are usable.
func New(cfg config.BusConfig, log ports.Logger) (*Bus, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	b := &Bus{cfg: cfg, log: log.WithFields(ports.Field{Key: "component", Value: "cluster-bus"})}
	empty := make(map[string]ports.BusHandler)
	b.handlers.Store(&empty)

	opts := mqttlib.NewClientOptions()
	for _, broker := range cfg.Brokers {
		opts.AddBroker(broker)
	}
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetProtocolVersion(4)
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)

	if cfg.TLSEnabled {
		tlsConf, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("cluster bus TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConf)
	}

	b.client = mqttlib.NewClient(opts)
	return b, nil
}

// buildTLSConfig mirrors internal/mqtt/client.go's createTLSConfig: mutual
// TLS with a pinned CA pool, always verified.
func buildTLSConfig(cfg config.BusConfig) (*tls.Config, error) {
	caCert, err := os.ReadFile(cfg.CACertFile)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("append CA cert")
	}
	clientCert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}
	return &tls.Config{
		RootCAs:            pool,
		Certificates:       []tls.Certificate{clientCert},
		InsecureSkipVerify: false,
		MinVersion:         tls.VersionTLS12,
	}, nil
}

func (b *Bus) onConnect(cli mqttlib.Client) {
	b.connected.Store(true)
	b.log.Info("cluster bus connected")

	current := b.handlers.Load()
	for topic := range *current {
		token := cli.Subscribe(topic, b.cfg.QoS, b.onMessage)
		if ok := token.WaitTimeout(b.cfg.ConnectTimeout); !ok || token.Error() != nil {
			b.log.Error("cluster bus re-subscribe failed", logger.String("topic", topic), logger.Error(token.Error()))
		}
	}
}

func (b *Bus) onConnectionLost(_ mqttlib.Client, err error) {
	b.connected.Store(false)
	b.log.Warn("cluster bus connection lost", logger.Error(err))
}

// Connect implements ports.Bus.
func (b *Bus) Connect(ctx context.Context) error {
	token := b.client.Connect()

	deadline := time.Now().Add(b.cfg.ConnectTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	tick := b.cfg.ConnectTimeout / 20
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	for !token.WaitTimeout(tick) && time.Now().Before(deadline) && ctx.Err() == nil {
		runtime.Gosched()
	}
	if err := token.Error(); err != nil {
		return err
	}
	b.connected.Store(true)
	return nil
}

// Disconnect implements ports.Bus.
func (b *Bus) Disconnect(_ context.Context) error {
	if b.client == nil {
		return nil
	}
	b.client.Disconnect(250)
	b.connected.Store(false)
	return nil
}

// IsConnected implements ports.Bus.
func (b *Bus) IsConnected() bool {
	return b.client != nil && b.client.IsConnected() && b.connected.Load()
}

// Publish implements ports.Bus, delivering with the configured QoS
// (at-least-once when QoS >= 1).
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if !b.IsConnected() {
		return fmt.Errorf("cluster bus not connected")
	}
	token := b.client.Publish(topic, b.cfg.QoS, false, payload)
	return b.waitForToken(ctx, token, "publish")
}

// Subscribe implements ports.Bus.
func (b *Bus) Subscribe(topic string, handler ports.BusHandler) error {
	b.addHandler(topic, handler)
	if !b.IsConnected() {
		// Connect's onConnect handler will (re)subscribe once connected.
		return nil
	}
	token := b.client.Subscribe(topic, b.cfg.QoS, b.onMessage)
	return b.waitForToken(context.Background(), token, "subscribe")
}

// Unsubscribe implements ports.Bus.
func (b *Bus) Unsubscribe(topic string) error {
	b.removeHandler(topic)
	if !b.IsConnected() {
		return nil
	}
	token := b.client.Unsubscribe(topic)
	return b.waitForToken(context.Background(), token, "unsubscribe")
}

func (b *Bus) waitForToken(ctx context.Context, token mqttlib.Token, op string) error {
	deadline := time.Now().Add(b.cfg.ConnectTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	tick := b.cfg.ConnectTimeout / 20
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	if tick > 500*time.Millisecond {
		tick = 500 * time.Millisecond
	}
	for {
		if token.WaitTimeout(tick) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("%s failed: %w", op, err)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s timeout", op)
		}
	}
}

func (b *Bus) onMessage(_ mqttlib.Client, msg mqttlib.Message) {
	current := b.handlers.Load()
	handler, ok := (*current)[msg.Topic()]
	if !ok || handler == nil {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("cluster bus handler panic", logger.String("topic", msg.Topic()), logger.Any("panic", r))
			}
		}()
		handler(msg.Topic(), msg.Payload())
	}()
}

func (b *Bus) addHandler(topic string, h ports.BusHandler) {
	for {
		old := b.handlers.Load()
		next := make(map[string]ports.BusHandler, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[topic] = h
		if b.handlers.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (b *Bus) removeHandler(topic string) {
	for {
		old := b.handlers.Load()
		next := make(map[string]ports.BusHandler, len(*old))
		for k, v := range *old {
			if k != topic {
				next[k] = v
			}
		}
		if b.handlers.CompareAndSwap(old, &next) {
			return
		}
	}
}

var _ ports.Bus = (*Bus)(nil)
