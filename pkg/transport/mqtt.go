package transport

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/roborock-community/roborock-go/pkg/connection"
	"github.com/roborock-community/roborock-go/pkg/model"
)

// Broker constants.
const (
	// DefaultBrokerPort is used when the session bundle's broker URL
	// omits one.
	DefaultBrokerPort = 8883

	// DefaultBrokerTimeout bounds one broker connect attempt and each
	// subscribe round trip.
	DefaultBrokerTimeout = 30 * time.Second

	// BrokerKeepAlive is the MQTT keep-alive interval requested from
	// the broker.
	BrokerKeepAlive = 60 * time.Second

	// brokerDisconnectQuiesce is how long Close lets in-flight work
	// drain, in milliseconds.
	brokerDisconnectQuiesce uint = 250
)

// MQTTParams are the derived broker address and credentials.
type MQTTParams struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	ClientID string
	Timeout  time.Duration
}

// ParamsFromRriot derives broker parameters from the account session
// bundle. The username and password are slices of MD5 digests over the
// session user, secret, and key seed, matching what the vendor app
// computes.
func ParamsFromRriot(r model.Rriot) (MQTTParams, error) {
	if r.R.M == "" {
		return MQTTParams{}, fmt.Errorf("session bundle has no broker url")
	}
	u, err := url.Parse(r.R.M)
	if err != nil {
		return MQTTParams{}, fmt.Errorf("broker url %q: %w", r.R.M, err)
	}

	port := DefaultBrokerPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return MQTTParams{}, fmt.Errorf("broker port %q: %w", p, err)
		}
	}

	user := md5hex(r.U + ":" + r.K)[2:10]
	return MQTTParams{
		Host:     u.Hostname(),
		Port:     port,
		TLS:      u.Scheme != "tcp" && u.Scheme != "mqtt",
		Username: user,
		Password: md5hex(r.S + ":" + r.K)[16:],
		ClientID: user,
		Timeout:  DefaultBrokerTimeout,
	}, nil
}

func (p MQTTParams) brokerURL() string {
	scheme := "tcp"
	if p.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.Host, p.Port)
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Session is the account-scoped broker connection shared by every
// cloud channel. One process holds one session per account; devices
// multiplex over it by topic.
type Session interface {
	// Connected reports whether the broker link is up.
	Connected() bool

	// Subscribe registers a payload handler for a topic and returns
	// the function that removes it again. The subscription is restored
	// automatically after a broker reconnect.
	Subscribe(topic string, handler func(payload []byte)) (func(), error)

	// Publish sends one payload to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// OnConnectionChange registers an observer of broker connectivity
	// and returns its removal function. The cause is set when the link
	// was lost involuntarily.
	OnConnectionChange(fn func(connected bool, cause error)) func()
}

// MQTTSession implements Session over the vendor broker.
//
// The first connect runs in the caller's goroutine and its failure is
// returned, so a bad credential set surfaces immediately. Once
// established, losses are retried in the background on the shared
// reconnect schedule, and registered topics are re-subscribed after
// every successful reconnect.
type MQTTSession struct {
	params MQTTParams
	logger *slog.Logger

	supervisor *connection.Supervisor

	mu        sync.Mutex
	client    mqtt.Client
	subs      map[string][]*subscription
	watchers  map[int]func(connected bool, cause error)
	nextWatch int
}

type subscription struct {
	topic   string
	handler func(payload []byte)
}

// Compile-time interface satisfaction check.
var _ Session = (*MQTTSession)(nil)

// NewMQTTSession creates a broker session. It does not connect.
func NewMQTTSession(params MQTTParams, logger *slog.Logger) *MQTTSession {
	if params.Timeout <= 0 {
		params.Timeout = DefaultBrokerTimeout
	}
	if params.ClientID == "" {
		params.ClientID = params.Username
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &MQTTSession{
		params: params,
		logger: logger,
		subs:   make(map[string][]*subscription),
	}
	s.supervisor = connection.NewSupervisorWithConfig(s.connectBroker, connection.SupervisorConfig{
		AttemptTimeout: params.Timeout,
	})
	s.supervisor.OnRetry(func(attempt int, delay time.Duration) {
		logger.Info("broker reconnect scheduled",
			"host", params.Host,
			"attempt", attempt,
			"delay", delay)
	})
	return s
}

// Start connects to the broker. The first attempt's failure is
// returned; afterwards the session reconnects on its own.
func (s *MQTTSession) Start(ctx context.Context) error {
	if err := s.supervisor.Connect(ctx); err != nil {
		return err
	}
	s.supervisor.StartReconnectLoop()
	return nil
}

// State reports the reconnect supervisor's state.
func (s *MQTTSession) State() connection.State {
	return s.supervisor.State()
}

// Connected reports whether the broker link is up.
func (s *MQTTSession) Connected() bool {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	return client != nil && client.IsConnected()
}

func (s *MQTTSession) connectBroker(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.params.brokerURL()).
		SetClientID(s.params.ClientID).
		SetUsername(s.params.Username).
		SetPassword(s.params.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(BrokerKeepAlive).
		SetConnectTimeout(s.params.Timeout).
		SetOrderMatters(false).
		SetOnConnectHandler(s.handleConnect).
		SetConnectionLostHandler(s.handleConnectionLost)
	if s.params.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-ctx.Done():
		client.Disconnect(0)
		return classifyConnectError("broker "+s.params.Host, ctx.Err())
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return classifyConnectError("broker "+s.params.Host, err)
	}

	s.mu.Lock()
	old := s.client
	s.client = client
	s.mu.Unlock()
	if old != nil {
		old.Disconnect(0)
	}
	return nil
}

// handleConnect restores registered subscriptions after every
// successful connect, then reports the session as up.
func (s *MQTTSession) handleConnect(client mqtt.Client) {
	s.mu.Lock()
	topics := make([]string, 0, len(s.subs))
	for topic := range s.subs {
		topics = append(topics, topic)
	}
	s.mu.Unlock()

	for _, topic := range topics {
		token := client.Subscribe(topic, 0, s.route)
		if !token.WaitTimeout(s.params.Timeout) || token.Error() != nil {
			s.logger.Warn("resubscribe failed",
				"topic", topic,
				"error", token.Error())
		}
	}

	s.logger.Info("broker connected",
		"host", s.params.Host,
		"topics", len(topics))
	s.notifyWatchers(true, nil)
}

func (s *MQTTSession) handleConnectionLost(client mqtt.Client, err error) {
	s.mu.Lock()
	current := s.client == client
	s.mu.Unlock()
	if !current {
		// A client abandoned by a newer connect attempt; its loss is
		// old news.
		return
	}

	s.logger.Warn("broker connection lost",
		"host", s.params.Host,
		"error", err)
	s.notifyWatchers(false, err)
	s.supervisor.ConnectionLost(err)
}

// route fans one broker message out to the handlers registered for its
// topic.
func (s *MQTTSession) route(_ mqtt.Client, msg mqtt.Message) {
	s.mu.Lock()
	handlers := make([]func([]byte), 0, len(s.subs[msg.Topic()]))
	for _, sub := range s.subs[msg.Topic()] {
		handlers = append(handlers, sub.handler)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(msg.Payload())
	}
}

// Subscribe registers a handler for a topic. The broker subscription
// is created when this is the first handler for the topic and removed
// again when the last one unsubscribes.
func (s *MQTTSession) Subscribe(topic string, handler func(payload []byte)) (func(), error) {
	sub := &subscription{topic: topic, handler: handler}

	s.mu.Lock()
	first := len(s.subs[topic]) == 0
	s.subs[topic] = append(s.subs[topic], sub)
	client := s.client
	s.mu.Unlock()

	if first && client != nil && client.IsConnected() {
		token := client.Subscribe(topic, 0, s.route)
		if !token.WaitTimeout(s.params.Timeout) {
			s.removeSubscription(sub)
			return nil, fmt.Errorf("%w: subscribe %s: timed out", ErrTransport, topic)
		}
		if err := token.Error(); err != nil {
			s.removeSubscription(sub)
			return nil, fmt.Errorf("%w: subscribe %s: %v", ErrTransport, topic, err)
		}
	}
	return func() { s.removeSubscription(sub) }, nil
}

func (s *MQTTSession) removeSubscription(sub *subscription) {
	s.mu.Lock()
	list := s.subs[sub.topic]
	for i, cur := range list {
		if cur == sub {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	var client mqtt.Client
	if len(list) == 0 {
		delete(s.subs, sub.topic)
		client = s.client
	} else {
		s.subs[sub.topic] = list
	}
	s.mu.Unlock()

	if client != nil && client.IsConnected() {
		// Best effort; a failed unsubscribe just leaves the broker
		// sending messages nobody routes.
		client.Unsubscribe(sub.topic)
	}
}

// Publish sends one payload. Returns ErrNotConnected while the broker
// link is down instead of queueing.
func (s *MQTTSession) Publish(ctx context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	token := client.Publish(topic, 0, false, payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrTransport, topic, err)
	}
	return nil
}

// OnConnectionChange registers a connectivity observer.
func (s *MQTTSession) OnConnectionChange(fn func(connected bool, cause error)) func() {
	s.mu.Lock()
	if s.watchers == nil {
		s.watchers = make(map[int]func(bool, error))
	}
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *MQTTSession) notifyWatchers(connected bool, cause error) {
	s.mu.Lock()
	fns := make([]func(bool, error), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(connected, cause)
	}
}

// Close stops reconnection and disconnects from the broker.
func (s *MQTTSession) Close() error {
	s.supervisor.Close()

	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client != nil {
		client.Disconnect(brokerDisconnectQuiesce)
	}
	return nil
}
