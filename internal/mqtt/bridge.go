//go:build !no_mqtt

// Package mqtt exposes the execute service over MQTT: requests arrive on
// <prefix>/request/execute and each gets a reply with the same id on
// <prefix>/response/execute.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"zigbee-toolkit/internal/coordinator"
	"zigbee-toolkit/internal/store"
	"zigbee-toolkit/internal/toolkit"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
	// PublishEvents mirrors bus events to <prefix>/event/<type> and keeps
	// retained per-device state on <prefix>/device/<name>.
	PublishEvents bool
	Timeout       time.Duration
	// MaxInFlight bounds concurrent dispatches; extra requests are
	// answered with code "busy".
	MaxInFlight int64
}

// Dispatcher runs execute requests.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *toolkit.Request) (*toolkit.Result, error)
	Commands() []toolkit.CommandInfo
}

// Response is the payload published on the response topic.
type Response struct {
	ID         string      `json:"id"`
	Command    string      `json:"command,omitempty"`
	IEEE       string      `json:"ieee,omitempty"`
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Code       string      `json:"code,omitempty"`
	DurationMS int64       `json:"duration_ms"`
}

// Bridge connects the command router to MQTT.
type Bridge struct {
	client pahomqtt.Client
	router Dispatcher
	events *coordinator.EventBus
	store  store.Store
	cfg    Config
	logger *slog.Logger
	sem    *semaphore.Weighted
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// closed is set by Stop; no dispatch starts after it.
	reqMu  sync.Mutex
	closed bool

	// Per-device state accumulator.
	mu     sync.Mutex
	states map[string]map[string]any // IEEE -> property map
	topics map[string]string         // IEEE -> retained state topic
}

func (b *Bridge) topic(suffix string) string { return b.cfg.TopicPrefix + "/" + suffix }

func newBridge(router Dispatcher, events *coordinator.EventBus, st store.Store, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "zigbee-toolkit"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		router: router,
		events: events,
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
		sem:    semaphore.NewWeighted(cfg.MaxInFlight),
		states: make(map[string]map[string]any),
		topics: make(map[string]string),
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewBridge creates and connects an MQTT bridge. The broker keeps
// <prefix>/bridge/state at "offline" if the connection drops.
func NewBridge(router Dispatcher, events *coordinator.EventBus, st store.Store, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(router, events, st, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topic("bridge/state"), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// onConnect may run before Connect returns.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start begins mirroring events when PublishEvents is set.
func (b *Bridge) Start() {
	if b.cfg.PublishEvents && b.events != nil {
		b.unsub = b.events.OnAll(b.handleEvent)
	}
	b.logger.Info("MQTT bridge started", "prefix", b.cfg.TopicPrefix, "events", b.cfg.PublishEvents)
}

// Stop cancels in-flight requests, publishes offline state and disconnects.
func (b *Bridge) Stop() {
	b.reqMu.Lock()
	b.closed = true
	b.reqMu.Unlock()
	b.client.Unsubscribe(b.topic("request/execute")).WaitTimeout(time.Second)

	if b.unsub != nil {
		b.unsub()
	}
	b.cancel()
	b.wg.Wait()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect runs on every (re)connect: subscriptions do not survive a
// clean session.
func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.publishCommands()

	topic := b.topic("request/execute")
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleRequest(msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Error("MQTT subscribe failed", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.topic("bridge/state"), []byte(state), true)
}

func (b *Bridge) publishCommands() {
	b.publish(b.topic("bridge/commands"), mustJSON(b.router.Commands()), true)
}

// handleRequest runs on the paho callback goroutine, so dispatch happens
// in its own goroutine.
func (b *Bridge) handleRequest(payload []byte) {
	req, err := toolkit.ParseRequest(payload)
	if err != nil {
		b.logger.Warn("invalid execute request", "err", err)
		b.respond(Response{ID: peekID(payload), Error: err.Error(), Code: toolkit.ErrorCode(err)})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Origin = "mqtt"

	b.reqMu.Lock()
	if b.closed {
		b.reqMu.Unlock()
		b.logger.Warn("execute request dropped, bridge stopping", "id", req.ID, "command", req.Command)
		return
	}
	if !b.sem.TryAcquire(1) {
		b.reqMu.Unlock()
		b.logger.Warn("execute request rejected, too many in flight", "id", req.ID, "command", req.Command)
		b.respond(Response{ID: req.ID, Command: req.Command, Error: "too many requests in flight", Code: "busy"})
		return
	}
	b.wg.Add(1)
	b.reqMu.Unlock()
	go func() {
		defer b.wg.Done()
		defer b.sem.Release(1)
		b.respond(b.execute(req))
	}()
}

func (b *Bridge) execute(req *toolkit.Request) Response {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.Timeout)
	defer cancel()

	res, err := b.router.Dispatch(ctx, req)
	resp := Response{ID: req.ID, Command: req.Command, IEEE: req.IEEE}
	if res != nil {
		resp.ID = res.ID
		resp.IEEE = res.IEEE
		resp.DurationMS = res.DurationMS
		resp.Data = res.Data
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = toolkit.ErrorCode(err)
		return resp
	}
	resp.Success = true
	return resp
}

func (b *Bridge) respond(resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		b.logger.Error("response not serializable", "id", resp.ID, "err", err)
		resp.Data = nil
		payload = mustJSON(resp)
	}
	b.publish(b.topic("response/execute"), payload, false)
}

// peekID recovers the id of a request that failed validation.
func peekID(payload []byte) string {
	var probe struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	if s, ok := probe.ID.(string); ok {
		return s
	}
	return ""
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	b.publish(b.topic("event/"+event.Type), eventPayload(event), false)

	switch event.Type {
	case coordinator.EventPropertyUpdate:
		b.handlePropertyUpdate(event)
	case coordinator.EventDeviceLeft:
		b.handleDeviceLeft(event)
	}
}

func (b *Bridge) handlePropertyUpdate(event coordinator.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	ieee, _ := data["ieee"].(string)
	prop, _ := data["property"].(string)
	if ieee == "" || prop == "" {
		return
	}
	name, value := stateProperty(prop, data["value"])
	b.updateAndPublishState(ieee, name, value)
}

func (b *Bridge) updateAndPublishState(ieee, prop string, value any) {
	dev, devErr := b.store.GetDevice(ieee)
	topic := b.topic("device/" + ieeeTopicName(ieee))
	if devErr == nil {
		topic = b.topic("device/" + deviceTopicName(dev))
		b.logger.Debug("device state", "ieee", ieee, "name", deviceDisplayName(dev), "property", prop)
	}

	b.mu.Lock()
	state, ok := b.states[ieee]
	if !ok {
		state = make(map[string]any)
		b.states[ieee] = state
	}
	state[prop] = value
	if devErr == nil {
		state["linkquality"] = dev.LQI
		state["last_seen"] = dev.LastSeen.Format(time.RFC3339)
	}
	payload := mustJSON(state)
	prev := b.topics[ieee]
	b.topics[ieee] = topic
	b.mu.Unlock()

	// A rename moves the state; clear the old retained copy.
	if prev != "" && prev != topic {
		b.publish(prev, []byte{}, true)
	}
	b.publish(topic, payload, true)
}

func (b *Bridge) handleDeviceLeft(event coordinator.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	ieee, _ := data["ieee"].(string)
	if ieee == "" {
		return
	}

	b.mu.Lock()
	topic := b.topics[ieee]
	delete(b.states, ieee)
	delete(b.topics, ieee)
	b.mu.Unlock()

	// An empty retained message clears the broker's copy.
	if topic != "" {
		b.publish(topic, []byte{}, true)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func eventPayload(event coordinator.Event) []byte {
	data, err := json.Marshal(event.Data)
	if err != nil {
		var unsupported *json.UnsupportedTypeError
		if errors.As(err, &unsupported) {
			return mustJSON(map[string]string{"value": fmt.Sprint(event.Data)})
		}
		return []byte("{}")
	}
	return data
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
