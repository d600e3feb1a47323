//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"scantool/internal/device"
	"scantool/internal/events"
	"scantool/internal/firmware"
	"scantool/internal/protocol"
)

// commandQueue bounds the commands waiting for the scanner.
const commandQueue = 16

var (
	errUpdating = fmt.Errorf("%w: firmware update in progress", protocol.ErrDeviceAccessDenied)
	errBusy     = fmt.Errorf("%w: command queue full", protocol.ErrDeviceAccessDenied)
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
	// Model is shown in the Home Assistant device registry.
	Model string
	// RemoveDiscovery deletes the HA entities on Stop.
	RemoveDiscovery bool
}

// Scanner is the device the bridge accepts commands for.
type Scanner interface {
	Port() string
	StartScan() error
	StopScan() error
	Restart() error
	SetConfig(cmd string) error
	UpdateConfig(entries []device.ConfigEntry) error
}

// Command is the payload accepted on the set topic. Exactly one of the
// fields is expected.
type Command struct {
	Action string `json:"action,omitempty"` // scan, stop, restart
	Set    string `json:"set,omitempty"`    // single UCS setting, e.g. "SCNMOD0"
}

// Result is published on the result topic after each command.
type Result struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Code    int    `json:"code"`
	Error   string `json:"error,omitempty"`
}

// Bridge publishes scanner events to MQTT with HA autodiscovery and relays
// commands back to the scanner.
type Bridge struct {
	client  pahomqtt.Client
	scanner Scanner
	bus     *events.Bus
	prefix  string
	node    string
	model   string
	cleanup bool
	logger  *slog.Logger
	unsub   func()

	// Subscription callbacks only enqueue; work runs on the worker so the
	// paho router is never held by a slow scanner command.
	work     chan func()
	quit     chan struct{}
	workDone chan struct{}
	stopOnce sync.Once
	updating atomic.Bool

	// Accumulated scanner state, published retained.
	mu    sync.Mutex
	state map[string]any
}

func newBridge(scanner Scanner, bus *events.Bus, cfg Config, logger *slog.Logger) *Bridge {
	b := &Bridge{
		scanner:  scanner,
		bus:      bus,
		prefix:   cfg.TopicPrefix,
		node:     nodeName(scanner.Port()),
		model:    cfg.Model,
		cleanup:  cfg.RemoveDiscovery,
		logger:   logger.With("component", "mqtt"),
		work:     make(chan func(), commandQueue),
		quit:     make(chan struct{}),
		workDone: make(chan struct{}),
		state:    make(map[string]any),
	}
	go b.worker()
	return b
}

func (b *Bridge) worker() {
	defer close(b.workDone)
	for {
		select {
		case fn := <-b.work:
			fn()
		case <-b.quit:
			return
		}
	}
}

func (b *Bridge) stopWorker() {
	b.stopOnce.Do(func() {
		close(b.quit)
		<-b.workDone
	})
}

// enqueue hands a scanner command to the worker, answering at once when
// an update holds the scanner or the queue is full.
func (b *Bridge) enqueue(command string, fn func()) {
	if b.updating.Load() {
		b.publishResult(command, errUpdating)
		return
	}
	select {
	case b.work <- fn:
	default:
		b.logger.Warn("command dropped, queue full", "command", command)
		b.publishResult(command, errBusy)
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(scanner Scanner, bus *events.Bus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(scanner, bus, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "scantool-" + b.node
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.availabilityTopic(), "offline", 1, true).
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

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.stopWorker()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.stopWorker()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to scanner events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.bus.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix, "node", b.node)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.stopWorker()
	if b.cleanup {
		for _, msg := range buildRemoveDiscovery(b.node) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	b.publish(b.availabilityTopic(), []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) onConnect() {
	b.publish(b.availabilityTopic(), []byte("online"), true)
	for _, msg := range buildDiscovery(b.node, b.model, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.client.Subscribe(b.setTopic(), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Payload())
	})
	b.client.Subscribe(b.configTopic(), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleConfig(msg.Payload())
	})
}

func (b *Bridge) stateTopic() string        { return b.prefix + "/" + b.node }
func (b *Bridge) availabilityTopic() string { return b.prefix + "/bridge/state" }
func (b *Bridge) setTopic() string          { return b.stateTopic() + "/set" }
func (b *Bridge) configTopic() string       { return b.stateTopic() + "/config/set" }

func (b *Bridge) handleEvent(event events.Event) {
	switch data := event.Data.(type) {
	case events.Scan:
		b.publish(b.stateTopic()+"/scan", mustJSON(data), false)
		b.updateState(map[string]any{
			"last_scan": data.Data,
			"last_seen": data.Time.Format(time.RFC3339),
		})
	case device.PlugEvent:
		b.updateState(map[string]any{"plugged": data.Plugged})
	case firmware.Progress:
		b.updating.Store(true)
		b.updateState(map[string]any{
			"update_phase":   string(data.Phase),
			"update_percent": data.Percent,
		})
	case events.UpdateResult:
		b.updating.Store(false)
		b.publish(b.stateTopic()+"/update", mustJSON(data), false)
		b.updateState(map[string]any{"update_status": data.Status})
	}
}

func (b *Bridge) updateState(props map[string]any) {
	b.mu.Lock()
	changed := false
	for k, v := range props {
		if old, ok := b.state[k]; !ok || old != v {
			b.state[k] = v
			changed = true
		}
	}
	payload := mustJSON(b.state)
	b.mu.Unlock()

	if changed {
		b.publish(b.stateTopic(), payload, true)
	}
}

func (b *Bridge) handleCommand(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "err", err)
		b.publishResult("invalid", fmt.Errorf("%w: %w", protocol.ErrInvalidParams, err))
		return
	}

	b.enqueue(commandName(cmd), func() {
		name, err := b.execute(cmd)
		if err != nil {
			b.logger.Warn("command failed", "command", name, "err", err)
		}
		b.publishResult(name, err)
	})
}

func commandName(cmd Command) string {
	if cmd.Set != "" {
		return "set"
	}
	return cmd.Action
}

func (b *Bridge) execute(cmd Command) (string, error) {
	switch {
	case cmd.Set != "":
		return "set", b.scanner.SetConfig(cmd.Set)
	case cmd.Action == "scan":
		return cmd.Action, b.scanner.StartScan()
	case cmd.Action == "stop":
		return cmd.Action, b.scanner.StopScan()
	case cmd.Action == "restart":
		return cmd.Action, b.scanner.Restart()
	default:
		return "unknown", fmt.Errorf("unknown command %q: %w", cmd.Action, protocol.ErrInvalidParams)
	}
}

func (b *Bridge) handleConfig(payload []byte) {
	var entries []device.ConfigEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		b.logger.Warn("invalid config JSON", "err", err)
		b.publishResult("config", fmt.Errorf("%w: %w", protocol.ErrInvalidParams, err))
		return
	}
	if len(entries) == 0 {
		b.publishResult("config", errors.New("no config entries"))
		return
	}
	b.enqueue("config", func() {
		err := b.scanner.UpdateConfig(entries)
		if err != nil {
			b.logger.Warn("config update failed", "entries", len(entries), "err", err)
		}
		b.publishResult("config", err)
	})
}

func (b *Bridge) publishResult(command string, err error) {
	res := Result{Command: command, OK: err == nil, Code: protocol.Code(err)}
	if err != nil {
		res.Error = err.Error()
	}
	b.publish(b.stateTopic()+"/result", mustJSON(res), false)
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

// nodeName turns a port path into a topic-safe name: "/dev/ttyACM0" becomes
// "ttyacm0", "COM3" becomes "com3".
func nodeName(port string) string {
	name := strings.ToLower(filepath.Base(port))
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
