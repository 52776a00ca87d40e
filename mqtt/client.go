// Package mqtt bridges a session to an MQTT broker: snapshots, errors and
// status go out, OBD requests come in.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"elm327-telemetry/common"
	"elm327-telemetry/logging"
	"elm327-telemetry/obd"
)

const (
	commandTimeout = 5 * time.Second
	publishTimeout = 10 * time.Second
	quiesceMillis  = 1000
)

// Config is the broker connection and topic layout.
type Config struct {
	Broker         string        `mapstructure:"broker"`        // e.g. "tcp://localhost:1883"
	Username       string        `mapstructure:"username"`      // optional
	Password       string        `mapstructure:"password"`      // optional
	ClientID       string        `mapstructure:"client_id"`     // generated when empty
	DataTopic      string        `mapstructure:"data_topic"`    // base topic for telemetry
	CommandTopic   string        `mapstructure:"command_topic"` // base topic for commands
	QoS            byte          `mapstructure:"qos"`           // 0, 1 or 2
	KeepAlive      int           `mapstructure:"keep_alive"`    // seconds
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	AutoReconnect  bool          `mapstructure:"auto_reconnect"`
	// VIN is the topic segment for this vehicle.
	VIN string `mapstructure:"vin"`
}

func generateClientID() string {
	return "elm327-telemetry-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       generateClientID(),
		DataTopic:      "car/telemetry",
		CommandTopic:   "car/command",
		QoS:            1,
		KeepAlive:      60,
		ConnectTimeout: 10 * time.Second,
		AutoReconnect:  true,
		VIN:            "unknown",
	}
}

// TelemetryMessage is the snapshot payload.
type TelemetryMessage struct {
	VIN string `json:"vin"`
	common.Telemetry
	Timestamp time.Time `json:"timestamp"`
}

// StatusMessage is the retained connection status payload.
type StatusMessage struct {
	VIN       string        `json:"vin"`
	Status    common.Status `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

// ErrorMessage is the error payload.
type ErrorMessage struct {
	VIN string `json:"vin"`
	common.ErrorInfo
}

type CommandMessage = common.CommandMessage

type CommandResponse = common.CommandResponse

// Commander accepts OBD requests; a session satisfies it.
type Commander interface {
	SendCommand(ctx context.Context, key string) error
}

// Client publishes session events and forwards command requests. It
// implements session.Observer.
type Client struct {
	config     Config
	commander  Commander
	newClient  func(*mqttLib.ClientOptions) mqttLib.Client
	mqttClient mqttLib.Client
	log        zerolog.Logger

	mu         sync.Mutex
	lastStatus *common.Status
	wg         sync.WaitGroup
}

// NewClient creates an unconnected client.
func NewClient(config Config, commander Commander) *Client {
	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}
	if config.VIN == "" {
		config.VIN = DefaultConfig().VIN
	}
	return &Client{
		config:    config,
		commander: commander,
		newClient: mqttLib.NewClient,
		log:       logging.Component("mqtt-client"),
	}
}

// Start connects to the broker. Subscriptions are (re)made on every connect.
func (c *Client) Start() error {
	c.log.Info().Str("broker", c.config.Broker).Msg("Starting MQTT client")

	opts := mqttLib.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetKeepAlive(time.Duration(c.config.KeepAlive) * time.Second)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetAutoReconnect(c.config.AutoReconnect)

	if c.config.Username != "" && c.config.Password != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
		c.log.Info().Msg("MQTT authentication: ENABLED")
	} else {
		c.log.Info().Msg("MQTT authentication: DISABLED (anonymous mode)")
	}

	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.onConnectionLostHandler)
	opts.SetReconnectingHandler(c.onReconnectingHandler)

	c.mqttClient = c.newClient(opts)
	if token := c.mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.log.Info().Msg("MQTT client started successfully")
	return nil
}

// Stop waits for in-flight publishes and disconnects.
func (c *Client) Stop() {
	c.log.Info().Msg("Stopping MQTT client...")
	c.wg.Wait()

	if c.mqttClient != nil && c.mqttClient.IsConnected() {
		c.mqttClient.Unsubscribe(c.requestTopic())
		c.mqttClient.Disconnect(quiesceMillis)
		c.log.Info().Msg("MQTT client disconnected")
	}
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.mqttClient != nil && c.mqttClient.IsConnected()
}

func (c *Client) requestTopic() string {
	return fmt.Sprintf("%s/+/request", c.config.CommandTopic)
}

func (c *Client) dataTopic(leaf string) string {
	return fmt.Sprintf("%s/%s/%s", c.config.DataTopic, c.config.VIN, leaf)
}

func (c *Client) onConnectHandler(client mqttLib.Client) {
	c.log.Info().Msg("Connected to MQTT broker")

	topic := c.requestTopic()
	if token := client.Subscribe(topic, c.config.QoS, c.onCommandReceived); token.Wait() && token.Error() != nil {
		c.log.Error().Err(token.Error()).Str("topic", topic).Msg("Failed to subscribe to command topic")
		return
	}
	c.log.Info().Str("topic", topic).Msg("Subscribed to command topic")

	c.mu.Lock()
	status := c.lastStatus
	c.mu.Unlock()
	if status != nil {
		c.OnStatusChange(*status)
	}
}

func (c *Client) onConnectionLostHandler(client mqttLib.Client, err error) {
	c.log.Warn().Err(err).Msg("Connection lost")
}

func (c *Client) onReconnectingHandler(client mqttLib.Client, opts *mqttLib.ClientOptions) {
	c.log.Info().Msg("Attempting to reconnect to MQTT broker...")
}

// OnTelemetry publishes a snapshot.
func (c *Client) OnTelemetry(t common.Telemetry) {
	c.publish(c.dataTopic("snapshot"), false, TelemetryMessage{
		VIN:       c.config.VIN,
		Telemetry: t,
		Timestamp: time.Now(),
	})
}

// OnError publishes a failure report.
func (c *Client) OnError(info common.ErrorInfo) {
	c.publish(c.dataTopic("error"), false, ErrorMessage{VIN: c.config.VIN, ErrorInfo: info})
}

// OnStatusChange publishes the status as a retained message so late
// subscribers see the current state.
func (c *Client) OnStatusChange(status common.Status) {
	c.mu.Lock()
	c.lastStatus = &status
	c.mu.Unlock()

	c.publish(c.dataTopic("status"), true, StatusMessage{
		VIN:       c.config.VIN,
		Status:    status,
		Timestamp: time.Now(),
	})
}

// onCommandReceived handles <command_topic>/<vin>/request. The reading
// itself arrives later as a snapshot; the response only acknowledges that
// the request reached the adapter.
func (c *Client) onCommandReceived(client mqttLib.Client, msg mqttLib.Message) {
	c.log.Debug().Str("topic", msg.Topic()).Msg("Received command")

	var cmd CommandMessage
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		c.log.Warn().Err(err).Msg("Failed to unmarshal command")
		return
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}
	vin := cmd.VIN
	if vin == "" {
		vin = vinFromTopic(msg.Topic(), c.config.VIN)
	}

	c.log.Info().Str("command", cmd.Command).Str("correlation_id", cmd.CorrelationID).Msg("Processing command")

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	err := c.commander.SendCommand(ctx, cmd.Command)
	cancel()

	response := CommandResponse{
		CorrelationID: cmd.CorrelationID,
		Status:        "success",
		Timestamp:     time.Now(),
	}
	if err != nil {
		response.Status = "error"
		response.Error = err.Error()
	} else if pid, lookupErr := obd.Lookup(cmd.Command); lookupErr == nil {
		response.Result = map[string]string{
			"pid":    string(pid),
			"metric": obd.MetricName(pid),
			"unit":   obd.MetricUnit(pid),
		}
	}

	c.publish(fmt.Sprintf("%s/%s/response", c.config.CommandTopic, vin), false, response)
}

func vinFromTopic(topic, fallback string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 && parts[len(parts)-1] == "request" && parts[len(parts)-2] != "" {
		return parts[len(parts)-2]
	}
	return fallback
}

// publish never blocks the caller; delivery is confirmed in the background.
func (c *Client) publish(topic string, retained bool, v interface{}) {
	if !c.IsConnected() {
		c.log.Debug().Str("topic", topic).Msg("MQTT client not connected, dropping message")
		return
	}

	payload, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal message")
		return
	}

	token := c.mqttClient.Publish(topic, c.config.QoS, retained, payload)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if !token.WaitTimeout(publishTimeout) {
			c.log.Warn().Str("topic", topic).Msg("Publish not confirmed in time")
			return
		}
		if err := token.Error(); err != nil {
			c.log.Error().Err(err).Str("topic", topic).Msg("Failed to publish")
			return
		}
		c.log.Debug().Str("topic", topic).Msg("Published")
	}()
}
