// Package config loads the YAML configuration with viper and turns the
// adapter section into a transport.ConnectionConfig.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"elm327-telemetry/mqtt"
	"elm327-telemetry/poller"
	"elm327-telemetry/transport"
)

// EnvPrefix prefixes environment overrides, e.g. ELM327_WIFI_HOST.
const EnvPrefix = "ELM327"

type AdapterConfig struct {
	Kind string `mapstructure:"kind"` // bluetooth, wifi or serial
}

type BluetoothConfig struct {
	DeviceName    string        `mapstructure:"device_name"`
	DeviceAddress string        `mapstructure:"device_address"`
	ServiceUUID   string        `mapstructure:"service_uuid"`
	NotifyUUID    string        `mapstructure:"notify_uuid"`
	WriteUUID     string        `mapstructure:"write_uuid"`
	ScanTimeout   time.Duration `mapstructure:"scan_timeout"`
}

type WiFiConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	Scheme string `mapstructure:"scheme"` // tcp, ws or wss
	Path   string `mapstructure:"path"`
}

type SerialConfig struct {
	Port        string        `mapstructure:"port"`
	BaudRate    int           `mapstructure:"baud_rate"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type SessionConfig struct {
	OpenTimeout       time.Duration `mapstructure:"open_timeout"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	InitCommands      []string      `mapstructure:"init_commands"`
	InitTimeout       time.Duration `mapstructure:"init_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Config is the whole file.
type Config struct {
	Adapter   AdapterConfig   `mapstructure:"adapter"`
	Bluetooth BluetoothConfig `mapstructure:"bluetooth"`
	WiFi      WiFiConfig      `mapstructure:"wifi"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Session   SessionConfig   `mapstructure:"session"`
	Poll      poller.Config   `mapstructure:"poll"`
	MQTT      mqtt.Config     `mapstructure:"mqtt"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("adapter.kind", "serial")

	v.SetDefault("bluetooth.service_uuid", "0000fff0-0000-1000-8000-00805f9b34fb")
	v.SetDefault("bluetooth.notify_uuid", "0000fff1-0000-1000-8000-00805f9b34fb")
	v.SetDefault("bluetooth.write_uuid", "0000fff2-0000-1000-8000-00805f9b34fb")
	v.SetDefault("bluetooth.scan_timeout", "8s")

	v.SetDefault("wifi.host", "192.168.0.10")
	v.SetDefault("wifi.port", 35000)
	v.SetDefault("wifi.scheme", "tcp")

	v.SetDefault("serial.port", "/dev/rfcomm0")
	v.SetDefault("serial.baud_rate", 38400)
	v.SetDefault("serial.read_timeout", "200ms")

	v.SetDefault("session.open_timeout", "10s")
	v.SetDefault("session.reconnect_interval", "5s")
	v.SetDefault("session.init_commands", transport.DefaultInitCommands)
	v.SetDefault("session.init_timeout", "2s")

	poll := poller.DefaultConfig()
	v.SetDefault("poll.interval", poll.Interval)
	v.SetDefault("poll.pause", poll.Pause)
	v.SetDefault("poll.pids", poll.PIDs)

	broker := mqtt.DefaultConfig()
	v.SetDefault("mqtt.broker", broker.Broker)
	v.SetDefault("mqtt.data_topic", broker.DataTopic)
	v.SetDefault("mqtt.command_topic", broker.CommandTopic)
	v.SetDefault("mqtt.qos", broker.QoS)
	v.SetDefault("mqtt.keep_alive", broker.KeepAlive)
	v.SetDefault("mqtt.connect_timeout", broker.ConnectTimeout)
	v.SetDefault("mqtt.auto_reconnect", broker.AutoReconnect)
	v.SetDefault("mqtt.vin", broker.VIN)

	v.SetDefault("logging.level", "info")
}

// Load reads path, or config.yaml from the working directory when path is
// empty. A missing default file is not an error; defaults and environment
// overrides still apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}

// Connection builds the transport configuration selected by adapter.kind.
// The result is validated, so an unusable address fails here rather than at
// connect time.
func (c Config) Connection() (transport.ConnectionConfig, error) {
	kind, err := transport.ParseKind(c.Adapter.Kind)
	if err != nil {
		return nil, err
	}

	var conn transport.ConnectionConfig
	switch kind {
	case transport.KindBluetooth:
		conn = transport.BluetoothConfig{
			DeviceName:    c.Bluetooth.DeviceName,
			DeviceAddress: c.Bluetooth.DeviceAddress,
			ServiceUUID:   c.Bluetooth.ServiceUUID,
			NotifyUUID:    c.Bluetooth.NotifyUUID,
			WriteUUID:     c.Bluetooth.WriteUUID,
			ScanTimeout:   c.Bluetooth.ScanTimeout,
			InitCommands:  c.Session.InitCommands,
			InitTimeout:   c.Session.InitTimeout,
		}
	case transport.KindWiFi:
		wifi, err := transport.NewWiFiConfig(c.WiFi.Host, c.WiFi.Port)
		if err != nil {
			return nil, err
		}
		wifi.Scheme = c.WiFi.Scheme
		wifi.Path = c.WiFi.Path
		conn = wifi
	case transport.KindSerial:
		conn = transport.SerialConfig{
			Port:         c.Serial.Port,
			BaudRate:     c.Serial.BaudRate,
			ReadTimeout:  c.Serial.ReadTimeout,
			InitCommands: c.Session.InitCommands,
			InitTimeout:  c.Session.InitTimeout,
		}
	}

	if err := conn.Validate(); err != nil {
		return nil, err
	}
	return conn, nil
}
