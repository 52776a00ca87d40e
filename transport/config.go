package transport

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies a transport variant.
type Kind int

const (
	KindBluetooth Kind = iota + 1
	KindWiFi
	KindSerial
)

func (k Kind) String() string {
	switch k {
	case KindBluetooth:
		return "bluetooth"
	case KindWiFi:
		return "wifi"
	case KindSerial:
		return "serial"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a config string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bluetooth", "ble":
		return KindBluetooth, nil
	case "wifi", "socket":
		return KindWiFi, nil
	case "serial", "rfcomm":
		return KindSerial, nil
	}
	return 0, fmt.Errorf("%w: unknown adapter kind %q", ErrInvalidConfig, s)
}

// RawHex reports whether frames on this kind of link are ELM327 hex text
// rather than pre-decoded JSON.
func (k Kind) RawHex() bool {
	return k == KindBluetooth || k == KindSerial
}

// ConnectionConfig is a closed union: BluetoothConfig, WiFiConfig or SerialConfig.
type ConnectionConfig interface {
	Kind() Kind
	Validate() error
	isConnectionConfig()
}

// DefaultInitCommands resets the ELM327 and turns off echo, linefeeds and
// headers before auto-selecting the bus protocol.
var DefaultInitCommands = []string{"ATZ", "ATE0", "ATL0", "ATH0", "ATSP0"}

// BluetoothConfig selects a BLE adapter and the GATT attributes it uses.
// WriteUUID falls back to NotifyUUID for single-characteristic adapters.
// A zero ScanTimeout scans until the open deadline.
type BluetoothConfig struct {
	DeviceName    string
	DeviceAddress string
	ServiceUUID   string
	NotifyUUID    string
	WriteUUID     string
	ScanTimeout   time.Duration
	InitCommands  []string
	InitTimeout   time.Duration
}

func (BluetoothConfig) Kind() Kind          { return KindBluetooth }
func (BluetoothConfig) isConnectionConfig() {}

func (c BluetoothConfig) Validate() error {
	if strings.TrimSpace(c.ServiceUUID) == "" {
		return fmt.Errorf("%w: bluetooth service uuid is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.NotifyUUID) == "" {
		return fmt.Errorf("%w: bluetooth notify characteristic uuid is required", ErrInvalidConfig)
	}
	return nil
}

func (c BluetoothConfig) writeUUID() string {
	if c.WriteUUID != "" {
		return c.WriteUUID
	}
	return c.NotifyUUID
}

// WiFiConfig addresses the adapter's companion server.
// Scheme is "tcp" (default), "ws" or "wss".
type WiFiConfig struct {
	Host   string
	Port   uint16
	Scheme string
	Path   string
}

// NewWiFiConfig validates host and port at construction time.
func NewWiFiConfig(host string, port int) (WiFiConfig, error) {
	if port < 1 || port > 65535 {
		return WiFiConfig{}, fmt.Errorf("%w: port %d out of range [1,65535]", ErrInvalidConfig, port)
	}
	cfg := WiFiConfig{Host: strings.TrimSpace(host), Port: uint16(port), Scheme: "tcp"}
	if err := cfg.Validate(); err != nil {
		return WiFiConfig{}, err
	}
	return cfg, nil
}

func (WiFiConfig) Kind() Kind          { return KindWiFi }
func (WiFiConfig) isConnectionConfig() {}

func (c WiFiConfig) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: wifi host is required", ErrInvalidConfig)
	}
	if c.Port == 0 {
		return fmt.Errorf("%w: wifi port is required", ErrInvalidConfig)
	}
	switch c.scheme() {
	case "tcp", "ws", "wss":
	default:
		return fmt.Errorf("%w: unsupported wifi scheme %q", ErrInvalidConfig, c.Scheme)
	}
	return nil
}

func (c WiFiConfig) scheme() string {
	if c.Scheme == "" {
		return "tcp"
	}
	return strings.ToLower(c.Scheme)
}

// Address returns host:port.
func (c WiFiConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SerialConfig opens an ELM327 on a tty: a USB adapter or an RFCOMM binding
// such as /dev/rfcomm0.
type SerialConfig struct {
	Port         string
	BaudRate     int
	ReadTimeout  time.Duration
	InitCommands []string
	InitTimeout  time.Duration
}

func (SerialConfig) Kind() Kind          { return KindSerial }
func (SerialConfig) isConnectionConfig() {}

func (c SerialConfig) Validate() error {
	if strings.TrimSpace(c.Port) == "" {
		return fmt.Errorf("%w: serial port is required", ErrInvalidConfig)
	}
	if c.BaudRate < 0 {
		return fmt.Errorf("%w: negative baud rate %d", ErrInvalidConfig, c.BaudRate)
	}
	return nil
}

// New builds the transport matching cfg.
func New(cfg ConnectionConfig) (Transport, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: no connection config", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch c := cfg.(type) {
	case BluetoothConfig:
		return NewBLE(c), nil
	case WiFiConfig:
		return NewSocket(c), nil
	case SerialConfig:
		return NewSerial(c), nil
	}
	return nil, fmt.Errorf("%w: unsupported config %T", ErrInvalidConfig, cfg)
}
