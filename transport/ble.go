package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"

	"elm327-telemetry/logging"
)

// gattLink is a connected peripheral with notifications enabled.
type gattLink interface {
	Write(p []byte) error
	Disconnect() error
}

// gattCentral finds, connects and subscribes to an adapter.
type gattCentral interface {
	Connect(ctx context.Context, cfg BluetoothConfig, onNotify func([]byte), onDisconnect func()) (gattLink, error)
}

var defaultCentral gattCentral = &tinygoCentral{adapter: bluetooth.DefaultAdapter}

// BLE talks to an ELM327 over GATT notifications.
type BLE struct {
	config  BluetoothConfig
	central gattCentral
	log     zerolog.Logger
	elm     *elmLink

	mu     sync.Mutex
	gatt   gattLink
	closed bool
}

// NewBLE creates a BLE transport using the host's default adapter.
func NewBLE(config BluetoothConfig) *BLE {
	return newBLE(config, defaultCentral)
}

func newBLE(config BluetoothConfig, central gattCentral) *BLE {
	if config.InitCommands == nil {
		config.InitCommands = DefaultInitCommands
	}
	log := logging.Component("ble-transport")
	return &BLE{
		config:  config,
		central: central,
		log:     log,
		elm:     newELMLink(log),
	}
}

// Open selects the device, connects, subscribes to notifications and
// initialises the adapter.
func (b *BLE) Open(ctx context.Context, sink Sink) error {
	b.log.Info().Str("service", b.config.ServiceUUID).Str("device", b.config.DeviceName).Msg("Connecting to BLE adapter")

	link, err := b.central.Connect(ctx, b.config, b.elm.feed, b.onDisconnect)
	if err != nil {
		return openError(ctx, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		link.Disconnect()
		return ErrClosed
	}
	b.gatt = link
	b.mu.Unlock()

	if err := b.elm.initialize(ctx, b.write, b.config.InitCommands, b.config.InitTimeout); err != nil {
		b.Close()
		return openError(ctx, fmt.Errorf("failed to initialize ELM327: %w", err))
	}

	b.elm.attach(sink)
	b.log.Info().Msg("BLE adapter ready")
	return nil
}

func (b *BLE) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.write(payload)
}

func (b *BLE) write(payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.gatt == nil || b.closed {
		return ErrClosed
	}
	if err := b.gatt.Write(payload); err != nil {
		return fmt.Errorf("%w: gatt write: %v", ErrIO, err)
	}
	return nil
}

func (b *BLE) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	link := b.gatt
	b.gatt = nil
	b.mu.Unlock()

	if link == nil {
		return nil
	}
	b.log.Info().Msg("Disconnecting BLE adapter")
	return link.Disconnect()
}

func (b *BLE) onDisconnect() {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	b.log.Error().Msg("GATT connection dropped")
	b.elm.fail(fmt.Errorf("%w: gatt disconnected", ErrLinkLost))
}

// tinygoCentral drives the host Bluetooth stack.
type tinygoCentral struct {
	adapter    *bluetooth.Adapter
	enableOnce sync.Once
	enableErr  error
}

func (c *tinygoCentral) Connect(ctx context.Context, cfg BluetoothConfig, onNotify func([]byte), onDisconnect func()) (gattLink, error) {
	c.enableOnce.Do(func() { c.enableErr = c.adapter.Enable() })
	if c.enableErr != nil {
		return nil, fmt.Errorf("%w: enable bluetooth: %v", ErrIO, c.enableErr)
	}

	serviceUUID, err := bluetooth.ParseUUID(cfg.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("%w: service uuid: %v", ErrInvalidConfig, err)
	}
	notifyUUID, err := bluetooth.ParseUUID(cfg.NotifyUUID)
	if err != nil {
		return nil, fmt.Errorf("%w: notify uuid: %v", ErrInvalidConfig, err)
	}
	writeUUID, err := bluetooth.ParseUUID(cfg.writeUUID())
	if err != nil {
		return nil, fmt.Errorf("%w: write uuid: %v", ErrInvalidConfig, err)
	}

	address, err := c.scan(ctx, cfg, serviceUUID)
	if err != nil {
		return nil, err
	}

	device, err := c.adapter.Connect(address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrIO, address.String(), err)
	}

	notify, write, err := discover(device, serviceUUID, notifyUUID, writeUUID)
	if err != nil {
		device.Disconnect()
		return nil, err
	}

	c.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if !connected && d.Address.String() == device.Address.String() {
			onDisconnect()
		}
	})

	err = notify.EnableNotifications(func(buf []byte) {
		onNotify(append([]byte(nil), buf...))
	})
	if err != nil {
		device.Disconnect()
		return nil, fmt.Errorf("%w: enable notifications: %v", ErrIO, err)
	}

	return &tinygoLink{device: device, write: write}, nil
}

// scan returns the first advertisement matching cfg. With no name or address
// configured, any device advertising the service is accepted.
func (c *tinygoCentral) scan(ctx context.Context, cfg BluetoothConfig, service bluetooth.UUID) (bluetooth.Address, error) {
	ctx, cancel := scanContext(ctx, cfg)
	defer cancel()

	found := make(chan bluetooth.Address, 1)
	scanErr := make(chan error, 1)

	go func() {
		scanErr <- c.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !matchesAdvertisement(cfg, service, result) {
				return
			}
			select {
			case found <- result.Address:
			default:
			}
			a.StopScan()
		})
	}()

	select {
	case address := <-found:
		return address, nil
	case err := <-scanErr:
		if err != nil {
			return bluetooth.Address{}, fmt.Errorf("%w: scan: %v", ErrIO, err)
		}
		select {
		case address := <-found:
			return address, nil
		default:
			return bluetooth.Address{}, fmt.Errorf("%w: scan stopped without a match", ErrIO)
		}
	case <-ctx.Done():
		c.adapter.StopScan()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return bluetooth.Address{}, fmt.Errorf("%w: no matching adapter found while scanning", ErrTimeout)
		}
		return bluetooth.Address{}, ctx.Err()
	}
}

// scanContext bounds a scan by cfg.ScanTimeout on top of ctx.
func scanContext(ctx context.Context, cfg BluetoothConfig) (context.Context, context.CancelFunc) {
	if cfg.ScanTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.ScanTimeout)
}

func matchesAdvertisement(cfg BluetoothConfig, service bluetooth.UUID, result bluetooth.ScanResult) bool {
	if cfg.DeviceAddress != "" {
		return strings.EqualFold(result.Address.String(), cfg.DeviceAddress)
	}
	if cfg.DeviceName != "" {
		return result.LocalName() == cfg.DeviceName
	}
	return result.HasServiceUUID(service)
}

func discover(device bluetooth.Device, service, notifyUUID, writeUUID bluetooth.UUID) (notify, write bluetooth.DeviceCharacteristic, err error) {
	services, err := device.DiscoverServices([]bluetooth.UUID{service})
	if err != nil {
		return notify, write, fmt.Errorf("%w: discover services: %v", ErrIO, err)
	}
	if len(services) == 0 {
		return notify, write, fmt.Errorf("%w: service %s not found", ErrIO, service.String())
	}

	wanted := []bluetooth.UUID{notifyUUID}
	if writeUUID != notifyUUID {
		wanted = append(wanted, writeUUID)
	}
	chars, err := services[0].DiscoverCharacteristics(wanted)
	if err != nil {
		return notify, write, fmt.Errorf("%w: discover characteristics: %v", ErrIO, err)
	}

	var haveNotify, haveWrite bool
	for _, char := range chars {
		if char.UUID() == notifyUUID {
			notify, haveNotify = char, true
		}
		if char.UUID() == writeUUID {
			write, haveWrite = char, true
		}
	}
	if !haveNotify || !haveWrite {
		return notify, write, fmt.Errorf("%w: adapter characteristics not found", ErrIO)
	}
	return notify, write, nil
}

type tinygoLink struct {
	device bluetooth.Device
	write  bluetooth.DeviceCharacteristic
}

func (l *tinygoLink) Write(p []byte) error {
	_, err := l.write.WriteWithoutResponse(p)
	return err
}

func (l *tinygoLink) Disconnect() error {
	return l.device.Disconnect()
}
