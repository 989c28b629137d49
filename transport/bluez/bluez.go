// Package bluez implements transport.Transport on top of the BlueZ D-Bus API.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/pirorin215/fastrec-sub000/logger"
	"github.com/pirorin215/fastrec-sub000/transport"
)

const (
	busName       = "org.bluez"
	adapterIface  = "org.bluez.Adapter1"
	deviceIface   = "org.bluez.Device1"
	gattCharIface = "org.bluez.GattCharacteristic1"
	propsIface    = "org.freedesktop.DBus.Properties"
	objectManager = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"

	logPrefix = "bluez"

	scanPollInterval     = 500 * time.Millisecond
	servicesResolvedWait = 10 * time.Second
)

// ManagedObjects is the reply shape of ObjectManager.GetManagedObjects
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Transport talks to one recorder through bluetoothd
type Transport struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	events  chan transport.Event

	mu      sync.Mutex
	address string
	device  dbus.ObjectPath
	chars   Characteristics
	signals chan *dbus.Signal
	stop    chan struct{}
}

// Characteristics are the object paths of the recorder's GATT characteristics
type Characteristics struct {
	Command  dbus.ObjectPath
	Response dbus.ObjectPath
	Ack      dbus.ObjectPath
}

// New connects to the system bus and uses adapter (e.g. "hci0")
func New(adapter string) (*Transport, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &Transport{
		conn:    conn,
		adapter: dbus.ObjectPath("/org/bluez/" + adapter),
		events:  make(chan transport.Event, 256),
	}, nil
}

// DevicePath returns the BlueZ object path for address under adapter
func DevicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

func (t *Transport) Events() <-chan transport.Event { return t.events }

func (t *Transport) emit(ev transport.Event) {
	t.events <- ev
}

func (t *Transport) managedObjects(ctx context.Context) (ManagedObjects, error) {
	objects := make(ManagedObjects)
	obj := t.conn.Object(busName, "/")
	if err := obj.CallWithContext(ctx, objectManager, 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("failed to get managed objects: %w", err)
	}
	return objects, nil
}

// Bonded lists paired devices under the adapter
func (t *Transport) Bonded() ([]transport.Device, error) {
	objects, err := t.managedObjects(context.Background())
	if err != nil {
		return nil, err
	}
	var bonded []transport.Device
	for _, d := range Devices(objects, t.adapter) {
		if d.Bonded {
			bonded = append(bonded, d)
		}
	}
	return bonded, nil
}

// Devices extracts the Device1 objects under adapter
func Devices(objects ManagedObjects, adapter dbus.ObjectPath) []transport.Device {
	var out []transport.Device
	prefix := string(adapter) + "/dev_"
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if d := deviceFrom(props); d.Address != "" {
			out = append(out, d)
		}
	}
	return out
}

func deviceFrom(props map[string]dbus.Variant) transport.Device {
	var d transport.Device
	if v, ok := props["Address"]; ok {
		d.Address, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		d.Name, _ = v.Value().(string)
	}
	if v, ok := props["Paired"]; ok {
		d.Bonded, _ = v.Value().(bool)
	}
	return d
}

// advertisesService reports whether the device object lists the recorder service
func advertisesService(props map[string]dbus.Variant) bool {
	v, ok := props["UUIDs"]
	if !ok {
		return false
	}
	uuids, _ := v.Value().([]string)
	for _, u := range uuids {
		if strings.EqualFold(u, transport.ServiceUUID) {
			return true
		}
	}
	return false
}

// Scan runs LE discovery until a device named name (or advertising the
// recorder service) shows up
func (t *Transport) Scan(ctx context.Context, name string) (transport.Device, error) {
	adapter := t.conn.Object(busName, t.adapter)
	filter := map[string]interface{}{
		"Transport":     "le",
		"DuplicateData": false,
	}
	if err := adapter.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		// Some adapters reject filters; plain discovery still works
		logger.Debug(logPrefix, "SetDiscoveryFilter failed: %v", err)
	}
	if err := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
		return transport.Device{}, fmt.Errorf("failed to start discovery: %w", err)
	}
	defer func() {
		if err := adapter.Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
			logger.Debug(logPrefix, "StopDiscovery failed: %v", err)
		}
	}()
	logger.Info(logPrefix, "🔍 Scanning for %q", name)

	ticker := time.NewTicker(scanPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return transport.Device{}, ctx.Err()
		case <-ticker.C:
		}

		objects, err := t.managedObjects(ctx)
		if err != nil {
			logger.Warn(logPrefix, "⚠️  %v", err)
			continue
		}
		prefix := string(t.adapter) + "/dev_"
		for path, ifaces := range objects {
			props, ok := ifaces[deviceIface]
			if !ok || !strings.HasPrefix(string(path), prefix) {
				continue
			}
			d := deviceFrom(props)
			if d.Name == name || advertisesService(props) {
				logger.Info(logPrefix, "📡 Found %s (%s)", d.Name, d.Address)
				return d, nil
			}
		}
	}
}

// Connect starts Device1.Connect in the background. The outcome is reported
// as a connection-state event.
func (t *Transport) Connect(ctx context.Context, address string) error {
	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return errors.New("bluez: already connected")
	}
	t.address = address
	t.device = DevicePath(t.adapter, address)
	t.mu.Unlock()

	t.emit(transport.Event{Kind: transport.EventConnectionState, Link: transport.LinkConnecting, Address: address})
	go func() {
		if err := t.connect(ctx); err != nil {
			t.emit(transport.Event{Kind: transport.EventConnectionState, Link: transport.LinkError, Address: address, Err: err})
			return
		}
		t.emit(transport.Event{Kind: transport.EventConnectionState, Link: transport.LinkConnected, Address: address})
	}()
	return nil
}

func (t *Transport) connect(ctx context.Context) error {
	t.mu.Lock()
	device := t.device
	t.mu.Unlock()

	obj := t.conn.Object(busName, device)
	if err := obj.CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil && !strings.Contains(err.Error(), "AlreadyConnected") {
		return fmt.Errorf("failed to connect to device: %w", err)
	}

	if err := t.waitServicesResolved(ctx, obj); err != nil {
		return err
	}

	objects, err := t.managedObjects(ctx)
	if err != nil {
		return err
	}
	chars, err := FindCharacteristics(objects, device)
	if err != nil {
		return err
	}

	signals := make(chan *dbus.Signal, 256)
	for _, path := range []dbus.ObjectPath{device, chars.Response} {
		if err := t.conn.AddMatchSignal(
			dbus.WithMatchObjectPath(path),
			dbus.WithMatchInterface(propsIface),
			dbus.WithMatchMember("PropertiesChanged"),
		); err != nil {
			return fmt.Errorf("failed to add match signal: %w", err)
		}
	}
	t.conn.Signal(signals)

	if err := t.conn.Object(busName, chars.Response).CallWithContext(ctx, gattCharIface+".StartNotify", 0).Err; err != nil {
		t.conn.RemoveSignal(signals)
		return fmt.Errorf("failed to enable notifications: %w", err)
	}

	t.mu.Lock()
	t.chars = chars
	t.signals = signals
	t.stop = make(chan struct{})
	stop := t.stop
	t.mu.Unlock()

	go t.watch(device, chars.Response, signals, stop)
	logger.Info(logPrefix, "🔗 GATT ready on %s", device)
	return nil
}

func (t *Transport) waitServicesResolved(ctx context.Context, obj dbus.BusObject) error {
	deadline := time.Now().Add(servicesResolvedWait)
	for time.Now().Before(deadline) {
		v, err := obj.GetProperty(deviceIface + ".ServicesResolved")
		if err == nil {
			if resolved, _ := v.Value().(bool); resolved {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return errors.New("timeout waiting for GATT services")
}

// FindCharacteristics locates the recorder's characteristics under device
func FindCharacteristics(objects ManagedObjects, device dbus.ObjectPath) (Characteristics, error) {
	var c Characteristics
	prefix := string(device) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[gattCharIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		v, ok := props["UUID"]
		if !ok {
			continue
		}
		uuid, _ := v.Value().(string)
		switch strings.ToLower(uuid) {
		case transport.CommandCharUUID:
			c.Command = path
		case transport.ResponseCharUUID:
			c.Response = path
		case transport.AckCharUUID:
			c.Ack = path
		}
	}
	if c.Command == "" || c.Response == "" || c.Ack == "" {
		return c, fmt.Errorf("recorder characteristics not found under %s", device)
	}
	return c, nil
}

// watch turns PropertiesChanged signals into transport events
func (t *Transport) watch(device, response dbus.ObjectPath, signals chan *dbus.Signal, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if sig.Name != propsIface+".PropertiesChanged" || len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			switch sig.Path {
			case response:
				if v, ok := changed["Value"]; ok {
					if data, ok := v.Value().([]byte); ok {
						t.emit(transport.Event{Kind: transport.EventCharacteristicChanged, Characteristic: transport.ResponseCharUUID, Data: data})
					}
				}
			case device:
				if v, ok := changed["Connected"]; ok {
					if connected, _ := v.Value().(bool); !connected {
						logger.Info(logPrefix, "🔌 %s disconnected", device)
						t.teardown()
						t.emit(transport.Event{Kind: transport.EventConnectionState, Link: transport.LinkDisconnected, Address: t.currentAddress()})
						return
					}
				}
			}
		}
	}
}

func (t *Transport) currentAddress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.address
}

// teardown releases signal subscriptions. Safe to call more than once.
func (t *Transport) teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop == nil {
		return
	}
	close(t.stop)
	t.stop = nil
	if t.signals != nil {
		t.conn.RemoveSignal(t.signals)
		t.signals = nil
	}
	if t.chars.Response != "" {
		if err := t.conn.Object(busName, t.chars.Response).Call(gattCharIface+".StopNotify", 0).Err; err != nil {
			logger.Debug(logPrefix, "StopNotify failed: %v", err)
		}
	}
	t.chars = Characteristics{}
}

// Disconnect closes the link; the disconnect event is emitted here rather
// than by the signal watcher
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	device, address := t.device, t.address
	t.mu.Unlock()
	if device == "" {
		return nil
	}

	t.teardown()
	err := t.conn.Object(busName, device).Call(deviceIface+".Disconnect", 0).Err
	t.emit(transport.Event{Kind: transport.EventConnectionState, Link: transport.LinkDisconnected, Address: address})
	if err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	return nil
}

// Close releases the link after an error so that Connect can run again
func (t *Transport) Close() error {
	t.mu.Lock()
	device := t.device
	t.mu.Unlock()

	t.teardown()
	if device != "" {
		if err := t.conn.Object(busName, device).Call(deviceIface+".Disconnect", 0).Err; err != nil {
			logger.Debug(logPrefix, "Disconnect during close failed: %v", err)
		}
	}
	return nil
}

func (t *Transport) write(path func(Characteristics) dbus.ObjectPath, data []byte, writeType string) error {
	t.mu.Lock()
	target := path(t.chars)
	t.mu.Unlock()
	if target == "" {
		return errors.New("bluez: not connected")
	}
	options := map[string]interface{}{"type": writeType}
	if err := t.conn.Object(busName, target).Call(gattCharIface+".WriteValue", 0, data, options).Err; err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return nil
}

// WriteCommand writes a text command with response
func (t *Transport) WriteCommand(text string) error {
	return t.write(func(c Characteristics) dbus.ObjectPath { return c.Command }, []byte(text), "request")
}

// WriteAck writes a flow-control token without response
func (t *Transport) WriteAck(data []byte) error {
	return t.write(func(c Characteristics) dbus.ObjectPath { return c.Ack }, data, "command")
}

// RequestMTU reports the MTU bluetoothd negotiated. BlueZ exchanges the MTU
// itself on connect; newer versions expose the result on the characteristic.
func (t *Transport) RequestMTU(mtu int) error {
	t.mu.Lock()
	response := t.chars.Response
	t.mu.Unlock()
	if response == "" {
		return errors.New("bluez: not connected")
	}

	negotiated := transport.DefaultMTU
	if v, err := t.conn.Object(busName, response).GetProperty(gattCharIface + ".MTU"); err == nil {
		if n, ok := v.Value().(uint16); ok && n > 0 {
			negotiated = int(n)
		}
	} else {
		logger.Debug(logPrefix, "MTU property unavailable, assuming %d: %v", negotiated, err)
	}
	negotiated = min(negotiated, mtu)

	go func() {
		t.emit(transport.Event{Kind: transport.EventMTUChanged, MTU: negotiated})
		t.emit(transport.Event{Kind: transport.EventReady})
	}()
	return nil
}

// RequestHighPriority is a no-op: BlueZ exposes no connection-priority call
// over D-Bus
func (t *Transport) RequestHighPriority() error {
	logger.Debug(logPrefix, "High connection priority not supported over D-Bus")
	return nil
}

var _ transport.Transport = (*Transport)(nil)
