// Package sim is an in-process recorder that speaks the firmware's text and
// chunk protocol over the transport.Transport interface. It backs the sim
// command and the engine tests.
package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pirorin215/fastrec-sub000/logger"
	"github.com/pirorin215/fastrec-sub000/protocol"
	"github.com/pirorin215/fastrec-sub000/transport"
)

// Faults injects firmware and radio misbehaviour
type Faults struct {
	FailListAttempts      int       // first N GET:ls answer ERROR:
	FailDeleteAttempts    int       // first N DEL answer ERROR: (-1 = always)
	SilentDelete          bool      // DEL is never answered
	FileNotFound          bool      // GET:file answers ERROR: file not found
	DisconnectAfterChunks int       // drop the link after N chunks of a download (0 = never)
	StallAfterChunks      int       // stop sending after N chunks of a download (0 = never)
	ReverseBursts         bool      // send each burst in reverse index order
	InfoVoltages          []float64 // successive GET:info voltages, cycled
	SilentInfo            bool      // GET:info is never answered
}

// Device simulates one recorder
type Device struct {
	Name    string
	Address string

	sim    *simulator
	events chan transport.Event
	inbox  chan write
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	bonded    bool
	connected bool
	mtu       int
	priority  bool
	faults    Faults
	files     map[string][]byte
	settings  string
	clock     time.Time
	battery   float64
	version   string
	commands  []string
	acks      []string
	transfer  *transfer
	listCalls int
	delCalls  int
	infoCalls int
	epoch     int // bumped on every disconnect so stale writes are ignored
}

type write struct {
	command string
	ack     []byte
	epoch   int
}

type transfer struct {
	name   string
	chunks [][]byte
	burst  int
	next   int
	sent   int
	ready  bool // START_ACK received
	stall  bool
}

var _ transport.Transport = (*Device)(nil)

// NewDevice creates a simulated recorder and starts its firmware loop
func NewDevice(name, address string, config *SimulationConfig) *Device {
	d := &Device{
		Name:     name,
		Address:  address,
		sim:      newSimulator(config),
		events:   make(chan transport.Event, 1024),
		inbox:    make(chan write, 256),
		done:     make(chan struct{}),
		mtu:      transport.DefaultMTU,
		files:    make(map[string][]byte),
		battery:  85,
		version:  "1.3.0",
		settings: "device_name=" + name + "\n",
	}
	go d.run()
	return d
}

// Shutdown stops the firmware loop. The device cannot be reused.
func (d *Device) Shutdown() {
	d.once.Do(func() { close(d.done) })
}

// --- test and demo controls ---

// SetBonded marks the device as paired with the host
func (d *Device) SetBonded(bonded bool) {
	d.mu.Lock()
	d.bonded = bonded
	d.mu.Unlock()
}

// SetFaults replaces the injected faults and resets their counters
func (d *Device) SetFaults(f Faults) {
	d.mu.Lock()
	d.faults = f
	d.listCalls, d.delCalls, d.infoCalls = 0, 0, 0
	d.mu.Unlock()
}

// SetFirmware sets the version and battery level reported by GET:info
func (d *Device) SetFirmware(version string, batteryLevel float64) {
	d.mu.Lock()
	d.version = version
	d.battery = batteryLevel
	d.mu.Unlock()
}

// SetSettings replaces the INI blob served by GET:setting_ini
func (d *Device) SetSettings(blob string) {
	d.mu.Lock()
	d.settings = blob
	d.mu.Unlock()
}

// Settings returns the INI blob last stored by the device
func (d *Device) Settings() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

// AddFile stores a recording on the device
func (d *Device) AddFile(name string, data []byte) {
	d.mu.Lock()
	d.files[name] = append([]byte(nil), data...)
	d.mu.Unlock()
}

// Files returns the names stored on the device, sorted
func (d *Device) Files() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sortedNamesLocked("")
}

// Clock returns the last time set by SET:time
func (d *Device) Clock() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock
}

// Commands returns every text command received, in order
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// CommandCount counts received commands starting with prefix
func (d *Device) CommandCount(prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.commands {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Acks returns every ACK-characteristic write received, in order
func (d *Device) Acks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.acks...)
}

// HighPriority reports whether the client requested a high-priority link
func (d *Device) HighPriority() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.priority
}

// DropLink simulates the device going out of range
func (d *Device) DropLink() {
	d.mu.Lock()
	wasConnected := d.connected
	d.resetLinkLocked()
	d.mu.Unlock()
	if wasConnected {
		d.emit(transport.Event{Kind: transport.EventConnectionState, Link: transport.LinkDisconnected, Address: d.Address})
	}
}

// FailLink simulates a GATT error on the link
func (d *Device) FailLink(err error) {
	d.mu.Lock()
	d.resetLinkLocked()
	d.mu.Unlock()
	d.emit(transport.Event{Kind: transport.EventConnectionState, Link: transport.LinkError, Address: d.Address, Err: err})
}

// --- transport.Transport ---

func (d *Device) Bonded() ([]transport.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.bonded {
		return nil, nil
	}
	return []transport.Device{{Address: d.Address, Name: d.Name, Bonded: true}}, nil
}

func (d *Device) Scan(ctx context.Context, name string) (transport.Device, error) {
	if name != d.Name {
		<-ctx.Done()
		return transport.Device{}, ctx.Err()
	}
	d.mu.Lock()
	delay := d.sim.discoveryDelay()
	bonded := d.bonded
	d.mu.Unlock()

	select {
	case <-time.After(delay):
		return transport.Device{Address: d.Address, Name: d.Name, Bonded: bonded}, nil
	case <-ctx.Done():
		return transport.Device{}, ctx.Err()
	}
}

func (d *Device) Connect(ctx context.Context, address string) error {
	if address != d.Address {
		return fmt.Errorf("sim: no device at %s", address)
	}
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		return fmt.Errorf("sim: already connected to %s", address)
	}
	delay := d.sim.connectionDelay()
	ok := d.sim.shouldConnectionSucceed()
	d.mu.Unlock()

	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		case <-d.done:
			return
		}
		if !ok {
			d.emit(transport.Event{Kind: transport.EventConnectionState, Link: transport.LinkError, Address: address, Err: errors.New("connection failed (simulated)")})
			return
		}
		d.mu.Lock()
		d.connected = true
		d.mtu = transport.DefaultMTU
		d.mu.Unlock()
		logger.Debug("sim", "🔌 link up to %s", d.Name)
		d.emit(transport.Event{Kind: transport.EventConnectionState, Link: transport.LinkConnected, Address: address})
	}()
	return nil
}

func (d *Device) Disconnect() error {
	d.mu.Lock()
	wasConnected := d.connected
	d.resetLinkLocked()
	d.mu.Unlock()
	if wasConnected {
		d.emit(transport.Event{Kind: transport.EventConnectionState, Link: transport.LinkDisconnected, Address: d.Address})
	}
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	d.resetLinkLocked()
	d.mu.Unlock()
	return nil
}

func (d *Device) WriteCommand(text string) error {
	return d.enqueue(write{command: text})
}

func (d *Device) WriteAck(data []byte) error {
	return d.enqueue(write{ack: append([]byte(nil), data...)})
}

func (d *Device) RequestMTU(mtu int) error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return errors.New("sim: not connected")
	}
	granted := mtu
	if granted > d.sim.config.MaxMTU {
		granted = d.sim.config.MaxMTU
	}
	if granted < transport.DefaultMTU {
		granted = transport.DefaultMTU
	}
	d.mtu = granted
	d.mu.Unlock()

	d.emit(transport.Event{Kind: transport.EventMTUChanged, MTU: granted})
	d.emit(transport.Event{Kind: transport.EventReady})
	return nil
}

func (d *Device) RequestHighPriority() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return errors.New("sim: not connected")
	}
	d.priority = true
	return nil
}

func (d *Device) Events() <-chan transport.Event {
	return d.events
}

// --- firmware ---

func (d *Device) enqueue(w write) error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return errors.New("sim: not connected")
	}
	w.epoch = d.epoch
	d.mu.Unlock()

	select {
	case d.inbox <- w:
		return nil
	case <-d.done:
		return errors.New("sim: device shut down")
	}
}

// Must be called with lock held
func (d *Device) resetLinkLocked() {
	d.connected = false
	d.priority = false
	d.transfer = nil
	d.epoch++
}

func (d *Device) run() {
	for {
		select {
		case <-d.done:
			return
		case w := <-d.inbox:
			d.mu.Lock()
			stale := w.epoch != d.epoch || !d.connected
			d.mu.Unlock()
			if stale {
				continue
			}
			if w.ack != nil {
				d.handleAck(string(w.ack))
			} else {
				d.handleCommand(w.command)
			}
		}
	}
}

func (d *Device) handleCommand(cmd string) {
	d.mu.Lock()
	d.commands = append(d.commands, cmd)
	d.mu.Unlock()

	switch {
	case cmd == protocol.CmdGetInfo:
		d.answerInfo()
	case strings.HasPrefix(cmd, protocol.CmdListFiles):
		d.answerList(strings.TrimPrefix(cmd, protocol.CmdListFiles))
	case strings.HasPrefix(cmd, protocol.CmdGetFile):
		d.startTransfer(strings.TrimPrefix(cmd, protocol.CmdGetFile))
	case strings.HasPrefix(cmd, protocol.CmdDeleteFile):
		d.answerDelete(strings.TrimPrefix(cmd, protocol.CmdDeleteFile))
	case strings.HasPrefix(cmd, protocol.CmdSetTime):
		secs, err := strconv.ParseInt(strings.TrimPrefix(cmd, protocol.CmdSetTime), 10, 64)
		if err != nil {
			d.respond("ERROR: bad time")
			return
		}
		d.mu.Lock()
		d.clock = time.Unix(secs, 0)
		d.mu.Unlock()
		d.respond("OK: Time set")
	case cmd == protocol.CmdGetSettings:
		d.mu.Lock()
		blob := d.settings
		d.mu.Unlock()
		d.respond(blob)
	case strings.HasPrefix(cmd, protocol.CmdSetSettings):
		// The firmware stores the blob and answers nothing
		d.mu.Lock()
		d.settings = strings.TrimPrefix(cmd, protocol.CmdSetSettings)
		d.mu.Unlock()
	default:
		d.respond("ERROR: unknown command")
	}
}

func (d *Device) answerInfo() {
	d.mu.Lock()
	d.infoCalls++
	if d.faults.SilentInfo {
		d.mu.Unlock()
		return
	}
	voltage := 3.9
	if vs := d.faults.InfoVoltages; len(vs) > 0 {
		voltage = vs[(d.infoCalls-1)%len(vs)]
	}
	info := protocol.DeviceInfo{
		BatteryLevel:   d.battery,
		BatteryVoltage: voltage,
		AppState:       "IDLE",
		Version:        d.version,
	}
	d.mu.Unlock()

	payload, _ := json.Marshal(info)
	d.respond(string(payload))
}

func (d *Device) answerList(ext string) {
	d.mu.Lock()
	d.listCalls++
	if d.listCalls <= d.faults.FailListAttempts {
		d.mu.Unlock()
		d.respond("ERROR: storage busy")
		return
	}
	names := d.sortedNamesLocked(ext)
	entries := make([]protocol.FileEntry, 0, len(names))
	for _, n := range names {
		entries = append(entries, protocol.FileEntry{Name: n, Size: int64(len(d.files[n]))})
	}
	d.mu.Unlock()

	if len(entries) == 0 {
		d.respond(protocol.LitEmpty)
		return
	}
	payload, _ := json.Marshal(entries)
	d.respond(string(payload))
}

func (d *Device) answerDelete(name string) {
	d.mu.Lock()
	d.delCalls++
	if d.faults.SilentDelete {
		d.mu.Unlock()
		return
	}
	if d.faults.FailDeleteAttempts < 0 || d.delCalls <= d.faults.FailDeleteAttempts {
		d.mu.Unlock()
		d.respond("ERROR: delete failed")
		return
	}
	if _, ok := d.files[name]; !ok {
		d.mu.Unlock()
		d.respond("ERROR: file not found")
		return
	}
	delete(d.files, name)
	d.mu.Unlock()
	d.respond(fmt.Sprintf("OK: File %s deleted", name))
}

func (d *Device) startTransfer(args string) {
	// name may itself contain ':', the burst size is after the last one
	sep := strings.LastIndex(args, ":")
	if sep <= 0 {
		d.respond("ERROR: bad request")
		return
	}
	name := args[:sep]
	burst, err := strconv.Atoi(args[sep+1:])
	if err != nil || burst < 1 {
		d.respond("ERROR: bad burst size")
		return
	}

	d.mu.Lock()
	data, ok := d.files[name]
	if !ok || d.faults.FileNotFound {
		d.mu.Unlock()
		d.respond("ERROR: file not found")
		return
	}
	payloadSize := d.mtu - transport.ATTHeaderSize - protocol.ChunkHeaderSize
	if payloadSize < 1 {
		payloadSize = 1
	}
	var chunks [][]byte
	for off := 0; off < len(data); off += payloadSize {
		end := min(off+payloadSize, len(data))
		chunks = append(chunks, data[off:end])
	}
	d.transfer = &transfer{name: name, chunks: chunks, burst: burst}
	d.mu.Unlock()

	d.emitData([]byte(protocol.LitStart))
}

func (d *Device) handleAck(ack string) {
	d.mu.Lock()
	d.acks = append(d.acks, ack)
	t := d.transfer
	if t == nil {
		d.mu.Unlock()
		return
	}
	switch ack {
	case protocol.LitStartAck:
		if t.ready {
			d.mu.Unlock()
			return
		}
		t.ready = true
	case protocol.LitAck:
		if !t.ready {
			d.mu.Unlock()
			return
		}
	default:
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.sendBurst(t)
}

func (d *Device) sendBurst(t *transfer) {
	d.mu.Lock()
	if d.transfer != t || t.stall {
		d.mu.Unlock()
		return
	}
	faults := d.faults
	var burst [][]byte
	for i := 0; i < t.burst && t.next < len(t.chunks); i++ {
		if faults.StallAfterChunks > 0 && t.sent == faults.StallAfterChunks {
			t.stall = true
			break
		}
		if faults.DisconnectAfterChunks > 0 && t.sent == faults.DisconnectAfterChunks {
			d.mu.Unlock()
			d.emitAll(burst)
			d.DropLink()
			return
		}
		idx := uint32(t.next)
		t.next++
		t.sent++
		if d.sim.shouldDropPacket() {
			continue
		}
		burst = append(burst, protocol.EncodeChunk(idx, t.chunks[idx]))
	}
	finished := !t.stall && t.next >= len(t.chunks)
	if finished {
		d.transfer = nil
	}
	d.mu.Unlock()

	if faults.ReverseBursts {
		for i, j := 0, len(burst)-1; i < j; i, j = i+1, j-1 {
			burst[i], burst[j] = burst[j], burst[i]
		}
	}
	d.emitAll(burst)
	if finished {
		d.emitData([]byte(protocol.LitEOF))
	}
}

// respond sends a text response split into MTU-sized notifications
func (d *Device) respond(text string) {
	d.mu.Lock()
	size := d.sim.config.ResponseFragmentSize
	if size <= 0 {
		size = d.mtu - transport.ATTHeaderSize
	}
	d.mu.Unlock()

	data := []byte(text)
	if len(data) == 0 {
		return
	}
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		d.emitData(data[off:end])
	}
}

func (d *Device) emitAll(packets [][]byte) {
	for _, p := range packets {
		d.emitData(p)
	}
}

func (d *Device) emitData(data []byte) {
	d.mu.Lock()
	connected := d.connected
	d.mu.Unlock()
	if !connected {
		return
	}
	d.emit(transport.Event{
		Kind:           transport.EventCharacteristicChanged,
		Characteristic: transport.ResponseCharUUID,
		Data:           append([]byte(nil), data...),
	})
}

func (d *Device) emit(ev transport.Event) {
	select {
	case d.events <- ev:
	case <-d.done:
	}
}

// Must be called with lock held
func (d *Device) sortedNamesLocked(ext string) []string {
	names := make([]string, 0, len(d.files))
	for n := range d.files {
		if ext == "" || strings.HasSuffix(n, "."+ext) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}
