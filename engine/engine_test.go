package engine

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pirorin215/fastrec-sub000/config"
	"github.com/pirorin215/fastrec-sub000/history"
	"github.com/pirorin215/fastrec-sub000/opgate"
	"github.com/pirorin215/fastrec-sub000/protocol"
	"github.com/pirorin215/fastrec-sub000/transport/sim"
)

const testAddress = "AA:BB:CC:DD:EE:01"

type memStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (s *memStore) SaveFile(name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		s.files = make(map[string][]byte)
	}
	s.files[name] = append([]byte(nil), data...)
	return "mem://" + name, nil
}

func (s *memStore) get(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	return data, ok
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

type memHistory struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (h *memHistory) AddEntry(ts time.Time, loc *history.Location, level, voltage *float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, history.Entry{Timestamp: ts, Location: loc, BatteryLevel: level, BatteryVoltage: voltage})
	return nil
}

type memNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *memNotifier) Notify(title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Device.Name = "fastrec"
	cfg.Transfer.BurstSize = 4
	cfg.Transfer.MaxDeleteRetries = 2
	cfg.Transfer.DeleteRetryDelayMs = 10
	cfg.Polling.InfoRetryCount = 3
	cfg.Polling.InfoRetryDelayMs = 5
	cfg.Polling.TimeSyncIntervalMs = 0
	cfg.Polling.LowVoltageThreshold = 0
	cfg.Connection.ReconnectSettleMs = 20
	cfg.Connection.ForceReconnectMs = 10
	cfg.Connection.AutoReconnect = false
	cfg.Connection.SettingsFlushMs = 10
	cfg.Timeouts.DeviceInfoMs = 500
	cfg.Timeouts.FileListMs = 500
	cfg.Timeouts.TimeSyncMs = 500
	cfg.Timeouts.SettingsMs = 1000
	cfg.Timeouts.SettingsQuietMs = 50
	cfg.Timeouts.DeleteAckMs = 300
	cfg.Timeouts.PacketWatchdogMs = 200
	return cfg
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	dev    *sim.Device
	eng    *Engine
	store  *memStore
	hist   *memHistory
	notes  *memNotifier
	events <-chan Event
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	return newHarnessWithLink(t, cfg, sim.PerfectSimulationConfig())
}

func newHarnessWithLink(t *testing.T, cfg *config.Config, link *sim.SimulationConfig) *harness {
	t.Helper()
	dev := sim.NewDevice("fastrec", testAddress, link)
	h := &harness{t: t, dev: dev, store: &memStore{}, hist: &memHistory{}, notes: &memNotifier{}}
	h.eng = New(cfg, dev, Deps{History: h.hist, Storage: h.store, Notifier: h.notes})

	events, unsubscribe := h.eng.Subscribe(256)
	h.events = events
	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	h.eng.Start(ctx)

	t.Cleanup(func() {
		unsubscribe()
		h.eng.Stop()
		cancel()
		dev.Shutdown()
	})
	return h
}

// connect brings the link up and waits for DeviceReady
func (h *harness) connect() {
	h.t.Helper()
	if err := h.eng.Connect(h.ctx); err != nil {
		h.t.Fatalf("Connect failed: %v", err)
	}
	h.waitEvent(EventDeviceReady)
}

func (h *harness) waitEvent(kind EventKind) Event {
	h.t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			h.t.Fatalf("Timed out waiting for %s", kind)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestConnectNegotiatesAndSignalsReadyOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect()

	st := h.eng.State().Get()
	if st.Kind != StateConnected || st.Address != testAddress || st.Handle == "" {
		t.Errorf("Unexpected state %s", st)
	}
	if h.eng.MTU() != 247 {
		t.Errorf("Expected MTU 247, got %d", h.eng.MTU())
	}
	if !h.dev.HighPriority() {
		t.Error("High-priority link should be requested after ready")
	}
	if h.eng.LinkContext().Err() != nil {
		t.Error("Link context should be live while connected")
	}

	select {
	case ev := <-h.events:
		if ev.Kind == EventDeviceReady {
			t.Error("DeviceReady emitted twice for one connection")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOperationsFailWhenNotConnected(t *testing.T) {
	h := newHarness(t, testConfig())
	_, err := h.eng.FetchFileList(h.ctx, false)
	if !errors.Is(err, protocol.ErrDisconnected) {
		t.Errorf("Expected ErrDisconnected, got %v", err)
	}
	if h.eng.Operation().Get() != opgate.Idle {
		t.Error("Gate should be Idle after a failed operation")
	}
}

func TestFetchFileListAndDownload(t *testing.T) {
	h := newHarness(t, testConfig())
	data := pattern(3000) // 240-byte payloads: 13 chunks
	h.dev.AddFile("R0001.wav", data)
	h.dev.AddFile("R0002.wav", pattern(10))
	h.connect()

	files, err := h.eng.FetchFileList(h.ctx, false)
	if err != nil {
		t.Fatalf("FetchFileList failed: %v", err)
	}
	if len(files) != 2 || files[0].Name != "R0001.wav" || files[0].Size != 3000 {
		t.Fatalf("Unexpected files %+v", files)
	}
	if ev := h.waitEvent(EventFileListChanged); ev.Silent || len(ev.Files) != 2 {
		t.Errorf("Unexpected list event %+v", ev)
	}

	locator, err := h.eng.DownloadFile(h.ctx, files[0])
	if err != nil {
		t.Fatalf("DownloadFile failed: %v", err)
	}
	if locator != "mem://R0001.wav" {
		t.Errorf("Unexpected locator %q", locator)
	}
	saved, ok := h.store.get("R0001.wav")
	if !ok || !bytes.Equal(saved, data) {
		t.Fatalf("Saved %d bytes, want %d", len(saved), len(data))
	}
	if ev := h.waitEvent(EventFileDownloaded); ev.File.Name != "R0001.wav" || ev.Locator != locator {
		t.Errorf("Unexpected download event %+v", ev)
	}

	// START_ACK plus one ACK per full burst of 4
	acks := h.dev.Acks()
	if len(acks) != 4 || acks[0] != protocol.LitStartAck || acks[1] != protocol.LitAck {
		t.Errorf("Unexpected ack sequence %v", acks)
	}
	if m := h.eng.Metrics().Get(); m.State != TransferIdle || m.BytesReceived != 0 {
		t.Errorf("Metrics should be cleared after completion, got %+v", m)
	}
	if h.eng.Operation().Get() != opgate.Idle {
		t.Error("Gate should be Idle after download")
	}
}

func TestDownloadReassemblesOutOfOrderChunks(t *testing.T) {
	h := newHarness(t, testConfig())
	data := pattern(2000)
	h.dev.AddFile("R1.wav", data)
	h.dev.SetFaults(sim.Faults{ReverseBursts: true})
	h.connect()

	if _, err := h.eng.DownloadFile(h.ctx, protocol.FileEntry{Name: "R1.wav", Size: 2000}); err != nil {
		t.Fatalf("DownloadFile failed: %v", err)
	}
	saved, _ := h.store.get("R1.wav")
	if !bytes.Equal(saved, data) {
		t.Error("Reversed bursts should reassemble to the original bytes")
	}
}

func TestBurstSizeChangeAppliesToNextDownload(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dev.AddFile("R1.wav", pattern(2400)) // 10 chunks
	h.connect()

	h.eng.SetBurstSize(5)
	h.eng.SetBurstSize(0) // ignored
	if h.eng.BurstSize() != 5 {
		t.Fatalf("Expected burst 5, got %d", h.eng.BurstSize())
	}
	if _, err := h.eng.DownloadFile(h.ctx, protocol.FileEntry{Name: "R1.wav"}); err != nil {
		t.Fatalf("DownloadFile failed: %v", err)
	}
	if n := h.dev.CommandCount("GET:file:R1.wav:5"); n != 1 {
		t.Errorf("Expected request with burst 5, commands %v", h.dev.Commands())
	}
}

func TestWatchdogFailsStalledDownload(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dev.AddFile("R1.wav", pattern(2400))
	h.dev.SetFaults(sim.Faults{StallAfterChunks: 5})
	h.connect()

	start := time.Now()
	_, err := h.eng.DownloadFile(h.ctx, protocol.FileEntry{Name: "R1.wav", Size: 2400})
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("Watchdog fired too early (%s)", elapsed)
	}
	if h.store.count() != 0 {
		t.Error("No file may be saved after a watchdog failure")
	}
	if h.eng.Operation().Get() != opgate.Idle {
		t.Error("Gate should be Idle after watchdog failure")
	}
	if m := h.eng.Metrics().Get(); m.State != TransferIdle {
		t.Errorf("Metrics should be cleared, got %+v", m)
	}
}

func TestDeviceErrorFailsDownload(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect()

	_, err := h.eng.DownloadFile(h.ctx, protocol.FileEntry{Name: "missing.wav"})
	var pe *protocol.ProtocolError
	if !errors.As(err, &pe) || pe.Raw != "ERROR: file not found" {
		t.Errorf("Expected ProtocolError, got %v", err)
	}
}

func TestDisconnectMidDownloadReleasesGate(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dev.AddFile("R1.wav", pattern(2400)) // 10 chunks
	h.dev.SetFaults(sim.Faults{DisconnectAfterChunks: 3})
	h.connect()

	_, err := h.eng.DownloadFile(h.ctx, protocol.FileEntry{Name: "R1.wav", Size: 2400})
	if !errors.Is(err, protocol.ErrDisconnected) {
		t.Fatalf("Expected ErrDisconnected, got %v", err)
	}
	if h.eng.Operation().Get() != opgate.Idle {
		t.Error("Gate must be Idle as soon as the download returns")
	}
	if h.store.count() != 0 {
		t.Error("Partial download must not be persisted")
	}
	waitFor(t, "Disconnected state", func() bool { return h.eng.State().Get().Kind == StateDisconnected })
}

func TestDisconnectFailsPendingCommand(t *testing.T) {
	cfg := testConfig()
	cfg.Polling.InfoRetryCount = 1
	cfg.Timeouts.DeviceInfoMs = 3000
	h := newHarness(t, cfg)
	h.dev.SetFaults(sim.Faults{SilentInfo: true})
	h.connect()

	result := make(chan error, 1)
	go func() {
		_, err := h.eng.PollDeviceInfo(h.ctx)
		result <- err
	}()
	waitFor(t, "info request", func() bool { return h.dev.CommandCount(protocol.CmdGetInfo) == 1 })
	h.dev.DropLink()

	select {
	case err := <-result:
		if !errors.Is(err, protocol.ErrDisconnected) {
			t.Errorf("Expected ErrDisconnected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pending command was not failed by the disconnect")
	}
	if h.eng.Operation().Get() != opgate.Idle {
		t.Error("Gate must be Idle once the command fails")
	}
}

func TestDeleteRetryExhaustion(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dev.AddFile("R1.wav", pattern(10))
	h.dev.SetFaults(sim.Faults{FailDeleteAttempts: -1})
	h.connect()

	if _, err := h.eng.FetchFileList(h.ctx, true); err != nil {
		t.Fatalf("FetchFileList failed: %v", err)
	}
	err := h.eng.DeleteFile(h.ctx, "R1.wav")
	if !errors.Is(err, protocol.ErrRetriesExhausted) {
		t.Fatalf("Expected ErrRetriesExhausted, got %v", err)
	}
	var pe *protocol.ProtocolError
	if !errors.As(err, &pe) {
		t.Errorf("Last device error should be wrapped, got %v", err)
	}
	if n := h.dev.CommandCount(protocol.CmdDeleteFile); n != 3 {
		t.Errorf("Expected MAX_DELETE_RETRIES+1 = 3 attempts, got %d", n)
	}
	if files := h.eng.Files().Get(); len(files) != 1 || files[0].Name != "R1.wav" {
		t.Errorf("Directory cache must keep the file, got %+v", files)
	}
}

func TestDeleteRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dev.AddFile("R1.wav", pattern(10))
	h.dev.AddFile("R2.wav", pattern(10))
	h.dev.SetFaults(sim.Faults{FailDeleteAttempts: 2})
	h.connect()

	if _, err := h.eng.FetchFileList(h.ctx, true); err != nil {
		t.Fatalf("FetchFileList failed: %v", err)
	}
	if err := h.eng.DeleteFile(h.ctx, "R1.wav"); err != nil {
		t.Fatalf("DeleteFile failed: %v", err)
	}
	if files := h.eng.Files().Get(); len(files) != 1 || files[0].Name != "R2.wav" {
		t.Errorf("Deleted entry should leave the cache, got %+v", files)
	}
	if ev := h.waitEvent(EventFileDeleted); ev.File.Name != "R1.wav" {
		t.Errorf("Unexpected delete event %+v", ev)
	}
	if n := h.dev.CommandCount(protocol.CmdDeleteFile); n != 3 {
		t.Errorf("Expected 3 attempts, got %d", n)
	}
}

func TestDeleteTimesOutWithoutAck(t *testing.T) {
	cfg := testConfig()
	cfg.Transfer.MaxDeleteRetries = 0
	h := newHarness(t, cfg)
	h.dev.AddFile("R1.wav", pattern(10))
	h.dev.SetFaults(sim.Faults{SilentDelete: true})
	h.connect()

	err := h.eng.DeleteFile(h.ctx, "R1.wav")
	if !errors.Is(err, protocol.ErrRetriesExhausted) || !errors.Is(err, protocol.ErrTimeout) {
		t.Errorf("Expected exhausted timeout, got %v", err)
	}
}

func TestPollDeviceInfoSelectsBestSample(t *testing.T) {
	cfg := testConfig()
	cfg.Polling.InfoRetryCount = 5
	h := newHarness(t, cfg)
	h.dev.SetFaults(sim.Faults{InfoVoltages: []float64{3.70, 3.68, 3.72, 3.69, 3.65}})
	h.connect()

	info, err := h.eng.PollDeviceInfo(h.ctx)
	if err != nil {
		t.Fatalf("PollDeviceInfo failed: %v", err)
	}
	if info.BatteryVoltage != 3.72 {
		t.Errorf("Expected 3.72V, got %.2f", info.BatteryVoltage)
	}
	if n := h.dev.CommandCount(protocol.CmdGetInfo); n != 5 {
		t.Errorf("Expected 5 samples, got %d", n)
	}
	if got := h.eng.DeviceInfo().Get(); got == nil || got.BatteryVoltage != 3.72 {
		t.Errorf("Observable info not updated: %+v", got)
	}
	if ev := h.waitEvent(EventDeviceInfoUpdated); ev.Info.BatteryVoltage != 3.72 {
		t.Errorf("Unexpected info event %+v", ev)
	}

	h.hist.mu.Lock()
	defer h.hist.mu.Unlock()
	if len(h.hist.entries) != 1 || *h.hist.entries[0].BatteryVoltage != 3.72 {
		t.Errorf("Expected one history entry at 3.72V, got %+v", h.hist.entries)
	}
}

func TestPollDeviceInfoTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.Polling.InfoRetryCount = 1
	cfg.Timeouts.DeviceInfoMs = 100
	h := newHarness(t, cfg)
	h.dev.SetFaults(sim.Faults{SilentInfo: true})
	h.connect()

	if _, err := h.eng.PollDeviceInfo(h.ctx); !errors.Is(err, protocol.ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
	if h.eng.Operation().Get() != opgate.Idle {
		t.Error("Gate should be Idle after timeout")
	}
}

func TestLowBatteryNotifies(t *testing.T) {
	cfg := testConfig()
	cfg.Polling.InfoRetryCount = 1
	cfg.Polling.LowVoltageThreshold = 3.5
	h := newHarness(t, cfg)
	h.dev.SetFaults(sim.Faults{InfoVoltages: []float64{3.31}})
	h.connect()

	if _, err := h.eng.PollDeviceInfo(h.ctx); err != nil {
		t.Fatalf("PollDeviceInfo failed: %v", err)
	}
	if ev := h.waitEvent(EventLowBattery); ev.Info.BatteryVoltage != 3.31 {
		t.Errorf("Unexpected low battery event %+v", ev)
	}
	h.notes.mu.Lock()
	defer h.notes.mu.Unlock()
	if len(h.notes.titles) != 1 {
		t.Errorf("Expected one notification, got %v", h.notes.titles)
	}
}

func TestSyncTimeSetsDeviceClock(t *testing.T) {
	h := newHarness(t, testConfig())
	fixed := time.Unix(1760000000, 0)
	h.eng.now = func() time.Time { return fixed }
	h.connect()

	if err := h.eng.SyncTime(h.ctx); err != nil {
		t.Fatalf("SyncTime failed: %v", err)
	}
	if !h.dev.Clock().Equal(fixed) {
		t.Errorf("Device clock %v, want %v", h.dev.Clock(), fixed)
	}
}

func TestPeriodicTimeSyncSkipsWhileBusy(t *testing.T) {
	cfg := testConfig()
	cfg.Polling.TimeSyncIntervalMs = 20
	h := newHarness(t, cfg)
	h.connect()

	hold := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		for {
			err := h.eng.gate.WithOperation(h.ctx, opgate.FetchingSettings, func(context.Context) error {
				close(holding)
				<-hold
				return nil
			})
			if !errors.Is(err, opgate.ErrBusy) {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	<-holding

	// Let an in-flight sync reach the device before counting
	time.Sleep(20 * time.Millisecond)
	before := h.dev.CommandCount(protocol.CmdSetTime)
	time.Sleep(100 * time.Millisecond)
	if n := h.dev.CommandCount(protocol.CmdSetTime); n != before {
		t.Errorf("Periodic sync must skip while the gate is held, sent %d more", n-before)
	}
	close(hold)

	waitFor(t, "periodic time sync", func() bool { return h.dev.CommandCount(protocol.CmdSetTime) > before })
}

func TestSettingsFetchAndPush(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dev.SetSettings("device_name=fastrec\n[wifi]\nssid=home\npassword=p=ss\n")
	h.connect()

	settings, err := h.eng.FetchSettings(h.ctx)
	if err != nil {
		t.Fatalf("FetchSettings failed: %v", err)
	}
	if v, _ := settings.Get("wifi.password"); v != "p=ss" {
		t.Errorf("Unexpected wifi.password %q", v)
	}

	settings.Set("wifi.ssid", "office")
	settings.Set("vad_threshold", "900")
	if err := h.eng.PushSettings(h.ctx, settings); err != nil {
		t.Fatalf("PushSettings failed: %v", err)
	}
	h.waitEvent(EventSettingsSent)

	waitFor(t, "device to store settings", func() bool {
		stored, err := protocol.ParseSettings(h.dev.Settings())
		return err == nil && stored.Equal(settings)
	})
}

func TestFragmentedResponsesAreReassembled(t *testing.T) {
	link := sim.PerfectSimulationConfig()
	link.ResponseFragmentSize = 7
	h := newHarnessWithLink(t, testConfig(), link)
	blob := "device_name=fastrec-01\nvad_threshold=1200\n[wifi]\nssid=home network\npassword=p=ss\n"
	h.dev.SetSettings(blob)
	h.dev.SetFaults(sim.Faults{InfoVoltages: []float64{3.81}})
	h.dev.AddFile("R0001.wav", pattern(100))
	h.dev.AddFile("R0002.wav", pattern(200))
	h.dev.AddFile("R0003.wav", pattern(300))
	h.connect()

	settings, err := h.eng.FetchSettings(h.ctx)
	if err != nil {
		t.Fatalf("FetchSettings failed: %v", err)
	}
	if got := settings.Format(); got != blob {
		t.Errorf("Settings reassembled wrongly:\n got %q\nwant %q", got, blob)
	}

	info, err := h.eng.PollDeviceInfo(h.ctx)
	if err != nil {
		t.Fatalf("PollDeviceInfo failed: %v", err)
	}
	if info.BatteryVoltage != 3.81 || info.AppState != "IDLE" {
		t.Errorf("Unexpected info %+v", info)
	}

	files, err := h.eng.FetchFileList(h.ctx, true)
	if err != nil {
		t.Fatalf("FetchFileList failed: %v", err)
	}
	if len(files) != 3 || files[2].Name != "R0003.wav" || files[2].Size != 300 {
		t.Errorf("Unexpected files %+v", files)
	}
}

func TestDisconnectDuringErrorSettleCancelsReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.Connection.ReconnectSettleMs = 150
	h := newHarness(t, cfg)
	h.connect()

	h.dev.FailLink(errors.New("GATT 133"))
	waitFor(t, "Error state", func() bool { return h.eng.State().Get().Kind == StateError })
	if err := h.eng.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	time.Sleep(400 * time.Millisecond)
	if st := h.eng.State().Get(); st.Kind != StateDisconnected {
		t.Errorf("Expected to stay Disconnected, got %s", st)
	}
}

func TestLinkErrorReconnects(t *testing.T) {
	h := newHarness(t, testConfig())
	h.connect()
	first := h.eng.State().Get().Handle
	link := h.eng.LinkContext()

	h.dev.FailLink(errors.New("GATT 133"))

	select {
	case <-link.Done():
	case <-time.After(time.Second):
		t.Fatal("Link context should be cancelled on error")
	}
	h.waitEvent(EventDeviceReady)
	st := h.eng.State().Get()
	if st.Kind != StateConnected || st.Handle == first {
		t.Errorf("Expected a new connection, got %s", st)
	}
}

func TestDeviceDisconnectAutoReconnects(t *testing.T) {
	cfg := testConfig()
	cfg.Connection.AutoReconnect = true
	h := newHarness(t, cfg)
	h.connect()

	h.dev.DropLink()
	h.waitEvent(EventDeviceReady)
	if h.eng.State().Get().Kind != StateConnected {
		t.Errorf("Expected reconnection, got %s", h.eng.State().Get())
	}
}

func TestUserDisconnectStaysDisconnected(t *testing.T) {
	cfg := testConfig()
	cfg.Connection.AutoReconnect = true
	h := newHarness(t, cfg)
	h.connect()

	if err := h.eng.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if st := h.eng.State().Get(); st.Kind != StateDisconnected {
		t.Errorf("Expected to stay Disconnected, got %s", st)
	}

	if err := h.eng.ForceReconnect(h.ctx); err != nil {
		t.Fatalf("ForceReconnect failed: %v", err)
	}
	h.waitEvent(EventDeviceReady)
}

func TestPreferredBondedDeviceSkipsScan(t *testing.T) {
	cfg := testConfig()
	cfg.Device.Name = "other-name"
	cfg.Device.PreferredAddress = testAddress
	h := newHarness(t, cfg)
	h.dev.SetBonded(true)
	h.connect()

	if st := h.eng.State().Get(); st.Address != testAddress {
		t.Errorf("Expected preferred address, got %s", st)
	}
}
