package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pirorin215/fastrec-sub000/config"
	"github.com/pirorin215/fastrec-sub000/engine"
	"github.com/pirorin215/fastrec-sub000/transport/sim"
)

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"gain=12", " wifi.ssid = home "})
	if err != nil {
		t.Fatalf("parseAssignments failed: %v", err)
	}
	if len(got) != 2 || got[1].Key != "wifi.ssid" || got[1].Value != "home" {
		t.Errorf("Unexpected assignments %+v", got)
	}

	for _, bad := range [][]string{nil, {"novalue"}, {"=1"}} {
		if _, err := parseAssignments(bad); err == nil {
			t.Errorf("Expected an error for %q", bad)
		}
	}
}

func testSession(t *testing.T) *session {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Polling.TimeSyncIntervalMs = 0
	cfg.Connection.ReconnectSettleMs = 10
	s, err := openSession(cfg, "")
	if err != nil {
		t.Fatalf("openSession failed: %v", err)
	}
	return s
}

func TestOneShotDownloadOverSimulatedDevice(t *testing.T) {
	s := testSession(t)
	dev := sim.NewDevice("fastrec", "AA:BB:CC:DD:EE:01", sim.PerfectSimulationConfig())
	defer dev.Shutdown()
	data := bytes.Repeat([]byte("fastrec"), 400)
	dev.AddFile("a.wav", data)
	s.bind(dev, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := runOneShot(ctx, s, func(ctx context.Context, eng *engine.Engine) error {
		file, err := lookup(ctx, s, "a.wav")
		if err != nil {
			return err
		}
		_, err = eng.DownloadFile(ctx, file)
		return err
	})
	if err != nil {
		t.Fatalf("runOneShot failed: %v", err)
	}
	if !s.store.Exists("a.wav") {
		t.Error("a.wav was not stored")
	}
	if got := s.eng.State().Get().Kind; got != engine.StateDisconnected {
		t.Errorf("Expected Disconnected after the command, got %s", got)
	}
}

func TestConnectReadyHonoursAttemptLimit(t *testing.T) {
	s := testSession(t)
	s.cfg.Device.Name = ""
	s.cfg.Device.PreferredAddress = "11:22:33:44:55:66"
	s.cfg.Connection.ConnectAttemptLimit = 2
	dev := sim.NewDevice("fastrec", "AA:BB:CC:DD:EE:01", sim.PerfectSimulationConfig())
	defer dev.Shutdown()
	s.bind(dev, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := runOneShot(ctx, s, func(context.Context, *engine.Engine) error {
		t.Error("Command must not run without a connection")
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "gave up after 2") {
		t.Fatalf("Expected the attempt limit error, got %v", err)
	}
}
