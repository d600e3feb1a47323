package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"scantool/internal/device"
	"scantool/internal/events"
	"scantool/internal/firmware"
	"scantool/internal/store"
	"scantool/internal/transport"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", "device:\n  port: /dev/ttyACM0\n")
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Device.Transport != "cdc" || cfg.Device.Baud != 115200 {
		t.Errorf("device = %+v", cfg.Device)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" || cfg.Store.Path != "scantool.db" || cfg.Store.KeepUpdates != 100 {
		t.Errorf("defaults: listen %q store %q keep %d", cfg.Web.Listen, cfg.Store.Path, cfg.Store.KeepUpdates)
	}
	if cfg.MQTT.TopicPrefix != "scantool" || cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("defaults: prefix %q log %q/%q", cfg.MQTT.TopicPrefix, cfg.Log.Level, cfg.Log.Format)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadConfigFull(t *testing.T) {
	path := writeFile(t, "config.yaml", `
device:
  port: /dev/ttyS1
  transport: uart
  baud: 9600
web:
  listen: ":9000"
  api_key: secret
  allowed_origins: ["http://panel.local"]
  metrics: true
mqtt:
  enabled: true
  broker: tcp://localhost:1883
  model: HR32
formatter:
  script: format.lua
  timeout: 200ms
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.kind() != transport.UART || cfg.Device.Baud != 9600 {
		t.Errorf("device = %+v", cfg.Device)
	}
	if cfg.Web.APIKey != "secret" || len(cfg.Web.AllowedOrigins) != 1 || !cfg.Web.Metrics {
		t.Errorf("web = %+v", cfg.Web)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Model != "HR32" {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	path := writeFile(t, "bad.yaml", "device: [")
	if _, err := loadConfig(path); err == nil {
		t.Error("expected error for bad yaml")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Device.Port = "/dev/ttyACM0"
		cfg.Device.Transport = "cdc"
		cfg.Device.Baud = 115200
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing port", func(c *Config) { c.Device.Port = "" }, "device.port"},
		{"bad transport", func(c *Config) { c.Device.Transport = "bluetooth" }, "device.transport"},
		{"uart without baud", func(c *Config) { c.Device.Transport = "uart"; c.Device.Baud = 0 }, "device.baud"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
		{"negative keep", func(c *Config) { c.Store.KeepUpdates = -1 }, "keep_updates"},
		{"bad formatter timeout", func(c *Config) { c.Formatter.Timeout = "soon" }, "formatter.timeout"},
		{"zero formatter timeout", func(c *Config) { c.Formatter.Timeout = "0s" }, "formatter.timeout"},
		{"negative formatter timeout", func(c *Config) { c.Formatter.Timeout = "-1s" }, "formatter.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := &Config{}
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"
	logger := newLogger(cfg)
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	if !logger.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("warn disabled at warn level")
	}
}

func TestRunUsageErrors(t *testing.T) {
	cfg := &Config{}
	for _, tt := range []struct {
		name string
		args []string
	}{
		{"bogus", nil},
		{"get", nil},
		{"image", nil},
	} {
		err := run(cfg, tt.name, tt.args, newTestLogger())
		if !errors.Is(err, errUsage) {
			t.Errorf("run(%q) err = %v, want usage error", tt.name, err)
		}
	}
}

func TestUsageListsCommands(t *testing.T) {
	var buf bytes.Buffer
	usage(&buf)
	for name := range commands {
		if !strings.Contains(buf.String(), "  "+name) {
			t.Errorf("usage does not list %q", name)
		}
	}
}

func TestLoadEntries(t *testing.T) {
	path := writeFile(t, "entries.yaml", "- name: SCNMOD\n  value: \"0\"\n- name: INTERF\n  value: \"3\"\n")
	entries, err := loadEntries(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []device.ConfigEntry{{Name: "SCNMOD", Value: "0"}, {Name: "INTERF", Value: "3"}}
	if len(entries) != len(want) || entries[0] != want[0] || entries[1] != want[1] {
		t.Errorf("entries = %+v, want %+v", entries, want)
	}

	empty := writeFile(t, "empty.yaml", "[]\n")
	if _, err := loadEntries(empty); err == nil {
		t.Error("expected error for empty entry list")
	}
}

func TestHistory(t *testing.T) {
	cfg := &Config{}
	cfg.Store.Path = filepath.Join(t.TempDir(), "test.db")

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	recs := []*store.UpdateRecord{
		{ID: store.NewUpdateID(start), StartedAt: start, FinishedAt: start.Add(42 * time.Second),
			Port: "/dev/ttyACM0", Class: "soc", Segments: []string{"kernel", "appl"}, Status: store.StatusSuccess},
		{ID: store.NewUpdateID(start.Add(time.Hour)), StartedAt: start.Add(time.Hour), FinishedAt: start.Add(time.Hour),
			Port: "/dev/ttyACM0", Class: "mcu", Status: store.StatusFailed, Phase: "send_data",
			Indeterminate: true, Error: "communication error"},
	}
	for _, r := range recs {
		if err := db.SaveUpdate(r); err != nil {
			t.Fatal(err)
		}
	}
	db.Close()

	var out bytes.Buffer
	if err := runHistory(&env{cfg: cfg, logger: newTestLogger(), out: &out}, nil); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("history lines = %d:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[1], "42s") || !strings.Contains(lines[1], "success") {
		t.Errorf("first record line = %q", lines[1])
	}
	if !strings.Contains(lines[2], "failed (indeterminate)") {
		t.Errorf("second record line = %q", lines[2])
	}

	out.Reset()
	if err := runHistory(&env{cfg: cfg, logger: newTestLogger(), out: &out}, []string{"1"}); err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(out.String(), "\n"); n != 2 {
		t.Errorf("limit 1 printed %d lines", n)
	}
	if err := runHistory(&env{cfg: cfg, out: &out}, []string{"zero"}); !errors.Is(err, errUsage) {
		t.Errorf("bad limit err = %v", err)
	}
}

func TestProgressLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	cb := progressLogger(logger)

	cb(firmware.Progress{Phase: firmware.PhaseHandshake, Total: 1})
	for pct := 0; pct <= 100; pct += 5 {
		cb(firmware.Progress{Phase: firmware.PhaseSendData, Segment: "appl", Total: 1, Percent: pct})
	}

	// One phase line each for handshake and send_data, plus 0..100 by tens.
	if n := strings.Count(buf.String(), "\n"); n != 13 {
		t.Errorf("logged %d lines, want 13:\n%s", n, buf.String())
	}
}

func newTestInventory(t *testing.T, keep int) (*inventory, *store.BoltStore) {
	t.Helper()
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return newInventory(db, "/dev/ttyACM0", keep, newTestLogger()), db
}

func TestInventoryTracksEvents(t *testing.T) {
	inv, db := newTestInventory(t, 0)
	if err := inv.attach(transport.Composite); err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus(newTestLogger())
	unsub := inv.subscribe(bus)

	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus.Emit(events.Event{Type: events.TypeScan, Data: events.Scan{Port: "/dev/ttyACM0", Data: "A", Time: seen}})
	bus.Emit(events.Event{Type: events.TypeScan, Data: events.Scan{Port: "/dev/ttyACM0", Data: "B", Time: seen}})
	bus.Emit(events.Event{Type: events.TypePlug, Data: device.PlugEvent{Port: "/dev/ttyACM0", Plugged: false}})

	sc, err := db.GetScanner("/dev/ttyACM0")
	if err != nil {
		t.Fatal(err)
	}
	if sc.Transport != "composite" || sc.Scans != 2 || sc.Plugged || !sc.LastSeen.Equal(seen) {
		t.Errorf("scanner = %+v", sc)
	}

	unsub()
	bus.Emit(events.Event{Type: events.TypeScan, Data: events.Scan{Time: seen}})
	if sc, _ := db.GetScanner("/dev/ttyACM0"); sc.Scans != 2 {
		t.Errorf("scans after unsubscribe = %d", sc.Scans)
	}
}

func TestInventoryPrunesHistory(t *testing.T) {
	inv, db := newTestInventory(t, 2)
	bus := events.NewBus(newTestLogger())
	defer inv.subscribe(bus)()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := range 4 {
		at := start.Add(time.Duration(i) * time.Minute)
		if err := db.SaveUpdate(&store.UpdateRecord{ID: store.NewUpdateID(at), StartedAt: at, Status: store.StatusSuccess}); err != nil {
			t.Fatal(err)
		}
	}
	bus.Emit(events.Event{Type: events.TypeUpdateResult, Data: events.UpdateResult{Status: store.StatusSuccess}})

	recs, err := db.ListUpdates(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || !recs[1].StartedAt.Equal(start.Add(3*time.Minute)) {
		t.Errorf("kept %d records: %+v", len(recs), recs)
	}
}
