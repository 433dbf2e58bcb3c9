package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pneumalabs/spiro/pkg/breath"
	"github.com/pneumalabs/spiro/pkg/utils/ptr"
)

func TestNewFileMissingFileUsesDefaults(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}

	if got := f.DeadZone(); got != breath.DefaultDeadZone {
		t.Errorf("DeadZone = %v, want %v", got, breath.DefaultDeadZone)
	}
	if got := f.TickInterval(); got != 100*time.Millisecond {
		t.Errorf("TickInterval = %v, want 100ms", got)
	}
	if got := f.RetryInterval(); got != 2*time.Second {
		t.Errorf("RetryInterval = %v, want 2s", got)
	}
	if got := f.CalibrationSamples(); got != 50 {
		t.Errorf("CalibrationSamples = %d, want 50", got)
	}
	if f.AllowNonRootAccess() {
		t.Error("AllowNonRootAccess should default to false")
	}
	if got := f.Schedule(); got != "" {
		t.Errorf("Schedule = %q, want empty", got)
	}
	if got := f.MQTTTopic(); got != "spiro/breath" {
		t.Errorf("MQTTTopic = %q, want spiro/breath", got)
	}
}

func TestFileSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}

	f.SetDeadZone(0.1)
	f.SetSchedule("0 7 * * *")
	f.SetAllowNonRootAccess(true)
	if err := f.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	g, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile after save: %v", err)
	}
	if got := g.DeadZone(); got != 0.1 {
		t.Errorf("DeadZone = %v, want 0.1", got)
	}
	if got := g.Schedule(); got != "0 7 * * *" {
		t.Errorf("Schedule = %q, want the saved expression", got)
	}
	if !g.AllowNonRootAccess() {
		t.Error("AllowNonRootAccess should survive a round trip")
	}
	// Unset fields still fall back to defaults.
	if got := g.CalibrationSamples(); got != 50 {
		t.Errorf("CalibrationSamples = %d, want 50", got)
	}
}

func TestFileLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("  \n"), 0644); err != nil {
		t.Fatal(err)
	}

	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if got := f.DeadZone(); got != breath.DefaultDeadZone {
		t.Errorf("DeadZone = %v, want default", got)
	}
}

func TestFileLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewFile(path); err == nil {
		t.Error("NewFile should fail on malformed JSON")
	}
}

func TestSetDeadZonePanicsOutOfRange(t *testing.T) {
	f := NewFileFromConfig(&RawFileConfig{}, "")
	defer func() {
		if recover() == nil {
			t.Error("SetDeadZone(1) should panic")
		}
	}()
	f.SetDeadZone(1)
}

func TestNewRawFileConfigFromConfig(t *testing.T) {
	f := NewFileFromConfig(&RawFileConfig{
		DeadZone:           ptr.To(0.05),
		TickIntervalMillis: ptr.To(50),
	}, "")

	raw, err := NewRawFileConfigFromConfig(f)
	if err != nil {
		t.Fatalf("NewRawFileConfigFromConfig: %v", err)
	}
	if raw.DeadZone == nil || *raw.DeadZone != 0.05 {
		t.Errorf("raw dead zone = %v, want 0.05", raw.DeadZone)
	}
	if raw.TickIntervalMillis == nil || *raw.TickIntervalMillis != 50 {
		t.Errorf("raw tick interval = %v, want 50", raw.TickIntervalMillis)
	}
	// Fields left nil surface as their defaults.
	if raw.CalibrationSamples == nil || *raw.CalibrationSamples != 50 {
		t.Errorf("raw calibration samples = %v, want 50", raw.CalibrationSamples)
	}

	if _, err := NewRawFileConfigFromConfig(nil); err == nil {
		t.Error("nil config should be rejected")
	}
}
