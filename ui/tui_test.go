package ui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/franksops/gomigrate/store"
)

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		bytesPerSec float64
		expected    string
	}{
		{500, "500 B/s"},
		{1024, "1.00 KB/s"},
		{2048, "2.00 KB/s"},
		{1048576, "1.00 MB/s"},
		{1572864, "1.50 MB/s"},
		{1073741824, "1.00 GB/s"},
	}

	for _, tt := range tests {
		result := formatSpeed(tt.bytesPerSec)
		if result != tt.expected {
			t.Errorf("formatSpeed(%v) = %v; want %v", tt.bytesPerSec, result, tt.expected)
		}
	}
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		progress       float64
		bytesPerMs     float64
		totalBytes     int64
		completedBytes int64
		expected       string
	}{
		{0.0, 1000, 10000, 0, "Calculating..."},
		{0.5, 0, 10000, 5000, "Calculating..."},
		{0.5, 1, 10000, 5000, "5s"}, // 5000 bytes remaining, 1 byte per ms = 5000 ms = 5s
		{1.0, 10, 1000, 1000, "0s"},
		{0.5, 1, 200_000_000_000, 100_000_000_000, "> 1d"},
	}

	for _, tt := range tests {
		result := formatETA(tt.progress, tt.bytesPerMs, tt.totalBytes, tt.completedBytes)
		if result != tt.expected {
			t.Errorf("formatETA(%v, %v, %v, %v) = %v; want %v",
				tt.progress, tt.bytesPerMs, tt.totalBytes, tt.completedBytes, result, tt.expected)
		}
	}
}

func staticSnapshot(m *store.Migration) Snapshot {
	return func() (*store.Migration, error) { return m, nil }
}

func TestTUIModelInitialization(t *testing.T) {
	model := NewTUIModel(staticSnapshot(nil), Controls{}, 0)

	if model.interval != 500*time.Millisecond {
		t.Errorf("Expected default interval, got %s", model.interval)
	}

	view := model.View()
	if !strings.Contains(view, "Initializing...") {
		t.Errorf("Expected Initializing view when width is 0")
	}
}

func TestTUIModel_UpdateTracksThroughput(t *testing.T) {
	model := NewTUIModel(staticSnapshot(nil), Controls{}, time.Second)
	sized, _ := model.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	model = sized.(TUIModel)

	start := time.Now()
	mig := &store.Migration{
		ID:               "m1",
		SourceCategory:   store.CategoryAssets,
		TargetProvider:   "s3",
		Status:           store.MigrationInProgress,
		TotalFiles:       10,
		MigratedFiles:    2,
		TotalBytes:       10000,
		TransferredBytes: 1000,
		CurrentFile:      "img/logo.png",
	}
	next, cmd := model.Update(TUIUpdateMsg{Migration: mig, At: start})
	model = next.(TUIModel)
	if cmd == nil {
		t.Fatal("expected a tick to be scheduled")
	}

	later := *mig
	later.TransferredBytes = 3000
	later.MigratedFiles = 4
	next, _ = model.Update(TUIUpdateMsg{Migration: &later, At: start.Add(time.Second)})
	model = next.(TUIModel)

	state := model.State()
	if state.ThroughputBPms != 2 {
		t.Errorf("Expected 2 bytes/ms, got %v", state.ThroughputBPms)
	}
	if state.Done {
		t.Error("running migration reported done")
	}

	view := model.View()
	for _, want := range []string{"m1", "img/logo.png", "Files: 4/10"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestTUIModel_QuitsWhenMigrationStops(t *testing.T) {
	model := NewTUIModel(staticSnapshot(nil), Controls{}, time.Second)
	sized, _ := model.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	model = sized.(TUIModel)

	done := &store.Migration{ID: "m1", Status: store.MigrationCompleted, TotalFiles: 1, MigratedFiles: 1}
	next, cmd := model.Update(TUIUpdateMsg{Migration: done, At: time.Now()})
	model = next.(TUIModel)

	if !model.State().Done {
		t.Fatal("expected done state")
	}
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
	if !strings.Contains(model.View(), "Migration Complete!") {
		t.Error("expected completion footer")
	}
}

func TestTUIModel_Controls(t *testing.T) {
	paused := false
	controls := Controls{
		Pause:  func() error { paused = true; return nil },
		Cancel: func() error { return errors.New("not running") },
	}
	model := NewTUIModel(staticSnapshot(nil), controls, time.Second)

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	if cmd == nil {
		t.Fatal("expected pause command")
	}
	next, _ := model.Update(cmd())
	model = next.(TUIModel)
	if !paused {
		t.Error("pause control not called")
	}
	if !strings.Contains(model.notice, "pause requested") {
		t.Errorf("unexpected notice %q", model.notice)
	}

	_, cmd = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	next, _ = model.Update(cmd())
	model = next.(TUIModel)
	if !strings.Contains(model.notice, "not running") {
		t.Errorf("unexpected notice %q", model.notice)
	}
}

func TestTUIModel_FetchError(t *testing.T) {
	model := NewTUIModel(func() (*store.Migration, error) {
		return nil, errors.New("database is locked")
	}, Controls{}, time.Second)

	msg := model.poll()()
	next, _ := model.Update(msg)
	model = next.(TUIModel)
	if model.State().Err == nil {
		t.Fatal("expected fetch error in state")
	}

	sized, _ := model.Update(tea.WindowSizeMsg{Width: 80, Height: 20})
	if !strings.Contains(sized.(TUIModel).View(), "database is locked") {
		t.Error("expected error in view")
	}
}
